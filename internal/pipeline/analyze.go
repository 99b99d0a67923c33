package pipeline

import (
	"context"
	"fmt"

	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/metrics"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// detection is the output of one detector run
type detection struct {
	category core.Category
	findings []core.Finding
	skipped  *core.SkippedCategory
}

// analyze parses the email, runs the detectors concurrently and scores the
// result. Cancellation is checked after parsing and before scoring.
func (s *Service) analyze(ctx context.Context, data []byte) (*core.AnalysisResult, error) {
	email, err := s.parse(data)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	findings, skipped := s.detect(ctx, email)
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	return s.scorer.Evaluate(email, findings, skipped, s.now()), nil
}

func (s *Service) parse(data []byte) (email *core.Email, err error) {
	var pc panics.Catcher
	pc.Try(func() {
		email, err = s.parser.Parse(data)
	})
	if r := pc.Recovered(); r != nil {
		return nil, core.WrapError(core.KindParse, "parser panicked", r.AsError())
	}
	if err != nil {
		if core.KindOf(err) != core.KindParse {
			err = core.WrapError(core.KindParse, "failed to parse email", err)
		}
		return nil, err
	}
	return email, nil
}

// detect runs every detector in its own goroutine. A detector that errors
// or panics is reported as skipped and leaves the other categories intact.
func (s *Service) detect(ctx context.Context, email *core.Email) (map[core.Category][]core.Finding, []core.SkippedCategory) {
	results := make([]detection, len(s.detectors))

	var wg conc.WaitGroup
	for i, d := range s.detectors {
		wg.Go(func() {
			results[i] = s.runDetector(ctx, d, email)
		})
	}
	wg.Wait()

	findings := make(map[core.Category][]core.Finding, len(results))
	var skipped []core.SkippedCategory
	for _, r := range results {
		if r.skipped != nil {
			skipped = append(skipped, *r.skipped)
			continue
		}
		findings[r.category] = r.findings
	}
	return findings, skipped
}

func (s *Service) runDetector(ctx context.Context, d core.Detector, email *core.Email) detection {
	cat := d.Category()
	if err := ctx.Err(); err != nil {
		return detection{category: cat, skipped: &core.SkippedCategory{
			Category: cat,
			Reason:   fmt.Sprintf("not run: %v", context.Cause(ctx)),
		}}
	}

	var (
		findings []core.Finding
		err      error
		pc       panics.Catcher
	)
	pc.Try(func() {
		findings, err = d.Detect(ctx, email)
	})

	reason := ""
	if r := pc.Recovered(); r != nil {
		reason = fmt.Sprintf("detector panicked: %v", r.Value)
	} else if err != nil {
		reason = core.WrapError(core.KindDetector, "detector failed", err).Error()
	}
	if reason != "" {
		metrics.DetectorFailuresTotal.WithLabelValues(string(cat)).Inc()
		s.logger.Warn("Detector skipped", zap.String("category", string(cat)), zap.String("reason", reason))
		return detection{category: cat, skipped: &core.SkippedCategory{Category: cat, Reason: reason}}
	}

	// A detector only ever reports under its own category
	owned := make([]core.Finding, 0, len(findings))
	for _, f := range findings {
		f.Category = cat
		owned = append(owned, f)
	}
	return detection{category: cat, findings: owned}
}
