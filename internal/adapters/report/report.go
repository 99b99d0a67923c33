// Package report renders analysed tasks for the command line scanner.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mikey/phishguard/internal/core"
)

// Formats lists the report formats accepted by Write
var Formats = []string{"text", "json", "csv"}

// Write renders tasks in the given format
func Write(w io.Writer, format string, tasks []*core.Task, now time.Time) error {
	switch format {
	case "text":
		return NewTextReporter(w, false).Write(tasks)
	case "json", "csv":
		records := make([]core.ExportRecord, 0, len(tasks))
		for _, t := range tasks {
			records = append(records, core.NewExportRecord(t))
		}
		if format == "json" {
			return core.WriteJSON(w, records, now)
		}
		return core.WriteCSV(w, records)
	default:
		return core.Errorf(core.KindInvalidInput, "unsupported report format %q (want %s)", format, strings.Join(Formats, ", "))
	}
}

// TextReporter prints a human readable report per task
type TextReporter struct {
	w       io.Writer
	verbose bool
	err     error
}

// NewTextReporter creates a text reporter. When verbose is set, finding
// evidence is included.
func NewTextReporter(w io.Writer, verbose bool) *TextReporter {
	return &TextReporter{w: w, verbose: verbose}
}

// Write prints every task followed by a batch summary when the tasks
// include a batch parent
func (r *TextReporter) Write(tasks []*core.Task) error {
	for _, t := range tasks {
		if t.Kind == core.SourceBatch {
			r.batch(t)
			continue
		}
		r.task(t)
	}
	return r.err
}

func (r *TextReporter) printf(format string, args ...any) {
	if r.err != nil {
		return
	}
	_, r.err = fmt.Fprintf(r.w, format, args...)
}

func (r *TextReporter) task(t *core.Task) {
	r.printf("\n=== Task %s ===\n", t.ID)
	r.printf("Source: %s\n", t.Kind)
	r.printf("Status: %s\n", t.Status)
	r.printf("Size: %d bytes\n", t.SizeBytes)
	if t.StartedAt != nil && t.CompletedAt != nil {
		r.printf("Processing time: %v\n", t.CompletedAt.Sub(*t.StartedAt))
	}

	if t.Error != nil {
		r.printf("Error: %s: %s\n", t.Error.Kind, t.Error.Detail)
	}
	res := t.Result
	if res == nil {
		return
	}

	r.printf("\n=== Email Summary ===\n")
	r.printf("From: %s\n", res.Sender)
	r.printf("Subject: %s\n", res.Subject)
	for _, w := range res.ParseWarnings {
		r.printf("Parse warning: %s\n", w)
	}

	r.printf("\n=== Results ===\n")
	r.printf("Threat score: %.*f\n", core.ScorePrecision, res.ThreatScore)
	r.printf("Risk level: %s\n", res.RiskLevel)
	for _, cat := range core.Categories {
		findings := res.Findings[cat]
		r.printf("%s: %.*f (%d findings)\n", cat, core.ScorePrecision, res.CategoryScores[cat], len(findings))
		for _, f := range findings {
			if r.verbose && f.Evidence != "" {
				r.printf("  - %s (%.2f): %s\n", f.Indicator, f.Weight, f.Evidence)
			} else {
				r.printf("  - %s (%.2f)\n", f.Indicator, f.Weight)
			}
		}
	}
	for _, s := range res.Skipped {
		r.printf("Skipped %s: %s\n", s.Category, s.Reason)
	}

	if len(res.Recommendations) > 0 {
		r.printf("\n=== Recommendations ===\n")
		for _, rec := range res.Recommendations {
			r.printf("- %s\n", rec)
		}
	}
}

func (r *TextReporter) batch(t *core.Task) {
	r.printf("\n=== Batch %s ===\n", t.ID)
	r.printf("Status: %s\n", t.Status)
	if t.Batch == nil {
		return
	}
	s := t.Batch.Summary
	r.printf("Total: %d\n", s.Total)
	r.printf("Completed: %d\n", s.Completed)
	r.printf("Failed: %d\n", s.Failed)
	r.printf("High: %d, Medium: %d, Low: %d\n", s.High, s.Medium, s.Low)
}
