// Package detect holds the four analyzers that inspect a parsed email.
// Each analyzer is pure over its input apart from the optional DNS lookups
// of the link analyzer.
package detect

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mikey/phishguard/internal/core"
	"go.uber.org/zap"
)

// Options holds runtime knobs that are not part of the rule pack
type Options struct {
	ResolveDomains     bool
	ResolveTimeout     time.Duration
	ResolveConcurrency int
}

// DefaultOptions returns options with DNS resolution disabled
func DefaultOptions() Options {
	return Options{
		ResolveDomains:     false,
		ResolveTimeout:     2 * time.Second,
		ResolveConcurrency: 4,
	}
}

// Resolver looks up host addresses; *net.Resolver satisfies it
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// NewSuite builds the closed set of detectors in category order
func NewSuite(rules *Rules, opts Options, resolver Resolver, logger *zap.Logger) ([]core.Detector, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	content, err := NewContentAnalyzer(rules)
	if err != nil {
		return nil, err
	}

	return []core.Detector{
		NewHeaderAnalyzer(rules),
		content,
		NewLinkAnalyzer(rules, opts, resolver, logger),
		NewAttachmentAnalyzer(rules),
	}, nil
}

// findingSet accumulates findings in detection order, dropping duplicates
type findingSet struct {
	category core.Category
	weights  map[string]float64
	seen     map[string]struct{}
	list     []core.Finding
}

func newFindingSet(category core.Category, weights map[string]float64) *findingSet {
	return &findingSet{
		category: category,
		weights:  weights,
		seen:     make(map[string]struct{}),
		list:     []core.Finding{},
	}
}

// add records indicator once per dedup key, using its configured weight
func (s *findingSet) add(indicator, key, evidence string) {
	s.addWeighted(indicator, key, s.weights[indicator], evidence)
}

func (s *findingSet) addWeighted(indicator, key string, weight float64, evidence string) {
	if weight <= 0 {
		return
	}
	dedup := indicator + "\x00" + key
	if _, ok := s.seen[dedup]; ok {
		return
	}
	s.seen[dedup] = struct{}{}
	s.list = append(s.list, core.Finding{
		Indicator: indicator,
		Category:  s.category,
		Weight:    weight,
		Evidence:  evidence,
	})
}

func (s *findingSet) findings() []core.Finding {
	return s.list
}
