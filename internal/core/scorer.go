package core

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Default category importance. The vector sums to 1.0.
const (
	DefaultHeaderImportance     = 0.20
	DefaultContentImportance    = 0.20
	DefaultLinkImportance       = 0.35
	DefaultAttachmentImportance = 0.25
)

// Default risk thresholds
const (
	DefaultHighThreshold   = 0.7
	DefaultMediumThreshold = 0.4
)

// ScorePrecision is the number of decimals kept in threat scores
const ScorePrecision = 3

// Recommendation texts, one per contributing category
const (
	RecommendHeader     = "The email failed sender verification checks. Verify the sender through a trusted channel before acting."
	RecommendContent    = "This email contains common phishing phrases. Verify any requests through official channels."
	RecommendLink       = "Do not click links; verify the sender out-of-band. If necessary, type the address into your browser manually."
	RecommendAttachment = "This email contains potentially dangerous attachments. Do not open them."
	RecommendSafe       = "This email appears to be safe, but always remain vigilant."
)

var defaultRecommendations = map[Category]string{
	CategoryHeader:     RecommendHeader,
	CategoryContent:    RecommendContent,
	CategoryLink:       RecommendLink,
	CategoryAttachment: RecommendAttachment,
}

// ScoringConfig holds the tunable scoring constants
type ScoringConfig struct {
	Importance      map[Category]float64
	HighThreshold   float64
	MediumThreshold float64
}

// DefaultScoringConfig returns the calibrated defaults
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Importance: map[Category]float64{
			CategoryHeader:     DefaultHeaderImportance,
			CategoryContent:    DefaultContentImportance,
			CategoryLink:       DefaultLinkImportance,
			CategoryAttachment: DefaultAttachmentImportance,
		},
		HighThreshold:   DefaultHighThreshold,
		MediumThreshold: DefaultMediumThreshold,
	}
}

// Validate checks that importance covers every category and sums to 1.0
func (c ScoringConfig) Validate() error {
	sum := 0.0
	for _, cat := range Categories {
		w, ok := c.Importance[cat]
		if !ok {
			return fmt.Errorf("missing importance for category %s", cat)
		}
		if w < 0 || w > 1 {
			return fmt.Errorf("importance for category %s out of range: %v", cat, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("category importance must sum to 1.0, got %v", sum)
	}
	if c.MediumThreshold <= 0 || c.MediumThreshold >= c.HighThreshold || c.HighThreshold > 1 {
		return fmt.Errorf("invalid thresholds: medium=%v high=%v", c.MediumThreshold, c.HighThreshold)
	}
	return nil
}

// Scorer combines detector findings into a threat score. It is pure: the
// same findings always produce the same result.
type Scorer struct {
	cfg ScoringConfig
}

// NewScorer creates a scorer from a validated configuration
func NewScorer(cfg ScoringConfig) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring configuration: %w", err)
	}
	importance := make(map[Category]float64, len(cfg.Importance))
	for k, v := range cfg.Importance {
		importance[k] = v
	}
	cfg.Importance = importance
	return &Scorer{cfg: cfg}, nil
}

// CategoryScore sums finding weights, capped at 1.0. Only the overall
// score is rounded.
func (s *Scorer) CategoryScore(findings []Finding) float64 {
	sum := 0.0
	for _, f := range findings {
		sum += f.Weight
	}
	return math.Min(1.0, sum)
}

// Score returns the overall score, its risk level and per-category scores
func (s *Scorer) Score(findings map[Category][]Finding) (float64, RiskLevel, map[Category]float64) {
	categoryScores := make(map[Category]float64, len(Categories))
	total := 0.0
	for _, cat := range Categories {
		cs := s.CategoryScore(findings[cat])
		categoryScores[cat] = cs
		total += cs * s.cfg.Importance[cat]
	}
	score := round(math.Min(1.0, total))
	return score, s.RiskLevel(score), categoryScores
}

// RiskLevel maps a score onto a tier
func (s *Scorer) RiskLevel(score float64) RiskLevel {
	switch {
	case score >= s.cfg.HighThreshold:
		return RiskHigh
	case score >= s.cfg.MediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Recommendations returns one entry per category with a non-zero score
func (s *Scorer) Recommendations(categoryScores map[Category]float64) []string {
	var recs []string
	for _, cat := range Categories {
		if categoryScores[cat] > 0 {
			recs = append(recs, defaultRecommendations[cat])
		}
	}
	if len(recs) == 0 {
		recs = append(recs, RecommendSafe)
	}
	return recs
}

// Evaluate builds a complete result from detector output
func (s *Scorer) Evaluate(email *Email, findings map[Category][]Finding, skipped []SkippedCategory, analyzedAt time.Time) *AnalysisResult {
	normalized := make(map[Category][]Finding, len(Categories))
	for _, cat := range Categories {
		list := findings[cat]
		if list == nil {
			list = []Finding{}
		}
		normalized[cat] = list
	}

	score, risk, categoryScores := s.Score(normalized)
	result := &AnalysisResult{
		ThreatScore:     score,
		RiskLevel:       risk,
		Findings:        normalized,
		CategoryScores:  categoryScores,
		Recommendations: s.Recommendations(categoryScores),
		Skipped:         skipped,
		AnalyzedAt:      analyzedAt.UTC(),
	}
	if email != nil {
		result.Subject = email.Subject
		result.Sender = email.Sender
		if len(email.ParseWarnings) > 0 {
			result.ParseWarnings = append([]string(nil), email.ParseWarnings...)
		}
	}
	return result
}

func round(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(ScorePrecision).Float64()
	return f
}
