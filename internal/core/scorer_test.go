package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finding(cat Category, name string, w float64) Finding {
	return Finding{Indicator: name, Category: cat, Weight: w, Evidence: name}
}

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(DefaultScoringConfig())
	require.NoError(t, err)
	return s
}

func TestDefaultConstants(t *testing.T) {
	assert.Equal(t, 0.20, DefaultHeaderImportance)
	assert.Equal(t, 0.20, DefaultContentImportance)
	assert.Equal(t, 0.35, DefaultLinkImportance)
	assert.Equal(t, 0.25, DefaultAttachmentImportance)
	assert.Equal(t, 0.7, DefaultHighThreshold)
	assert.Equal(t, 0.4, DefaultMediumThreshold)
	assert.NoError(t, DefaultScoringConfig().Validate())
}

func TestScoringConfigValidate(t *testing.T) {
	cfg := DefaultScoringConfig()
	cfg.Importance[CategoryLink] = 0.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultScoringConfig()
	delete(cfg.Importance, CategoryAttachment)
	assert.Error(t, cfg.Validate())

	cfg = DefaultScoringConfig()
	cfg.MediumThreshold = 0.8
	assert.Error(t, cfg.Validate())
}

func TestCategoryScoreIsCapped(t *testing.T) {
	s := newTestScorer(t)
	assert.Equal(t, 0.0, s.CategoryScore(nil))
	assert.InDelta(t, 0.6, s.CategoryScore([]Finding{
		finding(CategoryHeader, "a", 0.4),
		finding(CategoryHeader, "b", 0.2),
	}), 1e-9)
	assert.Equal(t, 1.0, s.CategoryScore([]Finding{
		finding(CategoryHeader, "a", 0.7),
		finding(CategoryHeader, "b", 0.7),
	}))
}

func TestScoreRoundsOnlyTheTotal(t *testing.T) {
	s, err := NewScorer(ScoringConfig{
		Importance: map[Category]float64{
			CategoryHeader:     0.5,
			CategoryContent:    0.5,
			CategoryLink:       0,
			CategoryAttachment: 0,
		},
		HighThreshold:   DefaultHighThreshold,
		MediumThreshold: DefaultMediumThreshold,
	})
	require.NoError(t, err)

	// Rounding each category first would give 0.002*0.5 + 0.001*0.5 = 0.0015
	score, _, cats := s.Score(map[Category][]Finding{
		CategoryHeader:  {finding(CategoryHeader, "a", 0.0018)},
		CategoryContent: {finding(CategoryContent, "b", 0.0010)},
	})
	assert.Equal(t, 0.001, score)
	assert.InDelta(t, 0.0018, cats[CategoryHeader], 1e-12)
	assert.InDelta(t, 0.0010, cats[CategoryContent], 1e-12)
}

func TestScoreWeightsCategories(t *testing.T) {
	s := newTestScorer(t)

	score, risk, cats := s.Score(map[Category][]Finding{
		CategoryHeader:  {finding(CategoryHeader, "reply_to_mismatch", 1.0)},
		CategoryContent: {finding(CategoryContent, "urgent", 1.0)},
		CategoryLink:    {finding(CategoryLink, "ip_literal_host", 1.0)},
	})
	assert.Equal(t, 0.75, score)
	assert.Equal(t, RiskHigh, risk)
	assert.Equal(t, 1.0, cats[CategoryLink])
	assert.Equal(t, 0.0, cats[CategoryAttachment])

	score, risk, _ = s.Score(map[Category][]Finding{
		CategoryLink: {finding(CategoryLink, "url_shortener", 0.3)},
	})
	assert.Equal(t, 0.105, score)
	assert.Equal(t, RiskLow, risk)

	score, _, _ = s.Score(map[Category][]Finding{
		CategoryHeader:     {finding(CategoryHeader, "x", 1)},
		CategoryContent:    {finding(CategoryContent, "x", 1)},
		CategoryLink:       {finding(CategoryLink, "x", 1)},
		CategoryAttachment: {finding(CategoryAttachment, "x", 1)},
	})
	assert.Equal(t, 1.0, score)
}

func TestRiskLevelThresholds(t *testing.T) {
	s := newTestScorer(t)
	cases := []struct {
		score float64
		want  RiskLevel
	}{
		{0, RiskLow},
		{0.399, RiskLow},
		{0.4, RiskMedium},
		{0.699, RiskMedium},
		{0.7, RiskHigh},
		{1, RiskHigh},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, s.RiskLevel(tc.score), "score %v", tc.score)
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	s := newTestScorer(t)
	findings := map[Category][]Finding{
		CategoryHeader:     {finding(CategoryHeader, "spf_missing", 0.2), finding(CategoryHeader, "dkim_missing", 0.2)},
		CategoryAttachment: {finding(CategoryAttachment, "double_extension", 0.7)},
	}
	first, firstRisk, _ := s.Score(findings)
	for i := 0; i < 50; i++ {
		score, risk, _ := s.Score(findings)
		require.Equal(t, first, score)
		require.Equal(t, firstRisk, risk)
	}
	assert.Equal(t, 0.255, first)
	assert.Equal(t, RiskLow, firstRisk)
}

func TestScoreStaysInRange(t *testing.T) {
	s := newTestScorer(t)
	for n := 0; n < 20; n++ {
		var list []Finding
		for i := 0; i < n; i++ {
			list = append(list, finding(CategoryLink, "x", 0.37))
		}
		score, _, _ := s.Score(map[Category][]Finding{CategoryLink: list, CategoryHeader: list})
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	}
}

func TestRecommendations(t *testing.T) {
	s := newTestScorer(t)
	assert.Equal(t, []string{RecommendSafe}, s.Recommendations(map[Category]float64{}))
	assert.Equal(t,
		[]string{RecommendHeader, RecommendLink},
		s.Recommendations(map[Category]float64{CategoryLink: 0.3, CategoryHeader: 0.1}),
	)
}

func TestEvaluateFillsEveryCategory(t *testing.T) {
	s := newTestScorer(t)
	email := &Email{Subject: "hello", Sender: "A <a@x.com>", ParseWarnings: []string{"bad boundary"}}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	result := s.Evaluate(email, nil, []SkippedCategory{{Category: CategoryLink, Reason: "boom"}}, now)

	for _, cat := range Categories {
		assert.NotNil(t, result.Findings[cat], "category %s", cat)
		assert.Empty(t, result.Findings[cat])
	}
	assert.Equal(t, 0.0, result.ThreatScore)
	assert.Equal(t, RiskLow, result.RiskLevel)
	assert.Equal(t, "hello", result.Subject)
	assert.Equal(t, []string{"bad boundary"}, result.ParseWarnings)
	assert.Len(t, result.Skipped, 1)
	assert.Equal(t, now, result.AnalyzedAt)
}
