package detect

import (
	"context"
	"testing"

	"github.com/mikey/phishguard/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentAnalyzerMatchesCategories(t *testing.T) {
	a, err := NewContentAnalyzer(DefaultRules())
	require.NoError(t, err)

	email := &core.Email{
		Subject: "URGENT: verify your account",
		Body:    "Please act\n   immediately or lose access.",
	}
	findings, err := a.Detect(context.Background(), email)
	require.NoError(t, err)

	byIndicator := make(map[string]int)
	for _, f := range findings {
		assert.Equal(t, core.CategoryContent, f.Category)
		byIndicator[f.Indicator]++
	}
	assert.Equal(t, 2, byIndicator[ContentUrgency])
	assert.Equal(t, 1, byIndicator[ContentCredential])
	assert.Equal(t, 2, byIndicator[ContentSuspicious])
	assert.Zero(t, byIndicator[ContentFinancial])

	assert.Equal(t, ContentUrgency, findings[0].Indicator)
	assert.Equal(t, WeightUrgency, findings[0].Weight)
	assert.Equal(t, `matched "urgent"`, findings[0].Evidence)
}

func TestContentAnalyzerPatterns(t *testing.T) {
	a, err := NewContentAnalyzer(DefaultRules())
	require.NoError(t, err)

	findings, err := a.Detect(context.Background(), &core.Email{
		Body: "Respond within 24 hours. Your ACCOUNT will be SUSPENDED.",
	})
	require.NoError(t, err)
	require.Len(t, findings, 2)
	for _, f := range findings {
		assert.Equal(t, ContentUrgency, f.Indicator)
	}
	assert.Contains(t, findings[0].Evidence, "account will be suspend")
	assert.Contains(t, findings[1].Evidence, "within 24 hours")
}

func TestContentAnalyzerCompatibilityFolding(t *testing.T) {
	a, err := NewContentAnalyzer(DefaultRules())
	require.NoError(t, err)

	// Fullwidth letters fold to ASCII under NFKC.
	findings, err := a.Detect(context.Background(), &core.Email{Body: "Buy a ＧＩＦＴ ＣＡＲＤ"})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, ContentFinancial, findings[0].Indicator)
}

func TestContentAnalyzerNeutralText(t *testing.T) {
	a, err := NewContentAnalyzer(DefaultRules())
	require.NoError(t, err)

	findings, err := a.Detect(context.Background(), &core.Email{
		Subject: "Lunch on Thursday",
		Body:    "See you at noon by the usual place.",
	})
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.NotNil(t, findings)

	findings, err = a.Detect(context.Background(), &core.Email{})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestContentAnalyzerExtraSet(t *testing.T) {
	rules := DefaultRules()
	rules.Content.Sets["lottery"] = KeywordSet{Weight: 0.5, Keywords: []string{"you have won"}}
	a, err := NewContentAnalyzer(rules)
	require.NoError(t, err)

	findings, err := a.Detect(context.Background(), &core.Email{Body: "You have WON a prize"})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "lottery", findings[0].Indicator)
	assert.Equal(t, 0.5, findings[0].Weight)
}

func TestContentAnalyzerBadPattern(t *testing.T) {
	rules := DefaultRules()
	rules.Content.Sets[ContentUrgency] = KeywordSet{Weight: 0.3, Patterns: []string{"("}}
	_, err := NewContentAnalyzer(rules)
	assert.Error(t, err)
}
