package detect

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mikey/phishguard/internal/core"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var contentOrder = []string{ContentUrgency, ContentCredential, ContentFinancial, ContentSuspicious}

type keywordSet struct {
	name     string
	weight   float64
	keywords []string
	patterns []*regexp.Regexp
}

// ContentAnalyzer matches curated phrase lists against the subject and body
type ContentAnalyzer struct {
	sets []keywordSet
}

// NewContentAnalyzer compiles the content rule sets
func NewContentAnalyzer(rules *Rules) (*ContentAnalyzer, error) {
	names := make([]string, 0, len(rules.Content.Sets))
	for _, name := range contentOrder {
		if _, ok := rules.Content.Sets[name]; ok {
			names = append(names, name)
		}
	}
	var extra []string
	for name := range rules.Content.Sets {
		if !containsString(contentOrder, name) {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	names = append(names, extra...)

	a := &ContentAnalyzer{}
	for _, name := range names {
		src := rules.Content.Sets[name]
		set := keywordSet{name: name, weight: src.Weight}
		for _, kw := range src.Keywords {
			if folded := fold(kw); folded != "" {
				set.keywords = append(set.keywords, folded)
			}
		}
		for _, p := range src.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("failed to compile content pattern %q: %w", p, err)
			}
			set.patterns = append(set.patterns, re)
		}
		a.sets = append(a.sets, set)
	}
	return a, nil
}

// Category implements core.Detector
func (a *ContentAnalyzer) Category() core.Category {
	return core.CategoryContent
}

// Detect implements core.Detector
func (a *ContentAnalyzer) Detect(ctx context.Context, email *core.Email) ([]core.Finding, error) {
	set := newFindingSet(core.CategoryContent, nil)
	text := fold(email.Subject + "\n" + email.Body)
	if text == "" {
		return set.findings(), nil
	}

	for _, ks := range a.sets {
		for _, kw := range ks.keywords {
			if strings.Contains(text, kw) {
				set.addWeighted(ks.name, kw, ks.weight, fmt.Sprintf("matched %q", kw))
			}
		}
		for _, re := range ks.patterns {
			if m := re.FindString(text); m != "" {
				set.addWeighted(ks.name, re.String(), ks.weight, fmt.Sprintf("matched %q", m))
			}
		}
	}
	return set.findings(), nil
}

// fold applies compatibility normalization and case folding, then collapses
// whitespace so that phrases split across lines still match
func fold(s string) string {
	s = cases.Fold().String(norm.NFKC.String(s))
	return strings.Join(strings.Fields(s), " ")
}
