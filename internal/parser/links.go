package parser

import (
	"regexp"
	"strings"

	"github.com/mikey/phishguard/internal/core"
)

var textURL = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"'()\[\]{}]+`)

// linkSet keeps links in first-seen order without duplicates
type linkSet struct {
	seen map[string]struct{}
	list []core.Link
}

func newLinkSet() *linkSet {
	return &linkSet{seen: make(map[string]struct{}), list: []core.Link{}}
}

func (s *linkSet) add(link core.Link) {
	if link.URL == "" {
		return
	}
	key := link.URL + "\x00" + link.DisplayText
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.list = append(s.list, link)
}

// addText extracts bare URLs from plain text
func (s *linkSet) addText(text string) {
	for _, m := range textURL.FindAllString(text, -1) {
		s.add(core.Link{URL: strings.TrimRight(m, ".,;:!?*")})
	}
}
