package parser

import (
	"strings"

	"github.com/mikey/phishguard/internal/core"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// htmlDocument is the text view of an HTML part
type htmlDocument struct {
	// text is the visible text, anchor text included.
	text string
	// outside is the visible text that is not inside an anchor.
	outside string
	anchors []core.Link
}

var blockElements = map[atom.Atom]bool{
	atom.Br: true, atom.P: true, atom.Div: true, atom.Tr: true, atom.Li: true,
	atom.Table: true, atom.Blockquote: true, atom.H1: true, atom.H2: true,
	atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
}

var hiddenElements = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Title: true,
}

// htmlToText strips markup and collects anchors with their display text
func htmlToText(src string) htmlDocument {
	var (
		doc     htmlDocument
		all     strings.Builder
		outside strings.Builder
		label   strings.Builder
		href    string
		inLink  bool
		hidden  int
	)

	closeLink := func() {
		if inLink && isWebLink(href) {
			doc.anchors = append(doc.anchors, core.Link{
				URL:         strings.TrimSpace(href),
				DisplayText: strings.Join(strings.Fields(label.String()), " "),
				FromHTML:    true,
			})
		}
		inLink = false
		href = ""
		label.Reset()
	}

	z := html.NewTokenizer(strings.NewReader(src))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			closeLink()
			doc.text = all.String()
			doc.outside = outside.String()
			return doc

		case html.TextToken:
			if hidden > 0 {
				continue
			}
			text := string(z.Text())
			all.WriteString(text)
			if inLink {
				label.WriteString(text)
			} else {
				outside.WriteString(text)
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			a := atom.Lookup(name)
			switch {
			case hiddenElements[a]:
				if tt == html.StartTagToken {
					hidden++
				}
			case a == atom.A:
				closeLink()
				for hasAttr {
					var key, val []byte
					key, val, hasAttr = z.TagAttr()
					if string(key) == "href" {
						href = string(val)
					}
				}
				inLink = tt == html.StartTagToken
			case blockElements[a]:
				all.WriteByte('\n')
				outside.WriteByte('\n')
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			switch {
			case hiddenElements[a]:
				if hidden > 0 {
					hidden--
				}
			case a == atom.A:
				closeLink()
			case blockElements[a]:
				all.WriteByte('\n')
				outside.WriteByte('\n')
			}
		}
	}
}

func isWebLink(href string) bool {
	h := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(h, "http://") || strings.HasPrefix(h, "https://") || strings.HasPrefix(h, "www.")
}
