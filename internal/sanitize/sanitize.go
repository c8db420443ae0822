package sanitize

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/net/html"
)

// gpt-4o tokenizes with o200k_base; the token cap is counted in that
// vocabulary.
const encodingName = "o200k_base"

// Sanitizer strips a fetched page down to structurally relevant
// content and truncates it to a token budget. It performs no network
// or database access and is deterministic for a given input.
type Sanitizer struct {
	maxTokens int
	encoder   *tiktoken.Tiktoken
}

func New(maxTokens int) (*Sanitizer, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	return &Sanitizer{maxTokens: maxTokens, encoder: enc}, nil
}

// Sanitize cleans the markup, collapses whitespace, and hard-truncates
// the result to the token budget.
func (s *Sanitizer) Sanitize(rawHTML string) string {
	cleaned := CleanHTML(rawHTML)
	cleaned = CollapseText(cleaned)
	return s.truncate(cleaned)
}

func (s *Sanitizer) truncate(text string) string {
	tokens := s.encoder.Encode(text, nil, nil)
	if len(tokens) <= s.maxTokens {
		return text
	}
	return s.encoder.Decode(tokens[:s.maxTokens])
}

// strippedAttrs is the fixed list of presentational and structural
// attributes removed from every element. Link and source URLs (href,
// src) survive, as does the script type attribute that marks JSON-LD.
var strippedAttrs = map[string]bool{
	"class": true, "style": true, "id": true,
	"width": true, "height": true, "sizes": true, "srcset": true, "loading": true,
	"align": true, "color": true, "face": true, "size": true,
	"border": true, "cellpadding": true, "cellspacing": true, "bgcolor": true,
	"valign": true, "background": true, "bordercolor": true,
	"bordercolorlight": true, "bordercolordark": true,
	"clear": true, "nowrap": true, "frame": true, "rules": true,
	"summary": true, "axis": true, "abbr": true, "target": true, "charset": true,
}

// CleanHTML parses the markup best-effort and removes everything that
// carries no event information: svg, footers, non-JSON-LD scripts,
// elements with inline handlers, interactive form elements, styling
// tags, presentational attributes, comments, and empty nodes. The
// returned string is the body's inner markup, or the whole document
// when no body remains.
func CleanHTML(rawHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return rawHTML
	}

	doc.Find("svg, footer").Remove()
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		if sel.AttrOr("type", "") != "application/ld+json" {
			sel.Remove()
		}
	})
	doc.Find("[onclick], [onload], [onmouseover]").Remove()
	doc.Find("input, select, textarea").Remove()
	doc.Find("noscript, style, font").Remove()

	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		n := sel.Get(0)
		kept := n.Attr[:0]
		for _, a := range n.Attr {
			if strippedAttrs[a.Key] || strings.HasPrefix(a.Key, "data-") {
				continue
			}
			kept = append(kept, a)
		}
		n.Attr = kept
	})

	doc.Find("*").Contents().Each(func(_ int, sel *goquery.Selection) {
		if sel.Get(0).Type == html.CommentNode {
			sel.Remove()
		}
	})

	// Removing an empty element can empty its parent, so iterate to a
	// fixpoint; that keeps the whole pass idempotent. Void elements are
	// childless by definition and img in particular carries the event
	// image URL, so they are exempt.
	for {
		removed := 0
		doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
			n := sel.Get(0)
			if n.FirstChild == nil && !voidElements[n.Data] && n.Data != "html" && n.Data != "head" && n.Data != "body" {
				sel.Remove()
				removed++
			}
		})
		if removed == 0 {
			break
		}
	}

	body := doc.Find("body").First()
	if body.Length() > 0 {
		if inner, err := body.Html(); err == nil {
			return inner
		}
	}
	out, err := doc.Html()
	if err != nil {
		return rawHTML
	}
	return out
}

var voidElements = map[string]bool{
	"img": true, "br": true, "hr": true, "meta": true, "link": true,
	"source": true, "area": true, "base": true, "col": true,
	"embed": true, "track": true, "wbr": true,
}

var whitespaceRuns = regexp.MustCompile(`\s+`)

// CollapseText drops blank and single-character lines and squeezes
// whitespace runs into single spaces.
func CollapseText(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if len(strings.TrimSpace(line)) > 1 {
			kept = append(kept, line)
		}
	}
	return whitespaceRuns.ReplaceAllString(strings.Join(kept, " "), " ")
}
