// Package detector recognizes anti-bot interstitials and block pages in fetched HTML.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultKeywords are phrases bot walls and CDN challenges commonly render.
var DefaultKeywords = []string{
	"captcha",
	"access denied",
	"are you a robot",
	"verify you are human",
	"just a moment",
	"unusual traffic",
	"cf-browser-verification",
	"pardon our interruption",
	"request blocked",
	"bot detection",
}

// DefaultMaxBlockText is the visible-text length above which a page is never treated as a block page.
const DefaultMaxBlockText = 3000

// Verdict is the result of classifying a page.
type Verdict struct {
	Blocked bool
	Keyword string
}

// Classifier flags block pages by keyword, limited to pages with little visible text.
type Classifier struct {
	keywords     []string
	maxBlockText int
}

// New constructs a Classifier. Empty keywords fall back to DefaultKeywords and
// a non-positive maxBlockText falls back to DefaultMaxBlockText.
func New(keywords []string, maxBlockText int) *Classifier {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	lower := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		lower = append(lower, kw)
	}
	if maxBlockText <= 0 {
		maxBlockText = DefaultMaxBlockText
	}
	return &Classifier{keywords: lower, maxBlockText: maxBlockText}
}

// Classify inspects body for block signatures.
func (c *Classifier) Classify(body []byte) Verdict {
	if c == nil || len(bytes.TrimSpace(body)) == 0 {
		return Verdict{}
	}
	kw := c.matchKeyword(body)
	if kw == "" {
		return Verdict{}
	}
	if len([]rune(VisibleText(body))) >= c.maxBlockText {
		return Verdict{}
	}
	return Verdict{Blocked: true, Keyword: kw}
}

// IsBlocked is shorthand for Classify(body).Blocked.
func (c *Classifier) IsBlocked(body []byte) bool {
	return c.Classify(body).Blocked
}

func (c *Classifier) matchKeyword(body []byte) string {
	lowerBody := bytes.ToLower(body)
	for _, kw := range c.keywords {
		if bytes.Contains(lowerBody, []byte(kw)) {
			return kw
		}
	}
	return ""
}

// VisibleText returns the whitespace-collapsed text of body without scripts and styles.
func VisibleText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return strings.Join(strings.Fields(string(body)), " ")
	}
	doc.Find("script, style, noscript, template").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
