package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// GenericName is the Output.Strategy value for the fallback extractor.
const GenericName = "generic"

// minMainLength is the shortest main/article text preferred over body.
const minMainLength = 200

var genericNoise = "script, style, noscript, nav, footer, header, aside, iframe, svg, form"

var blockElements = map[string]bool{
	"address": true, "article": true, "blockquote": true, "br": true, "dd": true,
	"div": true, "dl": true, "dt": true, "fieldset": true, "figcaption": true,
	"figure": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "hr": true, "li": true, "main": true, "ol": true, "p": true,
	"pre": true, "section": true, "table": true, "td": true, "th": true,
	"tr": true, "ul": true,
}

// Generic strips page chrome and returns the main content text.
func Generic(doc *goquery.Document) string {
	doc.Find(genericNoise).Remove()
	for _, sel := range []string{"main", "article", "[role=main]"} {
		found := doc.Find(sel)
		if found.Length() == 0 {
			continue
		}
		if t := blockText(found.First()); len(t) >= minMainLength {
			return t
		}
	}
	return blockText(doc.Find("body"))
}

// inlineText returns a single-line value. meta and img elements contribute
// their content and alt attributes.
func inlineText(sel *goquery.Selection) string {
	switch goquery.NodeName(sel) {
	case "meta":
		return collapseSpaces(sel.AttrOr("content", ""))
	case "img":
		return collapseSpaces(sel.AttrOr("alt", ""))
	}
	return collapseSpaces(sel.Text())
}

// blockText returns text with one line per block element.
func blockText(sel *goquery.Selection) string {
	var b strings.Builder
	for _, n := range sel.Nodes {
		writeText(&b, n)
	}
	return normalizeLines(b.String())
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	}
	block := n.Type == html.ElementNode && blockElements[n.Data]
	if block {
		b.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
	if block {
		b.WriteByte('\n')
	}
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeLines collapses runs of whitespace inside lines and drops blank lines.
func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = collapseSpaces(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
