package fhir

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Reconcile rebuilds a section list from transformed narrative markup. The
// markup is split into top-level XHTML container blocks (elements carrying
// the xmlns attribute) and one section is built per block, in block order.
//
// Title and code are taken positionally from previous[i] when present.
// Otherwise the title falls back to the block's first heading, then to
// "Section N", and the code is synthesized from the block index. Lens output
// is untrusted markup, not a structured document, so reconciliation degrades
// by synthesizing rather than rejecting.
//
// An empty result from non-empty markup signals a reconciliation failure;
// the caller decides what to keep.
func Reconcile(markup string, previous []Section) []Section {
	blocks := narrativeBlocks(markup)
	out := make([]Section, 0, len(blocks))
	for i, blk := range blocks {
		out = append(out, sectionFromBlock(blk, previous, i))
	}
	return out
}

// narrativeBlocks returns the top-level elements of the markup that declare
// the XHTML namespace.
func narrativeBlocks(markup string) []*html.Node {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil
	}
	body := findElement(doc, "body")
	if body == nil {
		return nil
	}
	var blocks []*html.Node
	for n := body.FirstChild; n != nil; n = n.NextSibling {
		if n.Type != html.ElementNode {
			continue
		}
		if attrValue(n, "xmlns") == XHTMLNamespace {
			blocks = append(blocks, n)
		}
	}
	return blocks
}

func sectionFromBlock(n *html.Node, previous []Section, i int) Section {
	sec := Section{}
	if i < len(previous) && previous[i] != nil {
		if t, ok := previous[i]["title"].(string); ok && t != "" {
			sec["title"] = t
		}
		if c, ok := previous[i]["code"]; ok && c != nil {
			sec["code"] = c
		}
	}
	if _, ok := sec["title"]; !ok {
		if h := firstHeading(n); h != "" {
			sec["title"] = h
		} else {
			sec["title"] = fmt.Sprintf("Section %d", i+1)
		}
	}
	if _, ok := sec["code"]; !ok {
		sec["code"] = map[string]interface{}{"text": fmt.Sprintf("section-%d", i+1)}
	}
	sec["text"] = map[string]interface{}{
		"status": "additional",
		"div":    render(n),
	}
	return sec
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func render(n *html.Node) string {
	var b strings.Builder
	if err := html.Render(&b, n); err != nil {
		return ""
	}
	return b.String()
}

// firstHeading returns the text of the first h1..h6 under n, depth first.
func firstHeading(n *html.Node) string {
	if n.Type == html.ElementNode && isHeading(n.Data) {
		return strings.TrimSpace(textContent(n))
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if h := firstHeading(c); h != "" {
			return h
		}
	}
	return ""
}

func isHeading(name string) bool {
	switch name {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}
