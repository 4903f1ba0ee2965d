package page

import (
	"strings"

	"golang.org/x/net/html"
)

var invisibleElements = map[string]bool{
	"script":   true,
	"style":    true,
	"template": true,
	"noscript": true,
	"head":     true,
}

// Text on either side of these elements renders on separate lines.
var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true,
	"dd": true, "div": true, "dl": true, "dt": true, "fieldset": true, "figcaption": true,
	"figure": true, "footer": true, "form": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "header": true, "hr": true, "li": true,
	"main": true, "nav": true, "ol": true, "p": true, "pre": true, "section": true,
	"table": true, "td": true, "th": true, "tr": true, "ul": true,
}

func Attr(node *html.Node, name string) string {
	value, _ := LookupAttr(node, name)
	return value
}

func LookupAttr(node *html.Node, name string) (string, bool) {
	if node == nil {
		return "", false
	}
	for _, attribute := range node.Attr {
		if attribute.Namespace == "" && strings.EqualFold(attribute.Key, name) {
			return attribute.Val, true
		}
	}
	return "", false
}

func TagName(node *html.Node) string {
	if node == nil || node.Type != html.ElementNode {
		return ""
	}
	return strings.ToLower(node.Data)
}

// Closest returns node or its nearest element ancestor with the given tag.
func Closest(node *html.Node, tag string) *html.Node {
	for n := node; n != nil; n = n.Parent {
		if TagName(n) == tag {
			return n
		}
	}
	return nil
}

// VisibleText approximates rendered text: hidden subtrees are skipped and
// whitespace runs collapse to a single space.
func VisibleText(node *html.Node) string {
	if node == nil {
		return ""
	}
	var builder strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			builder.WriteString(n.Data)
			return
		case html.ElementNode:
			if invisibleElements[TagName(n)] {
				return
			}
			if _, hidden := LookupAttr(n, "hidden"); hidden {
				return
			}
		}
		block := n.Type == html.ElementNode && blockElements[TagName(n)]
		if block {
			builder.WriteByte(' ')
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if block {
			builder.WriteByte(' ')
		}
	}
	walk(node)
	return strings.Join(strings.Fields(builder.String()), " ")
}

func textContent(node *html.Node) string {
	var builder strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			builder.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return builder.String()
}

func findFirst(node *html.Node, match func(*html.Node) bool) *html.Node {
	if match(node) {
		return node
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if found := findFirst(child, match); found != nil {
			return found
		}
	}
	return nil
}

// FindByID is a small lookup used by page scripts and tests.
func FindByID(root *html.Node, id string) *html.Node {
	return findFirst(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && Attr(n, "id") == id
	})
}
