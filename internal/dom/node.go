// Package dom wraps golang.org/x/net/html trees with the handful of browser-like
// operations the anchoring and overlay code needs.
package dom

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Parse builds a document tree from markup.
func Parse(markup string) (*html.Node, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return root, nil
}

// Render serializes a node and its subtree.
func Render(node *html.Node) (string, error) {
	var buffer bytes.Buffer
	if err := html.Render(&buffer, node); err != nil {
		return "", err
	}
	return buffer.String(), nil
}

// NewElement creates a detached element with attributes given as key/value pairs.
func NewElement(tag string, keyValues ...string) *html.Node {
	node := &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
	}
	for index := 0; index+1 < len(keyValues); index += 2 {
		SetAttr(node, keyValues[index], keyValues[index+1])
	}
	return node
}

// NewText creates a detached text node.
func NewText(text string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: text}
}

// Attr returns the attribute value and whether it is present.
func Attr(node *html.Node, key string) (string, bool) {
	if node == nil {
		return "", false
	}
	for _, attribute := range node.Attr {
		if attribute.Namespace == "" && attribute.Key == key {
			return attribute.Val, true
		}
	}
	return "", false
}

// SetAttr sets or replaces an attribute.
func SetAttr(node *html.Node, key, value string) {
	for index := range node.Attr {
		if node.Attr[index].Namespace == "" && node.Attr[index].Key == key {
			node.Attr[index].Val = value
			return
		}
	}
	node.Attr = append(node.Attr, html.Attribute{Key: key, Val: value})
}

// IsElement reports whether node is an element with the given tag.
func IsElement(node *html.Node, tag string) bool {
	return node != nil && node.Type == html.ElementNode && node.Data == tag
}

// Closest walks from node up through its ancestors and returns the first element matching selector.
func Closest(node *html.Node, selector cascadia.Matcher) *html.Node {
	for current := node; current != nil; current = current.Parent {
		if current.Type == html.ElementNode && selector.Match(current) {
			return current
		}
	}
	return nil
}

// Contains reports whether node is ancestor or equal to descendant.
func Contains(ancestor, descendant *html.Node) bool {
	for current := descendant; current != nil; current = current.Parent {
		if current == ancestor {
			return true
		}
	}
	return false
}

// QueryAll returns every element under root matching the selector source.
func QueryAll(root *html.Node, selector string) ([]*html.Node, error) {
	compiled, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("dom: selector %q: %w", selector, err)
	}
	return cascadia.QueryAll(root, compiled), nil
}

// TextContent concatenates every text node under node.
func TextContent(node *html.Node) string {
	if node == nil {
		return ""
	}
	if node.Type == html.TextNode {
		return node.Data
	}
	var builder strings.Builder
	Walk(node, func(current *html.Node) bool {
		if current.Type == html.TextNode {
			builder.WriteString(current.Data)
		}
		return true
	})
	return builder.String()
}

// Walk visits node and its descendants in document order until visit returns false.
func Walk(node *html.Node, visit func(*html.Node) bool) bool {
	if !visit(node) {
		return false
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if !Walk(child, visit) {
			return false
		}
	}
	return true
}

// TextNodes lists the text nodes under node in document order.
func TextNodes(node *html.Node) []*html.Node {
	var nodes []*html.Node
	Walk(node, func(current *html.Node) bool {
		if current.Type == html.TextNode {
			nodes = append(nodes, current)
		}
		return true
	})
	return nodes
}

// ChildAt returns the child at index, or nil.
func ChildAt(parent *html.Node, index int) *html.Node {
	current := parent.FirstChild
	for position := 0; current != nil && position < index; position++ {
		current = current.NextSibling
	}
	return current
}

// RemoveChildren detaches every child of node.
func RemoveChildren(node *html.Node) {
	for child := node.FirstChild; child != nil; {
		next := child.NextSibling
		node.RemoveChild(child)
		child = next
	}
}

// Detach removes node from its parent if it has one.
func Detach(node *html.Node) {
	if node != nil && node.Parent != nil {
		node.Parent.RemoveChild(node)
	}
}

// Unwrap replaces node with its children.
func Unwrap(node *html.Node) {
	parent := node.Parent
	if parent == nil {
		return
	}
	for child := node.FirstChild; child != nil; {
		next := child.NextSibling
		node.RemoveChild(child)
		parent.InsertBefore(child, node)
		child = next
	}
	parent.RemoveChild(node)
	mergeAdjacentText(parent)
}

func mergeAdjacentText(parent *html.Node) {
	for child := parent.FirstChild; child != nil; {
		next := child.NextSibling
		if child.Type == html.TextNode && next != nil && next.Type == html.TextNode {
			child.Data += next.Data
			parent.RemoveChild(next)
			continue
		}
		child = next
	}
}

// FindElement returns the first descendant element with the given tag.
func FindElement(root *html.Node, tag string) *html.Node {
	var found *html.Node
	Walk(root, func(current *html.Node) bool {
		if IsElement(current, tag) {
			found = current
			return false
		}
		return true
	})
	return found
}
