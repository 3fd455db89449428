package anchor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/marginalia/internal/dom"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

const textStep = "text()"

// NodePath builds an absolute positional path such as /html[1]/body[1]/p[2]/text()[1]
// that Resolve maps back to the same node in an identically structured document.
func NodePath(node *html.Node) (string, error) {
	if node == nil {
		return "", fmt.Errorf("anchor: nil node")
	}
	var steps []string
	for current := node; current != nil && current.Type != html.DocumentNode; current = current.Parent {
		switch current.Type {
		case html.TextNode:
			steps = append(steps, fmt.Sprintf("%s[%d]", textStep, siblingPosition(current)))
		case html.ElementNode:
			steps = append(steps, fmt.Sprintf("%s[%d]", current.Data, siblingPosition(current)))
		default:
			return "", fmt.Errorf("anchor: unsupported node type %d in path", current.Type)
		}
	}
	if len(steps) == 0 {
		return "", fmt.Errorf("anchor: node has no path")
	}
	for left, right := 0, len(steps)-1; left < right; left, right = left+1, right-1 {
		steps[left], steps[right] = steps[right], steps[left]
	}
	return "/" + strings.Join(steps, "/"), nil
}

// Resolve maps a path back to a node. Positional paths produced by NodePath are walked
// directly; anything else is evaluated as a general XPath expression.
func Resolve(root *html.Node, path string) *html.Node {
	if root == nil || strings.TrimSpace(path) == "" {
		return nil
	}
	document := root
	for document.Parent != nil {
		document = document.Parent
	}
	if node, ok := resolvePositional(document, path); ok {
		return node
	}
	node, err := htmlquery.Query(document, path)
	if err != nil {
		return nil
	}
	return node
}

func resolvePositional(document *html.Node, path string) (*html.Node, bool) {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return nil, false
	}
	current := document
	for _, step := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		name, position, ok := parseStep(step)
		if !ok {
			return nil, false
		}
		current = nthChild(current, name, position)
		if current == nil {
			return nil, true
		}
	}
	return current, true
}

func parseStep(step string) (string, int, bool) {
	open := strings.IndexByte(step, '[')
	if open <= 0 || !strings.HasSuffix(step, "]") {
		return "", 0, false
	}
	position, err := strconv.Atoi(step[open+1 : len(step)-1])
	if err != nil || position < 1 {
		return "", 0, false
	}
	name := step[:open]
	if name != textStep && strings.ContainsAny(name, "@()*:") {
		return "", 0, false
	}
	return name, position, true
}

func nthChild(parent *html.Node, name string, position int) *html.Node {
	seen := 0
	for child := parent.FirstChild; child != nil; child = child.NextSibling {
		if !stepMatches(child, name) {
			continue
		}
		seen++
		if seen == position {
			return child
		}
	}
	return nil
}

func stepMatches(node *html.Node, name string) bool {
	if name == textStep {
		return node.Type == html.TextNode
	}
	return dom.IsElement(node, name)
}

func siblingPosition(node *html.Node) int {
	position := 1
	for sibling := node.PrevSibling; sibling != nil; sibling = sibling.PrevSibling {
		if node.Type == html.TextNode && sibling.Type == html.TextNode {
			position++
		}
		if node.Type == html.ElementNode && dom.IsElement(sibling, node.Data) {
			position++
		}
	}
	return position
}
