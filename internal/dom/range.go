package dom

import (
	"strings"

	"github.com/MarcoPoloResearchLab/marginalia/internal/geometry"
	"golang.org/x/net/html"
)

// Selection is a host-reported text selection. Offsets inside text nodes count runes;
// offsets on element containers count children.
type Selection struct {
	StartContainer *html.Node
	StartOffset    int
	EndContainer   *html.Node
	EndOffset      int
	ClientRects    []geometry.Rect
	Text           string
}

// Collapsed reports whether the selection has no extent.
func (s Selection) Collapsed() bool {
	return s.StartContainer == s.EndContainer && s.StartOffset == s.EndOffset
}

// SelectedText returns Text, falling back to the text covered by the range.
func (s Selection) SelectedText() string {
	if s.Text != "" {
		return s.Text
	}
	return RangeText(s)
}

// TextPosition resolves a boundary to a text node and a rune offset inside it.
// Element boundaries map to the nearest text node at or after the boundary, or the end of the
// last text node before it. The returned node is nil when the container holds no text at all.
func TextPosition(container *html.Node, offset int) (*html.Node, int) {
	if container == nil {
		return nil, 0
	}
	if container.Type == html.TextNode {
		return container, clampOffset(offset, RuneLen(container.Data))
	}

	if child := ChildAt(container, offset); child != nil {
		if first := firstTextFrom(child); first != nil {
			return first, 0
		}
	}
	texts := TextNodes(container)
	if len(texts) == 0 {
		return nil, 0
	}
	last := texts[len(texts)-1]
	return last, RuneLen(last.Data)
}

// RangeText returns the text covered by a selection in document order.
func RangeText(selection Selection) string {
	startNode, startOffset := TextPosition(selection.StartContainer, selection.StartOffset)
	endNode, endOffset := TextPosition(selection.EndContainer, selection.EndOffset)
	if startNode == nil || endNode == nil {
		return ""
	}
	if startNode == endNode {
		runes := []rune(startNode.Data)
		if endOffset < startOffset {
			return ""
		}
		return string(runes[startOffset:endOffset])
	}

	root := startNode
	for root.Parent != nil {
		root = root.Parent
	}

	var builder strings.Builder
	collecting := false
	Walk(root, func(current *html.Node) bool {
		if current.Type != html.TextNode {
			return true
		}
		runes := []rune(current.Data)
		switch {
		case current == startNode:
			collecting = true
			builder.WriteString(string(runes[startOffset:]))
		case current == endNode:
			if collecting {
				builder.WriteString(string(runes[:endOffset]))
			}
			return false
		case collecting:
			builder.WriteString(current.Data)
		}
		return true
	})
	return builder.String()
}

// RuneLen counts runes in text.
func RuneLen(text string) int {
	return len([]rune(text))
}

// SplitText splits a text node at a rune offset and returns the new node holding the suffix.
// The original node keeps the prefix.
func SplitText(node *html.Node, offset int) *html.Node {
	runes := []rune(node.Data)
	offset = clampOffset(offset, len(runes))
	suffix := NewText(string(runes[offset:]))
	node.Data = string(runes[:offset])
	if node.Parent != nil {
		node.Parent.InsertBefore(suffix, node.NextSibling)
	}
	return suffix
}

func firstTextFrom(node *html.Node) *html.Node {
	if node.Type == html.TextNode {
		return node
	}
	var found *html.Node
	for current := node; current != nil && found == nil; current = current.NextSibling {
		Walk(current, func(candidate *html.Node) bool {
			if candidate.Type == html.TextNode {
				found = candidate
				return false
			}
			return true
		})
	}
	return found
}

func clampOffset(offset, length int) int {
	if offset < 0 {
		return 0
	}
	if offset > length {
		return length
	}
	return offset
}
