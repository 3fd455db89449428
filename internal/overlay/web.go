package overlay

import (
	"sort"

	"github.com/MarcoPoloResearchLab/marginalia/internal/anchor"
	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/dom"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	styleElementID = "weava-style"
	webMarkCSS     = `
.weava-mark { cursor: pointer; }
.weava-mark:hover { outline: 2px solid #ffb703; }
`
)

type webTarget struct {
	annotation  annotations.Annotation
	startNode   *html.Node
	startOffset int
	endNode     *html.Node
	endOffset   int
	order       int
}

// DrawWeb wraps the text of each web annotation in a mark span and returns the number of
// spans inserted. Every path is resolved before the tree is touched, and ranges are wrapped
// from the end of the document backwards so earlier splits never shift later targets.
// Annotations that already have a mark are skipped.
func (r *Renderer) DrawWeb(list []annotations.Annotation) int {
	if r.root == nil || len(list) == 0 {
		return 0
	}

	order := make(map[*html.Node]int)
	texts := dom.TextNodes(r.root)
	for index, node := range texts {
		order[node] = index
	}

	targets := make([]webTarget, 0, len(list))
	for _, annotation := range list {
		if annotation.Kind() != annotations.AnchorKindWeb || annotation.ID == "" {
			continue
		}
		if len(r.Marks(annotation.ID)) > 0 {
			continue
		}
		target, ok := r.resolveWebTarget(annotation, order)
		if !ok {
			r.logger.Debug("web anchor did not resolve",
				zap.String("annotation_id", annotation.ID),
				zap.String("start_xpath", annotation.Anchor.StartPath))
			continue
		}
		targets = append(targets, target)
	}
	if len(targets) == 0 {
		return 0
	}

	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].order != targets[j].order {
			return targets[i].order > targets[j].order
		}
		return targets[i].startOffset > targets[j].startOffset
	})

	r.ensureStyle()
	drawn := 0
	for _, target := range targets {
		drawn += wrapRange(target, texts, order)
	}
	return drawn
}

func (r *Renderer) resolveWebTarget(annotation annotations.Annotation, order map[*html.Node]int) (webTarget, bool) {
	startNode, startOffset := dom.TextPosition(anchor.Resolve(r.root, annotation.Anchor.StartPath), annotation.Anchor.StartOffset)
	if startNode == nil {
		return webTarget{}, false
	}
	endNode, endOffset := startNode, annotation.Anchor.EndOffset
	if annotation.Anchor.EndPath != "" && annotation.Anchor.EndPath != annotation.Anchor.StartPath {
		if resolved, offset := dom.TextPosition(anchor.Resolve(r.root, annotation.Anchor.EndPath), annotation.Anchor.EndOffset); resolved != nil {
			endNode, endOffset = resolved, offset
		}
	}

	startOrder, startKnown := order[startNode]
	endOrder, endKnown := order[endNode]
	if !startKnown || !endKnown || endOrder < startOrder {
		return webTarget{}, false
	}
	if endNode == startNode {
		endOffset = clamp(endOffset, 0, dom.RuneLen(startNode.Data))
		if endOffset <= startOffset {
			return webTarget{}, false
		}
	}

	return webTarget{
		annotation:  annotation,
		startNode:   startNode,
		startOffset: startOffset,
		endNode:     endNode,
		endOffset:   endOffset,
		order:       startOrder,
	}, true
}

func wrapRange(target webTarget, texts []*html.Node, order map[*html.Node]int) int {
	startIndex := order[target.startNode]
	endIndex := order[target.endNode]
	wrapped := 0
	for index := endIndex; index >= startIndex; index-- {
		node := texts[index]
		from, to := 0, dom.RuneLen(node.Data)
		if node == target.startNode {
			from = clamp(target.startOffset, 0, to)
		}
		if node == target.endNode {
			to = clamp(target.endOffset, from, to)
		}
		if to <= from || node.Parent == nil {
			continue
		}
		wrapSegment(node, from, to, target.annotation)
		wrapped++
	}
	return wrapped
}

// wrapSegment keeps the prefix in node, moves [from,to) into a mark span, and leaves the suffix
// as a following sibling.
func wrapSegment(node *html.Node, from, to int, annotation annotations.Annotation) {
	segment := node
	if from > 0 {
		segment = dom.SplitText(node, from)
	}
	if to-from < dom.RuneLen(segment.Data) {
		dom.SplitText(segment, to-from)
	}
	mark := dom.NewElement("span",
		"class", MarkClass,
		MarkIDAttr, annotation.ID,
		"style", "background-color:"+annotation.Color.String(),
	)
	parent := segment.Parent
	parent.InsertBefore(mark, segment)
	parent.RemoveChild(segment)
	mark.AppendChild(segment)
}

func (r *Renderer) ensureStyle() {
	var existing *html.Node
	dom.Walk(r.root, func(node *html.Node) bool {
		if value, ok := dom.Attr(node, "id"); ok && value == styleElementID && node.Type == html.ElementNode {
			existing = node
			return false
		}
		return true
	})
	if existing != nil {
		return
	}
	host := dom.FindElement(r.root, "head")
	if host == nil {
		host = dom.FindElement(r.root, "body")
	}
	if host == nil {
		return
	}
	style := dom.NewElement("style", "id", styleElementID)
	style.AppendChild(dom.NewText(webMarkCSS))
	host.AppendChild(style)
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
