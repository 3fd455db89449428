// Package anchor turns live selections into layout-independent anchors.
package anchor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/dom"
	"github.com/MarcoPoloResearchLab/marginalia/internal/geometry"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// ErrNoSelection signals that the selection cannot be anchored. Callers abort the capture silently.
var ErrNoSelection = errors.New("anchor: no valid selection")

var (
	textLayerSelector = cascadia.MustCompile(".textLayer")
	fragmentSelector  = cascadia.MustCompile(".textLayer span")
	spanSelector      = cascadia.MustCompile("span")
	pageSelector      = cascadia.MustCompile(".page[data-page-number]")
)

// Builder captures anchors from selections inside a rendered document.
type Builder struct {
	layout dom.Layout
}

// NewBuilder constructs a Builder reading text-layer boxes from layout.
func NewBuilder(layout dom.Layout) *Builder {
	return &Builder{layout: layout}
}

type fragmentPosition struct {
	page   int
	index  int
	offset int
	layer  *html.Node
}

// CapturePDF anchors a selection made inside a PDF text layer. Page and rects come from the
// start endpoint's page; the end locator names the end fragment's own page.
func (b *Builder) CapturePDF(selection dom.Selection) (annotations.Anchor, error) {
	quote := strings.TrimSpace(selection.SelectedText())
	if selection.Collapsed() || quote == "" {
		return annotations.Anchor{}, ErrNoSelection
	}

	start, err := locateFragment(selection.StartContainer, selection.StartOffset)
	if err != nil {
		return annotations.Anchor{}, err
	}
	end, err := locateFragment(selection.EndContainer, selection.EndOffset)
	if err != nil {
		return annotations.Anchor{}, err
	}

	layerBox, ok := b.layout.BoundingBox(start.layer)
	if !ok {
		return annotations.Anchor{}, fmt.Errorf("%w: text layer has no box", ErrNoSelection)
	}

	rects := make([]geometry.FracRect, 0, len(selection.ClientRects))
	for _, clientRect := range selection.ClientRects {
		if !clientRect.Positive() {
			continue
		}
		fraction, err := geometry.Normalize(clientRect, layerBox)
		if err != nil {
			return annotations.Anchor{}, fmt.Errorf("%w: %v", ErrNoSelection, err)
		}
		rects = append(rects, fraction)
	}

	return annotations.Anchor{
		Kind:        annotations.AnchorKindPDF,
		StartPath:   annotations.PDFPath(start.page, start.index),
		StartOffset: start.offset,
		EndPath:     annotations.PDFPath(end.page, end.index),
		EndOffset:   end.offset,
		Quote:       quote,
		Page:        start.page,
		Rects:       rects,
	}, nil
}

func locateFragment(container *html.Node, offset int) (fragmentPosition, error) {
	textNode, textOffset := dom.TextPosition(container, offset)
	if textNode == nil {
		return fragmentPosition{}, fmt.Errorf("%w: endpoint holds no text", ErrNoSelection)
	}
	span := dom.Closest(textNode, fragmentSelector)
	if span == nil {
		return fragmentPosition{}, fmt.Errorf("%w: endpoint outside text layer", ErrNoSelection)
	}
	layer := dom.Closest(span, textLayerSelector)
	pageElement := dom.Closest(layer, pageSelector)
	if layer == nil || pageElement == nil {
		return fragmentPosition{}, fmt.Errorf("%w: endpoint outside page", ErrNoSelection)
	}
	pageValue, _ := dom.Attr(pageElement, "data-page-number")
	page, err := strconv.Atoi(strings.TrimSpace(pageValue))
	if err != nil || page < 1 {
		return fragmentPosition{}, fmt.Errorf("%w: invalid page number %q", ErrNoSelection, pageValue)
	}

	index := -1
	for position, candidate := range cascadia.QueryAll(layer, spanSelector) {
		if candidate == span {
			index = position
			break
		}
	}
	if index < 0 {
		return fragmentPosition{}, fmt.Errorf("%w: fragment not indexable", ErrNoSelection)
	}

	return fragmentPosition{
		page:   page,
		index:  index,
		offset: offsetWithin(span, textNode, textOffset),
		layer:  layer,
	}, nil
}

func offsetWithin(span, textNode *html.Node, textOffset int) int {
	total := 0
	for _, candidate := range dom.TextNodes(span) {
		if candidate == textNode {
			return total + textOffset
		}
		total += dom.RuneLen(candidate.Data)
	}
	return textOffset
}

// CaptureWeb anchors a selection inside a live web document rooted at root.
func (b *Builder) CaptureWeb(root *html.Node, selection dom.Selection) (annotations.Anchor, error) {
	quote := strings.TrimSpace(selection.SelectedText())
	if root == nil || selection.Collapsed() || quote == "" {
		return annotations.Anchor{}, ErrNoSelection
	}
	if !dom.Contains(root, selection.StartContainer) || !dom.Contains(root, selection.EndContainer) {
		return annotations.Anchor{}, fmt.Errorf("%w: selection outside document", ErrNoSelection)
	}

	startNode, startOffset := dom.TextPosition(selection.StartContainer, selection.StartOffset)
	endNode, endOffset := dom.TextPosition(selection.EndContainer, selection.EndOffset)
	if startNode == nil || endNode == nil {
		return annotations.Anchor{}, fmt.Errorf("%w: endpoint holds no text", ErrNoSelection)
	}

	startPath, err := NodePath(startNode)
	if err != nil {
		return annotations.Anchor{}, fmt.Errorf("%w: %v", ErrNoSelection, err)
	}
	endPath, err := NodePath(endNode)
	if err != nil {
		return annotations.Anchor{}, fmt.Errorf("%w: %v", ErrNoSelection, err)
	}

	return annotations.Anchor{
		Kind:        annotations.AnchorKindWeb,
		StartPath:   startPath,
		StartOffset: startOffset,
		EndPath:     endPath,
		EndOffset:   endOffset,
		Quote:       quote,
	}, nil
}
