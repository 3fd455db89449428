// Package overlay draws highlight marks on top of rendered documents.
package overlay

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/dom"
	"github.com/MarcoPoloResearchLab/marginalia/internal/geometry"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	// OverlayClass marks the per-annotation container inside a text layer.
	OverlayClass = "weava-overlay"
	// MarkClass marks every highlight element, PDF or web.
	MarkClass = "weava-mark"
	// OverlayIDAttr carries the annotation id on overlay containers.
	OverlayIDAttr = "data-id"
	// MarkIDAttr carries the annotation id on marks.
	MarkIDAttr = "data-weava-id"

	markOpacity = "0.45"
)

// ErrPageNotRendered indicates that the target page or its text layer is not in the tree yet.
var ErrPageNotRendered = errors.New("overlay: page not rendered")

var (
	textLayerSelector = cascadia.MustCompile(".textLayer")
	overlaySelector   = cascadia.MustCompile("." + OverlayClass)
	markSelector      = cascadia.MustCompile("." + MarkClass)
)

// PageState tracks overlay drawing for one page view.
type PageState int

const (
	NoOverlay PageState = iota
	Rendering
	Rendered
)

func (s PageState) String() string {
	switch s {
	case Rendering:
		return "rendering"
	case Rendered:
		return "rendered"
	default:
		return "no_overlay"
	}
}

// Renderer mutates a document tree. It is not safe for concurrent use; callers serialize access.
type Renderer struct {
	root   *html.Node
	layout dom.Layout
	logger *zap.Logger
	states map[int]PageState
}

// NewRenderer constructs a Renderer over root, reading boxes from layout.
func NewRenderer(root *html.Node, layout dom.Layout, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if layout == nil {
		layout = dom.NewBoxMap()
	}
	return &Renderer{
		root:   root,
		layout: layout,
		logger: logger,
		states: make(map[int]PageState),
	}
}

// Root returns the tree being drawn on.
func (r *Renderer) Root() *html.Node {
	return r.root
}

// Reset points the renderer at a new document, discarding page states.
func (r *Renderer) Reset(root *html.Node, layout dom.Layout) {
	if layout == nil {
		layout = dom.NewBoxMap()
	}
	r.root = root
	r.layout = layout
	r.states = make(map[int]PageState)
}

// PageState reports the overlay state of a page.
func (r *Renderer) PageState(page int) PageState {
	return r.states[page]
}

// Draw renders one annotation and returns the number of marks placed. Drawing the same
// annotation again replaces its marks.
func (r *Renderer) Draw(annotation annotations.Annotation) (int, error) {
	if r.root == nil {
		return 0, ErrPageNotRendered
	}
	switch annotation.Kind() {
	case annotations.AnchorKindPDF:
		return r.drawPDF(annotation)
	case annotations.AnchorKindWeb:
		return r.DrawWeb([]annotations.Annotation{annotation}), nil
	default:
		return 0, fmt.Errorf("overlay: cannot draw anchor kind %q", annotation.Kind())
	}
}

// DrawAll clears every overlay and mark, then draws the given set.
func (r *Renderer) DrawAll(list []annotations.Annotation) int {
	r.ClearAll()
	drawn := 0
	var web []annotations.Annotation
	for _, annotation := range list {
		if annotation.Kind() == annotations.AnchorKindWeb {
			web = append(web, annotation)
			continue
		}
		count, err := r.Draw(annotation)
		if err != nil {
			r.logger.Debug("annotation not drawn",
				zap.String("annotation_id", annotation.ID), zap.Error(err))
			continue
		}
		drawn += count
	}
	if len(web) > 0 {
		drawn += r.DrawWeb(web)
	}
	return drawn
}

// Apply removes and draws according to a diff.
func (r *Renderer) Apply(diff OverlayDiff) int {
	for _, id := range diff.ToRemove {
		r.Remove(id)
	}
	drawn := 0
	var web []annotations.Annotation
	for _, annotation := range diff.ToAdd {
		if annotation.Kind() == annotations.AnchorKindWeb {
			web = append(web, annotation)
			continue
		}
		count, err := r.Draw(annotation)
		if err != nil {
			r.logger.Debug("annotation not drawn",
				zap.String("annotation_id", annotation.ID), zap.Error(err))
			continue
		}
		drawn += count
	}
	if len(web) > 0 {
		drawn += r.DrawWeb(web)
	}
	return drawn
}

// Remove deletes every overlay and mark tagged with id. Web marks are unwrapped so the
// page text stays intact.
func (r *Renderer) Remove(id string) {
	if r.root == nil || id == "" {
		return
	}
	for _, overlay := range cascadia.QueryAll(r.root, overlaySelector) {
		if value, _ := dom.Attr(overlay, OverlayIDAttr); value == id {
			dom.Detach(overlay)
		}
	}
	for _, mark := range cascadia.QueryAll(r.root, markSelector) {
		if value, _ := dom.Attr(mark, MarkIDAttr); value != id {
			continue
		}
		if dom.IsElement(mark, "span") {
			dom.Unwrap(mark)
			continue
		}
		dom.Detach(mark)
	}
}

// ClearAll removes every overlay container and unwraps every web mark.
func (r *Renderer) ClearAll() {
	if r.root == nil {
		return
	}
	for _, overlay := range cascadia.QueryAll(r.root, overlaySelector) {
		dom.Detach(overlay)
	}
	for _, mark := range cascadia.QueryAll(r.root, markSelector) {
		if dom.IsElement(mark, "span") {
			dom.Unwrap(mark)
		}
	}
}

// HitTest resolves a pointer target to the id of its nearest enclosing mark.
func HitTest(target *html.Node) (string, bool) {
	mark := dom.Closest(target, markSelector)
	if mark == nil {
		return "", false
	}
	id, ok := dom.Attr(mark, MarkIDAttr)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Marks lists the mark elements drawn for id.
func (r *Renderer) Marks(id string) []*html.Node {
	if r.root == nil {
		return nil
	}
	var marks []*html.Node
	for _, mark := range cascadia.QueryAll(r.root, markSelector) {
		if value, _ := dom.Attr(mark, MarkIDAttr); value == id {
			marks = append(marks, mark)
		}
	}
	return marks
}

// PageElement finds the container of a rendered page.
func PageElement(root *html.Node, page int) *html.Node {
	if root == nil || page < 1 {
		return nil
	}
	selector := cascadia.MustCompile(fmt.Sprintf(`.page[data-page-number="%d"]`, page))
	return cascadia.Query(root, selector)
}

func (r *Renderer) drawPDF(annotation annotations.Annotation) (int, error) {
	page := annotation.Anchor.Page
	pageElement := PageElement(r.root, page)
	if pageElement == nil {
		return 0, fmt.Errorf("%w: page %d", ErrPageNotRendered, page)
	}
	layer := cascadia.Query(pageElement, textLayerSelector)
	if layer == nil {
		return 0, fmt.Errorf("%w: page %d has no text layer", ErrPageNotRendered, page)
	}

	r.states[page] = Rendering
	defer func() { r.states[page] = Rendered }()

	container := findOverlay(layer, annotation.ID)
	if container == nil {
		container = dom.NewElement("div",
			"class", OverlayClass,
			OverlayIDAttr, annotation.ID,
			"style", "position:absolute;left:0;top:0;right:0;bottom:0;pointer-events:none",
		)
		layer.AppendChild(container)
	} else {
		dom.RemoveChildren(container)
	}

	pageBox, _ := r.layout.BoundingBox(pageElement)
	layerBox, _ := r.layout.BoundingBox(layer)

	drawn := 0
	for index, rect := range annotation.Anchor.Rects {
		placement, err := geometry.Place(rect, pageBox, layerBox)
		if err != nil {
			r.logger.Debug("skipping rect",
				zap.String("annotation_id", annotation.ID),
				zap.Int("rect_index", index),
				zap.Error(err))
			continue
		}
		container.AppendChild(dom.NewElement("div",
			"class", MarkClass,
			MarkIDAttr, annotation.ID,
			"style", markStyle(placement, annotation.Color),
		))
		drawn++
	}
	return drawn, nil
}

func findOverlay(layer *html.Node, id string) *html.Node {
	for child := layer.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.ElementNode || !overlaySelector.Match(child) {
			continue
		}
		if value, _ := dom.Attr(child, OverlayIDAttr); value == id {
			return child
		}
	}
	return nil
}

func markStyle(placement geometry.Placement, color annotations.Color) string {
	unit := string(placement.Unit)
	declarations := []string{
		"position:absolute",
		"left:" + formatLength(placement.Left, unit),
		"top:" + formatLength(placement.Top, unit),
		"width:" + formatLength(placement.Width, unit),
		"height:" + formatLength(placement.Height, unit),
		"background-color:" + color.String(),
		"opacity:" + markOpacity,
		"pointer-events:auto",
		"cursor:pointer",
		"user-select:none",
	}
	return strings.Join(declarations, ";")
}

func formatLength(value float64, unit string) string {
	rounded := math.Round(value*10000) / 10000
	return strconv.FormatFloat(rounded, 'f', -1, 64) + unit
}
