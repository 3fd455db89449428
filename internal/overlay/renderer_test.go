package overlay

import (
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/dom"
	"github.com/MarcoPoloResearchLab/marginalia/internal/geometry"
	"golang.org/x/net/html"
)

const viewerMarkup = `<div id="viewerContainer">
<div class="page" data-page-number="1"><div class="textLayer"><span>alpha</span></div></div>
<div class="page" data-page-number="2"><div class="textLayer"><span>beta</span></div></div>
</div>`

type viewerFixture struct {
	root     *html.Node
	layout   *dom.BoxMap
	renderer *Renderer
}

func newViewerFixture(t *testing.T) viewerFixture {
	t.Helper()
	root, err := dom.Parse(viewerMarkup)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	layout := dom.NewBoxMap()
	pages, _ := dom.QueryAll(root, ".page")
	for index, page := range pages {
		top := float64(index) * 1000
		layout.Set(page, geometry.Rect{X: 10, Y: 20 + top, W: 800, H: 1000})
		layers, _ := dom.QueryAll(page, ".textLayer")
		layout.Set(layers[0], geometry.Rect{X: 19, Y: 29 + top, W: 782, H: 982})
	}
	return viewerFixture{root: root, layout: layout, renderer: NewRenderer(root, layout, nil)}
}

func pdfAnnotation(id string, page int, rects ...geometry.FracRect) annotations.Annotation {
	return annotations.Annotation{
		ID:         id,
		FolderID:   "folder-1",
		DocumentID: "doc-1",
		Color:      annotations.Palette[0],
		Anchor: annotations.Anchor{
			Kind:      annotations.AnchorKindPDF,
			StartPath: annotations.PDFPath(page, 0),
			EndPath:   annotations.PDFPath(page, 0),
			Page:      page,
			Rects:     rects,
		},
	}
}

func countSelector(t *testing.T, root *html.Node, selector string) int {
	t.Helper()
	nodes, err := dom.QueryAll(root, selector)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	return len(nodes)
}

func TestDrawIsIdempotent(t *testing.T) {
	fixture := newViewerFixture(t)
	annotation := pdfAnnotation("a-1", 1,
		geometry.FracRect{X: 0.1, Y: 0.1, W: 0.2, H: 0.02},
		geometry.FracRect{X: 0.1, Y: 0.13, W: 0.1, H: 0.02},
	)

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := fixture.renderer.Draw(annotation); err != nil {
			t.Fatalf("draw failed: %v", err)
		}
	}

	if got := countSelector(t, fixture.root, `.weava-overlay[data-id="a-1"]`); got != 1 {
		t.Fatalf("expected one overlay container, got %d", got)
	}
	if got := countSelector(t, fixture.root, `.weava-mark[data-weava-id="a-1"]`); got != 2 {
		t.Fatalf("expected one mark per rect, got %d", got)
	}
	if fixture.renderer.PageState(1) != Rendered {
		t.Fatalf("expected page 1 rendered, got %s", fixture.renderer.PageState(1))
	}
	if fixture.renderer.PageState(2) != NoOverlay {
		t.Fatalf("expected page 2 untouched, got %s", fixture.renderer.PageState(2))
	}
}

func TestDrawUsesUnitPerRectScale(t *testing.T) {
	fixture := newViewerFixture(t)
	annotation := pdfAnnotation("a-1", 1,
		geometry.FracRect{X: 150, Y: 40, W: 80, H: 12},
		geometry.FracRect{X: 0.12, Y: 0.05, W: 0.2, H: 0.03},
	)

	if _, err := fixture.renderer.Draw(annotation); err != nil {
		t.Fatalf("draw failed: %v", err)
	}
	marks := fixture.renderer.Marks("a-1")
	if len(marks) != 2 {
		t.Fatalf("expected two marks, got %d", len(marks))
	}
	legacyStyle, _ := dom.Attr(marks[0], "style")
	if !strings.Contains(legacyStyle, "left:141px") || !strings.Contains(legacyStyle, "top:31px") {
		t.Fatalf("expected pixel placement, got %q", legacyStyle)
	}
	fractionalStyle, _ := dom.Attr(marks[1], "style")
	if !strings.Contains(fractionalStyle, "left:12%") || !strings.Contains(fractionalStyle, "height:3%") {
		t.Fatalf("expected percent placement, got %q", fractionalStyle)
	}
	if !strings.Contains(fractionalStyle, "pointer-events:auto") || !strings.Contains(fractionalStyle, "opacity:0.45") {
		t.Fatalf("expected interactive translucent mark, got %q", fractionalStyle)
	}
	overlays, _ := dom.QueryAll(fixture.root, ".weava-overlay")
	overlayStyle, _ := dom.Attr(overlays[0], "style")
	if !strings.Contains(overlayStyle, "pointer-events:none") {
		t.Fatalf("expected overlay container to pass pointer events through, got %q", overlayStyle)
	}
}

func TestDrawSkipsRectsOnDegenerateTextLayer(t *testing.T) {
	fixture := newViewerFixture(t)
	layers, _ := dom.QueryAll(fixture.root, ".textLayer")
	fixture.layout.Set(layers[0], geometry.Rect{W: 0, H: 0})

	drawn, err := fixture.renderer.Draw(pdfAnnotation("a-1", 1, geometry.FracRect{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if drawn != 0 {
		t.Fatalf("expected degenerate rects to be skipped, drew %d", drawn)
	}
}

func TestDrawMissingPage(t *testing.T) {
	fixture := newViewerFixture(t)
	if _, err := fixture.renderer.Draw(pdfAnnotation("a-1", 9, geometry.FracRect{X: 0.1, Y: 0.1, W: 0.1, H: 0.1})); err == nil {
		t.Fatalf("expected error for page that is not rendered")
	}
}

func TestDrawAllClearsStaleOverlays(t *testing.T) {
	fixture := newViewerFixture(t)
	rect := geometry.FracRect{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}
	fixture.renderer.DrawAll([]annotations.Annotation{pdfAnnotation("old", 1, rect), pdfAnnotation("keep", 2, rect)})
	fixture.renderer.DrawAll([]annotations.Annotation{pdfAnnotation("keep", 2, rect)})

	if got := countSelector(t, fixture.root, ".weava-overlay"); got != 1 {
		t.Fatalf("expected only the current overlay, got %d", got)
	}
	if len(fixture.renderer.Marks("old")) != 0 {
		t.Fatalf("expected stale marks to be cleared")
	}
}

func TestRemoveAndHitTest(t *testing.T) {
	fixture := newViewerFixture(t)
	rect := geometry.FracRect{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}
	fixture.renderer.DrawAll([]annotations.Annotation{pdfAnnotation("a-1", 1, rect), pdfAnnotation("a-2", 1, rect)})

	mark := fixture.renderer.Marks("a-2")[0]
	if id, ok := HitTest(mark); !ok || id != "a-2" {
		t.Fatalf("expected hit on a-2, got %q %v", id, ok)
	}
	spans, _ := dom.QueryAll(fixture.root, ".textLayer span")
	if _, ok := HitTest(spans[0].FirstChild); ok {
		t.Fatalf("expected text outside marks to miss")
	}

	fixture.renderer.Remove("a-1")
	if len(fixture.renderer.Marks("a-1")) != 0 || countSelector(t, fixture.root, `.weava-overlay[data-id="a-1"]`) != 0 {
		t.Fatalf("expected a-1 overlay and marks to be removed")
	}
	if len(fixture.renderer.Marks("a-2")) != 1 {
		t.Fatalf("expected a-2 to survive removal of a-1")
	}
}

func TestApplyDiff(t *testing.T) {
	fixture := newViewerFixture(t)
	rect := geometry.FracRect{X: 0.1, Y: 0.1, W: 0.1, H: 0.1}
	previous := []annotations.Annotation{pdfAnnotation("a-1", 1, rect), pdfAnnotation("a-2", 1, rect)}
	fixture.renderer.DrawAll(previous)

	recolored := pdfAnnotation("a-2", 1, rect)
	recolored.Color = annotations.Palette[2]
	next := []annotations.Annotation{recolored, pdfAnnotation("a-3", 2, rect)}

	diff := ComputeOverlayDiff(previous, next)
	fixture.renderer.Apply(diff)

	if len(fixture.renderer.Marks("a-1")) != 0 {
		t.Fatalf("expected a-1 removed")
	}
	marks := fixture.renderer.Marks("a-2")
	if len(marks) != 1 {
		t.Fatalf("expected a-2 redrawn once, got %d", len(marks))
	}
	style, _ := dom.Attr(marks[0], "style")
	if !strings.Contains(style, string(annotations.Palette[2])) {
		t.Fatalf("expected new color in %q", style)
	}
	if len(fixture.renderer.Marks("a-3")) != 1 {
		t.Fatalf("expected a-3 drawn")
	}
}
