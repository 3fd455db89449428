package geometry

// Unit identifies how a Placement is expressed.
type Unit string

const (
	// UnitPercent positions relative to the text layer, so the mark follows zoom without a redraw.
	UnitPercent Unit = "%"
	// UnitPixel positions in text-layer pixels; used for legacy page-relative rects.
	UnitPixel Unit = "px"
)

var percentBox = Rect{X: 0, Y: 0, W: 100, H: 100}

// Placement is a mark position inside a text layer.
type Placement struct {
	Unit   Unit
	Left   float64
	Top    float64
	Width  float64
	Height float64
}

// Place resolves a stored rect against the current page and text-layer boxes.
// Fractional rects become percentages of the text layer; legacy pixel rects are shifted by
// the page to text-layer offset. A degenerate text layer yields ErrDegenerateContainer.
func Place(rect FracRect, pageBox Rect, textLayerBox Rect) (Placement, error) {
	if err := checkContainer(textLayerBox); err != nil {
		return Placement{}, err
	}
	if IsLegacyPixel(rect) {
		local := ReprojectLegacy(rect, pageBox, textLayerBox)
		return Placement{Unit: UnitPixel, Left: local.X, Top: local.Y, Width: local.W, Height: local.H}, nil
	}
	percent, err := Denormalize(rect, percentBox)
	if err != nil {
		return Placement{}, err
	}
	return Placement{Unit: UnitPercent, Left: percent.X, Top: percent.Y, Width: percent.W, Height: percent.H}, nil
}

// VerticalOffset returns the rect's top edge in pixels for a page of the given height.
func VerticalOffset(rect FracRect, pageHeight float64) float64 {
	if rect.Y <= 1 && rect.H <= 1 {
		return rect.Y * pageHeight
	}
	return rect.Y
}
