package geometry

import (
	"errors"
	"math"
)

// ErrDegenerateContainer indicates that a reference container has no usable width or height.
var ErrDegenerateContainer = errors.New("geometry: degenerate container")

// Rect is an axis-aligned box in rendering-surface pixels.
type Rect struct {
	X float64
	Y float64
	W float64
	H float64
}

// Positive reports whether both dimensions are strictly positive.
func (r Rect) Positive() bool {
	return r.W > 0 && r.H > 0
}

// FracRect is a box expressed as proportions of a reference container.
// Legacy rows may carry raw pixels in the same shape; see IsLegacyPixel.
type FracRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Normalize projects a pixel rect into fractions of the container, clamping each component to [0,1].
func Normalize(pixel Rect, container Rect) (FracRect, error) {
	if err := checkContainer(container); err != nil {
		return FracRect{}, err
	}
	return FracRect{
		X: clamp01((pixel.X - container.X) / container.W),
		Y: clamp01((pixel.Y - container.Y) / container.H),
		W: clamp01(pixel.W / container.W),
		H: clamp01(pixel.H / container.H),
	}, nil
}

// Denormalize is the inverse of Normalize for the same container.
func Denormalize(frac FracRect, container Rect) (Rect, error) {
	if err := checkContainer(container); err != nil {
		return Rect{}, err
	}
	return Rect{
		X: container.X + frac.X*container.W,
		Y: container.Y + frac.Y*container.H,
		W: frac.W * container.W,
		H: frac.H * container.H,
	}, nil
}

// IsLegacyPixel reports whether any component exceeds 1, which marks a rect captured in page pixels.
func IsLegacyPixel(rect FracRect) bool {
	return rect.X > 1 || rect.Y > 1 || rect.W > 1 || rect.H > 1
}

// ReprojectLegacy converts a page-relative pixel rect into text-layer-relative pixels
// using the offset of the text layer inside the page.
func ReprojectLegacy(rect FracRect, pageBox Rect, textLayerBox Rect) Rect {
	offsetX := textLayerBox.X - pageBox.X
	offsetY := textLayerBox.Y - pageBox.Y
	return Rect{
		X: rect.X - offsetX,
		Y: rect.Y - offsetY,
		W: rect.W,
		H: rect.H,
	}
}

func checkContainer(container Rect) error {
	if !(container.W > 0) || !(container.H > 0) {
		return ErrDegenerateContainer
	}
	if math.IsInf(container.W, 0) || math.IsInf(container.H, 0) {
		return ErrDegenerateContainer
	}
	return nil
}

func clamp01(value float64) float64 {
	if math.IsNaN(value) {
		return 0
	}
	return math.Max(0, math.Min(1, value))
}
