package overlay

import (
	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
)

// OverlayDiff lists what a rendering adapter must change to go from one annotation set to another.
// A changed annotation appears in both lists: remove the old marks, then draw the new ones.
type OverlayDiff struct {
	ToAdd    []annotations.Annotation
	ToRemove []string
}

// Empty reports whether nothing needs to change.
func (d OverlayDiff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0
}

// ComputeOverlayDiff compares two annotation sets by id and visual content.
func ComputeOverlayDiff(previous, next []annotations.Annotation) OverlayDiff {
	previousByID := make(map[string]annotations.Annotation, len(previous))
	for _, annotation := range previous {
		previousByID[annotation.ID] = annotation
	}
	nextByID := make(map[string]annotations.Annotation, len(next))
	for _, annotation := range next {
		nextByID[annotation.ID] = annotation
	}

	diff := OverlayDiff{}
	for _, annotation := range previous {
		replacement, kept := nextByID[annotation.ID]
		if !kept || !sameVisual(annotation, replacement) {
			diff.ToRemove = append(diff.ToRemove, annotation.ID)
		}
	}
	for _, annotation := range next {
		existing, known := previousByID[annotation.ID]
		if !known || !sameVisual(existing, annotation) {
			diff.ToAdd = append(diff.ToAdd, annotation)
		}
	}
	return diff
}

func sameVisual(left, right annotations.Annotation) bool {
	if left.Color != right.Color {
		return false
	}
	a, b := left.Anchor, right.Anchor
	if a.Kind != b.Kind || a.Page != b.Page ||
		a.StartPath != b.StartPath || a.StartOffset != b.StartOffset ||
		a.EndPath != b.EndPath || a.EndOffset != b.EndOffset {
		return false
	}
	if len(a.Rects) != len(b.Rects) {
		return false
	}
	for index := range a.Rects {
		if a.Rects[index] != b.Rects[index] {
			return false
		}
	}
	return true
}
