package pdfinfo

import (
	"errors"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/geometry"
)

// Projection is one annotation placed on its page in PDF points.
type Projection struct {
	AnnotationID string          `json:"annotation_id"`
	Page         int             `json:"page"`
	Color        string          `json:"highlight_color"`
	Quote        string          `json:"quote"`
	Note         string          `json:"note,omitempty"`
	PageBox      PageBox         `json:"page_box"`
	Rects        []geometry.Rect `json:"rects"`
	// Skipped names why the annotation could not be placed; Rects is empty when set.
	Skipped string `json:"skipped,omitempty"`
}

const (
	skippedPageOutOfRange = "page_out_of_range"
	skippedLegacyRect     = "legacy_pixel_rect"
	skippedDegenerate     = "degenerate_page"
)

// ProjectAll places every PDF annotation of the list onto the document pages. Annotations that
// cannot be placed are kept with a Skipped reason so callers can report them.
func (d Document) ProjectAll(list []annotations.Annotation) []Projection {
	projections := make([]Projection, 0, len(list))
	for _, annotation := range list {
		if annotation.Kind() != annotations.AnchorKindPDF {
			continue
		}
		projection := Projection{
			AnnotationID: annotation.ID,
			Page:         annotation.Anchor.Page,
			Color:        annotation.Color.String(),
			Quote:        annotation.Quote,
			Note:         annotation.Note,
			Rects:        []geometry.Rect{},
		}
		box, err := d.Page(annotation.Anchor.Page)
		if err != nil {
			projection.Skipped = skippedPageOutOfRange
			projections = append(projections, projection)
			continue
		}
		projection.PageBox = box
		for _, rect := range annotation.Anchor.Rects {
			placed, err := box.Project(rect)
			if err != nil {
				projection.Skipped = skipReason(err)
				projection.Rects = []geometry.Rect{}
				break
			}
			projection.Rects = append(projection.Rects, placed)
		}
		projections = append(projections, projection)
	}
	return projections
}

func skipReason(err error) string {
	if errors.Is(err, ErrLegacyRect) {
		return skippedLegacyRect
	}
	return skippedDegenerate
}
