package annotations

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/geometry"
)

// AnchorKind tags which document type produced an anchor.
type AnchorKind string

const (
	// AnchorKindPDF marks anchors captured inside a PDF text layer.
	AnchorKindPDF AnchorKind = "pdf"
	// AnchorKindWeb marks anchors captured inside a live web document.
	AnchorKindWeb AnchorKind = "web"
)

const (
	maxIdentifierLength = 190
	pdfPathPrefix       = "/pdf/"
)

var (
	// ErrInvalidAnnotationID indicates an empty or oversized annotation identifier.
	ErrInvalidAnnotationID = errors.New("annotations: invalid annotation id")
	// ErrInvalidFolderID indicates an empty or oversized folder identifier.
	ErrInvalidFolderID = errors.New("annotations: invalid folder id")
	// ErrMissingDocumentID indicates that the annotation has not been bound to a document yet.
	ErrMissingDocumentID = errors.New("annotations: missing document id")
	// ErrInvalidAnchor indicates an anchor that cannot be replayed.
	ErrInvalidAnchor = errors.New("annotations: invalid anchor")
	// ErrInvalidColor indicates a color outside the highlight palette.
	ErrInvalidColor = errors.New("annotations: invalid highlight color")
)

// Color is a highlight color from the fixed palette.
type Color string

// Palette lists the highlight colors offered to users, in display order.
var Palette = []Color{"#ffe564", "#a0e3a1", "#ffb3c7", "#a8d8ff", "#ffd59b"}

// ParseColor validates raw input against the palette.
func ParseColor(rawInput string) (Color, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawInput))
	for _, color := range Palette {
		if string(color) == normalized {
			return color, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidColor, rawInput)
}

// String returns the CSS color value.
func (c Color) String() string {
	return string(c)
}

// Anchor locates a highlighted span independent of zoom and viewport.
// PDF anchors carry Page and Rects; web anchors carry only paths and offsets.
type Anchor struct {
	Kind        AnchorKind          `json:"kind"`
	StartPath   string              `json:"start_xpath"`
	StartOffset int                 `json:"start_offset"`
	EndPath     string              `json:"end_xpath"`
	EndOffset   int                 `json:"end_offset"`
	Quote       string              `json:"quote"`
	Page        int                 `json:"page,omitempty"`
	Rects       []geometry.FracRect `json:"rects,omitempty"`
}

// PDFPath returns the structural locator for a text fragment on a page; fragment is zero-based.
func PDFPath(page, fragment int) string {
	return fmt.Sprintf("%spage[%d]/span[%d]", pdfPathPrefix, page, fragment+1)
}

// HasGeometry reports whether the anchor carries enough structure to be redrawn.
func (a Anchor) HasGeometry() bool {
	switch a.Kind {
	case AnchorKindPDF:
		return a.Page > 0 && len(a.Rects) > 0
	case AnchorKindWeb:
		return strings.TrimSpace(a.StartPath) != ""
	default:
		return false
	}
}

// Validate checks the anchor invariants for its kind.
func (a Anchor) Validate() error {
	switch a.Kind {
	case AnchorKindPDF:
		if a.Page < 1 {
			return fmt.Errorf("%w: page must be positive", ErrInvalidAnchor)
		}
		if !strings.HasPrefix(a.StartPath, pdfPathPrefix) || !strings.HasPrefix(a.EndPath, pdfPathPrefix) {
			return fmt.Errorf("%w: pdf locators required", ErrInvalidAnchor)
		}
		for _, rect := range a.Rects {
			if rect.X < 0 || rect.Y < 0 || rect.W < 0 || rect.H < 0 {
				return fmt.Errorf("%w: negative rect component", ErrInvalidAnchor)
			}
		}
	case AnchorKindWeb:
		if strings.TrimSpace(a.StartPath) == "" {
			return fmt.Errorf("%w: start path required", ErrInvalidAnchor)
		}
		if len(a.Rects) > 0 {
			return fmt.Errorf("%w: web anchors carry no rects", ErrInvalidAnchor)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAnchor, a.Kind)
	}
	if a.StartOffset < 0 || a.EndOffset < 0 {
		return fmt.Errorf("%w: negative offset", ErrInvalidAnchor)
	}
	return nil
}

// UnmarshalJSON infers the kind of legacy rows that were stored without one.
func (a *Anchor) UnmarshalJSON(data []byte) error {
	type plain Anchor
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if decoded.Kind == "" {
		decoded.Kind = inferKind(Anchor(decoded))
	}
	*a = Anchor(decoded)
	return nil
}

func inferKind(a Anchor) AnchorKind {
	if a.Page > 0 || len(a.Rects) > 0 || strings.HasPrefix(a.StartPath, pdfPathPrefix) {
		return AnchorKindPDF
	}
	if strings.TrimSpace(a.StartPath) != "" {
		return AnchorKindWeb
	}
	return ""
}

// Annotation is the persisted highlight record. DocumentID travels as websiteId on the wire.
type Annotation struct {
	ID         string    `json:"id,omitempty"`
	FolderID   string    `json:"folder_id"`
	DocumentID string    `json:"websiteId"`
	Quote      string    `json:"quote"`
	Color      Color     `json:"highlight_color"`
	Note       string    `json:"note"`
	Anchor     Anchor    `json:"selection_range"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Kind returns the anchor variant.
func (a Annotation) Kind() AnchorKind {
	return a.Anchor.Kind
}

// Validate checks the invariants required before persistence.
func (a Annotation) Validate() error {
	if err := validateIdentifier(a.ID, ErrInvalidAnnotationID); err != nil {
		return err
	}
	if err := validateIdentifier(a.FolderID, ErrInvalidFolderID); err != nil {
		return err
	}
	if strings.TrimSpace(a.DocumentID) == "" {
		return ErrMissingDocumentID
	}
	if _, err := ParseColor(string(a.Color)); err != nil {
		return err
	}
	return a.Anchor.Validate()
}

// Clone returns a deep copy so callers can mutate rects without aliasing.
func (a Annotation) Clone() Annotation {
	clone := a
	if a.Anchor.Rects != nil {
		clone.Anchor.Rects = append([]geometry.FracRect(nil), a.Anchor.Rects...)
	}
	return clone
}

// Patch is the partial update accepted by PATCH /annotations/{id}.
type Patch struct {
	Quote *string `json:"quote,omitempty"`
	Note  *string `json:"note,omitempty"`
	Color *Color  `json:"highlight_color,omitempty"`
}

// Empty reports whether the patch carries no fields.
func (p Patch) Empty() bool {
	return p.Quote == nil && p.Note == nil && p.Color == nil
}

func validateIdentifier(value string, sentinel error) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return nil
}

// FilterForDocument keeps annotations of the given document and kind that can be redrawn.
func FilterForDocument(all []Annotation, documentID string, kind AnchorKind) []Annotation {
	filtered := make([]Annotation, 0, len(all))
	for _, annotation := range all {
		if annotation.DocumentID != documentID {
			continue
		}
		if annotation.Kind() != kind || !annotation.Anchor.HasGeometry() {
			continue
		}
		filtered = append(filtered, annotation)
	}
	return filtered
}
