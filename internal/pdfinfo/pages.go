// Package pdfinfo reads page geometry from PDF files so stored fractional rects can be projected
// onto page coordinates without a renderer.
package pdfinfo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/MarcoPoloResearchLab/marginalia/internal/geometry"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var (
	// ErrPageOutOfRange indicates a page number the document does not have.
	ErrPageOutOfRange = errors.New("pdfinfo: page out of range")
	// ErrLegacyRect indicates a pixel-scale rect that cannot be projected without the original viewport.
	ErrLegacyRect = errors.New("pdfinfo: legacy pixel rect")
)

// PageBox is the size of one page in PDF points.
type PageBox struct {
	Page   int     `json:"page"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Document lists the page boxes of a PDF.
type Document struct {
	Pages []PageBox
}

// NewDefaultConfiguration loads pdfcpu's package-level config file on first use, so it is
// only called once. Each read gets its own copy since pdfcpu writes to the configuration.
var baseConfiguration = sync.OnceValue(func() model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return *cfg
})

func relaxedConfiguration() *model.Configuration {
	cfg := baseConfiguration()
	return &cfg
}

// Read loads page boxes from a PDF stream.
func Read(rs io.ReadSeeker) (Document, error) {
	dims, err := api.PageDims(rs, relaxedConfiguration())
	if err != nil {
		return Document{}, fmt.Errorf("pdfinfo: read page dimensions: %w", err)
	}
	pages := make([]PageBox, len(dims))
	for index, dim := range dims {
		pages[index] = PageBox{Page: index + 1, Width: dim.Width, Height: dim.Height}
	}
	return Document{Pages: pages}, nil
}

// ReadFile loads page boxes from a PDF on disk.
func ReadFile(path string) (Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return Document{}, err
	}
	defer file.Close()
	return Read(file)
}

// Page returns the box of a one-based page number.
func (d Document) Page(page int) (PageBox, error) {
	if page < 1 || page > len(d.Pages) {
		return PageBox{}, fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, page, len(d.Pages))
	}
	return d.Pages[page-1], nil
}

// Project converts a fractional rect to points on the page, origin at the top-left corner.
func (b PageBox) Project(rect geometry.FracRect) (geometry.Rect, error) {
	if geometry.IsLegacyPixel(rect) {
		return geometry.Rect{}, ErrLegacyRect
	}
	return geometry.Denormalize(rect, geometry.Rect{W: b.Width, H: b.Height})
}
