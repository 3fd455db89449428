package replay

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/geometry"
)

// writeBlankPDF writes a PDF whose pages have the given MediaBox sizes.
func writeBlankPDF(t *testing.T, path string, sizes [][2]int) {
	t.Helper()
	var buffer bytes.Buffer
	offsets := []int{}
	writeObject := func(body string) {
		offsets = append(offsets, buffer.Len())
		fmt.Fprintf(&buffer, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buffer.WriteString("%PDF-1.4\n")
	writeObject("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for index := range sizes {
		kids += fmt.Sprintf("%d 0 R ", index+3)
	}
	writeObject(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, len(sizes)))
	for _, size := range sizes {
		writeObject(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << >> >>", size[0], size[1]))
	}

	xrefOffset := buffer.Len()
	fmt.Fprintf(&buffer, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, offset := range offsets {
		fmt.Fprintf(&buffer, "%010d 00000 n \n", offset)
	}
	fmt.Fprintf(&buffer, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xrefOffset)

	if err := os.WriteFile(path, buffer.Bytes(), 0o600); err != nil {
		t.Fatalf("failed to write pdf: %v", err)
	}
}

type countingLister struct {
	mu    sync.Mutex
	calls int
	list  []annotations.Annotation
}

func (l *countingLister) ListAnnotations(context.Context, string) ([]annotations.Annotation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.list, nil
}

type recordingCache struct {
	mu        sync.Mutex
	documents map[string]int
}

func (c *recordingCache) ReplaceDocument(_ context.Context, _ annotations.AnchorKind, documentID string, replacement []annotations.Annotation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.documents == nil {
		c.documents = map[string]int{}
	}
	c.documents[documentID] = len(replacement)
	return nil
}

func headlessAnnotation(id, documentID string, page int, rect geometry.FracRect) annotations.Annotation {
	return annotations.Annotation{
		ID:         id,
		FolderID:   "folder-1",
		DocumentID: documentID,
		Color:      "#a0e3a1",
		Quote:      id,
		Anchor: annotations.Anchor{
			Kind:      annotations.AnchorKindPDF,
			StartPath: annotations.PDFPath(page, 0),
			EndPath:   annotations.PDFPath(page, 0),
			Page:      page,
			Rects:     []geometry.FracRect{rect},
		},
	}
}

func TestProjectFolderProjectsEachDocument(t *testing.T) {
	dir := t.TempDir()
	letter := filepath.Join(dir, "letter.pdf")
	landscape := filepath.Join(dir, "landscape.pdf")
	writeBlankPDF(t, letter, [][2]int{{612, 792}, {612, 792}})
	writeBlankPDF(t, landscape, [][2]int{{842, 595}})

	lister := &countingLister{list: []annotations.Annotation{
		headlessAnnotation("a-1", "doc-letter", 2, geometry.FracRect{X: 0.5, Y: 0.25, W: 0.1, H: 0.02}),
		headlessAnnotation("a-2", "doc-landscape", 1, geometry.FracRect{X: 0, Y: 0.5, W: 0.5, H: 0.1}),
		headlessAnnotation("a-3", "doc-elsewhere", 1, geometry.FracRect{X: 0, Y: 0, W: 0.1, H: 0.1}),
	}}
	cache := &recordingCache{}

	results, err := ProjectFolder(context.Background(), HeadlessConfig{Lister: lister, Cache: cache, Concurrency: 2}, "folder-1", []PDFSource{
		{DocumentID: "doc-letter", Path: letter},
		{DocumentID: "doc-landscape", Path: landscape},
	})
	if err != nil {
		t.Fatalf("project failed: %v", err)
	}
	if len(results) != 2 || results[0].DocumentID != "doc-letter" || results[1].DocumentID != "doc-landscape" {
		t.Fatalf("expected results in source order, got %+v", results)
	}
	if results[0].Pages != 2 || len(results[0].Annotations) != 1 {
		t.Fatalf("unexpected letter projection %+v", results[0])
	}
	placed := results[0].Annotations[0].Rects[0]
	if math.Abs(placed.X-306) > 1e-6 || math.Abs(placed.Y-198) > 1e-6 {
		t.Fatalf("unexpected letter rect %+v", placed)
	}
	landscapeRect := results[1].Annotations[0].Rects[0]
	if math.Abs(landscapeRect.Y-297.5) > 1e-6 || math.Abs(landscapeRect.W-421) > 1e-6 {
		t.Fatalf("unexpected landscape rect %+v", landscapeRect)
	}
	if cache.documents["doc-letter"] != 1 || cache.documents["doc-landscape"] != 1 {
		t.Fatalf("expected each document to be cached, got %v", cache.documents)
	}
}

func TestProjectFolderFailsOnUnreadablePDF(t *testing.T) {
	lister := &countingLister{}
	_, err := ProjectFolder(context.Background(), HeadlessConfig{Lister: lister}, "folder-1", []PDFSource{
		{DocumentID: "doc-1", Path: filepath.Join(t.TempDir(), "missing.pdf")},
	})
	if err == nil {
		t.Fatalf("expected missing pdf to fail")
	}
}

func TestProjectFolderRequiresSources(t *testing.T) {
	if _, err := ProjectFolder(context.Background(), HeadlessConfig{Lister: &countingLister{}}, "folder-1", nil); err != errNoSources {
		t.Fatalf("expected no sources error, got %v", err)
	}
}

func TestParsePDFSource(t *testing.T) {
	source, err := ParsePDFSource(" doc-1 = ./paper.pdf ")
	if err != nil || source.DocumentID != "doc-1" || source.Path != "./paper.pdf" {
		t.Fatalf("unexpected source %+v (%v)", source, err)
	}
	for _, raw := range []string{"doc-1", "=path.pdf", "doc-1="} {
		if _, err := ParsePDFSource(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
