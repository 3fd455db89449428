package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/pdfinfo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultHeadlessConcurrency = 4

var errNoSources = errors.New("replay: at least one pdf source is required")

// FolderLister fetches every annotation of a folder.
type FolderLister interface {
	ListAnnotations(ctx context.Context, folderID string) ([]annotations.Annotation, error)
}

// DocumentCache receives the fetched annotations of each document.
type DocumentCache interface {
	ReplaceDocument(ctx context.Context, kind annotations.AnchorKind, documentID string, replacement []annotations.Annotation) error
}

// PDFSource pairs a folder document with a local copy of its PDF.
type PDFSource struct {
	DocumentID string
	Path       string
}

// ParsePDFSource reads "documentID=path".
func ParsePDFSource(raw string) (PDFSource, error) {
	documentID, path, found := strings.Cut(raw, "=")
	documentID = strings.TrimSpace(documentID)
	path = strings.TrimSpace(path)
	if !found || documentID == "" || path == "" {
		return PDFSource{}, fmt.Errorf("replay: pdf source %q must be documentID=path", raw)
	}
	return PDFSource{DocumentID: documentID, Path: path}, nil
}

// DocumentProjection is the headless replay of one PDF document.
type DocumentProjection struct {
	DocumentID  string               `json:"document_id"`
	Pages       int                  `json:"pages"`
	Annotations []pdfinfo.Projection `json:"annotations"`
}

// HeadlessConfig configures ProjectFolder.
type HeadlessConfig struct {
	Lister      FolderLister
	Cache       DocumentCache
	Concurrency int
	Logger      *zap.Logger
}

// ProjectFolder replays the stored PDF annotations of a folder onto local PDF files without a
// renderer. Documents are processed concurrently; results keep the order of sources.
func ProjectFolder(ctx context.Context, cfg HeadlessConfig, folderID string, sources []PDFSource) ([]DocumentProjection, error) {
	if cfg.Lister == nil {
		return nil, errors.New("replay: folder lister is required")
	}
	if len(sources) == 0 {
		return nil, errNoSources
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = defaultHeadlessConcurrency
	}

	results := make([]DocumentProjection, len(sources))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)

	for index, source := range sources {
		group.Go(func() error {
			// Concurrent lists of the same folder collapse into one request in the client.
			all, err := cfg.Lister.ListAnnotations(groupCtx, folderID)
			if err != nil {
				return fmt.Errorf("list folder %s: %w", folderID, err)
			}
			list := annotations.FilterForDocument(all, source.DocumentID, annotations.AnchorKindPDF)
			if cfg.Cache != nil {
				if err := cfg.Cache.ReplaceDocument(groupCtx, annotations.AnchorKindPDF, source.DocumentID, list); err != nil {
					logger.Warn("local cache write failed", zap.String("document_id", source.DocumentID), zap.Error(err))
				}
			}

			document, err := pdfinfo.ReadFile(source.Path)
			if err != nil {
				return fmt.Errorf("read %s: %w", source.Path, err)
			}
			results[index] = DocumentProjection{
				DocumentID:  source.DocumentID,
				Pages:       len(document.Pages),
				Annotations: document.ProjectAll(list),
			}
			logger.Debug("document projected",
				zap.String("document_id", source.DocumentID),
				zap.Int("annotations", len(list)),
			)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
