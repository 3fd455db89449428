// Package replay restores stored annotations onto a rendered document and captures new ones.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/anchor"
	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/dom"
	"github.com/MarcoPoloResearchLab/marginalia/internal/localstore"
	"github.com/MarcoPoloResearchLab/marginalia/internal/overlay"
	"github.com/MarcoPoloResearchLab/marginalia/internal/syncgw"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

var (
	// ErrUnknownDocument indicates that the shown document is not part of the active folder.
	ErrUnknownDocument = errors.New("replay: document not in active folder")
	// ErrNotReady indicates that no document has been rendered yet.
	ErrNotReady = errors.New("replay: no rendered document")

	errMissingGateway = errors.New("replay: sync gateway is required")
	errMissingStore   = errors.New("replay: local store is required")
)

// RenderedDocument is what the external renderer announces when a document becomes interactive.
type RenderedDocument struct {
	URL    string
	Kind   annotations.AnchorKind
	Root   *html.Node
	Layout dom.Layout
}

type Config struct {
	Gateway    *syncgw.Gateway
	Store      *localstore.Store
	IDProvider annotations.IDProvider
	Viewport   Viewport
	Focus      FocusConfig
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Coordinator ties the renderer, the local store and the sync gateway together for the
// currently shown document. Methods are safe to call from multiple goroutines.
type Coordinator struct {
	gateway  *syncgw.Gateway
	store    *localstore.Store
	ids      annotations.IDProvider
	viewport Viewport
	focus    FocusConfig
	clock    func() time.Time
	logger   *zap.Logger

	mu         sync.Mutex
	renderer   *overlay.Renderer
	layout     dom.Layout
	folder     Folder
	current    RenderedDocument
	documentID string
	ready      bool
	shown      []annotations.Annotation
	pending    *FocusHandle
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = annotations.NewUUIDProvider()
	}
	viewport := cfg.Viewport
	if viewport == nil {
		viewport = DOMViewport{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	layout := dom.NewBoxMap()
	c := &Coordinator{
		gateway:  cfg.Gateway,
		store:    cfg.Store,
		ids:      ids,
		viewport: viewport,
		focus:    cfg.Focus.withDefaults(),
		clock:    clock,
		logger:   logger,
		renderer: overlay.NewRenderer(nil, layout, logger),
		layout:   layout,
	}
	cfg.Gateway.AttachVisuals(c)
	return c, nil
}

// SetFolder activates a folder. Switching folders forgets the previous folder's document lists
// and any pending focus request.
func (c *Coordinator) SetFolder(folder Folder) {
	c.mu.Lock()
	changed := folder.ID != c.folder.ID
	c.folder = folder
	var pending *FocusHandle
	if changed {
		c.gateway.View().Reset()
		pending = c.pending
		c.pending = nil
	}
	if c.current.URL != "" {
		c.documentID, _ = ResolveDocumentID(folder, c.current.URL)
	}
	c.mu.Unlock()

	if pending != nil {
		pending.Cancel()
	}
}

// DocumentID returns the resolved id of the shown document.
func (c *Coordinator) DocumentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentID
}

// OnRenderReady replays the folder's annotations for a newly interactive document and returns
// the number of marks drawn. When the remote list fails the locally stored set is drawn.
func (c *Coordinator) OnRenderReady(ctx context.Context, document RenderedDocument) (int, error) {
	c.mu.Lock()
	layout := document.Layout
	if layout == nil {
		layout = dom.NewBoxMap()
	}
	c.current = document
	c.layout = layout
	c.renderer.Reset(document.Root, layout)
	c.shown = nil
	folder := c.folder
	documentID, ok := ResolveDocumentID(folder, document.URL)
	c.documentID = documentID
	c.ready = document.Root != nil
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("rendered document not in active folder",
			zap.String("folder_id", folder.ID), zap.String("url", document.URL))
		return 0, fmt.Errorf("%w: %s", ErrUnknownDocument, document.URL)
	}

	list, err := c.gateway.List(ctx, folder.ID, documentID, document.Kind)
	if err != nil {
		list, err = c.store.List(ctx, document.Kind, documentID)
		if err != nil {
			return 0, err
		}
	}

	c.mu.Lock()
	if c.documentID != documentID || c.current.Root != document.Root {
		c.mu.Unlock()
		return 0, nil
	}
	drawn := c.renderer.DrawAll(list)
	c.shown = list
	pending := c.pending
	c.mu.Unlock()

	c.startFocus(pending)
	return drawn, nil
}

// Refresh fetches the shown document again and applies only the differences to the overlay.
func (c *Coordinator) Refresh(ctx context.Context) (int, error) {
	c.mu.Lock()
	if !c.ready || c.documentID == "" {
		c.mu.Unlock()
		return 0, ErrNotReady
	}
	folderID, documentID, kind, root := c.folder.ID, c.documentID, c.current.Kind, c.current.Root
	c.mu.Unlock()

	list, err := c.gateway.List(ctx, folderID, documentID, kind)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.documentID != documentID || c.current.Root != root {
		return 0, nil
	}
	diff := overlay.ComputeOverlayDiff(c.shown, list)
	c.shown = list
	if diff.Empty() {
		return 0, nil
	}
	return c.renderer.Apply(diff), nil
}

// Watch refreshes the shown document whenever a change event for the active folder arrives.
// It returns when ctx is done or events is closed.
func (c *Coordinator) Watch(ctx context.Context, events <-chan syncgw.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.mu.Lock()
			active := c.folder.ID
			c.mu.Unlock()
			if event.FolderID != active {
				continue
			}
			if _, err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrNotReady) {
				c.logger.Warn("realtime refresh failed",
					zap.String("folder_id", event.FolderID), zap.Error(err))
			}
		}
	}
}

// ApplyHighlight captures the selection, stores and draws the annotation at once, and then
// confirms it remotely. Capture failures return anchor.ErrNoSelection and change nothing.
func (c *Coordinator) ApplyHighlight(ctx context.Context, selection dom.Selection, rawColor string) (annotations.Annotation, error) {
	color, err := annotations.ParseColor(rawColor)
	if err != nil {
		return annotations.Annotation{}, err
	}

	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return annotations.Annotation{}, ErrNotReady
	}
	if c.documentID == "" {
		c.mu.Unlock()
		return annotations.Annotation{}, ErrUnknownDocument
	}

	builder := anchor.NewBuilder(c.layout)
	var captured annotations.Anchor
	switch c.current.Kind {
	case annotations.AnchorKindPDF:
		captured, err = builder.CapturePDF(selection)
	case annotations.AnchorKindWeb:
		captured, err = builder.CaptureWeb(c.current.Root, selection)
	default:
		err = fmt.Errorf("replay: unsupported document kind %q", c.current.Kind)
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Debug("selection not captured", zap.Error(err))
		return annotations.Annotation{}, err
	}

	id, err := c.ids.NewID()
	if err != nil {
		c.mu.Unlock()
		return annotations.Annotation{}, fmt.Errorf("replay: id generation failed: %w", err)
	}
	now := c.clock().UTC()
	annotation := annotations.Annotation{
		ID:         id,
		FolderID:   c.folder.ID,
		DocumentID: c.documentID,
		Quote:      captured.Quote,
		Color:      color,
		Anchor:     captured,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if _, err := c.store.Upsert(ctx, annotation); err != nil {
		c.mu.Unlock()
		return annotations.Annotation{}, err
	}
	c.gateway.View().Prepend(annotation)
	if _, err := c.renderer.Draw(annotation); err != nil {
		c.logger.Debug("new annotation not drawn", zap.String("annotation_id", id), zap.Error(err))
	}
	c.shown = append([]annotations.Annotation{annotation.Clone()}, c.shown...)
	c.mu.Unlock()

	return annotation, c.gateway.Create(ctx, annotation)
}

// EditNote stores a note locally and sends it to the remote API.
func (c *Coordinator) EditNote(ctx context.Context, id, note string) error {
	return c.gateway.Update(ctx, id, annotations.Patch{Note: &note})
}

// DeleteAnnotation removes an annotation. When the remote delete fails the overlay is redrawn
// from the restored document list.
func (c *Coordinator) DeleteAnnotation(ctx context.Context, id string) error {
	err := c.gateway.Delete(ctx, id)
	if err == nil {
		return nil
	}
	c.mu.Lock()
	documentID := c.documentID
	c.mu.Unlock()
	if documentID != "" {
		c.Redraw(documentID, c.gateway.View().List(documentID))
	}
	return err
}

// HitTest resolves a click target to the annotation drawn there.
func (c *Coordinator) HitTest(target *html.Node) (annotations.Annotation, bool) {
	id, ok := overlay.HitTest(target)
	if !ok {
		return annotations.Annotation{}, false
	}
	stored, found, err := c.store.GetByID(context.Background(), id)
	if err != nil || !found {
		return c.gateway.View().Find(id)
	}
	return stored, true
}

// NoteFor returns the tooltip text for a hover target. Empty notes produce no tooltip.
func (c *Coordinator) NoteFor(target *html.Node) (string, bool) {
	annotation, ok := c.HitTest(target)
	if !ok {
		return "", false
	}
	note := strings.TrimSpace(annotation.Note)
	return note, note != ""
}

// Remove drops the marks of one annotation.
func (c *Coordinator) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderer.Remove(id)
	kept := c.shown[:0]
	for _, annotation := range c.shown {
		if annotation.ID != id {
			kept = append(kept, annotation)
		}
	}
	c.shown = kept
}

// Redraw clears the overlay and draws list when documentID is the shown document.
func (c *Coordinator) Redraw(documentID string, list []annotations.Annotation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if documentID != c.documentID || !c.ready {
		return
	}
	filtered := annotations.FilterForDocument(list, documentID, c.current.Kind)
	c.renderer.DrawAll(filtered)
	c.shown = filtered
}

// Marks exposes the mark elements of an annotation in the shown document.
func (c *Coordinator) Marks(id string) []*html.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renderer.Marks(id)
}
