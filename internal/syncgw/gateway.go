// Package syncgw reconciles optimistic local annotation state with the remote annotation API.
package syncgw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/localstore"
	"github.com/MarcoPoloResearchLab/marginalia/internal/metrics"
	"go.uber.org/zap"
)

const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
	OperationList   = "list"
)

var (
	errMissingRemote = errors.New("syncgw: remote api is required")
	errMissingStore  = errors.New("syncgw: local store is required")
)

// RemoteAPI is the remote annotation collection.
type RemoteAPI interface {
	CreateAnnotation(ctx context.Context, annotation annotations.Annotation) (annotations.Annotation, error)
	ListAnnotations(ctx context.Context, folderID string) ([]annotations.Annotation, error)
	PatchAnnotation(ctx context.Context, id string, patch annotations.Patch) (annotations.Annotation, error)
	DeleteAnnotation(ctx context.Context, id string) error
}

// Visuals is the rendering side the gateway keeps in step with the view.
type Visuals interface {
	Remove(id string)
	Redraw(documentID string, list []annotations.Annotation)
}

// Notification is a transient user-facing message about a remote failure.
type Notification struct {
	Operation    string
	AnnotationID string
	Message      string
	Err          error
}

type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(notification Notification) {
	f(notification)
}

// SyncError reports a failed remote operation after local recovery has run.
type SyncError struct {
	Operation    string
	AnnotationID string
	Err          error
}

func (e *SyncError) Error() string {
	if e.AnnotationID == "" {
		return fmt.Sprintf("syncgw: %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("syncgw: %s %s failed: %v", e.Operation, e.AnnotationID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

type Config struct {
	Remote   RemoteAPI
	Store    *localstore.Store
	View     *DocumentView
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Gateway applies changes locally first and then confirms them remotely. Remote operations
// on the same annotation id run in call order.
type Gateway struct {
	remote   RemoteAPI
	store    *localstore.Store
	view     *DocumentView
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    func() time.Time
	queue    *keyedQueue

	mu        sync.Mutex
	visuals   Visuals
	abandoned map[string]struct{}
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	view := cfg.View
	if view == nil {
		view = NewDocumentView()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) {})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Gateway{
		remote:    cfg.Remote,
		store:     cfg.Store,
		view:      view,
		notifier:  notifier,
		metrics:   cfg.Metrics,
		logger:    logger,
		clock:     clock,
		queue:     newKeyedQueue(),
		abandoned: make(map[string]struct{}),
	}, nil
}

// View exposes the in-memory document lists.
func (g *Gateway) View() *DocumentView {
	return g.view
}

// AttachVisuals connects the renderer adapter used during rollback.
func (g *Gateway) AttachVisuals(visuals Visuals) {
	g.mu.Lock()
	g.visuals = visuals
	g.mu.Unlock()
}

// Create confirms an optimistic annotation remotely. On failure the entry is removed from the
// document view; the local store row is kept for a manual retry.
func (g *Gateway) Create(ctx context.Context, annotation annotations.Annotation) error {
	started := time.Now()
	attempted := false
	err := g.queue.Do(ctx, annotation.ID, func() error {
		attempted = true
		created, err := g.remote.CreateAnnotation(ctx, annotation)
		if err != nil {
			// Marked before the queue moves on so a queued update or delete sees it.
			g.setAbandoned(annotation.ID, true)
			return err
		}
		g.setAbandoned(annotation.ID, false)
		if created.ID != "" && created.ID != annotation.ID {
			g.logger.Warn("remote assigned a different annotation id",
				zap.String("annotation_id", annotation.ID),
				zap.String("remote_id", created.ID))
		}
		return nil
	})
	if err != nil {
		if !attempted {
			g.setAbandoned(annotation.ID, true)
		}
		g.view.Remove(annotation.ID)
		g.fail(OperationCreate, annotation.ID, "Failed to save highlight", err, started)
		return &SyncError{Operation: OperationCreate, AnnotationID: annotation.ID, Err: err}
	}
	g.metrics.ObserveSync(OperationCreate, metrics.OutcomeSuccess, started)
	return nil
}

// Update applies a patch locally and then remotely. The local edit is kept when the remote
// patch fails; the failure is reported.
func (g *Gateway) Update(ctx context.Context, id string, patch annotations.Patch) error {
	started := time.Now()
	now := g.clock().UTC()

	if patch.Note != nil {
		stored, found, err := g.store.GetByID(ctx, id)
		if err != nil {
			g.logger.Warn("local lookup failed", zap.String("annotation_id", id), zap.Error(err))
		}
		if found {
			stored.Note = *patch.Note
			stored.UpdatedAt = now
			if _, err := g.store.Upsert(ctx, stored); err != nil {
				g.logger.Warn("local note update failed", zap.String("annotation_id", id), zap.Error(err))
			}
		}
	}
	g.view.ApplyPatch(id, patch, now)

	skipped := false
	err := g.queue.Do(ctx, id, func() error {
		if g.isAbandoned(id) {
			skipped = true
			return nil
		}
		_, err := g.remote.PatchAnnotation(ctx, id, patch)
		return err
	})
	if err != nil {
		g.fail(OperationUpdate, id, "Failed to update note", err, started)
		return &SyncError{Operation: OperationUpdate, AnnotationID: id, Err: err}
	}
	if skipped {
		g.metrics.ObserveSync(OperationUpdate, metrics.OutcomeSkipped, started)
		return nil
	}
	g.metrics.ObserveSync(OperationUpdate, metrics.OutcomeSuccess, started)
	return nil
}

// Delete removes an annotation from the view, the store, and the overlay at once, then deletes
// it remotely. On failure the previous document list is restored verbatim and the document is
// fetched again.
func (g *Gateway) Delete(ctx context.Context, id string) error {
	started := time.Now()

	viewed, inView := g.view.Find(id)
	var snapshot []annotations.Annotation
	if inView {
		snapshot = g.view.Snapshot(viewed.DocumentID)
	}
	stored, inStore, err := g.store.GetByID(ctx, id)
	if err != nil {
		g.logger.Warn("local lookup failed", zap.String("annotation_id", id), zap.Error(err))
	}

	g.view.Remove(id)
	if _, err := g.store.Remove(ctx, id); err != nil {
		g.logger.Warn("local remove failed", zap.String("annotation_id", id), zap.Error(err))
	}
	if visuals := g.currentVisuals(); visuals != nil {
		visuals.Remove(id)
	}

	skipped := false
	err = g.queue.Do(ctx, id, func() error {
		if g.takeAbandoned(id) {
			skipped = true
			return nil
		}
		err := g.remote.DeleteAnnotation(ctx, id)
		if IsNotFound(err) {
			return nil
		}
		return err
	})
	if err == nil {
		outcome := metrics.OutcomeSuccess
		if skipped {
			outcome = metrics.OutcomeSkipped
		}
		g.metrics.ObserveSync(OperationDelete, outcome, started)
		return nil
	}

	if inView {
		g.view.Restore(viewed.DocumentID, snapshot)
		if visuals := g.currentVisuals(); visuals != nil {
			visuals.Redraw(viewed.DocumentID, snapshot)
		}
	}
	if inStore {
		if _, restoreErr := g.store.Upsert(ctx, stored); restoreErr != nil {
			g.logger.Warn("local restore failed", zap.String("annotation_id", id), zap.Error(restoreErr))
		}
	}
	g.fail(OperationDelete, id, "Failed to delete highlight", err, started)

	reference := viewed
	if !inView {
		reference = stored
	}
	if reference.FolderID != "" && reference.DocumentID != "" {
		if _, listErr := g.List(ctx, reference.FolderID, reference.DocumentID, reference.Kind()); listErr != nil {
			g.logger.Warn("refetch after failed delete did not complete",
				zap.String("annotation_id", id), zap.Error(listErr))
		}
	}
	return &SyncError{Operation: OperationDelete, AnnotationID: id, Err: err}
}

// List fetches the folder, keeps the annotations of documentID whose anchors are of kind and
// carry geometry, and overwrites the local store and the view for that document with them.
func (g *Gateway) List(ctx context.Context, folderID, documentID string, kind annotations.AnchorKind) ([]annotations.Annotation, error) {
	started := time.Now()
	all, err := g.remote.ListAnnotations(ctx, folderID)
	if err != nil {
		g.fail(OperationList, "", "Failed to load highlights", err, started)
		return nil, &SyncError{Operation: OperationList, Err: err}
	}

	filtered := annotations.FilterForDocument(all, documentID, kind)
	if err := g.store.ReplaceDocument(ctx, kind, documentID, filtered); err != nil {
		g.logger.Error("local store overwrite failed",
			zap.String("folder_id", folderID),
			zap.String("document_id", documentID),
			zap.Error(err))
		return nil, &SyncError{Operation: OperationList, Err: err}
	}
	g.view.Replace(documentID, kind, filtered)
	g.metrics.ObserveSync(OperationList, metrics.OutcomeSuccess, started)
	return filtered, nil
}

func (g *Gateway) fail(operation, annotationID, message string, err error, started time.Time) {
	g.metrics.ObserveSync(operation, metrics.OutcomeFailure, started)
	g.logger.Warn("remote annotation operation failed",
		zap.String("operation", operation),
		zap.String("annotation_id", annotationID),
		zap.Error(err))
	g.notifier.Notify(Notification{
		Operation:    operation,
		AnnotationID: annotationID,
		Message:      message,
		Err:          err,
	})
}

func (g *Gateway) currentVisuals() Visuals {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.visuals
}

func (g *Gateway) setAbandoned(id string, abandoned bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if abandoned {
		g.abandoned[id] = struct{}{}
		return
	}
	delete(g.abandoned, id)
}

// takeAbandoned reports whether id was abandoned and forgets it.
func (g *Gateway) takeAbandoned(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.abandoned[id]
	delete(g.abandoned, id)
	return ok
}

func (g *Gateway) isAbandoned(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.abandoned[id]
	return ok
}
