package replay

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/dom"
	"github.com/MarcoPoloResearchLab/marginalia/internal/geometry"
	"github.com/MarcoPoloResearchLab/marginalia/internal/overlay"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	DefaultFocusAttempts = 30
	DefaultFocusInterval = 120 * time.Millisecond
	DefaultFocusFlash    = 1200 * time.Millisecond

	focusTopMargin = 120
	flashStyle     = "outline:2px solid #ffb703"
)

var scrollContainerSelector = cascadia.MustCompile("#viewerContainer")

// FocusRequest asks the viewer to bring an annotation or page into view.
type FocusRequest struct {
	AnnotationID string
	Page         int
	Rect         *geometry.FracRect
}

// FocusConfig bounds the focus retry loop.
type FocusConfig struct {
	MaxAttempts int
	Interval    time.Duration
	Flash       time.Duration
}

func (c FocusConfig) withDefaults() FocusConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultFocusAttempts
	}
	if c.Interval <= 0 {
		c.Interval = DefaultFocusInterval
	}
	if c.Flash <= 0 {
		c.Flash = DefaultFocusFlash
	}
	return c
}

// FocusHandle tracks one focus request. A newer request cancels the older one.
type FocusHandle struct {
	request FocusRequest
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	started  bool
	closed   bool
	attempts int
	focused  bool
}

func newFocusHandle(request FocusRequest) *FocusHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &FocusHandle{
		request: request,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Request returns the focus target.
func (h *FocusHandle) Request() FocusRequest {
	return h.request
}

// Cancel stops the retry loop. A request that never started finishes immediately.
func (h *FocusHandle) Cancel() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started && !h.closed {
		h.closed = true
		close(h.done)
	}
}

// Done is closed once the request succeeded, ran out of attempts or was cancelled.
func (h *FocusHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the request finishes and reports whether the target was focused.
func (h *FocusHandle) Wait() bool {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.focused
}

// Attempts reports how many times the target was looked up.
func (h *FocusHandle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

func (h *FocusHandle) markStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.closed {
		return false
	}
	h.started = true
	return true
}

func (h *FocusHandle) finish(focused bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.focused = focused
	h.closed = true
	close(h.done)
}

func (h *FocusHandle) countAttempt() {
	h.mu.Lock()
	h.attempts++
	h.mu.Unlock()
}

// RequestFocus replaces any pending focus request. The lookup starts at once when a document
// is rendered, otherwise on the next render-ready signal.
func (c *Coordinator) RequestFocus(request FocusRequest) *FocusHandle {
	handle := newFocusHandle(request)

	c.mu.Lock()
	previous := c.pending
	c.pending = handle
	ready := c.ready
	c.mu.Unlock()

	if previous != nil {
		previous.Cancel()
	}
	if ready {
		c.startFocus(handle)
	}
	return handle
}

// PendingFocus returns the focus request still being retried, if any.
func (c *Coordinator) PendingFocus() (FocusRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return FocusRequest{}, false
	}
	return c.pending.request, true
}

func (c *Coordinator) startFocus(handle *FocusHandle) {
	if handle == nil || !handle.markStarted() {
		return
	}
	go c.runFocus(handle)
}

func (c *Coordinator) runFocus(handle *FocusHandle) {
	focused := false
	defer func() {
		c.clearPending(handle)
		handle.finish(focused)
	}()

	ticker := time.NewTicker(c.focus.Interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.focus.MaxAttempts; attempt++ {
		if handle.ctx.Err() != nil {
			return
		}
		handle.countAttempt()
		if c.tryFocus(handle.request) {
			focused = true
			return
		}
		if attempt == c.focus.MaxAttempts {
			break
		}
		select {
		case <-handle.ctx.Done():
			return
		case <-ticker.C:
		}
	}
	c.logger.Debug("focus target not rendered, giving up",
		zap.String("annotation_id", handle.request.AnnotationID),
		zap.Int("page", handle.request.Page),
		zap.Int("attempts", c.focus.MaxAttempts))
}

func (c *Coordinator) clearPending(handle *FocusHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == handle {
		c.pending = nil
	}
}

// tryFocus scrolls the target into view and flashes its marks. It reports false while the
// target is not in the tree yet.
func (c *Coordinator) tryFocus(request FocusRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	root := c.renderer.Root()
	if root == nil {
		return false
	}
	marks := c.renderer.Marks(request.AnnotationID)

	if request.Page > 0 {
		page := overlay.PageElement(root, request.Page)
		container := cascadia.Query(root, scrollContainerSelector)
		if page == nil || container == nil {
			return false
		}
		pageBox, ok := c.layout.BoundingBox(page)
		if !ok {
			return false
		}
		offset := 0.0
		if rect, ok := c.focusRect(request); ok {
			offset = geometry.VerticalOffset(rect, pageBox.H)
		}
		c.viewport.ScrollTo(container, math.Max(pageBox.Y+offset-focusTopMargin, 0))
	} else {
		if len(marks) == 0 {
			return false
		}
		container := cascadia.Query(root, scrollContainerSelector)
		if container == nil {
			container = dom.FindElement(root, "body")
		}
		if box, ok := c.layout.BoundingBox(marks[0]); ok {
			c.viewport.ScrollTo(container, math.Max(box.Y-focusTopMargin, 0))
		}
	}

	for _, mark := range marks {
		c.flash(mark)
	}
	return true
}

func (c *Coordinator) focusRect(request FocusRequest) (geometry.FracRect, bool) {
	if request.Rect != nil {
		return *request.Rect, true
	}
	if request.AnnotationID == "" {
		return geometry.FracRect{}, false
	}
	annotation, ok := c.gateway.View().Find(request.AnnotationID)
	if !ok || len(annotation.Anchor.Rects) == 0 {
		return geometry.FracRect{}, false
	}
	return annotation.Anchor.Rects[0], true
}

// flash outlines a mark and clears the outline after the flash duration. Caller holds c.mu.
func (c *Coordinator) flash(mark *html.Node) {
	style, _ := dom.Attr(mark, "style")
	if strings.Contains(style, flashStyle) {
		return
	}
	if style != "" && !strings.HasSuffix(style, ";") {
		style += ";"
	}
	dom.SetAttr(mark, "style", style+flashStyle)
	time.AfterFunc(c.focus.Flash, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		current, _ := dom.Attr(mark, "style")
		current = strings.Replace(current, flashStyle, "", 1)
		dom.SetAttr(mark, "style", strings.TrimSuffix(current, ";"))
	})
}
