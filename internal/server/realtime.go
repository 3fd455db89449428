package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	RealtimeEventAnnotationsChanged = "annotations-changed"
	realtimeEventHeartbeat          = "heartbeat"

	defaultHeartbeatInterval = 25 * time.Second
	realtimeWriteTimeout     = 5 * time.Second
)

type RealtimeMessage struct {
	UserID        string
	EventType     string
	FolderID      string
	AnnotationIDs []string
	Timestamp     time.Time
}

type realtimeEnvelope struct {
	Type          string    `json:"type"`
	FolderID      string    `json:"folder_id,omitempty"`
	AnnotationIDs []string  `json:"annotation_ids,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RealtimeDispatcher fans change messages out to the open connections of each user.
// Slow subscribers drop messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(userID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the open subscriptions of a user.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}

var realtimeUpgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Bearer authentication already gates the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	conn, err := realtimeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("realtime upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()
	h.metrics.SubscriberOpened()
	defer h.metrics.SubscriberClosed()

	// The read side only watches for the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			envelope := realtimeEnvelope{
				Type:          message.EventType,
				FolderID:      message.FolderID,
				AnnotationIDs: message.AnnotationIDs,
				Timestamp:     message.Timestamp,
			}
			if err := h.writeEnvelope(conn, envelope); err != nil {
				h.logger.Debug("realtime write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		case tick := <-ticker.C:
			if err := h.writeEnvelope(conn, realtimeEnvelope{Type: realtimeEventHeartbeat, Timestamp: tick.UTC()}); err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) writeEnvelope(conn *gorilla.Conn, envelope realtimeEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(envelope)
}
