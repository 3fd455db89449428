package syncgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// EventAnnotationsChanged is pushed after a create, patch or delete in a folder.
	EventAnnotationsChanged = "annotations-changed"
	EventHeartbeat          = "heartbeat"

	realtimeBufferSize = 16
)

var realtimeDialer = &gorilla.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 10 * time.Second,
}

// ChangeEvent is one message of the realtime channel.
type ChangeEvent struct {
	Type          string    `json:"type"`
	FolderID      string    `json:"folder_id"`
	AnnotationIDs []string  `json:"annotation_ids,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RealtimeURL derives the websocket endpoint from the REST base url.
func RealtimeURL(baseURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("syncgw: unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path += "/realtime"
	return parsed.String(), nil
}

// Subscribe opens the realtime channel and streams folder change events until ctx is done or
// the connection drops. Heartbeats are not forwarded. The returned channel is closed on exit.
func Subscribe(ctx context.Context, baseURL string, tokens TokenSource, logger *zap.Logger) (<-chan ChangeEvent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tokens == nil {
		return nil, ErrUnauthenticated
	}
	token, err := tokens.Token()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthenticated
	}
	endpoint, err := RealtimeURL(baseURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := realtimeDialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: err.Error()}
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}

	events := make(chan ChangeEvent, realtimeBufferSize)
	readerDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""), time.Now().Add(time.Second))
		case <-readerDone:
		}
		_ = conn.Close()
	}()
	go func() {
		defer close(events)
		defer close(readerDone)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && !gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) && !errors.Is(err, context.Canceled) {
					logger.Warn("realtime channel closed", zap.Error(err))
				}
				return
			}
			var event ChangeEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				logger.Debug("ignoring undecodable realtime message", zap.Error(err))
				continue
			}
			if event.Type != EventAnnotationsChanged {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
