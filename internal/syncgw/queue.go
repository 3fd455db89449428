package syncgw

import (
	"context"
	"sync"
)

// keyedQueue runs operations for the same key one after another, in call order.
// Operations on different keys do not wait for each other.
type keyedQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newKeyedQueue() *keyedQueue {
	return &keyedQueue{tails: make(map[string]chan struct{})}
}

func (q *keyedQueue) Do(ctx context.Context, key string, operation func() error) error {
	q.mu.Lock()
	previous := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done
	q.mu.Unlock()

	defer func() {
		close(done)
		q.mu.Lock()
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}()

	if previous != nil {
		select {
		case <-previous:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return operation()
}
