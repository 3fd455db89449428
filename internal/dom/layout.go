package dom

import (
	"sync"

	"github.com/MarcoPoloResearchLab/marginalia/internal/geometry"
	"golang.org/x/net/html"
)

// Layout reports rendered boxes for nodes. Hosts back it with the live rendering engine.
type Layout interface {
	BoundingBox(node *html.Node) (geometry.Rect, bool)
}

// BoxMap is a Layout backed by explicitly recorded boxes.
type BoxMap struct {
	mu    sync.RWMutex
	boxes map[*html.Node]geometry.Rect
}

// NewBoxMap constructs an empty BoxMap.
func NewBoxMap() *BoxMap {
	return &BoxMap{boxes: make(map[*html.Node]geometry.Rect)}
}

// Set records the box for a node.
func (m *BoxMap) Set(node *html.Node, box geometry.Rect) {
	m.mu.Lock()
	m.boxes[node] = box
	m.mu.Unlock()
}

// BoundingBox implements Layout.
func (m *BoxMap) BoundingBox(node *html.Node) (geometry.Rect, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	box, ok := m.boxes[node]
	return box, ok
}
