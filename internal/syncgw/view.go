package syncgw

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
)

// DocumentView is the in-memory annotation list shown per document of the active folder.
// Newly captured annotations appear first.
type DocumentView struct {
	mu        sync.RWMutex
	documents map[string][]annotations.Annotation
}

// NewDocumentView constructs an empty view.
func NewDocumentView() *DocumentView {
	return &DocumentView{documents: make(map[string][]annotations.Annotation)}
}

// List returns a copy of a document's entries.
func (v *DocumentView) List(documentID string) []annotations.Annotation {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return cloneList(v.documents[documentID])
}

// Prepend inserts an annotation at the head of its document's list, replacing an entry with the same id.
func (v *DocumentView) Prepend(annotation annotations.Annotation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	current := v.documents[annotation.DocumentID]
	next := make([]annotations.Annotation, 0, len(current)+1)
	next = append(next, annotation.Clone())
	for _, existing := range current {
		if existing.ID != annotation.ID {
			next = append(next, existing)
		}
	}
	v.documents[annotation.DocumentID] = next
}

// Find locates an entry by id across documents.
func (v *DocumentView) Find(id string) (annotations.Annotation, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, list := range v.documents {
		for _, annotation := range list {
			if annotation.ID == id {
				return annotation.Clone(), true
			}
		}
	}
	return annotations.Annotation{}, false
}

// Remove drops an entry by id and returns it.
func (v *DocumentView) Remove(id string) (annotations.Annotation, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for documentID, list := range v.documents {
		for index, annotation := range list {
			if annotation.ID != id {
				continue
			}
			next := make([]annotations.Annotation, 0, len(list)-1)
			next = append(next, list[:index]...)
			next = append(next, list[index+1:]...)
			v.documents[documentID] = next
			return annotation, true
		}
	}
	return annotations.Annotation{}, false
}

// ApplyPatch mutates an entry in place. It reports whether the id was found.
func (v *DocumentView) ApplyPatch(id string, patch annotations.Patch, updatedAt time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, list := range v.documents {
		for index := range list {
			if list[index].ID != id {
				continue
			}
			if patch.Note != nil {
				list[index].Note = *patch.Note
			}
			if patch.Quote != nil {
				list[index].Quote = *patch.Quote
			}
			if patch.Color != nil {
				list[index].Color = *patch.Color
			}
			list[index].UpdatedAt = updatedAt
			return true
		}
	}
	return false
}

// Snapshot captures a document's list for a later Restore.
func (v *DocumentView) Snapshot(documentID string) []annotations.Annotation {
	return v.List(documentID)
}

// Restore puts back a snapshot verbatim, same ids in the same order.
func (v *DocumentView) Restore(documentID string, snapshot []annotations.Annotation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.documents[documentID] = cloneList(snapshot)
}

// Replace swaps the entries of one anchor kind for a document, keeping entries of other kinds.
func (v *DocumentView) Replace(documentID string, kind annotations.AnchorKind, list []annotations.Annotation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := cloneList(list)
	for _, existing := range v.documents[documentID] {
		if existing.Kind() != kind {
			next = append(next, existing)
		}
	}
	v.documents[documentID] = next
}

// Reset forgets every document, used when the active folder changes.
func (v *DocumentView) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.documents = make(map[string][]annotations.Annotation)
}

func cloneList(list []annotations.Annotation) []annotations.Annotation {
	if list == nil {
		return []annotations.Annotation{}
	}
	result := make([]annotations.Annotation, len(list))
	for index, annotation := range list {
		result[index] = annotation.Clone()
	}
	return result
}
