package workspace

import (
	"fmt"
	"sync"

	"vellum/core/internal/abac"
	"vellum/core/internal/authority"
	"vellum/core/internal/content"
	"vellum/core/internal/filter"
)

// Registry holds the open sessions of one deployment keyed by document
// ID, and is the document source the authority server evaluates
// against.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.DocID()] = s
}

func (r *Registry) Get(docID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[docID]
	return s, ok
}

// Remove drops the session from the registry and closes it.
func (r *Registry) Remove(docID string) {
	r.mu.Lock()
	s, ok := r.sessions[docID]
	delete(r.sessions, docID)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (r *Registry) DocIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Block(docID, blockID string) (content.Block, bool) {
	s, ok := r.Get(docID)
	if !ok {
		return content.Block{}, false
	}
	return s.Block(blockID)
}

func (r *Registry) BlockMetadata(docID, blockID string) (abac.BlockMetadata, bool) {
	s, ok := r.Get(docID)
	if !ok {
		return abac.BlockMetadata{}, false
	}
	return s.Metadata(blockID)
}

// DocumentView computes a one-shot view of the document for an
// arbitrary subject. The session's own bound-subject view is untouched;
// this is the evaluation the authority server serves to remote callers.
func (r *Registry) DocumentView(docID string, subject *abac.Subject) (filter.View, error) {
	s, ok := r.Get(docID)
	if !ok {
		return filter.View{}, fmt.Errorf("view %s: %w", docID, authority.ErrUnknownDocument)
	}
	oneShot := filter.New(s.shadow)
	return oneShot.Recompute(s.content.Snapshot(), subject), nil
}
