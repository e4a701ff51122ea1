// Package refs tracks live cross-document references. A reference is
// a pointer only: resolving it re-runs authorization at the owning
// authority every time and never retains the returned content.
package refs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vellum/core/internal/abac"
	"vellum/core/internal/content"
)

var ErrUnknownReference = errors.New("unknown reference")

type Status string

const (
	StatusActive Status = "active"
	StatusBroken Status = "broken"
	StatusDenied Status = "denied"
)

// Reference points at a block in another document.
type Reference struct {
	ID            string    `json:"id"`
	TargetDocID   string    `json:"targetDocId"`
	TargetBlockID string    `json:"targetBlockId"`
	OriginURL     string    `json:"originUrl,omitempty"`
	Status        Status    `json:"status"`
	LastVerified  time.Time `json:"lastVerified,omitempty"`
}

// Resolver is the remote resolve surface of a target authority.
type Resolver interface {
	Resolve(ctx context.Context, subject *abac.Subject, docID, blockID, token string) (*content.Block, error)
}

// TokenSource supplies a cached capability token for the fast path, if
// one exists.
type TokenSource interface {
	SignedTokenFor(subjectID, docID, blockID string) (string, bool)
}

type Registry struct {
	resolver Resolver
	tokens   TokenSource
	now      func() time.Time

	mu   sync.Mutex
	refs map[string]Reference
}

func NewRegistry(resolver Resolver, tokens TokenSource) *Registry {
	return &Registry{
		resolver: resolver,
		tokens:   tokens,
		now:      time.Now,
		refs:     make(map[string]Reference),
	}
}

func (r *Registry) Add(ref Reference) {
	if ref.Status == "" {
		ref.Status = StatusActive
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[ref.ID] = ref
}

func (r *Registry) Get(refID string) (Reference, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refs[refID]
	return ref, ok
}

func (r *Registry) Remove(refID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.refs, refID)
}

// List returns all references ordered by id for deterministic output.
func (r *Registry) List() []Reference {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reference, 0, len(r.refs))
	for _, ref := range r.refs {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Targets lists the distinct (doc, block) pairs, the prefetch input.
func (r *Registry) Targets() []Reference {
	return r.List()
}

// Resolve fetches the referenced block for the subject. The owning
// authority re-runs full authorization; a cached token only shortcuts
// the check, it cannot substitute for it. The returned block is handed
// to the caller and forgotten - the registry stores pointers, not
// content.
func (r *Registry) Resolve(ctx context.Context, subject *abac.Subject, refID string) (*content.Block, error) {
	ref, ok := r.Get(refID)
	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", refID, ErrUnknownReference)
	}

	var token string
	if r.tokens != nil && subject != nil {
		if signed, ok := r.tokens.SignedTokenFor(subject.ID, ref.TargetDocID, ref.TargetBlockID); ok {
			token = signed
		}
	}

	block, err := r.resolver.Resolve(ctx, subject, ref.TargetDocID, ref.TargetBlockID, token)
	switch {
	case err == nil:
		r.setStatus(refID, StatusActive)
		return block, nil
	case errors.Is(err, abac.ErrDenied):
		r.setStatus(refID, StatusDenied)
		return nil, fmt.Errorf("resolve %s: %w", refID, abac.ErrDenied)
	default:
		r.setStatus(refID, StatusBroken)
		return nil, fmt.Errorf("resolve %s: %w", refID, err)
	}
}

// MarkAll sweeps every reference to the given status without touching
// LastVerified; used when the caller learns something that applies to
// the whole set, such as a dead authority.
func (r *Registry) MarkAll(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ref := range r.refs {
		ref.Status = status
		r.refs[id] = ref
	}
}

// MarkAllForDoc sweeps only the references pointing into one target
// document.
func (r *Registry) MarkAllForDoc(docID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ref := range r.refs {
		if ref.TargetDocID != docID {
			continue
		}
		ref.Status = status
		r.refs[id] = ref
	}
}

func (r *Registry) setStatus(refID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.refs[refID]
	if !ok {
		return
	}
	ref.Status = status
	ref.LastVerified = r.now()
	r.refs[refID] = ref
}
