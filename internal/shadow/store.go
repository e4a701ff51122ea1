// Package shadow keeps security metadata decoupled from document
// content. Attributes survive content-layer structural edits and never
// leak into exported markup because they live only in this map, keyed
// by stable block identity.
package shadow

import (
	"sync"
	"time"

	"vellum/core/internal/abac"
)

// VerificationStatus is the ephemeral per-block integrity state. It is
// recomputed on load and never persisted.
type VerificationStatus string

const (
	StatusUnknown   VerificationStatus = "unknown"
	StatusVerifying VerificationStatus = "verifying"
	StatusVerified  VerificationStatus = "verified"
	StatusTampered  VerificationStatus = "tampered"
	StatusUnsigned  VerificationStatus = "unsigned"
)

// TokenRecord is a cached capability token. Tokens are in-memory only
// and wiped wholesale whenever the subject's attributes change.
type TokenRecord struct {
	ID            string
	SubjectID     string
	TargetDocID   string
	TargetBlockID string
	Signed        string
	ExpiresAt     time.Time
}

// Change notifies dependents that a block's metadata moved. A change
// with an empty BlockID signals a full reload (LoadFromSnapshot or
// Clear); Meta is nil when the entry was deleted.
type Change struct {
	BlockID string
	Meta    *abac.BlockMetadata
}

// Store is the metadata shadow map plus the two parallel ephemeral
// maps (verification status, capability tokens). All methods are safe
// for concurrent use.
type Store struct {
	mu       sync.RWMutex
	meta     map[string]abac.BlockMetadata
	statuses map[string]VerificationStatus
	tokens   map[string]TokenRecord
	subs     map[int]chan Change
	nextSub  int
}

func New() *Store {
	return &Store{
		meta:     make(map[string]abac.BlockMetadata),
		statuses: make(map[string]VerificationStatus),
		tokens:   make(map[string]TokenRecord),
		subs:     make(map[int]chan Change),
	}
}

// Get returns the metadata for a block. A miss is not an error: the
// block was never classified and callers must treat it as public.
func (s *Store) Get(blockID string) (abac.BlockMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.meta[blockID]
	if !ok {
		return abac.BlockMetadata{}, false
	}
	return abac.CloneMetadata(meta), true
}

func (s *Store) Set(blockID string, meta abac.BlockMetadata) {
	stored := abac.CloneMetadata(meta)
	s.mu.Lock()
	s.meta[blockID] = stored
	s.mu.Unlock()
	notifyMeta := abac.CloneMetadata(meta)
	s.notify(Change{BlockID: blockID, Meta: &notifyMeta})
}

func (s *Store) SetMany(entries map[string]abac.BlockMetadata) {
	s.mu.Lock()
	for blockID, meta := range entries {
		s.meta[blockID] = abac.CloneMetadata(meta)
	}
	s.mu.Unlock()
	s.notify(Change{})
}

func (s *Store) Delete(blockID string) {
	s.mu.Lock()
	delete(s.meta, blockID)
	delete(s.statuses, blockID)
	s.mu.Unlock()
	s.notify(Change{BlockID: blockID})
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.meta = make(map[string]abac.BlockMetadata)
	s.statuses = make(map[string]VerificationStatus)
	s.mu.Unlock()
	s.notify(Change{})
}

// LoadFromSnapshot atomically replaces the entire map. The clear and
// repopulate happen under one lock so a concurrent reader can never
// observe metadata from two documents at once.
func (s *Store) LoadFromSnapshot(entries map[string]abac.BlockMetadata) {
	s.mu.Lock()
	s.meta = make(map[string]abac.BlockMetadata, len(entries))
	for blockID, meta := range entries {
		s.meta[blockID] = abac.CloneMetadata(meta)
	}
	s.statuses = make(map[string]VerificationStatus)
	s.mu.Unlock()
	s.notify(Change{})
}

func (s *Store) ExportSnapshot() map[string]abac.BlockMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]abac.BlockMetadata, len(s.meta))
	for blockID, meta := range s.meta {
		out[blockID] = abac.CloneMetadata(meta)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.meta)
}

// Subscribe registers for change notifications. Delivery never blocks
// a mutator: when a subscriber's buffer is full the change is dropped,
// so consumers must treat any received change as "re-read what you
// depend on", not as a complete event stream.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Change, 64)
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
	return ch, cancel
}

func (s *Store) notify(change Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// SetStatus records a block's verification state.
func (s *Store) SetStatus(blockID string, status VerificationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[blockID] = status
}

// GetStatus returns the verification state, defaulting to unknown for
// blocks that were never checked.
func (s *Store) GetStatus(blockID string) VerificationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[blockID]
	if !ok {
		return StatusUnknown
	}
	return status
}

func (s *Store) Statuses() map[string]VerificationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]VerificationStatus, len(s.statuses))
	for blockID, status := range s.statuses {
		out[blockID] = status
	}
	return out
}

// PutToken caches a capability token under an opaque key.
func (s *Store) PutToken(key string, record TokenRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = record
}

func (s *Store) GetToken(key string) (TokenRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.tokens[key]
	return record, ok
}

func (s *Store) DeleteToken(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key)
}

// ClearSubjectTokens drops every cached token issued to one subject,
// leaving other subjects' tokens in place.
func (s *Store) ClearSubjectTokens(subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, record := range s.tokens {
		if record.SubjectID == subjectID {
			delete(s.tokens, key)
		}
	}
}

// ClearAllTokens drops every cached token. Called on any local
// subject-attribute change; the next resolve for each target performs
// a fresh handshake.
func (s *Store) ClearAllTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]TokenRecord)
}

func (s *Store) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
