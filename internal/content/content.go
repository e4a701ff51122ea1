// Package content defines the boundary to the authoritative document
// content layer. The merge algorithm itself lives outside this module;
// the core only consumes ordered block snapshots and change signals.
package content

import (
	"encoding/json"
	"sync"
)

// Block is one unit of document content. The ID is assigned once and
// survives structural edits, undo, and reordering; everything keyed by
// block identity (metadata, signatures, verification state) depends on
// that.
type Block struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Clone returns a copy whose payload does not alias the receiver's.
func (b Block) Clone() Block {
	clone := b
	if b.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), b.Payload...)
	}
	return clone
}

// CloneBlocks deep-copies a block slice.
func CloneBlocks(blocks []Block) []Block {
	if blocks == nil {
		return nil
	}
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = b.Clone()
	}
	return out
}

// Store is the content-layer surface the core consumes: ordered
// snapshots, transactional replacement, and change notification.
type Store interface {
	Snapshot() []Block
	Replace(blocks []Block)
	Apply(fn func(blocks []Block) []Block)
	Subscribe() (<-chan struct{}, func())
}

// MemoryStore is an in-process Store used by sessions whose document
// lives locally, and by tests. Mutations are serialized; snapshots are
// deep copies so no caller ever holds a live reference.
type MemoryStore struct {
	mu      sync.RWMutex
	blocks  []Block
	subs    map[int]chan struct{}
	nextSub int
}

func NewMemoryStore(initial []Block) *MemoryStore {
	return &MemoryStore{
		blocks: CloneBlocks(initial),
		subs:   make(map[int]chan struct{}),
	}
}

func (s *MemoryStore) Snapshot() []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneBlocks(s.blocks)
}

func (s *MemoryStore) Replace(blocks []Block) {
	s.mu.Lock()
	s.blocks = CloneBlocks(blocks)
	s.mu.Unlock()
	s.notify()
}

func (s *MemoryStore) Apply(fn func(blocks []Block) []Block) {
	s.mu.Lock()
	s.blocks = CloneBlocks(fn(CloneBlocks(s.blocks)))
	s.mu.Unlock()
	s.notify()
}

// Subscribe returns a signal channel that fires after each mutation.
// The channel is coalescing: a pending signal absorbs later ones, so a
// slow consumer sees at least one signal for any burst.
func (s *MemoryStore) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
	return ch, cancel
}

func (s *MemoryStore) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
