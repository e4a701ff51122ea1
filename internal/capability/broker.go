package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vellum/core/internal/abac"
	"vellum/core/internal/shadow"
)

// Issuer is the handshake surface of a target document's owning
// authority.
type Issuer interface {
	IssueToken(ctx context.Context, subject *abac.Subject, docID, blockID string) (string, time.Time, error)
}

// Target names one remote block a token could be prefetched for.
type Target struct {
	DocID   string
	BlockID string
}

const prefetchParallelism = 4

// Broker negotiates capability tokens and caches them beside the
// metadata shadow store. Failed handshakes cache nothing; subject
// changes wipe the cache wholesale.
type Broker struct {
	issuer Issuer
	store  *shadow.Store
	now    func() time.Time

	mu  sync.Mutex
	seq map[string]uint64
}

func NewBroker(issuer Issuer, store *shadow.Store) *Broker {
	return &Broker{issuer: issuer, store: store, now: time.Now, seq: make(map[string]uint64)}
}

// RequestToken performs a full handshake with the target authority.
// Denial or failure returns the error and caches nothing. A response
// superseded by a newer request for the same scope is discarded on
// arrival.
func (b *Broker) RequestToken(ctx context.Context, subject *abac.Subject, docID, blockID string) (*Token, error) {
	if subject == nil {
		return nil, fmt.Errorf("request token: no subject")
	}
	key := CacheKey(subject.ID, docID, blockID)

	b.mu.Lock()
	b.seq[key]++
	seq := b.seq[key]
	b.mu.Unlock()

	signed, expires, err := b.issuer.IssueToken(ctx, subject, docID, blockID)
	if err != nil {
		return nil, fmt.Errorf("token handshake %s/%s: %w", docID, blockID, err)
	}

	token := Token{
		SubjectID:     subject.ID,
		TargetDocID:   docID,
		TargetBlockID: blockID,
		Signed:        signed,
		ExpiresAt:     expires,
	}

	b.mu.Lock()
	stale := b.seq[key] != seq
	b.mu.Unlock()
	if stale {
		// A newer handshake for this scope is in flight or already
		// landed; do not let this result overwrite it.
		if cached, ok := b.TokenFor(subject.ID, docID, blockID); ok {
			return cached, nil
		}
		return &token, nil
	}

	b.store.PutToken(key, shadow.TokenRecord{
		ID:            token.ID,
		SubjectID:     token.SubjectID,
		TargetDocID:   token.TargetDocID,
		TargetBlockID: token.TargetBlockID,
		Signed:        token.Signed,
		ExpiresAt:     token.ExpiresAt,
	})
	return &token, nil
}

// TokenFor returns a live cached token for the scope, expiring dead
// entries on the way out.
func (b *Broker) TokenFor(subjectID, docID, blockID string) (*Token, bool) {
	key := CacheKey(subjectID, docID, blockID)
	record, ok := b.store.GetToken(key)
	if !ok {
		return nil, false
	}
	if !b.now().Before(record.ExpiresAt) {
		b.store.DeleteToken(key)
		return nil, false
	}
	return &Token{
		ID:            record.ID,
		SubjectID:     record.SubjectID,
		TargetDocID:   record.TargetDocID,
		TargetBlockID: record.TargetBlockID,
		Signed:        record.Signed,
		ExpiresAt:     record.ExpiresAt,
	}, true
}

// Invalidate drops every cached token. Wired to subject-attribute
// changes: the next resolve for each target performs a fresh
// handshake.
func (b *Broker) Invalidate() {
	b.store.ClearAllTokens()
}

// InvalidateSubject drops only the tokens issued to one subject.
func (b *Broker) InvalidateSubject(subjectID string) {
	b.store.ClearSubjectTokens(subjectID)
}

// Prefetch speculatively warms the cache for known external reference
// targets to hide handshake latency. It never resolves or caches block
// content; a failed prefetch is not an error, just a cold cache entry.
func (b *Broker) Prefetch(ctx context.Context, subject *abac.Subject, targets []Target) {
	if subject == nil || len(targets) == 0 {
		return
	}
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(prefetchParallelism)
	for _, target := range targets {
		target := target
		group.Go(func() error {
			if _, ok := b.TokenFor(subject.ID, target.DocID, target.BlockID); ok {
				return nil
			}
			_, _ = b.RequestToken(ctx, subject, target.DocID, target.BlockID)
			return nil
		})
	}
	_ = group.Wait()
}
