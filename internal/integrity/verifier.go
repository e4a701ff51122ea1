// Package integrity seals block content and detects post-signing
// tampering. Verification state is ephemeral: recomputed on every
// document load, readable by the UI, never persisted.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"vellum/core/internal/abac"
	"vellum/core/internal/content"
	"vellum/core/internal/shadow"
	"vellum/core/internal/signer"
)

var (
	// ErrMismatch marks tampered content. It is surfaced, never
	// auto-corrected.
	ErrMismatch = errors.New("integrity mismatch")

	// ErrAuthorityUnavailable wraps signing-authority transport
	// failures. The block's status becomes unknown, never a silent
	// verified.
	ErrAuthorityUnavailable = errors.New("signing authority unavailable")
)

// Verifier drives the per-block state machine
// unknown -> verifying -> {verified | tampered | unknown} and the
// signing transition unsigned -> verifying -> verified. Statuses live
// in the shadow store's ephemeral map.
type Verifier struct {
	authority signer.Authority
	store     *shadow.Store

	mu  sync.Mutex
	seq map[string]uint64
}

func New(authority signer.Authority, store *shadow.Store) *Verifier {
	return &Verifier{authority: authority, store: store, seq: make(map[string]uint64)}
}

func (v *Verifier) nextSeq(blockID string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq[blockID]++
	return v.seq[blockID]
}

func (v *Verifier) currentSeq(blockID string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seq[blockID]
}

// setStatus writes the block status unless a newer request for the
// same block has started; a late response must never overwrite newer
// state.
func (v *Verifier) setStatus(blockID string, seq uint64, status shadow.VerificationStatus) bool {
	if v.currentSeq(blockID) != seq {
		return false
	}
	v.store.SetStatus(blockID, status)
	return true
}

// Verify checks one block against its stored signature. Unsigned
// blocks are tagged without a round trip. Any authority error yields
// unknown and ErrAuthorityUnavailable.
func (v *Verifier) Verify(ctx context.Context, block content.Block, meta *abac.BlockMetadata) (shadow.VerificationStatus, error) {
	if meta == nil || len(meta.Provenance.Signature) == 0 {
		v.store.SetStatus(block.ID, shadow.StatusUnsigned)
		return shadow.StatusUnsigned, nil
	}

	seq := v.nextSeq(block.ID)
	v.store.SetStatus(block.ID, shadow.StatusVerifying)

	digest, err := Digest(block.Payload)
	if err != nil {
		v.setStatus(block.ID, seq, shadow.StatusUnknown)
		return shadow.StatusUnknown, fmt.Errorf("digest block %s: %w", block.ID, err)
	}

	ok, err := v.authority.Verify(ctx, block.ID, digest, meta.Provenance.Signature)
	if err != nil {
		v.setStatus(block.ID, seq, shadow.StatusUnknown)
		return shadow.StatusUnknown, fmt.Errorf("verify block %s: %w: %v", block.ID, ErrAuthorityUnavailable, err)
	}

	status := shadow.StatusVerified
	if !ok {
		status = shadow.StatusTampered
	}
	if !v.setStatus(block.ID, seq, status) {
		// Superseded by a newer request; report what this check saw
		// but leave the recorded state to the newer one.
		return status, nil
	}
	return status, nil
}

// VerifyAll walks a document snapshot, typically on load.
func (v *Verifier) VerifyAll(ctx context.Context, blocks []content.Block) map[string]shadow.VerificationStatus {
	out := make(map[string]shadow.VerificationStatus, len(blocks))
	for _, block := range blocks {
		var meta *abac.BlockMetadata
		if m, ok := v.store.Get(block.ID); ok {
			meta = &m
		}
		status, _ := v.Verify(ctx, block, meta)
		out[block.ID] = status
	}
	return out
}

// Sign seals a block for the subject: digest, request a signature
// bound to (blockID, digest, subjectID), persist provenance, then
// immediately re-verify locally rather than trusting the authority's
// success response. On any failure the shadow store keeps its previous
// metadata; provenance is written in one Set only after re-verification
// passes.
func (v *Verifier) Sign(ctx context.Context, block content.Block, subject *abac.Subject) (abac.Provenance, error) {
	if subject == nil {
		return abac.Provenance{}, fmt.Errorf("sign block %s: no subject", block.ID)
	}

	seq := v.nextSeq(block.ID)
	previous := v.store.GetStatus(block.ID)
	v.store.SetStatus(block.ID, shadow.StatusVerifying)

	digest, err := Digest(block.Payload)
	if err != nil {
		v.setStatus(block.ID, seq, previous)
		return abac.Provenance{}, fmt.Errorf("digest block %s: %w", block.ID, err)
	}

	seal, err := v.authority.Sign(ctx, signer.Request{BlockID: block.ID, Digest: digest, SubjectID: subject.ID})
	if err != nil {
		v.setStatus(block.ID, seq, previous)
		if errors.Is(err, signer.ErrSigningRefused) {
			return abac.Provenance{}, fmt.Errorf("sign block %s: %w", block.ID, err)
		}
		return abac.Provenance{}, fmt.Errorf("sign block %s: %w: %v", block.ID, ErrAuthorityUnavailable, err)
	}

	ok, err := v.authority.Verify(ctx, block.ID, digest, seal.Signature)
	if err != nil {
		v.setStatus(block.ID, seq, shadow.StatusUnknown)
		return abac.Provenance{}, fmt.Errorf("re-verify block %s: %w: %v", block.ID, ErrAuthorityUnavailable, err)
	}
	if !ok {
		v.setStatus(block.ID, seq, shadow.StatusTampered)
		return abac.Provenance{}, fmt.Errorf("re-verify block %s: %w", block.ID, ErrMismatch)
	}

	meta, _ := v.store.Get(block.ID)
	meta.Provenance.Signature = seal.Signature
	meta.Provenance.SignerID = seal.SignerID
	meta.Provenance.Timestamp = seal.Timestamp
	if meta.Provenance.AuthorID == "" {
		meta.Provenance.AuthorID = subject.ID
	}
	v.store.Set(block.ID, meta)
	v.setStatus(block.ID, seq, shadow.StatusVerified)
	return meta.Provenance, nil
}
