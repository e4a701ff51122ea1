// Package signer defines the signing-authority boundary. The core
// only shapes requests and interprets responses; the authority itself
// is opaque and may live across a network boundary.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

// ErrSigningRefused means the authority rejected the subject's signing
// rights. Callers must fail loudly and leave no partial provenance.
var ErrSigningRefused = errors.New("signing refused")

// Request binds a signature to (blockID, digest, subjectID) so a seal
// cannot be replayed onto other content or claimed by another subject.
type Request struct {
	BlockID   string
	Digest    []byte
	SubjectID string
}

// Seal is what a successful signing returns.
type Seal struct {
	Signature []byte
	SignerID  string
	Timestamp time.Time
}

type Authority interface {
	Sign(ctx context.Context, req Request) (Seal, error)
	Verify(ctx context.Context, blockID string, digest, signature []byte) (bool, error)
}

// Local is an in-process ed25519 authority. An optional allow
// predicate gates which subjects may sign.
type Local struct {
	id    string
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	allow func(subjectID string) bool
}

func NewLocal(id string, allow func(subjectID string) bool) (*Local, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Local{id: id, priv: priv, pub: pub, allow: allow}, nil
}

// NewLocalFromSeed derives a deterministic authority, used when the
// key must survive restarts.
func NewLocalFromSeed(id string, seed []byte, allow func(subjectID string) bool) (*Local, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Local{id: id, priv: priv, pub: priv.Public().(ed25519.PublicKey), allow: allow}, nil
}

func (l *Local) Sign(ctx context.Context, req Request) (Seal, error) {
	if err := ctx.Err(); err != nil {
		return Seal{}, err
	}
	if l.allow != nil && !l.allow(req.SubjectID) {
		return Seal{}, fmt.Errorf("subject %s: %w", req.SubjectID, ErrSigningRefused)
	}
	sig := ed25519.Sign(l.priv, message(req.BlockID, req.Digest))
	return Seal{Signature: sig, SignerID: l.id, Timestamp: time.Now().UTC()}, nil
}

func (l *Local) Verify(ctx context.Context, blockID string, digest, signature []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return ed25519.Verify(l.pub, message(blockID, digest), signature), nil
}

// message frames the signed bytes. The NUL separator keeps (blockID,
// digest) pairs from colliding under concatenation.
func message(blockID string, digest []byte) []byte {
	framed := make([]byte, 0, len(blockID)+1+len(digest))
	framed = append(framed, blockID...)
	framed = append(framed, 0)
	framed = append(framed, digest...)
	return framed
}
