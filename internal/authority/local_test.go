package authority

import (
	"context"
	"errors"
	"testing"
	"time"

	"vellum/core/internal/abac"
	"vellum/core/internal/capability"
)

func TestLocalIssueAndResolve(t *testing.T) {
	codec := capability.NewCodec([]byte("local-secret"), time.Minute)
	local := NewLocal(newTestDocs(), codec)
	ctx := context.Background()

	cleared := &abac.Subject{ID: "user-1", Role: "editor", ClearanceLevel: 2}
	signed, expires, err := local.IssueToken(ctx, cleared, "doc-1", "secret")
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if !expires.After(time.Now()) {
		t.Error("expected future expiry")
	}

	block, err := local.Resolve(ctx, cleared, "doc-1", "secret", signed)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if block.ID != "secret" {
		t.Errorf("block = %+v", block)
	}
}

func TestLocalDeniesLowClearance(t *testing.T) {
	codec := capability.NewCodec([]byte("local-secret"), time.Minute)
	local := NewLocal(newTestDocs(), codec)
	ctx := context.Background()

	viewer := &abac.Subject{ID: "user-1", Role: "viewer", ClearanceLevel: 0}
	if _, _, err := local.IssueToken(ctx, viewer, "doc-1", "secret"); !errors.Is(err, abac.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if _, err := local.Resolve(ctx, viewer, "doc-1", "secret", ""); !errors.Is(err, abac.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func TestLocalResolveUnknownBlock(t *testing.T) {
	codec := capability.NewCodec([]byte("local-secret"), time.Minute)
	local := NewLocal(newTestDocs(), codec)

	subject := &abac.Subject{ID: "user-1", Role: "admin"}
	if _, err := local.Resolve(context.Background(), subject, "doc-1", "missing", ""); !errors.Is(err, ErrUnknownDocument) {
		t.Fatalf("expected ErrUnknownDocument, got %v", err)
	}
}

func TestLocalResolveReturnsClone(t *testing.T) {
	codec := capability.NewCodec([]byte("local-secret"), time.Minute)
	docs := newTestDocs()
	local := NewLocal(docs, codec)

	subject := &abac.Subject{ID: "user-1", Role: "viewer"}
	block, err := local.Resolve(context.Background(), subject, "doc-1", "pub", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	block.Payload[0] = 'X'
	if string(docs.blocks["doc-1/pub"].Payload)[0] == 'X' {
		t.Error("resolve leaked the stored payload slice")
	}
}
