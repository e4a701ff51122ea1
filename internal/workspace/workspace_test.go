package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"vellum/core/internal/abac"
	"vellum/core/internal/content"
	"vellum/core/internal/refs"
	"vellum/core/internal/shadow"
	"vellum/core/internal/signer"
	"vellum/core/internal/snapshot"
)

type fakeIssuer struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (f *fakeIssuer) IssueToken(ctx context.Context, subject *abac.Subject, docID, blockID string) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return "", time.Time{}, f.fail
	}
	return fmt.Sprintf("tok-%d", f.calls), time.Now().Add(time.Minute), nil
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	deny  bool
}

func (f *fakeResolver) Resolve(ctx context.Context, subject *abac.Subject, docID, blockID, token string) (*content.Block, error) {
	f.mu.Lock()
	f.calls++
	deny := f.deny
	f.mu.Unlock()
	if deny {
		return nil, abac.ErrDenied
	}
	return &content.Block{ID: blockID, Type: "paragraph", Payload: json.RawMessage(`{"remote":true}`)}, nil
}

func testBlocks() []content.Block {
	return []content.Block{
		{ID: "b1", Type: "heading", Payload: json.RawMessage(`{"text":"Title"}`)},
		{ID: "b2", Type: "paragraph", Payload: json.RawMessage(`{"text":"Body"}`)},
		{ID: "b3", Type: "paragraph", Payload: json.RawMessage(`{"text":"Secret"}`)},
	}
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Content == nil {
		opts.Content = content.NewMemoryStore(testBlocks())
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 5 * time.Millisecond
	}
	s := NewSession("doc-1", opts)
	t.Cleanup(s.Close)
	return s
}

func TestViewFollowsSubjectClearance(t *testing.T) {
	s := newTestSession(t, Options{})
	if err := s.SetMetadata("b3", abac.BlockMetadata{
		Classification: abac.Confidential,
		Provenance:     abac.Provenance{AuthorID: "author", Timestamp: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)},
	}); err != nil {
		t.Fatalf("SetMetadata() error = %v", err)
	}

	view := s.SetSubject(&abac.Subject{ID: "viewer", Role: "viewer", ClearanceLevel: 0})
	if len(view.Blocks) != 2 {
		t.Fatalf("viewer should see 2 blocks, got %d", len(view.Blocks))
	}
	if len(view.Redactions) != 1 || view.Redactions[0].BlockID != "b3" {
		t.Fatalf("expected b3 redacted: %+v", view.Redactions)
	}

	view = s.SetSubject(&abac.Subject{ID: "officer", Role: "editor", ClearanceLevel: 2})
	if len(view.Blocks) != 3 {
		t.Fatalf("cleared subject should see 3 blocks, got %d", len(view.Blocks))
	}
}

func TestContentChangeRecomputesView(t *testing.T) {
	store := content.NewMemoryStore(testBlocks())
	s := newTestSession(t, Options{Content: store})
	s.SetSubject(&abac.Subject{ID: "viewer", Role: "viewer"})

	store.Apply(func(blocks []content.Block) []content.Block {
		return append(blocks, content.Block{ID: "b4", Type: "paragraph", Payload: json.RawMessage(`{}`)})
	})
	s.Flush()

	view := s.View()
	if len(view.Blocks) != 4 {
		t.Fatalf("expected 4 blocks after append, got %d", len(view.Blocks))
	}
}

func TestMetadataChangeRecomputesView(t *testing.T) {
	s := newTestSession(t, Options{})
	s.SetSubject(&abac.Subject{ID: "viewer", Role: "viewer", ClearanceLevel: 0})
	if got := len(s.View().Blocks); got != 3 {
		t.Fatalf("baseline view should have 3 blocks, got %d", got)
	}

	if err := s.SetMetadata("b2", abac.BlockMetadata{
		Classification: abac.Restricted,
		Provenance:     abac.Provenance{AuthorID: "author", Timestamp: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)},
	}); err != nil {
		t.Fatalf("SetMetadata() error = %v", err)
	}
	s.Flush()

	view := s.View()
	if len(view.Blocks) != 2 {
		t.Fatalf("expected b2 hidden after reclassification, got %d blocks", len(view.Blocks))
	}
}

func TestApplyEditLockedBlock(t *testing.T) {
	s := newTestSession(t, Options{})
	if err := s.SetMetadata("b2", abac.BlockMetadata{Classification: abac.Internal, Locked: true}); err != nil {
		t.Fatalf("SetMetadata() error = %v", err)
	}

	s.SetSubject(&abac.Subject{ID: "editor", Role: "editor", ClearanceLevel: 3})
	if err := s.ApplyEdit("b2", []byte(`{"text":"changed"}`)); !errors.Is(err, abac.ErrDenied) {
		t.Fatalf("expected ErrDenied for locked block, got %v", err)
	}

	s.SetSubject(&abac.Subject{ID: "root", Role: abac.RoleAdmin, ClearanceLevel: 3})
	if err := s.ApplyEdit("b2", []byte(`{"text":"changed"}`)); err != nil {
		t.Fatalf("admin edit failed: %v", err)
	}
	block, _ := s.Block("b2")
	if string(block.Payload) != `{"text":"changed"}` {
		t.Errorf("payload = %s", block.Payload)
	}
}

func TestApplyEditUnknownBlock(t *testing.T) {
	s := newTestSession(t, Options{})
	s.SetSubject(&abac.Subject{ID: "editor", Role: "editor"})
	if err := s.ApplyEdit("nope", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown block")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := snapshot.NewGitStore(t.TempDir(), "tester")
	s := newTestSession(t, Options{Snapshots: store})
	ctx := context.Background()

	if err := s.SetMetadata("b3", abac.BlockMetadata{
		Classification: abac.Confidential,
		ACL:            []string{"officer"},
		Provenance:     abac.Provenance{AuthorID: "author", Timestamp: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)},
	}); err != nil {
		t.Fatalf("SetMetadata() error = %v", err)
	}
	if err := s.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	restored := NewSession("doc-1", Options{Snapshots: store, Debounce: 5 * time.Millisecond})
	defer restored.Close()
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	meta, ok := restored.Metadata("b3")
	if !ok {
		t.Fatal("metadata lost through snapshot")
	}
	if meta.Classification != abac.Confidential || len(meta.ACL) != 1 {
		t.Errorf("metadata = %+v", meta)
	}
	if _, ok := restored.Block("b2"); !ok {
		t.Error("blocks lost through snapshot")
	}
	// Verification state is ephemeral and resets to unknown
	if status := restored.VerificationStatuses()["b3"]; status != "" && status != shadow.StatusUnknown {
		t.Errorf("status after load = %v", status)
	}
}

func TestSignThenVerify(t *testing.T) {
	authority, err := signer.NewLocal("signer-1", nil)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	s := newTestSession(t, Options{Signer: authority})
	s.SetSubject(&abac.Subject{ID: "editor", Role: "editor", ClearanceLevel: 2})
	ctx := context.Background()

	prov, err := s.SignBlock(ctx, "b2")
	if err != nil {
		t.Fatalf("SignBlock() error = %v", err)
	}
	if prov.SignerID != "signer-1" || len(prov.Signature) == 0 {
		t.Fatalf("provenance = %+v", prov)
	}

	status, err := s.VerifyBlock(ctx, "b2")
	if err != nil {
		t.Fatalf("VerifyBlock() error = %v", err)
	}
	if status != shadow.StatusVerified {
		t.Errorf("status = %v, want verified", status)
	}

	statuses := s.VerifyAll(ctx)
	if statuses["b1"] != shadow.StatusUnsigned {
		t.Errorf("unsigned block status = %v", statuses["b1"])
	}
	if statuses["b2"] != shadow.StatusVerified {
		t.Errorf("signed block status = %v", statuses["b2"])
	}
}

func TestSubjectChangeInvalidatesTokens(t *testing.T) {
	issuer := &fakeIssuer{}
	resolver := &fakeResolver{}
	s := newTestSession(t, Options{Issuer: issuer, Resolver: resolver})
	s.SetSubject(&abac.Subject{ID: "user-1", Role: "viewer"})
	ctx := context.Background()

	if err := s.AddReference(refs.Reference{ID: "ref-1", TargetDocID: "other", TargetBlockID: "x"}); err != nil {
		t.Fatalf("AddReference() error = %v", err)
	}
	s.PrefetchTokens(ctx)
	if issuer.callCount() != 1 {
		t.Fatalf("expected 1 handshake, got %d", issuer.callCount())
	}

	// Cached token, no new handshake
	s.PrefetchTokens(ctx)
	if issuer.callCount() != 1 {
		t.Fatalf("cached prefetch re-negotiated: %d calls", issuer.callCount())
	}

	// Subject change wipes the cache, next prefetch negotiates again
	s.SetSubject(&abac.Subject{ID: "user-1", Role: "editor", ClearanceLevel: 1})
	s.PrefetchTokens(ctx)
	if issuer.callCount() != 2 {
		t.Fatalf("expected fresh handshake after subject change, got %d calls", issuer.callCount())
	}
}

func TestResolveReferenceStatuses(t *testing.T) {
	resolver := &fakeResolver{}
	s := newTestSession(t, Options{Resolver: resolver})
	s.SetSubject(&abac.Subject{ID: "user-1", Role: "viewer"})
	ctx := context.Background()

	if err := s.AddReference(refs.Reference{ID: "ref-1", TargetDocID: "other", TargetBlockID: "x"}); err != nil {
		t.Fatalf("AddReference() error = %v", err)
	}

	block, err := s.ResolveReference(ctx, "ref-1")
	if err != nil {
		t.Fatalf("ResolveReference() error = %v", err)
	}
	if block.ID != "x" {
		t.Errorf("block = %+v", block)
	}
	if list := s.References(); list[0].Status != refs.StatusActive {
		t.Errorf("status = %v, want active", list[0].Status)
	}

	resolver.deny = true
	if _, err := s.ResolveReference(ctx, "ref-1"); !errors.Is(err, abac.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if list := s.References(); list[0].Status != refs.StatusDenied {
		t.Errorf("status = %v, want denied", list[0].Status)
	}
}

func TestRegistryDocumentView(t *testing.T) {
	reg := NewRegistry()
	s := newTestSession(t, Options{})
	if err := s.SetMetadata("b3", abac.BlockMetadata{
		Classification: abac.Restricted,
		Provenance:     abac.Provenance{AuthorID: "author", Timestamp: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)},
	}); err != nil {
		t.Fatalf("SetMetadata() error = %v", err)
	}
	s.SetSubject(&abac.Subject{ID: "owner", Role: abac.RoleAdmin, ClearanceLevel: 3})
	reg.Add(s)

	// The remote caller's view is computed against its own subject, not
	// the session's bound one.
	view, err := reg.DocumentView("doc-1", &abac.Subject{ID: "guest", Role: "viewer", ClearanceLevel: 0})
	if err != nil {
		t.Fatalf("DocumentView() error = %v", err)
	}
	if len(view.Blocks) != 2 {
		t.Fatalf("guest should see 2 blocks, got %d", len(view.Blocks))
	}
	if len(s.View().Blocks) != 3 {
		t.Error("session's own view must be unaffected")
	}

	if _, err := reg.DocumentView("missing", nil); err == nil {
		t.Fatal("expected error for unknown document")
	}

	if _, ok := reg.Block("doc-1", "b1"); !ok {
		t.Error("registry block lookup failed")
	}
	if _, ok := reg.BlockMetadata("doc-1", "b3"); !ok {
		t.Error("registry metadata lookup failed")
	}
}

func TestRegistryRemoveClosesSession(t *testing.T) {
	reg := NewRegistry()
	s := NewSession("doc-x", Options{Debounce: 5 * time.Millisecond})
	reg.Add(s)

	reg.Remove("doc-x")
	if _, ok := reg.Get("doc-x"); ok {
		t.Fatal("session still registered after remove")
	}
}
