package filter

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"vellum/core/internal/abac"
	"vellum/core/internal/content"
	"vellum/core/internal/shadow"
)

func testBlocks(ids ...string) []content.Block {
	blocks := make([]content.Block, 0, len(ids))
	for _, id := range ids {
		blocks = append(blocks, content.Block{ID: id, Type: "paragraph", Payload: json.RawMessage(`{"text":"x"}`)})
	}
	return blocks
}

func viewIDs(view View) []string {
	ids := make([]string, 0, len(view.Blocks))
	for _, b := range view.Blocks {
		ids = append(ids, b.ID)
	}
	return ids
}

func TestRecomputeKeepsOnlyAllowedInOrder(t *testing.T) {
	store := shadow.New()
	store.Set("b2", abac.BlockMetadata{Classification: abac.Restricted, Provenance: abac.Provenance{AuthorID: "a", Timestamp: time.Now()}})
	store.Set("b4", abac.BlockMetadata{Classification: abac.Internal})

	f := New(store)
	subject := &abac.Subject{ID: "u1", Role: "viewer", ClearanceLevel: 1}
	view := f.Recompute(testBlocks("b1", "b2", "b3", "b4"), subject)

	got := viewIDs(view)
	want := []string{"b1", "b3", "b4"}
	if len(got) != len(want) {
		t.Fatalf("visible = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("visible = %v, want %v (order must match the document)", got, want)
		}
	}

	if len(view.Redactions) != 1 || view.Redactions[0].BlockID != "b2" {
		t.Fatalf("redactions = %+v, want only b2", view.Redactions)
	}
	if view.Redactions[0].Classification != abac.Restricted {
		t.Fatal("redaction must carry the required classification level")
	}
}

func TestRecomputeIdempotent(t *testing.T) {
	store := shadow.New()
	store.Set("b1", abac.BlockMetadata{Classification: abac.Internal})

	f := New(store)
	subject := &abac.Subject{ID: "u1", Role: "viewer", ClearanceLevel: 2}
	blocks := testBlocks("b1", "b2")

	first := f.Recompute(blocks, subject)
	second := f.Recompute(blocks, subject)

	if first.Revision != second.Revision {
		t.Fatalf("revision moved on unchanged inputs: %d -> %d", first.Revision, second.Revision)
	}
	a, b := viewIDs(first), viewIDs(second)
	if fmt.Sprint(a) != fmt.Sprint(b) {
		t.Fatalf("id sequence changed on unchanged inputs: %v vs %v", a, b)
	}
}

func TestRecomputeRevisionBumpsOnChange(t *testing.T) {
	store := shadow.New()
	f := New(store)
	subject := &abac.Subject{ID: "u1", Role: "viewer", ClearanceLevel: 0}

	v1 := f.Recompute(testBlocks("b1"), subject)
	v2 := f.Recompute(testBlocks("b1", "b2"), subject)
	if v2.Revision != v1.Revision+1 {
		t.Fatalf("expected revision bump, got %d -> %d", v1.Revision, v2.Revision)
	}
}

func TestMonotonicityUnderClearanceRaise(t *testing.T) {
	store := shadow.New()
	store.Set("b1", abac.BlockMetadata{Classification: abac.Internal})
	store.Set("b2", abac.BlockMetadata{Classification: abac.Confidential, Provenance: abac.Provenance{AuthorID: "a", Timestamp: time.Now()}})

	f := New(store)
	blocks := testBlocks("b1", "b2", "b3")

	low := f.Recompute(blocks, &abac.Subject{ID: "u", Role: "viewer", ClearanceLevel: 1})
	high := f.Recompute(blocks, &abac.Subject{ID: "u", Role: "viewer", ClearanceLevel: 2})

	visible := make(map[string]bool)
	for _, id := range viewIDs(high) {
		visible[id] = true
	}
	for _, id := range viewIDs(low) {
		if !visible[id] {
			t.Fatalf("raising clearance hid block %s", id)
		}
	}
}

func TestLockedBlockVisibleNotEditable(t *testing.T) {
	store := shadow.New()
	store.Set("b1", abac.BlockMetadata{Classification: abac.Public, Locked: true})

	f := New(store)
	view := f.Recompute(testBlocks("b1"), &abac.Subject{ID: "u", Role: "editor", ClearanceLevel: 3})
	if len(view.Blocks) != 1 {
		t.Fatal("locked block must remain visible")
	}
	if view.Editable["b1"] {
		t.Fatal("locked block must not be editable by non-admin")
	}
}

// panickingSource simulates a broken metadata backend. Every lookup
// blows up, and every block must come out denied.
type panickingSource struct{}

func (panickingSource) Get(string) (abac.BlockMetadata, bool) {
	panic("metadata backend unavailable")
}

func TestBrokenEvaluationDeniesBlock(t *testing.T) {
	f := New(panickingSource{})
	view := f.Recompute(testBlocks("b1", "b2"), &abac.Subject{ID: "u", Role: abac.RoleAdmin, ClearanceLevel: 9})
	if len(view.Blocks) != 0 {
		t.Fatalf("broken evaluation must fail closed, got %d visible blocks", len(view.Blocks))
	}
	if len(view.Redactions) != 2 {
		t.Fatalf("expected 2 redactions, got %d", len(view.Redactions))
	}
	for _, r := range view.Redactions {
		if r.Classification != abac.Restricted {
			t.Fatal("failed checks must redact at the highest level")
		}
	}
}

// reentrantSource calls back into the filter mid-evaluation, the way a
// publish notification handler could. The guard must absorb it instead
// of recursing or deadlocking.
type reentrantSource struct {
	filter *Filter
	blocks []content.Block
	once   sync.Once
}

func (s *reentrantSource) Get(string) (abac.BlockMetadata, bool) {
	s.once.Do(func() {
		s.filter.Recompute(s.blocks, &abac.Subject{ID: "re", Role: "viewer"})
	})
	return abac.BlockMetadata{}, false
}

func TestReentrantTriggerDoesNotDeadlock(t *testing.T) {
	source := &reentrantSource{}
	f := New(source)
	source.filter = f
	source.blocks = testBlocks("x1")

	done := make(chan struct{})
	go func() {
		f.Recompute(testBlocks("b1", "b2"), &abac.Subject{ID: "u", Role: "viewer"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant recompute deadlocked")
	}

	// The coalesced follow-up pass ran against the re-entrant inputs.
	view := f.Snapshot()
	if len(view.Blocks) != 1 || view.Blocks[0].ID != "x1" {
		t.Fatalf("expected trailing pass over latest inputs, got %v", viewIDs(view))
	}
}

func TestSubscribeSeesPublishedViews(t *testing.T) {
	store := shadow.New()
	f := New(store)
	ch, cancel := f.Subscribe()
	defer cancel()

	f.Recompute(testBlocks("b1"), &abac.Subject{ID: "u", Role: "viewer"})

	select {
	case view := <-ch:
		if len(view.Blocks) != 1 {
			t.Fatalf("unexpected view: %v", viewIDs(view))
		}
	case <-time.After(time.Second):
		t.Fatal("no view published")
	}
}
