package audit

import (
	"testing"
)

func emitN(c *ChainLog, n int) {
	for i := 0; i < n; i++ {
		c.Emit(Event{SubjectID: "u1", Action: "BLOCK_SIGN", ResourceID: "b1"})
	}
}

func TestChainIntact(t *testing.T) {
	c := NewChainLog()
	emitN(c, 5)

	idx, err := c.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if idx != -1 {
		t.Fatalf("intact chain reported break at %d", idx)
	}

	events := c.Events()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, event := range events {
		if event.ID == "" || event.Hash == "" {
			t.Fatalf("entry %d missing id or hash", i)
		}
		if i > 0 && event.PrevHash != events[i-1].Hash {
			t.Fatalf("entry %d not linked to predecessor", i)
		}
	}
}

func TestChainDetectsModifiedMiddleEntry(t *testing.T) {
	c := NewChainLog()
	emitN(c, 5)

	c.mu.Lock()
	c.events[2].Detail = "rewritten after the fact"
	c.mu.Unlock()

	idx, err := c.VerifyChain()
	if err == nil {
		t.Fatal("modified entry not detected")
	}
	if idx != 2 {
		t.Fatalf("break reported at %d, want 2", idx)
	}
}

func TestChainDetectsRemovedEntry(t *testing.T) {
	c := NewChainLog()
	emitN(c, 4)

	c.mu.Lock()
	c.events = append(c.events[:1], c.events[2:]...)
	c.mu.Unlock()

	if idx, err := c.VerifyChain(); err == nil || idx != 1 {
		t.Fatalf("removed entry not detected (idx=%d err=%v)", idx, err)
	}
}

func TestEventsReturnsCopy(t *testing.T) {
	c := NewChainLog()
	emitN(c, 2)
	events := c.Events()
	events[0].Action = "mutated"
	if c.Events()[0].Action == "mutated" {
		t.Fatal("Events() must return a copy")
	}
}

func TestEmitFillsDefaults(t *testing.T) {
	c := NewChainLog()
	c.Emit(Event{SubjectID: "u1", Action: "ACCESS_DENIED", ResourceID: "b1"})
	event := c.Events()[0]
	if event.ID == "" || event.Timestamp.IsZero() || event.Severity != SeverityInfo {
		t.Fatalf("defaults not filled: %+v", event)
	}
}
