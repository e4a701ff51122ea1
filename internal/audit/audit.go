// Package audit emits security-relevant events. Emission is
// fire-and-forget: the core reports, it does not own retention or
// delivery guarantees. The chained log links entries by hash so a
// modified or removed entry is detectable after the fact.
package audit

import (
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

const (
	SeverityInfo     = "INFO"
	SeverityWarn     = "WARN"
	SeverityCritical = "CRITICAL"
)

// Event is one audit record. PrevHash/Hash are filled in at append
// time by the chained log.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	SubjectID  string    `json:"subjectId"`
	Action     string    `json:"action"`
	ResourceID string    `json:"resourceId"`
	Detail     string    `json:"detail,omitempty"`
	Severity   string    `json:"severity"`
	PrevHash   string    `json:"prevHash,omitempty"`
	Hash       string    `json:"hash,omitempty"`
}

type Sink interface {
	Emit(event Event)
}

// Discard drops everything, for callers that opt out of auditing.
type Discard struct{}

func (Discard) Emit(Event) {}

const genesisHash = "genesis"

// ChainLog keeps an in-memory hash-chained event list. Each entry's
// hash covers its own fields plus the previous entry's hash, so
// tampering with any entry breaks every later link.
type ChainLog struct {
	mu       sync.Mutex
	events   []Event
	lastHash string
}

func NewChainLog() *ChainLog {
	return &ChainLog{lastHash: genesisHash}
}

func (c *ChainLog) Emit(event Event) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	event.PrevHash = c.lastHash
	event.Hash = chainHash(event)
	c.lastHash = event.Hash
	c.events = append(c.events, event)
}

// Events returns a copy, oldest first.
func (c *ChainLog) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// VerifyChain walks the log and reports the index of the first entry
// whose link does not hold, or -1 when the chain is intact.
func (c *ChainLog) VerifyChain() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := genesisHash
	for i, event := range c.events {
		if event.PrevHash != prev {
			return i, fmt.Errorf("entry %d: prev hash broken", i)
		}
		if chainHash(event) != event.Hash {
			return i, fmt.Errorf("entry %d: hash mismatch", i)
		}
		prev = event.Hash
	}
	return -1, nil
}

func chainHash(event Event) string {
	h := blake3.New()
	_, _ = h.Write([]byte(event.ID))
	_, _ = h.Write([]byte(event.Timestamp.UTC().Format(time.RFC3339Nano)))
	_, _ = h.Write([]byte(event.SubjectID))
	_, _ = h.Write([]byte(event.Action))
	_, _ = h.Write([]byte(event.ResourceID))
	_, _ = h.Write([]byte(event.Detail))
	_, _ = h.Write([]byte(event.Severity))
	_, _ = h.Write([]byte(event.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Logger tees events to another sink while printing them, the
// immediate-feedback path.
type Logger struct {
	Next Sink
}

func (l Logger) Emit(event Event) {
	log.Printf("audit: [%s] %s %s on %s (%s)", event.Severity, event.SubjectID, event.Action, event.ResourceID, event.Detail)
	if l.Next != nil {
		l.Next.Emit(event)
	}
}
