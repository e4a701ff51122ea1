package filter

import (
	"sync"
	"time"

	"vellum/core/internal/abac"
	"vellum/core/internal/content"
)

// Source supplies the latest authoritative inputs at recompute time.
// The watcher always recomputes against what Source returns when the
// debounce window closes, not against whatever triggered it.
type Source func() ([]content.Block, *abac.Subject)

// Watcher debounces recompute triggers. Bursty content changes (rapid
// typing, a remote merge applying many ops) collapse into a single
// trailing-edge recompute.
type Watcher struct {
	filter *Filter
	source Source
	delay  time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	idle   chan struct{}
}

func NewWatcher(f *Filter, source Source, delay time.Duration) *Watcher {
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	return &Watcher{filter: f, source: source, delay: delay}
}

// Trigger schedules a recompute. Repeated triggers inside the delay
// window keep pushing the deadline back; only the final one fires.
func (w *Watcher) Trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.idle = make(chan struct{})
	done := w.idle
	w.timer = time.AfterFunc(w.delay, func() {
		blocks, subject := w.source()
		w.filter.Recompute(blocks, subject)
		close(done)
	})
}

// Flush forces any pending recompute to run now. Used on shutdown and
// by tests that must not wait out the debounce window.
func (w *Watcher) Flush() {
	w.mu.Lock()
	timer := w.timer
	done := w.idle
	w.mu.Unlock()
	if timer != nil && timer.Stop() {
		blocks, subject := w.source()
		w.filter.Recompute(blocks, subject)
		if done != nil {
			close(done)
		}
		return
	}
	if done != nil {
		<-done
	}
}

// Close stops the watcher after flushing pending work.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.Flush()
}
