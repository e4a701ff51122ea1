// Package filter materializes per-subject views of an authoritative
// block list. Views are always recomputed from scratch, never patched:
// full replacement trades O(n) work per change for the guarantee that
// no permission-stale block can linger through an incremental-diff
// race.
package filter

import (
	"log"
	"sync"

	"vellum/core/internal/abac"
	"vellum/core/internal/content"
)

// Redaction is what a denied block leaves behind: its identity and the
// minimum classification the viewer would need, never the ACL itself.
type Redaction struct {
	BlockID        string              `json:"blockId"`
	Classification abac.Classification `json:"classification"`
}

// View is a derived, immutable snapshot of the blocks one subject may
// see, in the authoritative document's relative order. Revision bumps
// only when the visible block-id sequence actually changes.
type View struct {
	Revision   uint64          `json:"revision"`
	Blocks     []content.Block `json:"blocks"`
	Editable   map[string]bool `json:"editable"`
	Redactions []Redaction     `json:"redactions"`
}

// MetadataSource is the slice of the shadow store the filter needs.
type MetadataSource interface {
	Get(blockID string) (abac.BlockMetadata, bool)
}

// Filter computes the view for one (document, subject) pair.
// Recomputation is serialized; a trigger arriving while a pass is
// running is coalesced into one follow-up pass over the latest inputs,
// which also makes re-entrant triggers from publish notifications safe.
type Filter struct {
	source MetadataSource

	mu      sync.Mutex
	running bool
	dirty   bool
	pending input

	viewMu  sync.RWMutex
	view    View
	subs    map[int]chan View
	nextSub int
}

type input struct {
	blocks  []content.Block
	subject *abac.Subject
}

func New(source MetadataSource) *Filter {
	return &Filter{
		source: source,
		view:   View{Blocks: []content.Block{}, Editable: map[string]bool{}, Redactions: []Redaction{}},
		subs:   make(map[int]chan View),
	}
}

// Recompute evaluates every block for the subject and atomically
// replaces the published view if the visible sequence changed. It
// returns the view current once this trigger has been absorbed.
func (f *Filter) Recompute(blocks []content.Block, subject *abac.Subject) View {
	f.mu.Lock()
	f.pending = input{blocks: blocks, subject: subject}
	f.dirty = true
	if f.running {
		// A pass is already running and will pick these inputs up on
		// its next loop; this is the re-entrancy guard.
		f.mu.Unlock()
		return f.Snapshot()
	}
	f.running = true
	for f.dirty {
		f.dirty = false
		in := f.pending
		f.mu.Unlock()

		view, changed := f.compute(in)
		if changed {
			f.publish(view)
		}

		f.mu.Lock()
	}
	f.running = false
	f.mu.Unlock()
	return f.Snapshot()
}

func (f *Filter) compute(in input) (View, bool) {
	visible := make([]content.Block, 0, len(in.blocks))
	editable := make(map[string]bool, len(in.blocks))
	redactions := make([]Redaction, 0)

	for _, block := range in.blocks {
		decision := f.evaluateBlock(in.subject, block.ID)
		if !decision.visible {
			redactions = append(redactions, Redaction{
				BlockID:        block.ID,
				Classification: decision.classification,
			})
			continue
		}
		visible = append(visible, block.Clone())
		editable[block.ID] = decision.editable
	}

	f.viewMu.Lock()
	defer f.viewMu.Unlock()
	if sameSequence(f.view.Blocks, visible) {
		// Identical block-id sequence: the revision holds and nothing
		// is republished, so idempotent recomputes are observably
		// no-ops. Edit flags and redaction levels still refresh in
		// place (a subject change can alter them without moving the
		// visible sequence).
		f.view.Editable = editable
		f.view.Redactions = redactions
		return f.view, false
	}
	f.view = View{
		Revision:   f.view.Revision + 1,
		Blocks:     visible,
		Editable:   editable,
		Redactions: redactions,
	}
	return f.view, true
}

type decision struct {
	visible        bool
	editable       bool
	classification abac.Classification
}

// evaluateBlock runs the metadata lookup and both gates under one
// recover. Ordinary denial is a result; a panic here means the check
// itself is broken, and a broken check must read as "no" even though
// the evaluator's own default for missing inputs is to allow.
func (f *Filter) evaluateBlock(subject *abac.Subject, blockID string) (d decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("filter: evaluation panic for block %s, denying: %v", blockID, r)
			d = decision{visible: false, classification: abac.Restricted}
		}
	}()

	var meta *abac.BlockMetadata
	if m, ok := f.source.Get(blockID); ok {
		meta = &m
	}
	d.classification = abac.EffectiveClassification(meta)
	d.visible = abac.Evaluate(subject, meta)
	if d.visible {
		d.editable = abac.EvaluateEdit(subject, meta)
	}
	return d
}

// Snapshot returns the currently published view.
func (f *Filter) Snapshot() View {
	f.viewMu.RLock()
	defer f.viewMu.RUnlock()
	return f.view
}

// Subscribe delivers every published view. Sends never block a
// recompute; a full subscriber buffer drops intermediate views, and
// the subscriber catches up from the next publish or via Snapshot.
func (f *Filter) Subscribe() (<-chan View, func()) {
	f.viewMu.Lock()
	defer f.viewMu.Unlock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan View, 8)
	f.subs[id] = ch
	cancel := func() {
		f.viewMu.Lock()
		defer f.viewMu.Unlock()
		delete(f.subs, id)
	}
	return ch, cancel
}

func (f *Filter) publish(view View) {
	f.viewMu.RLock()
	defer f.viewMu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- view:
		default:
		}
	}
}

func sameSequence(a, b []content.Block) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
