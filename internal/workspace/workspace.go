// Package workspace wires one open document together: content, the
// metadata shadow, the per-subject filtered view, integrity
// verification, capability tokens, and external references.
package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vellum/core/internal/abac"
	"vellum/core/internal/audit"
	"vellum/core/internal/capability"
	"vellum/core/internal/content"
	"vellum/core/internal/filter"
	"vellum/core/internal/integrity"
	"vellum/core/internal/refs"
	"vellum/core/internal/shadow"
	"vellum/core/internal/signer"
	"vellum/core/internal/snapshot"
)

const defaultDebounce = 50 * time.Millisecond

// Options collects the collaborators a session is built from. Content
// defaults to an empty in-memory store, Auditor to discard.
type Options struct {
	Content   content.Store
	Snapshots snapshot.Store
	Signer    signer.Authority
	Issuer    capability.Issuer
	Resolver  refs.Resolver
	Auditor   audit.Sink
	Debounce  time.Duration
}

// Session is one open document bound to one viewing subject. All
// derived state (view, verification statuses, token cache) lives in
// the session and is rebuilt from content plus shadow on load.
type Session struct {
	docID string

	content   content.Store
	shadow    *shadow.Store
	filter    *filter.Filter
	watcher   *filter.Watcher
	broker    *capability.Broker
	verifier  *integrity.Verifier
	refs      *refs.Registry
	auditor   audit.Sink
	snapshots snapshot.Store

	mu      sync.RWMutex
	subject *abac.Subject

	cancelContent func()
	cancelShadow  func()
	done          chan struct{}
}

// brokerTokens adapts the broker cache to the registry's fast path.
type brokerTokens struct {
	broker *capability.Broker
}

func (b brokerTokens) SignedTokenFor(subjectID, docID, blockID string) (string, bool) {
	token, ok := b.broker.TokenFor(subjectID, docID, blockID)
	if !ok {
		return "", false
	}
	return token.Signed, true
}

func NewSession(docID string, opts Options) *Session {
	if opts.Content == nil {
		opts.Content = content.NewMemoryStore(nil)
	}
	if opts.Auditor == nil {
		opts.Auditor = audit.Discard{}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}

	shadowStore := shadow.New()
	viewFilter := filter.New(shadowStore)

	s := &Session{
		docID:     docID,
		content:   opts.Content,
		shadow:    shadowStore,
		filter:    viewFilter,
		auditor:   opts.Auditor,
		snapshots: opts.Snapshots,
		done:      make(chan struct{}),
	}

	s.watcher = filter.NewWatcher(viewFilter, func() ([]content.Block, *abac.Subject) {
		return s.content.Snapshot(), s.Subject()
	}, opts.Debounce)

	if opts.Issuer != nil {
		s.broker = capability.NewBroker(opts.Issuer, shadowStore)
	}
	if opts.Signer != nil {
		s.verifier = integrity.New(opts.Signer, shadowStore)
	}
	if opts.Resolver != nil {
		var tokens refs.TokenSource
		if s.broker != nil {
			tokens = brokerTokens{broker: s.broker}
		}
		s.refs = refs.NewRegistry(opts.Resolver, tokens)
	}

	contentCh, cancelContent := s.content.Subscribe()
	s.cancelContent = cancelContent
	shadowCh, cancelShadow := shadowStore.Subscribe()
	s.cancelShadow = cancelShadow
	go s.pump(contentCh, shadowCh)

	return s
}

// pump forwards content and shadow change signals into the debounced
// watcher. Both feeds coalesce into one recompute per quiet period.
func (s *Session) pump(contentCh <-chan struct{}, shadowCh <-chan shadow.Change) {
	for {
		select {
		case <-s.done:
			return
		case _, ok := <-contentCh:
			if !ok {
				return
			}
			s.watcher.Trigger()
		case _, ok := <-shadowCh:
			if !ok {
				return
			}
			s.watcher.Trigger()
		}
	}
}

func (s *Session) DocID() string {
	return s.docID
}

func (s *Session) Subject() *abac.Subject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// SetSubject switches the viewing subject. Every cached capability
// token is invalidated and the view is recomputed synchronously so no
// stale-subject view survives the switch.
func (s *Session) SetSubject(subject *abac.Subject) filter.View {
	s.mu.Lock()
	s.subject = subject
	s.mu.Unlock()

	if s.broker != nil {
		s.broker.Invalidate()
	}

	subjectID := ""
	if subject != nil {
		subjectID = subject.ID
	}
	s.auditor.Emit(audit.Event{
		SubjectID:  subjectID,
		Action:     "session.subject_changed",
		ResourceID: s.docID,
		Severity:   audit.SeverityInfo,
	})
	return s.RecomputeNow()
}

// RecomputeNow bypasses the debounce and evaluates the current content
// against the current subject.
func (s *Session) RecomputeNow() filter.View {
	return s.filter.Recompute(s.content.Snapshot(), s.Subject())
}

// Flush makes the view reflect the current content and shadow state
// immediately. A change signal still in flight through the pump will
// trigger one more debounced pass over the same inputs, which the
// filter treats as a no-op.
func (s *Session) Flush() filter.View {
	s.watcher.Flush()
	return s.RecomputeNow()
}

func (s *Session) View() filter.View {
	return s.filter.Snapshot()
}

// SubscribeViews delivers every published view.
func (s *Session) SubscribeViews() (<-chan filter.View, func()) {
	return s.filter.Subscribe()
}

// Load replaces content and shadow from the persisted snapshot and
// recomputes the view. Verification statuses reset to unknown because
// provenance must be re-checked against the loaded bytes.
func (s *Session) Load(ctx context.Context) error {
	if s.snapshots == nil {
		return fmt.Errorf("load %s: no snapshot store", s.docID)
	}
	doc, err := s.snapshots.LoadSnapshot(ctx, s.docID)
	if err != nil {
		return fmt.Errorf("load %s: %w", s.docID, err)
	}
	s.shadow.LoadFromSnapshot(doc.Metadata)
	s.content.Replace(doc.Blocks)
	s.RecomputeNow()

	s.auditor.Emit(audit.Event{
		Action:     "document.loaded",
		ResourceID: s.docID,
		Detail:     fmt.Sprintf("%d blocks", len(doc.Blocks)),
		Severity:   audit.SeverityInfo,
	})
	return nil
}

// Save persists the authoritative content together with the metadata
// shadow. Ephemeral state (tokens, verification statuses) never hits
// the snapshot.
func (s *Session) Save(ctx context.Context) error {
	if s.snapshots == nil {
		return fmt.Errorf("save %s: no snapshot store", s.docID)
	}
	doc := snapshot.Document{
		Blocks:   s.content.Snapshot(),
		Metadata: s.shadow.ExportSnapshot(),
	}
	if err := s.snapshots.SaveSnapshot(ctx, s.docID, doc); err != nil {
		return fmt.Errorf("save %s: %w", s.docID, err)
	}
	s.auditor.Emit(audit.Event{
		Action:     "document.saved",
		ResourceID: s.docID,
		Detail:     fmt.Sprintf("%d blocks", len(doc.Blocks)),
		Severity:   audit.SeverityInfo,
	})
	return nil
}

// Block finds a block by ID in the authoritative content.
func (s *Session) Block(blockID string) (content.Block, bool) {
	for _, block := range s.content.Snapshot() {
		if block.ID == blockID {
			return block, true
		}
	}
	return content.Block{}, false
}

// Metadata returns the shadow entry for the block.
func (s *Session) Metadata(blockID string) (abac.BlockMetadata, bool) {
	return s.shadow.Get(blockID)
}

// SetMetadata validates and stores a shadow entry. The filter picks the
// change up through the shadow subscription.
func (s *Session) SetMetadata(blockID string, meta abac.BlockMetadata) error {
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("metadata for %s: %w", blockID, err)
	}
	s.shadow.Set(blockID, meta)
	return nil
}

// ApplyEdit replaces a block's payload after the edit gate passes.
// Denial leaves content untouched and is audited.
func (s *Session) ApplyEdit(blockID string, payload []byte) error {
	subject := s.Subject()
	var meta *abac.BlockMetadata
	if m, ok := s.shadow.Get(blockID); ok {
		meta = &m
	}
	if !abac.EvaluateEdit(subject, meta) {
		subjectID := ""
		if subject != nil {
			subjectID = subject.ID
		}
		s.auditor.Emit(audit.Event{
			SubjectID:  subjectID,
			Action:     "edit.denied",
			ResourceID: s.docID + "/" + blockID,
			Severity:   audit.SeverityWarn,
		})
		return fmt.Errorf("edit %s: %w", blockID, abac.ErrDenied)
	}

	found := false
	s.content.Apply(func(blocks []content.Block) []content.Block {
		for i := range blocks {
			if blocks[i].ID == blockID {
				blocks[i].Payload = append([]byte(nil), payload...)
				found = true
				break
			}
		}
		return blocks
	})
	if !found {
		return fmt.Errorf("edit %s: block not found", blockID)
	}
	return nil
}

// SignBlock asks the signing authority to seal the block's current
// digest. The resulting provenance lands in the shadow store; the view
// does not change because signing alters no content.
func (s *Session) SignBlock(ctx context.Context, blockID string) (abac.Provenance, error) {
	if s.verifier == nil {
		return abac.Provenance{}, fmt.Errorf("sign %s: no signing authority", blockID)
	}
	block, ok := s.Block(blockID)
	if !ok {
		return abac.Provenance{}, fmt.Errorf("sign %s: block not found", blockID)
	}
	subject := s.Subject()
	prov, err := s.verifier.Sign(ctx, block, subject)
	if err != nil {
		return abac.Provenance{}, err
	}

	subjectID := ""
	if subject != nil {
		subjectID = subject.ID
	}
	s.auditor.Emit(audit.Event{
		SubjectID:  subjectID,
		Action:     "block.signed",
		ResourceID: s.docID + "/" + blockID,
		Severity:   audit.SeverityInfo,
	})
	return prov, nil
}

// VerifyBlock re-checks one block's provenance seal.
func (s *Session) VerifyBlock(ctx context.Context, blockID string) (shadow.VerificationStatus, error) {
	if s.verifier == nil {
		return shadow.StatusUnknown, fmt.Errorf("verify %s: no signing authority", blockID)
	}
	block, ok := s.Block(blockID)
	if !ok {
		return shadow.StatusUnknown, fmt.Errorf("verify %s: block not found", blockID)
	}
	var meta *abac.BlockMetadata
	if m, found := s.shadow.Get(blockID); found {
		meta = &m
	}
	return s.verifier.Verify(ctx, block, meta)
}

// VerifyAll sweeps every block, typically after a load.
func (s *Session) VerifyAll(ctx context.Context) map[string]shadow.VerificationStatus {
	if s.verifier == nil {
		return map[string]shadow.VerificationStatus{}
	}
	return s.verifier.VerifyAll(ctx, s.content.Snapshot())
}

// VerificationStatuses reports the current per-block statuses.
func (s *Session) VerificationStatuses() map[string]shadow.VerificationStatus {
	return s.shadow.Statuses()
}

// AddReference registers an external reference.
func (s *Session) AddReference(ref refs.Reference) error {
	if s.refs == nil {
		return fmt.Errorf("add reference: no resolver configured")
	}
	s.refs.Add(ref)
	return nil
}

func (s *Session) RemoveReference(refID string) {
	if s.refs != nil {
		s.refs.Remove(refID)
	}
}

func (s *Session) References() []refs.Reference {
	if s.refs == nil {
		return nil
	}
	return s.refs.List()
}

// ResolveReference fetches a referenced block for the current subject.
// Denials are audited; the content is returned to the caller and never
// cached.
func (s *Session) ResolveReference(ctx context.Context, refID string) (*content.Block, error) {
	if s.refs == nil {
		return nil, fmt.Errorf("resolve reference: no resolver configured")
	}
	subject := s.Subject()
	block, err := s.refs.Resolve(ctx, subject, refID)
	if err != nil {
		subjectID := ""
		if subject != nil {
			subjectID = subject.ID
		}
		s.auditor.Emit(audit.Event{
			SubjectID:  subjectID,
			Action:     "reference.resolve_failed",
			ResourceID: refID,
			Detail:     err.Error(),
			Severity:   audit.SeverityWarn,
		})
		return nil, err
	}
	return block, nil
}

// PrefetchTokens warms the capability cache for all known reference
// targets.
func (s *Session) PrefetchTokens(ctx context.Context) {
	if s.broker == nil || s.refs == nil {
		return
	}
	subject := s.Subject()
	if subject == nil {
		return
	}
	targets := make([]capability.Target, 0)
	for _, ref := range s.refs.Targets() {
		targets = append(targets, capability.Target{DocID: ref.TargetDocID, BlockID: ref.TargetBlockID})
	}
	s.broker.Prefetch(ctx, subject, targets)
}

// Close stops the change pump and the debounced watcher.
func (s *Session) Close() {
	close(s.done)
	if s.cancelContent != nil {
		s.cancelContent()
	}
	if s.cancelShadow != nil {
		s.cancelShadow()
	}
	s.watcher.Close()
}
