// Package snapshot persists document content and its metadata shadow
// together, so that a reload restores both sides in one step.
package snapshot

import (
	"context"
	"errors"

	"vellum/core/internal/abac"
	"vellum/core/internal/content"
)

var ErrNotFound = errors.New("snapshot: document not found")

// Document is the unit of persistence: the ordered block list plus the
// shadow metadata keyed by block ID. Blocks without metadata are legal
// and load back as public.
type Document struct {
	Blocks   []content.Block
	Metadata map[string]abac.BlockMetadata
}

type Store interface {
	SaveSnapshot(ctx context.Context, docID string, doc Document) error
	LoadSnapshot(ctx context.Context, docID string) (Document, error)
}
