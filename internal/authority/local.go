package authority

import (
	"context"
	"fmt"
	"time"

	"vellum/core/internal/abac"
	"vellum/core/internal/capability"
	"vellum/core/internal/content"
)

// Local is an in-process authority over the same document source the
// HTTP server exposes. Single-binary deployments resolve their own
// cross-document references through it without a network hop, and the
// policy path is identical.
type Local struct {
	docs  DocumentSource
	codec *capability.Codec
}

func NewLocal(docs DocumentSource, codec *capability.Codec) *Local {
	return &Local{docs: docs, codec: codec}
}

func (l *Local) IssueToken(ctx context.Context, subject *abac.Subject, docID, blockID string) (string, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return "", time.Time{}, err
	}
	if subject == nil {
		return "", time.Time{}, fmt.Errorf("issue token: no subject")
	}
	meta, found := l.docs.BlockMetadata(docID, blockID)
	var metaRef *abac.BlockMetadata
	if found {
		metaRef = &meta
	}
	if !abac.Evaluate(subject, metaRef) {
		return "", time.Time{}, fmt.Errorf("issue token %s/%s: %w", docID, blockID, abac.ErrDenied)
	}
	token, err := l.codec.Issue(subject.ID, docID, blockID)
	if err != nil {
		return "", time.Time{}, err
	}
	return token.Signed, token.ExpiresAt, nil
}

func (l *Local) Resolve(ctx context.Context, subject *abac.Subject, docID, blockID, token string) (*content.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	block, found := l.docs.Block(docID, blockID)
	if !found {
		return nil, fmt.Errorf("resolve %s/%s: %w", docID, blockID, ErrUnknownDocument)
	}

	allowed := false
	if token != "" && subject != nil {
		if err := l.codec.Validate(token, subject.ID, docID, blockID); err == nil {
			allowed = true
		}
	}
	if !allowed {
		meta, found := l.docs.BlockMetadata(docID, blockID)
		var metaRef *abac.BlockMetadata
		if found {
			metaRef = &meta
		}
		allowed = abac.Evaluate(subject, metaRef)
	}
	if !allowed {
		return nil, fmt.Errorf("resolve %s/%s: %w", docID, blockID, abac.ErrDenied)
	}
	cloned := block.Clone()
	return &cloned, nil
}
