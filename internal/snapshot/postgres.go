package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"vellum/core/internal/abac"
	"vellum/core/internal/content"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates the snapshot tables when they do not exist yet.
// Block order is recorded explicitly in `position` so loads do not rely
// on insert order.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS doc_snapshots (
			doc_id TEXT PRIMARY KEY,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS doc_blocks (
			doc_id TEXT NOT NULL,
			block_id TEXT NOT NULL,
			position INT NOT NULL,
			block_type TEXT NOT NULL,
			payload JSONB,
			PRIMARY KEY (doc_id, block_id)
		)`,
		`CREATE TABLE IF NOT EXISTS block_metadata (
			doc_id TEXT NOT NULL,
			block_id TEXT NOT NULL,
			metadata JSONB NOT NULL,
			PRIMARY KEY (doc_id, block_id)
		)`,
		`CREATE INDEX IF NOT EXISTS doc_blocks_position ON doc_blocks (doc_id, position)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure snapshot schema: %w", err)
		}
	}
	return nil
}

// SaveSnapshot replaces the stored document wholesale inside a
// transaction. A partially written snapshot is never observable.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, docID string, doc Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	// The doc_snapshots row marks that a snapshot exists at all, so a
	// document saved with zero blocks loads back empty instead of
	// reading as never-saved.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO doc_snapshots (doc_id, saved_at) VALUES ($1, now())
		ON CONFLICT (doc_id) DO UPDATE SET saved_at = now()
	`, docID); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_blocks WHERE doc_id=$1`, docID); err != nil {
		return fmt.Errorf("clear blocks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM block_metadata WHERE doc_id=$1`, docID); err != nil {
		return fmt.Errorf("clear metadata: %w", err)
	}

	for position, block := range doc.Blocks {
		payload := block.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO doc_blocks (doc_id, block_id, position, block_type, payload)
			VALUES ($1, $2, $3, $4, $5::jsonb)
		`, docID, block.ID, position, block.Type, string(payload)); err != nil {
			return fmt.Errorf("insert block %s: %w", block.ID, err)
		}
	}

	for blockID, meta := range doc.Metadata {
		encoded, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", blockID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO block_metadata (doc_id, block_id, metadata)
			VALUES ($1, $2, $3::jsonb)
		`, docID, blockID, string(encoded)); err != nil {
			return fmt.Errorf("insert metadata for %s: %w", blockID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, docID string) (Document, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM doc_snapshots WHERE doc_id=$1)
	`, docID).Scan(&exists)
	if err != nil {
		return Document{}, fmt.Errorf("check snapshot: %w", err)
	}
	if !exists {
		return Document{}, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT block_id, block_type, COALESCE(payload::text, 'null')
		FROM doc_blocks
		WHERE doc_id=$1
		ORDER BY position ASC
	`, docID)
	if err != nil {
		return Document{}, fmt.Errorf("load blocks: %w", err)
	}
	defer rows.Close()

	blocks := make([]content.Block, 0)
	for rows.Next() {
		var block content.Block
		var payload string
		if err := rows.Scan(&block.ID, &block.Type, &payload); err != nil {
			return Document{}, fmt.Errorf("scan block: %w", err)
		}
		block.Payload = json.RawMessage(payload)
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return Document{}, fmt.Errorf("iterate blocks: %w", err)
	}

	metaRows, err := s.db.QueryContext(ctx, `
		SELECT block_id, metadata::text
		FROM block_metadata
		WHERE doc_id=$1
	`, docID)
	if err != nil {
		return Document{}, fmt.Errorf("load metadata: %w", err)
	}
	defer metaRows.Close()

	metadata := make(map[string]abac.BlockMetadata)
	for metaRows.Next() {
		var blockID, encoded string
		if err := metaRows.Scan(&blockID, &encoded); err != nil {
			return Document{}, fmt.Errorf("scan metadata: %w", err)
		}
		var meta abac.BlockMetadata
		if err := json.Unmarshal([]byte(encoded), &meta); err != nil {
			return Document{}, fmt.Errorf("decode metadata for %s: %w", blockID, err)
		}
		metadata[blockID] = meta
	}
	if err := metaRows.Err(); err != nil {
		return Document{}, fmt.Errorf("iterate metadata: %w", err)
	}

	return Document{Blocks: blocks, Metadata: metadata}, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
