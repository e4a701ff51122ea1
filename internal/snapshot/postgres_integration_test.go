package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"vellum/core/internal/abac"
	"vellum/core/internal/content"
)

func setupPostgres(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("VELLUM_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("VELLUM_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	for _, table := range []string{"doc_snapshots", "doc_blocks", "block_metadata"} {
		if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}

	store := NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store, ctx
}

func TestPostgresRoundTrip(t *testing.T) {
	store, ctx := setupPostgres(t)

	doc := sampleDocument()
	if err := store.SaveSnapshot(ctx, "doc-1", doc); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	loaded, err := store.LoadSnapshot(ctx, "doc-1")
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(loaded.Blocks) != len(doc.Blocks) {
		t.Fatalf("got %d blocks, want %d", len(loaded.Blocks), len(doc.Blocks))
	}
	for i, block := range loaded.Blocks {
		if block.ID != doc.Blocks[i].ID {
			t.Errorf("block %d id = %s, want %s", i, block.ID, doc.Blocks[i].ID)
		}
	}
	meta, ok := loaded.Metadata["b2"]
	if !ok {
		t.Fatal("b2 metadata missing after round trip")
	}
	if meta.Classification != abac.Confidential {
		t.Errorf("b2 classification = %v, want confidential", meta.Classification)
	}
}

func TestPostgresLoadUnknownDocument(t *testing.T) {
	store, ctx := setupPostgres(t)

	if _, err := store.LoadSnapshot(ctx, "doc-never-saved"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadSnapshot() error = %v, want ErrNotFound", err)
	}
}

func TestPostgresEmptyDocumentIsNotMissing(t *testing.T) {
	store, ctx := setupPostgres(t)

	empty := Document{Blocks: nil, Metadata: nil}
	if err := store.SaveSnapshot(ctx, "doc-empty", empty); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	loaded, err := store.LoadSnapshot(ctx, "doc-empty")
	if err != nil {
		t.Fatalf("a saved empty document must load back, got %v", err)
	}
	if len(loaded.Blocks) != 0 || len(loaded.Metadata) != 0 {
		t.Fatalf("expected empty document, got %+v", loaded)
	}
}

func TestPostgresSaveReplacesWholesale(t *testing.T) {
	store, ctx := setupPostgres(t)

	if err := store.SaveSnapshot(ctx, "doc-1", sampleDocument()); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	next := Document{
		Blocks: []content.Block{
			{ID: "b9", Type: "paragraph", Payload: json.RawMessage(`{"text":"replacement"}`)},
		},
	}
	if err := store.SaveSnapshot(ctx, "doc-1", next); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	loaded, err := store.LoadSnapshot(ctx, "doc-1")
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if len(loaded.Blocks) != 1 || loaded.Blocks[0].ID != "b9" {
		t.Fatalf("stale blocks survived the replace: %+v", loaded.Blocks)
	}
	if len(loaded.Metadata) != 0 {
		t.Fatalf("stale metadata survived the replace: %+v", loaded.Metadata)
	}
}
