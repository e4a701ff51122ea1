package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"vellum/core/internal/abac"
	"vellum/core/internal/audit"
	"vellum/core/internal/authority"
	"vellum/core/internal/capability"
	"vellum/core/internal/config"
	"vellum/core/internal/realtime"
	"vellum/core/internal/session"
	"vellum/core/internal/signer"
	"vellum/core/internal/snapshot"
	"vellum/core/internal/workspace"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	snapshots, cleanup, err := openSnapshotStore(ctx, cfg)
	if err != nil {
		log.Fatalf("snapshot store failed: %v", err)
	}
	defer cleanup()

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	signingAuthority, err := signer.NewLocal(cfg.SignerID, nil)
	if err != nil {
		log.Fatalf("signer init failed: %v", err)
	}

	codec := capability.NewCodec([]byte(cfg.TokenSecret), cfg.TokenTTL)
	auditor := audit.Logger{Next: audit.NewChainLog()}

	registry := workspace.NewRegistry()
	local := authority.NewLocal(registry, codec)

	// Websocket upgrades authenticate against the same session store as
	// the API, and every subscriber only ever receives its own filtered
	// view computed through the registry.
	wsSubject := func(r *http.Request) (*abac.Subject, error) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			return nil, errors.New("missing session token")
		}
		subject, err := sessions.LookupSession(r.Context(), session.HashToken(token))
		if err != nil {
			return nil, err
		}
		return &subject, nil
	}
	hub := realtime.NewHub(registry, wsSubject, nil)
	defer hub.Close()

	debounce := time.Duration(cfg.DebounceMS) * time.Millisecond
	for _, docID := range cfg.Docs {
		ws := workspace.NewSession(docID, workspace.Options{
			Snapshots: snapshots,
			Signer:    signingAuthority,
			Issuer:    local,
			Resolver:  local,
			Auditor:   auditor,
			Debounce:  debounce,
		})
		if err := ws.Load(ctx); err != nil {
			if errors.Is(err, snapshot.ErrNotFound) {
				log.Printf("document %s has no snapshot yet, starting empty", docID)
			} else {
				log.Fatalf("load %s failed: %v", docID, err)
			}
		}
		registry.Add(ws)

		go func(docID string, ws *workspace.Session) {
			views, cancel := ws.SubscribeViews()
			defer cancel()
			for range views {
				hub.Notify(docID)
			}
		}(docID, ws)
	}
	defer func() {
		for _, docID := range registry.DocIDs() {
			registry.Remove(docID)
		}
	}()

	httpServer := authority.NewHTTPServer(sessions, registry, codec, auditor, cfg.SessionTTL, cfg.CORSOrigin)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		docID := strings.TrimPrefix(r.URL.Path, "/ws/")
		if docID == "" {
			http.NotFound(w, r)
			return
		}
		hub.Subscribe(w, r, docID)
	})
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Vellum core listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	// Persist everything still open before exit
	for _, docID := range registry.DocIDs() {
		if ws, ok := registry.Get(docID); ok {
			if err := ws.Save(shutdownCtx); err != nil {
				log.Printf("save %s on shutdown: %v", docID, err)
			}
		}
	}
}

func openSnapshotStore(ctx context.Context, cfg config.Config) (snapshot.Store, func(), error) {
	switch cfg.SnapshotBackend {
	case "postgres":
		db, err := snapshot.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := snapshot.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Printf("Using PostgreSQL snapshot storage")
		return store, func() { db.Close() }, nil
	default:
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			return nil, nil, err
		}
		log.Printf("Using git snapshot storage under %s", cfg.ReposDir)
		return snapshot.NewGitStore(cfg.ReposDir, cfg.SignerID), func() {}, nil
	}
}
