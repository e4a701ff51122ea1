// Package authority is the HTTP surface through which other workspaces
// negotiate capability tokens and resolve cross-document references.
// A presented token only shortcuts the check; every resolve still runs
// inside the owning authority's policy.
package authority

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"vellum/core/internal/abac"
	"vellum/core/internal/audit"
	"vellum/core/internal/capability"
	"vellum/core/internal/content"
	"vellum/core/internal/filter"
	"vellum/core/internal/session"
)

// SessionStore persists login sessions keyed by hashed bearer token.
type SessionStore interface {
	SaveSession(ctx context.Context, tokenHash string, subject abac.Subject, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (abac.Subject, error)
	RevokeSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

// DocumentSource exposes the documents this authority owns.
type DocumentSource interface {
	BlockMetadata(docID, blockID string) (abac.BlockMetadata, bool)
	Block(docID, blockID string) (content.Block, bool)
	DocumentView(docID string, subject *abac.Subject) (filter.View, error)
}

var ErrUnknownDocument = errors.New("unknown document")

type HTTPServer struct {
	sessions   SessionStore
	docs       DocumentSource
	codec      *capability.Codec
	auditor    audit.Sink
	sessionTTL time.Duration
	corsOrigin string
}

func NewHTTPServer(sessions SessionStore, docs DocumentSource, codec *capability.Codec, auditor audit.Sink, sessionTTL time.Duration, corsOrigin string) *HTTPServer {
	if auditor == nil {
		auditor = audit.Discard{}
	}
	if sessionTTL <= 0 {
		sessionTTL = time.Hour
	}
	return &HTTPServer{
		sessions:   sessions,
		docs:       docs,
		codec:      codec,
		auditor:    auditor,
		sessionTTL: sessionTTL,
		corsOrigin: corsOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"sessions": map[string]any{"status": "ok"},
		}
		if err := s.sessions.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["sessions"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if token := bearerToken(r); token != "" {
			_ = s.sessions.RevokeSession(r.Context(), session.HashToken(token))
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	subject, ok := s.requireSubject(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/capabilities" {
		s.handleIssueCapability(w, r, subject)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/resolve" {
		s.handleResolve(w, r, subject)
		return
	}

	parts := splitPath(r.URL.Path)
	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "documents" && parts[3] == "view" {
		s.handleDocumentView(w, r, subject, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID             string            `json:"id"`
		Role           string            `json:"role"`
		ClearanceLevel int               `json:"clearanceLevel"`
		Department     string            `json:"department"`
		Attrs          map[string]string `json:"attrs"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.ID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "id is required", nil)
		return
	}

	subject := abac.Subject{
		ID:             body.ID,
		Role:           body.Role,
		ClearanceLevel: body.ClearanceLevel,
		Department:     body.Department,
		Attrs:          body.Attrs,
	}
	token := randomToken()
	expiresAt := time.Now().Add(s.sessionTTL)
	if err := s.sessions.SaveSession(r.Context(), session.HashToken(token), subject, expiresAt); err != nil {
		writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
		return
	}

	s.auditor.Emit(audit.Event{
		SubjectID: subject.ID,
		Action:    "session.login",
		Severity:  audit.SeverityInfo,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"subjectId": subject.ID,
		"expiresAt": expiresAt.Unix(),
	})
}

func (s *HTTPServer) handleIssueCapability(w http.ResponseWriter, r *http.Request, subject abac.Subject) {
	var body struct {
		DocID   string `json:"docId"`
		BlockID string `json:"blockId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	payload, err := s.issueCapability(subject, body.DocID, body.BlockID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) issueCapability(subject abac.Subject, docID, blockID string) (map[string]any, error) {
	if strings.TrimSpace(docID) == "" || strings.TrimSpace(blockID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "docId and blockId are required", nil)
	}

	meta, found := s.docs.BlockMetadata(docID, blockID)
	var metaRef *abac.BlockMetadata
	if found {
		metaRef = &meta
	}
	if !abac.Evaluate(&subject, metaRef) {
		s.auditor.Emit(audit.Event{
			SubjectID:  subject.ID,
			Action:     "capability.denied",
			ResourceID: docID + "/" + blockID,
			Severity:   audit.SeverityWarn,
		})
		return nil, domainError(http.StatusForbidden, "CAPABILITY_DENIED", "Capability denied", map[string]any{
			"classification": abac.EffectiveClassification(metaRef).String(),
		})
	}

	token, err := s.codec.Issue(subject.ID, docID, blockID)
	if err != nil {
		return nil, fmt.Errorf("issue capability: %w", err)
	}
	s.auditor.Emit(audit.Event{
		SubjectID:  subject.ID,
		Action:     "capability.issued",
		ResourceID: docID + "/" + blockID,
		Severity:   audit.SeverityInfo,
	})
	return map[string]any{
		"token":     token.Signed,
		"expiresAt": token.ExpiresAt.Unix(),
	}, nil
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request, subject abac.Subject) {
	var body struct {
		DocID   string `json:"docId"`
		BlockID string `json:"blockId"`
		Token   string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	block, err := s.resolveBlock(subject, body.DocID, body.BlockID, body.Token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"block": block})
}

func (s *HTTPServer) resolveBlock(subject abac.Subject, docID, blockID, token string) (content.Block, error) {
	block, found := s.docs.Block(docID, blockID)
	if !found {
		return content.Block{}, domainError(http.StatusNotFound, "NOT_FOUND", "Block not found", nil)
	}

	// A valid presented token shortcuts the evaluation. Any token
	// problem falls through to the full check rather than failing.
	allowed := false
	if token != "" {
		if err := s.codec.Validate(token, subject.ID, docID, blockID); err == nil {
			allowed = true
		}
	}
	meta, metaFound := s.docs.BlockMetadata(docID, blockID)
	var metaRef *abac.BlockMetadata
	if metaFound {
		metaRef = &meta
	}
	if !allowed {
		allowed = abac.Evaluate(&subject, metaRef)
	}
	if !allowed {
		s.auditor.Emit(audit.Event{
			SubjectID:  subject.ID,
			Action:     "resolve.denied",
			ResourceID: docID + "/" + blockID,
			Severity:   audit.SeverityWarn,
		})
		return content.Block{}, domainError(http.StatusForbidden, "REFERENCE_DENIED", "Reference denied", map[string]any{
			"classification": abac.EffectiveClassification(metaRef).String(),
		})
	}

	return block, nil
}

func (s *HTTPServer) handleDocumentView(w http.ResponseWriter, r *http.Request, subject abac.Subject, docID string) {
	view, err := s.docs.DocumentView(docID, &subject)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) requireSubject(w http.ResponseWriter, r *http.Request) (abac.Subject, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return abac.Subject{}, false
	}
	subject, err := s.sessions.LookupSession(r.Context(), session.HashToken(token))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return abac.Subject{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return abac.Subject{}, false
	}
	return subject, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func randomToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, ErrUnknownDocument) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, abac.ErrDenied) {
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
