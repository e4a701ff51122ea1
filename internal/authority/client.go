package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"vellum/core/internal/abac"
	"vellum/core/internal/content"
)

// Client talks to a remote authority. It satisfies both the broker's
// issuer side and the reference registry's resolver side, so one
// authenticated client serves a whole workspace.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, sessionToken string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   sessionToken,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Login authenticates the subject against the remote authority and
// returns a client bound to the issued session.
func Login(ctx context.Context, baseURL string, subject abac.Subject) (*Client, error) {
	body, err := json.Marshal(map[string]any{
		"id":             subject.ID,
		"role":           subject.Role,
		"clearanceLevel": subject.ClearanceLevel,
		"department":     subject.Department,
		"attrs":          subject.Attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/session/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	return NewClient(baseURL, payload.Token), nil
}

// IssueToken negotiates a capability token for the scope. Denial maps
// to the policy sentinel so the broker caches nothing.
func (c *Client) IssueToken(ctx context.Context, subject *abac.Subject, docID, blockID string) (string, time.Time, error) {
	var payload struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	err := c.post(ctx, "/api/capabilities", map[string]any{
		"docId":   docID,
		"blockId": blockID,
	}, &payload)
	if err != nil {
		return "", time.Time{}, err
	}
	return payload.Token, time.Unix(payload.ExpiresAt, 0), nil
}

// Resolve fetches a referenced block, optionally presenting a cached
// capability token for the fast path.
func (c *Client) Resolve(ctx context.Context, subject *abac.Subject, docID, blockID, token string) (*content.Block, error) {
	var payload struct {
		Block content.Block `json:"block"`
	}
	err := c.post(ctx, "/api/resolve", map[string]any{
		"docId":   docID,
		"blockId": blockID,
		"token":   token,
	}, &payload)
	if err != nil {
		return nil, err
	}
	return &payload.Block, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", path, abac.ErrDenied)
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, raw)
	}
}
