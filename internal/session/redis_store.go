// Package session stores authenticated subject sessions for the
// authority server. Sessions carry the subject attribute snapshot the
// evaluator sees; everything here expires on its own via Redis TTLs.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"vellum/core/internal/abac"
)

// ErrNotFound covers both unknown and expired sessions; callers treat
// them identically.
var ErrNotFound = errors.New("session not found or expired")

type sessionData struct {
	SubjectID      string            `json:"subject_id"`
	Role           string            `json:"role"`
	ClearanceLevel int               `json:"clearance_level"`
	Department     string            `json:"department,omitempty"`
	Attrs          map[string]string `json:"attrs,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// RedisStore keeps sessions in Redis, keyed by token hash so raw
// session tokens never land in storage.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "session:"}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "session:"}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// HashToken derives the storage key for a raw session token.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}

// SaveSession stores the subject snapshot under the token hash until
// expiresAt.
func (s *RedisStore) SaveSession(ctx context.Context, tokenHash string, subject abac.Subject, expiresAt time.Time) error {
	data := sessionData{
		SubjectID:      subject.ID,
		Role:           subject.Role,
		ClearanceLevel: subject.ClearanceLevel,
		Department:     subject.Department,
		Attrs:          subject.Attrs,
		CreatedAt:      time.Now(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Hour
	}

	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LookupSession returns the subject snapshot for a token hash.
func (s *RedisStore) LookupSession(ctx context.Context, tokenHash string) (abac.Subject, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return abac.Subject{}, ErrNotFound
	}
	if err != nil {
		return abac.Subject{}, fmt.Errorf("lookup session: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return abac.Subject{}, fmt.Errorf("unmarshal session data: %w", err)
	}

	// The snapshot comes back exactly as stored. Inventing a role here
	// would widen access for any ACL that names it.
	return abac.Subject{
		ID:             data.SubjectID,
		Role:           data.Role,
		ClearanceLevel: data.ClearanceLevel,
		Department:     data.Department,
		Attrs:          data.Attrs,
	}, nil
}

// RevokeSession deletes a session.
func (s *RedisStore) RevokeSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
