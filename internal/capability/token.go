// Package capability issues and validates short-lived scoped tokens
// that shortcut repeated cross-document authorization. A token is an
// optimization only: anything a token would allow must also pass a
// full evaluation at the owning authority, and anything wrong with a
// token (expiry, subject mismatch, absence) falls back to that full
// evaluation rather than failing the request.
package capability

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"

	"vellum/core/internal/util"
)

var (
	ErrTokenInvalid  = errors.New("capability token invalid")
	ErrTokenExpired  = errors.New("capability token expired")
	ErrTokenMismatch = errors.New("capability token scope mismatch")
)

// Token is an issued capability. In-memory only; never persisted.
type Token struct {
	ID            string
	SubjectID     string
	TargetDocID   string
	TargetBlockID string
	Signed        string
	ExpiresAt     time.Time
}

type claims struct {
	TargetDocID   string `json:"doc"`
	TargetBlockID string `json:"blk"`
	jwt.RegisteredClaims
}

// Codec signs and checks capability tokens for one authority. Both
// ends of a handshake hold the same secret; the scope triple is baked
// into the claims so a token cannot be replayed against another
// subject or target.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewCodec(secret []byte, ttl time.Duration) *Codec {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Codec{secret: secret, ttl: ttl, now: time.Now}
}

// Issue mints a token scoped to (subjectID, docID, blockID).
func (c *Codec) Issue(subjectID, docID, blockID string) (Token, error) {
	now := c.now()
	expires := now.Add(c.ttl)
	id := util.NewID("cap")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		TargetDocID:   docID,
		TargetBlockID: blockID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign capability token: %w", err)
	}
	return Token{
		ID:            id,
		SubjectID:     subjectID,
		TargetDocID:   docID,
		TargetBlockID: blockID,
		Signed:        signed,
		ExpiresAt:     expires,
	}, nil
}

// Validate checks a presented token against the scope the caller is
// trying to use it for. Any failure here means "take the slow path",
// not "deny the request".
func (c *Codec) Validate(signed, subjectID, docID, blockID string) error {
	parsed, err := jwt.ParseWithClaims(signed, &claims{}, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(c.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	got, ok := parsed.Claims.(*claims)
	if !ok {
		return ErrTokenInvalid
	}
	if got.Subject != subjectID || got.TargetDocID != docID || got.TargetBlockID != blockID {
		return ErrTokenMismatch
	}
	return nil
}

// CacheKey derives the opaque broker-cache key for a scope triple.
func CacheKey(subjectID, docID, blockID string) string {
	sum := blake2b.Sum256([]byte(subjectID + "\x00" + docID + "\x00" + blockID))
	return hex.EncodeToString(sum[:])
}
