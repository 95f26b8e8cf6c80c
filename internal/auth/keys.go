// Package auth issues API keys and resolves them to users. Only the SHA-256
// of a key is stored; the plaintext is shown to the caller once.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"cmdgate/internal/domain"
)

const DefaultKeyBytes = 16

// GenerateKey returns a URL-safe random key of n random bytes.
func GenerateKey(n int) (string, error) {
	if n <= 0 {
		n = DefaultKeyBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// KeyMatches compares a presented key with a stored hash in constant time.
func KeyMatches(key, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashKey(key)), []byte(hash)) == 1
}

type UserFinder interface {
	UserByKeyHash(ctx context.Context, keyHash string) (domain.User, error)
}

type Authenticator struct {
	users UserFinder
}

func NewAuthenticator(users UserFinder) *Authenticator {
	return &Authenticator{users: users}
}

// Authenticate resolves key to its user. Missing and unknown keys both yield
// domain.ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (domain.User, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.User{}, domain.ErrUnauthorized
	}
	u, err := a.users.UserByKeyHash(ctx, HashKey(key))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, domain.ErrUnauthorized
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("authenticate: %w", err)
	}
	return u, nil
}
