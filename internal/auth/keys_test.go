package auth

import (
	"context"
	"errors"
	"testing"

	"cmdgate/internal/domain"
)

type fakeUsers map[string]domain.User

func (f fakeUsers) UserByKeyHash(_ context.Context, h string) (domain.User, error) {
	u, ok := f[h]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func TestGenerateKey_UniqueAndURLSafe(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		k, err := GenerateKey(DefaultKeyBytes)
		if err != nil {
			t.Fatal(err)
		}
		if len(k) != 22 {
			t.Fatalf("expected 22 chars for 16 bytes, got %d (%q)", len(k), k)
		}
		for _, c := range k {
			if c == '+' || c == '/' || c == '=' {
				t.Fatalf("key %q is not URL safe", k)
			}
		}
		if seen[k] {
			t.Fatal("duplicate key generated")
		}
		seen[k] = true
	}
}

func TestHashKey(t *testing.T) {
	h := HashKey("secret")
	if len(h) != 64 || h == "secret" {
		t.Fatalf("unexpected hash %q", h)
	}
	if !KeyMatches("secret", h) || KeyMatches("Secret", h) {
		t.Fatal("KeyMatches disagrees with HashKey")
	}
}

func TestAuthenticate(t *testing.T) {
	alice := domain.User{ID: 1, Username: "alice", Role: domain.RoleMember}
	a := NewAuthenticator(fakeUsers{HashKey("alice-key"): alice})
	ctx := context.Background()

	got, err := a.Authenticate(ctx, " alice-key ")
	if err != nil {
		t.Fatal(err)
	}
	if got.Username != "alice" {
		t.Fatalf("got %+v", got)
	}

	for _, key := range []string{"", "   ", "wrong"} {
		if _, err := a.Authenticate(ctx, key); !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("key %q: expected ErrUnauthorized, got %v", key, err)
		}
	}
}
