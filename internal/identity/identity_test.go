package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("test-signing-secret")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestVerifyValidToken(t *testing.T) {
	v := NewJWT(secret, "cantoria")
	token := signToken(t, jwt.MapClaims{
		"sub": "user-42",
		"iss": "cantoria",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	userID, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "user-42" {
		t.Errorf("userID = %q", userID)
	}
}

func TestVerifyRejections(t *testing.T) {
	v := NewJWT(secret, "cantoria")

	expired := signToken(t, jwt.MapClaims{
		"sub": "u1", "iss": "cantoria", "exp": time.Now().Add(-time.Hour).Unix(),
	})
	noSub := signToken(t, jwt.MapClaims{
		"iss": "cantoria", "exp": time.Now().Add(time.Hour).Unix(),
	})
	wrongIssuer := signToken(t, jwt.MapClaims{
		"sub": "u1", "iss": "someone-else", "exp": time.Now().Add(time.Hour).Unix(),
	})
	noExpiry := signToken(t, jwt.MapClaims{"sub": "u1", "iss": "cantoria"})

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1", "iss": "cantoria", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"expired", expired},
		{"no subject", noSub},
		{"wrong issuer", wrongIssuer},
		{"no expiry", noExpiry},
		{"wrong key", wrongKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tc.token); !errors.Is(err, ErrUnauthorized) {
				t.Errorf("want ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestStaticIdentity(t *testing.T) {
	userID, err := Static{UserID: "alice"}.Verify(context.Background(), "ignored")
	if err != nil || userID != "alice" {
		t.Errorf("Verify = %q, %v", userID, err)
	}
	userID, err = Static{}.Verify(context.Background(), "")
	if err != nil || userID != "dev" {
		t.Errorf("zero Static = %q, %v", userID, err)
	}
}
