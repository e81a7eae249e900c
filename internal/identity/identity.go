// Package identity resolves the authenticated user behind each HTTP
// request. Production uses JWT bearer tokens; BACKEND_AUTH_DISABLED
// substitutes a static development identity.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing, malformed, or expired
// credentials. The HTTP edge maps it to 401.
var ErrUnauthorized = errors.New("identity: unauthorized")

// Verifier resolves a bearer token to a stable user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// JWTVerifier validates HMAC-signed JWTs. The user id is the `sub` claim.
type JWTVerifier struct {
	secret []byte
	issuer string
}

var _ Verifier = (*JWTVerifier)(nil)

// NewJWT creates a verifier for tokens signed with secret. issuer, when
// non-empty, is additionally enforced against the `iss` claim.
func NewJWT(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return sub, nil
}

// Static always resolves to a fixed user id. Development only.
type Static struct {
	UserID string
}

var _ Verifier = Static{}

// Verify implements Verifier.
func (s Static) Verify(context.Context, string) (string, error) {
	if s.UserID == "" {
		return "dev", nil
	}
	return s.UserID, nil
}
