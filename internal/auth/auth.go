// Package auth resolves the user behind a socket handshake and checks that
// the user belongs to the project being joined. Token issuance and project
// membership management live in other services; this package only reads.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrMissingCredential = errors.New("authentication required")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrNotMember         = errors.New("not a member of this project")
)

// Claims carried by access tokens.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// Authenticator maps a bearer credential to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (userID string, err error)
}

// JWT verifies HMAC-signed access tokens.
type JWT struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewJWT returns an authenticator for tokens signed with secret. A
// non-empty issuer is enforced.
func NewJWT(secret []byte, issuer string, leeway time.Duration) (*JWT, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	return &JWT{secret: secret, issuer: issuer, leeway: leeway, now: time.Now}, nil
}

func (a *JWT) Authenticate(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrMissingCredential
	}

	var claims Claims
	// Time claims are checked below so that leeway applies.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	now := a.now()
	if claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Add(a.leeway)) {
		return "", fmt.Errorf("%w: token expired", ErrInvalidCredential)
	}
	if claims.NotBefore != nil && now.Add(a.leeway).Before(claims.NotBefore.Time) {
		return "", fmt.Errorf("%w: token not valid yet", ErrInvalidCredential)
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return "", fmt.Errorf("%w: unexpected issuer %q", ErrInvalidCredential, claims.Issuer)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: token has no user", ErrInvalidCredential)
	}
	return userID, nil
}

// SignToken issues a token for userID. It exists for tooling and tests.
func SignToken(secret []byte, issuer, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// BearerToken extracts the credential from the Authorization header. Browsers
// cannot set headers on a WebSocket handshake, so the access_token query
// parameter is accepted as well.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
