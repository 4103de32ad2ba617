// Package auth validates the bearer tokens carried on the realtime
// upgrade request and on the REST surface this module does not own.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the decoded payload of a session token: the authenticated
// user, their display name, and the token's unique id (jti), used to
// let an upstream token-issuance service revoke individual sessions.
type Claims struct {
	UserID   uuid.UUID `json:"sub"`
	Username string    `json:"username"`
	JTI      string    `json:"jti"`
	jwt.RegisteredClaims
}

// Manager validates and (for local testing) issues tokens signed with
// a shared HMAC secret.
type Manager struct {
	secret        []byte
	algorithm     string
	tokenDuration time.Duration
}

// NewManager builds a Manager. Verify accepts tokens signed with any
// HMAC method ("HS256", "HS384", "HS512") and rejects every other
// signing method, which stops an attacker from downgrading the signing
// method; the stored algorithm is not consulted by Verify, and
// Generate always signs with HS256.
func NewManager(secret string, algorithm string, tokenDuration time.Duration) *Manager {
	return &Manager{
		secret:        []byte(secret),
		algorithm:     algorithm,
		tokenDuration: tokenDuration,
	}
}

// Generate issues a signed token for userID/username, mainly for
// tests and local token minting; production issuance lives in the
// out-of-scope auth service.
func (m *Manager) Generate(userID uuid.UUID, username string) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		JTI:      uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   userID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify decodes and validates a token string, returning its claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID == uuid.Nil || claims.Username == "" {
		return nil, errors.New("token missing required claims")
	}

	return claims, nil
}

// TokenFromRequest extracts the bearer token from the query string
// (the WebSocket-friendly form) or, failing that, the Authorization
// header.
func TokenFromRequest(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):], nil
	}

	return "", errors.New("no token in query string or Authorization header")
}
