package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidSigningAlgo = errors.New("unexpected signing method")
	ErrBadTokenWrap       = errors.New("token must be 'Bearer <token>'")
)

// Claims are the registered claims plus the role carried by tracking tokens.
// Subject holds the numeric user ID.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwtlib.RegisteredClaims
}

// UserID parses the subject as a numeric user ID.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("token subject is not a user ID: %w", err)
	}
	return id, nil
}

// Manager issues and validates HS256 tokens for the tracking channel.
type Manager struct {
	secret    []byte
	accessTTL time.Duration
}

// NewManager creates a token manager.
func NewManager(secret string, accessTTL time.Duration) *Manager {
	s := strings.TrimSpace(secret)
	if s == "" {
		panic("auth: empty secret key")
	}
	return &Manager{secret: []byte(s), accessTTL: accessTTL}
}

// IssueUserToken returns a signed access token for a user.
func (m *Manager) IssueUserToken(userID int64, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(m.accessTTL)),
		},
	}
	tkn := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return tkn.SignedString(m.secret)
}

// ParseAndValidate verifies signature and standard claims.
func (m *Manager) ParseAndValidate(tokenString string) (*Claims, error) {
	parser := jwtlib.NewParser(jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}))

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwtlib.Token) (any, error) {
		if t.Method != jwtlib.SigningMethodHS256 {
			return nil, ErrInvalidSigningAlgo
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// StripBearer unwraps an optional "Bearer <token>" prefix.
func StripBearer(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrBadTokenWrap
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) == 2 {
		if !strings.EqualFold(parts[0], "Bearer") {
			return "", ErrBadTokenWrap
		}
		return strings.TrimSpace(parts[1]), nil
	}
	return raw, nil
}

// ExpiryCheck inspects a token's exp claim without verifying the signature.
// The client uses it to fail fast before dialing when the stored credential
// is already expired; the server still does the authoritative validation.
func ExpiryCheck(tokenString string) error {
	parser := jwtlib.NewParser()
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return fmt.Errorf("malformed token: %w", err)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return errors.New("token expired")
	}
	return nil
}
