package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "signaldesk"

// RoleAdmin marks an identity that bypasses approval and may run admin mutations.
const RoleAdmin = "admin"

// Identity is the current user as asserted by the session token.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// Claims is the session token payload.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`

	jwt.RegisteredClaims
}

// Verifier signs and verifies HS256 session tokens.
type Verifier struct {
	Secret   []byte
	TokenTTL time.Duration
}

// NewVerifier returns a Verifier for the shared secret.
func NewVerifier(secret string, ttl time.Duration) *Verifier {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Verifier{Secret: []byte(secret), TokenTTL: ttl}
}

// Sign issues a token for id.
func (v *Verifier) Sign(id Identity) (string, time.Time, error) {
	if id.UserID == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(v.TokenTTL)
	claims := Claims{
		Email: strings.ToLower(id.Email),
		Role:  id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := t.SignedString(v.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return s, expiresAt, nil
}

// Parse verifies token and returns the identity it carries.
func (v *Verifier) Parse(token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.Secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return Identity{}, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return Identity{}, errors.New("invalid token")
	}
	return Identity{UserID: c.Subject, Email: c.Email, Role: c.Role}, nil
}

// IsAdmin reports whether the identity carries the admin role.
func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}
