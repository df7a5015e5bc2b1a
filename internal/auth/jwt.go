// Package auth verifies the party tokens issued by the platform's identity
// service. Tokens carry the party id as subject plus its type and display name.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTManager signs and validates HMAC JWTs. With several keys it selects the
// verification key by the "kid" header, so keys can be rotated.
type JWTManager struct {
	keys      map[string][]byte // kid -> secret; "" holds the single-secret key
	activeKid string            // key used for signing
	duration  time.Duration
}

// Claims is the token payload. ActsFor lists the parties the subject may
// act for, e.g. the clubs an agent manages.
type Claims struct {
	PartyType string   `json:"party_type,omitempty"`
	Name      string   `json:"name,omitempty"`
	ActsFor   []string `json:"acts_for,omitempty"`
	jwt.RegisteredClaims
}

// PartyID returns the subject, i.e. the authenticated party.
func (c *Claims) PartyID() string { return c.Subject }

// NewJWTManager returns a manager with a single secret.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return &JWTManager{
		keys:     map[string][]byte{"": []byte(secretKey)},
		duration: duration,
	}
}

// NewJWTManagerFromKeys returns a manager that signs with activeKid and
// verifies with any of the keys.
func NewJWTManagerFromKeys(keys map[string]string, activeKid string, duration time.Duration) *JWTManager {
	m := &JWTManager{keys: make(map[string][]byte, len(keys)), activeKid: activeKid, duration: duration}
	for kid, secret := range keys {
		m.keys[kid] = []byte(secret)
	}
	return m
}

// GenerateToken issues a signed token for a party. Production tokens come
// from the identity service; this is used by tests and local tooling.
func (m *JWTManager) GenerateToken(partyID, partyType, name string, actsFor ...string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.duration)

	claims := &Claims{
		PartyType: partyType,
		Name:      name,
		ActsFor:   actsFor,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   partyID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if m.activeKid != "" {
		token.Header["kid"] = m.activeKid
	}

	key, ok := m.keys[m.activeKid]
	if !ok {
		return "", time.Time{}, fmt.Errorf("no signing key for kid %q", m.activeKid)
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyToken parses and validates a token and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// reject anything that is not HMAC, e.g. "none" or RSA with a public key as secret
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		key, ok := m.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}
