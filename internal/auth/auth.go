// Package auth verifies the bearer tokens that carry a caller's tenant and
// approver identity.
//
// Tokens are Ed25519 (EdDSA) JWTs. The runtime only needs the public key: an
// external identity service issues tokens, and the runtime trusts their
// claims once the signature checks out. A private key, or an ephemeral pair
// in development, lets the runtime mint tokens for local use and tests.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/soji/internal/model"
)

const (
	issuer   = "soji"
	audience = "soji"
)

// ErrNoSigningKey is returned by IssueToken on a verify-only manager.
var ErrNoSigningKey = errors.New("auth: no signing key configured")

// Claims extends jwt.RegisteredClaims with the caller's tenant and role.
// Subject is the caller's identity and is recorded as the approver on
// resolved approvals. An admin with an empty TenantID spans all tenants.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string          `json:"tenant_id,omitempty"`
	Role     model.AgentRole `json:"role"`
}

// Identity returns the caller's identity.
func (c *Claims) Identity() string { return c.Subject }

// CanAccess reports whether the caller may act on tenantID.
func (c *Claims) CanAccess(tenantID string) bool {
	if c.Role == model.RoleAdmin && c.TenantID == "" {
		return true
	}
	return c.TenantID != "" && c.TenantID == tenantID
}

// JWTManager verifies, and optionally signs, Ed25519 JWTs.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager loads keys from PEM files. With only publicKeyPath set the
// manager verifies but cannot sign. With neither set it generates an
// ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" && publicKeyPath == "" {
		slog.Warn("auth: no JWT keys configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	m := &JWTManager{expiration: expiration}
	if privateKeyPath != "" {
		priv, err := loadPrivateKey(privateKeyPath)
		if err != nil {
			return nil, err
		}
		m.privateKey = priv
		m.publicKey = priv.Public().(ed25519.PublicKey)
	}
	if publicKeyPath != "" {
		pub, err := loadPublicKey(publicKeyPath)
		if err != nil {
			return nil, err
		}
		// A private key from one environment with a public key from another.
		if m.publicKey != nil && !bytes.Equal(m.publicKey, pub) {
			return nil, fmt.Errorf("auth: public key does not match private key")
		}
		m.publicKey = pub
	}
	return m, nil
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}
	return priv, nil
}

func loadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return pub, nil
}

// CanSign reports whether the manager holds a private key.
func (m *JWTManager) CanSign() bool { return m.privateKey != nil }

// IssueToken signs a token for identity acting on tenantID with role.
func (m *JWTManager) IssueToken(identity, tenantID string, role model.AgentRole) (string, time.Time, error) {
	if m.privateKey == nil {
		return "", time.Time{}, ErrNoSigningKey
	}
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		TenantID: tenantID,
		Role:     role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Issuer != issuer {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: missing subject")
	}
	if model.RoleRank(claims.Role) == 0 {
		return nil, fmt.Errorf("auth: unknown role %q", claims.Role)
	}
	return claims, nil
}
