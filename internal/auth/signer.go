package auth

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSigningKey indicates that token signing was requested but no private
// key is configured.
var ErrNoSigningKey = errors.New("no signing key configured")

// Signer issues compact signed tokens over control-protocol claims. Tokens
// are always signed with Ed25519.
type Signer struct {
	key ed25519.PrivateKey
}

func NewSigner(key ed25519.PrivateKey) *Signer {
	return &Signer{key: key}
}

// NewSignerFromPEM parses a PKCS#8 PEM-encoded Ed25519 private key.
func NewSignerFromPEM(raw []byte) (*Signer, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found in private key material")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T, want Ed25519", parsed)
	}
	return NewSigner(key), nil
}

// Sign produces a compact signed token over the given claims.
func (s *Signer) Sign(claims *Claims) (string, error) {
	if s == nil || s.key == nil {
		return "", ErrNoSigningKey
	}
	if err := claims.Validate(); err != nil {
		return "", fmt.Errorf("refusing to sign malformed claims: %w", err)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign claims: %w", err)
	}
	return token, nil
}

// PublicKey returns the verification key matching the signing key.
func (s *Signer) PublicKey() (ed25519.PublicKey, error) {
	if s == nil || s.key == nil {
		return nil, ErrNoSigningKey
	}
	return s.key.Public().(ed25519.PublicKey), nil
}
