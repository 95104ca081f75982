package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Key is one entry of a verification key set, in the usual JWK wire shape.
type Key struct {
	Use       string   `json:"use,omitempty"`
	KeyOps    []string `json:"key_ops,omitempty"`
	Algorithm string   `json:"alg,omitempty"`
	KeyID     string   `json:"kid,omitempty"`
	KeyType   string   `json:"kty"`
	Curve     string   `json:"crv,omitempty"`
	X         string   `json:"x,omitempty"`
}

// KeySet is a set of public keys a verifier can check signatures against
// without knowing in advance which key signed.
type KeySet struct {
	Keys []Key `json:"keys"`
}

// KeySetFromPublicKey derives a single-entry verification key set from an
// Ed25519 public key. The key identifier is the SHA-256 hash of the raw
// public key bytes, base64url-encoded without padding.
func KeySetFromPublicKey(public ed25519.PublicKey) KeySet {
	hash := sha256.Sum256(public)
	return KeySet{
		Keys: []Key{
			{
				Use:       "sig",
				KeyOps:    []string{"verify"},
				Algorithm: "EdDSA",
				KeyID:     base64.RawURLEncoding.EncodeToString(hash[:]),
				KeyType:   "OKP",
				Curve:     "Ed25519",
				X:         base64.RawURLEncoding.EncodeToString(public),
			},
		},
	}
}

// PublicKeys decodes the raw key material of every entry in the set.
func (ks KeySet) PublicKeys() ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(ks.Keys))
	for _, key := range ks.Keys {
		if key.KeyType != "OKP" || key.Curve != "Ed25519" {
			return nil, fmt.Errorf("unsupported key type %q/%q for key %q", key.KeyType, key.Curve, key.KeyID)
		}
		raw, err := base64.RawURLEncoding.DecodeString(key.X)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key %q: %w", key.KeyID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("key %q has %d bytes, want %d", key.KeyID, len(raw), ed25519.PublicKeySize)
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	return keys, nil
}
