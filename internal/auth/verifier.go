package auth

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"
)

var (
	// ErrAuthFailed indicates that a token could not be verified with any
	// configured key.
	ErrAuthFailed = errors.New("token verification failed")
	// ErrNoVerificationKeys indicates that a verifier was asked to check a
	// token while holding zero keys.
	ErrNoVerificationKeys = errors.New("no verification keys configured")
)

// Verifier checks token signatures against a fixed set of Ed25519 public
// keys. The key set is immutable once constructed; use SwappableVerifier for
// runtime rotation.
type Verifier struct {
	keys   []ed25519.PublicKey
	parser *jwt.Parser
}

func NewVerifier(keys []ed25519.PublicKey) *Verifier {
	return &Verifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		),
	}
}

// NewVerifierFromPEMFile reads one or more PEM-encoded public keys from the
// given path. A directory is scanned one level deep; non-file entries are
// ignored.
func NewVerifierFromPEMFile(fsys afero.Fs, path string) (*Verifier, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat public key path: %w", err)
	}

	var keys []ed25519.PublicKey
	if info.IsDir() {
		entries, err := afero.ReadDir(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("failed to list public key directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			key, err := readPublicKeyPEM(fsys, path+"/"+entry.Name())
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
	} else {
		key, err := readPublicKeyPEM(fsys, path)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: all token-gated requests would be rejected", ErrNoVerificationKeys)
	}
	return NewVerifier(keys), nil
}

func readPublicKeyPEM(fsys afero.Fs, path string) (ed25519.PublicKey, error) {
	raw, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("public key %s disappeared during load: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read public key %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key %s: %w", path, err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T in %s, want Ed25519", parsed, path)
	}
	return key, nil
}

// Verify tries the stored keys in succession and returns the claims decoded
// by the first key that checks out. If every key fails, the error from the
// last attempt is returned; callers must not assume key order determines
// which error surfaces. Tokens are not required to carry an expiry.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if len(v.keys) == 0 {
		return nil, ErrNoVerificationKeys
	}

	var lastErr error
	for _, key := range v.keys {
		claims := &Claims{}
		_, err := v.parser.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
			return key, nil
		})
		if err == nil {
			if err := claims.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
			}
			return claims, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrAuthFailed, lastErr)
}

// SwappableVerifier wraps a Verifier whose key set can be atomically replaced
// at runtime. In-flight Verify calls keep operating on the snapshot they
// loaded; replacement never blocks readers.
type SwappableVerifier struct {
	inner atomic.Pointer[Verifier]
}

func NewSwappableVerifier(v *Verifier) *SwappableVerifier {
	s := &SwappableVerifier{}
	s.inner.Store(v)
	return s
}

// Swap replaces the verifier used by subsequent Verify calls.
func (s *SwappableVerifier) Swap(v *Verifier) {
	s.inner.Store(v)
}

func (s *SwappableVerifier) Verify(token string) (*Claims, error) {
	return s.inner.Load().Verify(token)
}
