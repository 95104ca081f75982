package auth

import (
	"fmt"

	"github.com/samber/do"
	"github.com/spf13/afero"

	"github.com/tidelake/compute-plane/internal/config"
)

func Provide(i *do.Injector) {
	provideSigner(i)
	provideVerifier(i)
}

func provideSigner(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*Signer, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, fmt.Errorf("failed to get config: %w", err)
		}
		fsys, err := do.Invoke[afero.Fs](i)
		if err != nil {
			return nil, fmt.Errorf("failed to get filesystem: %w", err)
		}
		raw, err := afero.ReadFile(fsys, cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		return NewSignerFromPEM(raw)
	})
}

func provideVerifier(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*SwappableVerifier, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, fmt.Errorf("failed to get config: %w", err)
		}
		fsys, err := do.Invoke[afero.Fs](i)
		if err != nil {
			return nil, fmt.Errorf("failed to get filesystem: %w", err)
		}
		verifier, err := NewVerifierFromPEMFile(fsys, cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load verification keys: %w", err)
		}
		return NewSwappableVerifier(verifier), nil
	})
}
