package endpoint

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/do"
	"github.com/spf13/afero"

	"github.com/tidelake/compute-plane/internal/auth"
	"github.com/tidelake/compute-plane/internal/config"
	"github.com/tidelake/compute-plane/internal/topology"
)

func Provide(i *do.Injector) {
	provideRegistry(i)
}

func provideRegistry(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*Registry, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, fmt.Errorf("failed to get config: %w", err)
		}
		logger, err := do.Invoke[zerolog.Logger](i)
		if err != nil {
			return nil, fmt.Errorf("failed to get logger: %w", err)
		}
		fsys, err := do.Invoke[afero.Fs](i)
		if err != nil {
			return nil, fmt.Errorf("failed to get filesystem: %w", err)
		}
		signer, err := do.Invoke[*auth.Signer](i)
		if err != nil {
			return nil, fmt.Errorf("failed to get signer: %w", err)
		}

		walNodes := make([]topology.WALNode, 0, len(cfg.WALNodes))
		for _, node := range cfg.WALNodes {
			walNodes = append(walNodes, topology.WALNode{
				ID:   node.ID,
				Host: node.Host,
				Port: node.Port,
			})
		}

		return Load(RegistryParams{
			Fs:            fsys,
			Logger:        logger,
			DataDir:       cfg.DataDir,
			BasePort:      cfg.BasePort,
			SupervisorBin: cfg.SupervisorBin,
			EngineDir:     cfg.EngineDir,
			Signer:        signer,
			WALNodes:      walNodes,
		})
	})
}
