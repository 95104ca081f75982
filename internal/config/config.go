package config

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

type Logging struct {
	Level  string `koanf:"level" json:"level,omitempty"`
	Pretty bool   `koanf:"pretty" json:"pretty,omitempty"`
}

func (l Logging) validate() []error {
	var errs []error
	if _, err := zerolog.ParseLevel(l.Level); err != nil {
		errs = append(errs, fmt.Errorf("level: invalid log level %q: %w", l.Level, err))
	}
	return errs
}

var loggingDefault = Logging{
	Level: "info",
}

// WALNode describes one known write-ahead-log source node. Endpoints in
// primary mode replicate their WAL to a subset of these nodes.
type WALNode struct {
	ID   uint64 `koanf:"id" json:"id"`
	Host string `koanf:"host" json:"host,omitempty"`
	Port int    `koanf:"port" json:"port,omitempty"`
}

func (n WALNode) validate() []error {
	var errs []error
	if n.Host == "" {
		errs = append(errs, errors.New("host cannot be empty"))
	}
	if n.Port < 1 || n.Port > 65535 {
		errs = append(errs, fmt.Errorf("port: invalid port %d", n.Port))
	}
	return errs
}

type Config struct {
	// DataDir holds all per-endpoint state, under <data_dir>/endpoints.
	DataDir string `koanf:"data_dir" json:"data_dir,omitempty"`
	// BasePort is the first port handed out when no endpoints exist yet.
	BasePort int `koanf:"base_port" json:"base_port,omitempty"`
	// SupervisorBin is the path to the computed binary that supervises the
	// database engine for one endpoint.
	SupervisorBin string `koanf:"supervisor_bin" json:"supervisor_bin,omitempty"`
	// EngineDir is the root of the engine installations, one subdirectory
	// per major version (e.g. <engine_dir>/v16/bin).
	EngineDir      string    `koanf:"engine_dir" json:"engine_dir,omitempty"`
	PrivateKeyPath string    `koanf:"private_key_path" json:"private_key_path,omitempty"`
	PublicKeyPath  string    `koanf:"public_key_path" json:"public_key_path,omitempty"`
	WALNodes       []WALNode `koanf:"wal_nodes" json:"wal_nodes,omitempty"`
	Logging        Logging   `koanf:"logging" json:"logging,omitzero"`
}

func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir cannot be empty"))
	}
	if c.BasePort < 1 || c.BasePort > 65535 {
		errs = append(errs, fmt.Errorf("base_port: invalid port %d", c.BasePort))
	}
	if c.SupervisorBin == "" {
		errs = append(errs, errors.New("supervisor_bin cannot be empty"))
	}
	if c.EngineDir == "" {
		errs = append(errs, errors.New("engine_dir cannot be empty"))
	}
	seen := map[uint64]bool{}
	for i, node := range c.WALNodes {
		if seen[node.ID] {
			errs = append(errs, fmt.Errorf("wal_nodes[%d]: duplicate node id %d", i, node.ID))
		}
		seen[node.ID] = true
		for _, err := range node.validate() {
			errs = append(errs, fmt.Errorf("wal_nodes[%d].%w", i, err))
		}
	}
	for _, err := range c.Logging.validate() {
		errs = append(errs, fmt.Errorf("logging.%w", err))
	}
	return errors.Join(errs...)
}

func DefaultConfig() Config {
	return Config{
		DataDir:       ".compute-plane",
		BasePort:      55431,
		SupervisorBin: "computed",
		EngineDir:     "/usr/local/compute",
		Logging:       loggingDefault,
	}
}
