package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tidelake/compute-plane/internal/auth"
	"github.com/tidelake/compute-plane/internal/compute"
	"github.com/tidelake/compute-plane/internal/topology"
	"github.com/tidelake/compute-plane/internal/utils"
)

// Registry owns the durable set of known endpoints: loading them from disk,
// allocating their ports, and checking identity conflicts at creation.
type Registry struct {
	env      *environment
	basePort int

	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

// RegistryParams configures a Registry.
type RegistryParams struct {
	Fs            afero.Fs
	Logger        zerolog.Logger
	DataDir       string
	BasePort      int
	SupervisorBin string
	EngineDir     string
	Signer        *auth.Signer
	WALNodes      []topology.WALNode
}

// Load scans the endpoints directory and builds the registry. An endpoint
// directory that disappears between listing and reading lost a race with a
// concurrent destroy and is skipped; any other read or parse failure is
// fatal.
func Load(params RegistryParams) (*Registry, error) {
	env := &environment{
		fs:            params.Fs,
		logger:        params.Logger,
		endpointsDir:  path.Join(params.DataDir, "endpoints"),
		supervisorBin: params.SupervisorBin,
		engineDir:     params.EngineDir,
		signer:        params.Signer,
		walNodes:      params.WALNodes,
	}

	if err := env.fs.MkdirAll(env.endpointsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create endpoints directory: %w", err)
	}

	entries, err := afero.ReadDir(env.fs, env.endpointsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", env.endpointsDir, err)
	}

	endpoints := map[string]*Endpoint{}
	for _, entry := range entries {
		if !entry.IsDir() {
			return nil, fmt.Errorf("%s is not an endpoint directory", path.Join(env.endpointsDir, entry.Name()))
		}
		ep, err := loadEndpoint(env, entry.Name())
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Lost a race with a concurrent destroy.
				continue
			}
			return nil, err
		}
		endpoints[ep.ID] = ep
	}

	return &Registry{
		env:       env,
		basePort:  params.BasePort,
		endpoints: endpoints,
	}, nil
}

func loadEndpoint(env *environment, id string) (*Endpoint, error) {
	raw, err := afero.ReadFile(env.fs, path.Join(env.endpointsDir, id, recordFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoint record for %q: %w", id, err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to parse endpoint record for %q: %w", id, err)
	}
	return &Endpoint{Record: record, env: env}, nil
}

// Get looks up an endpoint by identifier.
func (r *Registry) Get(id string) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return ep, nil
}

// List returns all known endpoints, sorted by identifier.
func (r *Registry) List() []*Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		endpoints = append(endpoints, ep)
	}
	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].ID < endpoints[j].ID
	})
	return endpoints
}

// Forget drops an endpoint from the in-memory set. Called after a
// destructive stop has removed its on-disk state.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, id)
}

// allocatePort hands out one port greater than the maximum in use across all
// known endpoints, or the base port when none exist yet. Callers must hold
// r.mu; two concurrent creations must not observe the same free port.
func (r *Registry) allocatePort() int {
	maxPort := 0
	for _, ep := range r.endpoints {
		if ep.DataPort > maxPort {
			maxPort = ep.DataPort
		}
		if ep.ExternalControlPort > maxPort {
			maxPort = ep.ExternalControlPort
		}
		if ep.InternalControlPort > maxPort {
			maxPort = ep.InternalControlPort
		}
	}
	if maxPort == 0 {
		return r.basePort
	}
	return maxPort + 1
}

// CreateParams are the attributes of a new endpoint. Zero ports mean
// "allocate".
type CreateParams struct {
	ID                           string
	TenantID                     uuid.UUID
	TimelineID                   uuid.UUID
	Mode                         compute.Mode
	DataPort                     int
	ExternalControlPort          int
	InternalControlPort          int
	EngineVersion                int
	PreferProtocol               topology.Protocol
	SkipCatalogUpdates           bool
	DropSubscriptionsBeforeStart bool
	ReconfigureConcurrency       int
	Features                     []string
	PrivilegedRoleName           string
}

// Create validates the identity, allocates unspecified ports, mints the
// endpoint's credential bundle from the process-wide signing key, persists
// the endpoint record and an initial settings document, and registers the
// endpoint in memory. The endpoint is persisted before any process is
// spawned.
func (r *Registry) Create(params CreateParams) (*Endpoint, error) {
	if err := utils.ValidateID(params.ID); err != nil {
		return nil, fmt.Errorf("invalid endpoint id %q: %w", params.ID, err)
	}
	if err := params.Mode.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[params.ID]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, params.ID)
	}
	if err := r.checkConflicts(params.Mode, params.TenantID, params.TimelineID); err != nil {
		return nil, err
	}

	dataPort := params.DataPort
	if dataPort == 0 {
		dataPort = r.allocatePort()
	}
	externalControlPort := params.ExternalControlPort
	if externalControlPort == 0 {
		externalControlPort = dataPort + 1
	}
	internalControlPort := params.InternalControlPort
	if internalControlPort == 0 {
		internalControlPort = externalControlPort + 1
	}
	reconfigureConcurrency := params.ReconfigureConcurrency
	if reconfigureConcurrency == 0 {
		reconfigureConcurrency = 1
	}

	public, err := r.env.signer.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to mint credential bundle: %w", err)
	}

	ep := &Endpoint{
		Record: Record{
			ID:                           params.ID,
			TenantID:                     params.TenantID,
			TimelineID:                   params.TimelineID,
			Mode:                         params.Mode,
			DataPort:                     dataPort,
			ExternalControlPort:          externalControlPort,
			InternalControlPort:          internalControlPort,
			EngineVersion:                params.EngineVersion,
			PreferProtocol:               params.PreferProtocol,
			SkipCatalogUpdates:           params.SkipCatalogUpdates,
			DropSubscriptionsBeforeStart: params.DropSubscriptionsBeforeStart,
			ReconfigureConcurrency:       reconfigureConcurrency,
			Features:                     params.Features,
			PrivilegedRoleName:           params.PrivilegedRoleName,
			Credentials: compute.CredentialBundle{
				KeySet: auth.KeySetFromPublicKey(public),
			},
		},
		env: r.env,
	}

	if err := r.env.fs.MkdirAll(ep.Dir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create endpoint directory: %w", err)
	}
	raw, err := json.MarshalIndent(ep.Record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal endpoint record: %w", err)
	}
	if err := afero.WriteFile(r.env.fs, path.Join(ep.Dir(), recordFile), raw, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write endpoint record: %w", err)
	}
	conf := defaultEngineConf(ep)
	if err := afero.WriteFile(r.env.fs, path.Join(ep.Dir(), engineConfFile), []byte(conf), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write settings document: %w", err)
	}

	r.endpoints[ep.ID] = ep
	r.env.logger.Info().
		Str("endpoint_id", ep.ID).
		Str("tenant_id", ep.TenantID.String()).
		Str("timeline_id", ep.TimelineID.String()).
		Str("mode", string(ep.Mode)).
		Int("data_port", ep.DataPort).
		Msg("created endpoint")
	return ep, nil
}

// checkConflicts rejects a second non-stopped primary for the same tenant
// and timeline. The check is best-effort: two concurrent creators can both
// read the state before either commits.
func (r *Registry) checkConflicts(mode compute.Mode, tenantID, timelineID uuid.UUID) error {
	if mode != compute.ModePrimary {
		return nil
	}
	for _, ep := range r.endpoints {
		if ep.TenantID == tenantID && ep.TimelineID == timelineID &&
			ep.Mode == mode && ep.Status() != StatusStopped {
			return fmt.Errorf("%w: endpoint %q exists already on tenant %s, timeline %s",
				ErrDuplicatePrimary, ep.ID, tenantID, timelineID)
		}
	}
	return nil
}

// defaultEngineConf generates the initial settings document. The file is
// user-editable between creation and start.
func defaultEngineConf(ep *Endpoint) string {
	var b strings.Builder
	appendSetting := func(key, value string) {
		fmt.Fprintf(&b, "%s=%s\n", key, value)
	}

	appendSetting("listen_addresses", "127.0.0.1")
	appendSetting("port", fmt.Sprintf("%d", ep.DataPort))
	appendSetting("max_connections", "100")
	appendSetting("wal_level", "logical")
	appendSetting("max_wal_senders", "10")
	appendSetting("max_replication_slots", "10")
	appendSetting("hot_standby", "on")
	appendSetting("restart_after_crash", "off")

	switch {
	case ep.Mode == compute.ModePrimary:
		appendSetting("synchronous_standby_names", "walproposer")
	case ep.Mode == compute.ModeReplica:
		appendSetting("primary_slot_name", fmt.Sprintf("repl_%s_", ep.TimelineID))
	default:
		if lsn, ok := ep.Mode.StaticLSN(); ok {
			appendSetting("recovery_target_lsn", lsn)
		}
	}

	return b.String()
}
