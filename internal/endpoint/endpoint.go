// Package endpoint owns the durable set of compute endpoints and the
// per-endpoint lifecycle: create, start, live reconfigure, stop, and status.
//
// Per-endpoint state lives under <data_dir>/endpoints/<endpoint id>:
//
//	endpoint.json   - persisted endpoint attributes, written at creation
//	engine.conf     - engine settings text, user-editable before start
//	config.json     - full compute configuration, rewritten on every
//	                  start and reconfigure
//	endpoint.log    - combined output of the supervisor and the engine
//	supervisor.pid  - pid of the spawned supervisor process
//	pgdata/         - the engine's data directory, recreated on start
package endpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/tidelake/compute-plane/internal/auth"
	"github.com/tidelake/compute-plane/internal/compute"
	"github.com/tidelake/compute-plane/internal/topology"
)

const (
	recordFile     = "endpoint.json"
	engineConfFile = "engine.conf"
	configFile     = "config.json"
	logFile        = "endpoint.log"
	pidFile        = "supervisor.pid"
	pgdataDir      = "pgdata"
	// engineMarkerFile is the engine's own liveness marker inside pgdata.
	engineMarkerFile = "postmaster.pid"

	connectTimeout = 300 * time.Millisecond
)

// Status is the observed state of an endpoint, derived fresh on every query
// from the on-disk liveness marker and a TCP probe of the data port.
type Status string

const (
	StatusRunning          Status = "running"
	StatusStopped          Status = "stopped"
	StatusCrashed          Status = "crashed"
	StatusRunningNoPidfile Status = "running, no pidfile"
)

// Record is the persisted shape of an endpoint, the content of
// endpoint.json. It is written once at creation and does not change
// afterwards.
type Record struct {
	ID                           string                   `json:"endpoint_id"`
	TenantID                     uuid.UUID                `json:"tenant_id"`
	TimelineID                   uuid.UUID                `json:"timeline_id"`
	Mode                         compute.Mode             `json:"mode"`
	DataPort                     int                      `json:"data_port"`
	ExternalControlPort          int                      `json:"external_control_port"`
	InternalControlPort          int                      `json:"internal_control_port"`
	EngineVersion                int                      `json:"engine_version"`
	PreferProtocol               topology.Protocol        `json:"prefer_protocol,omitempty"`
	SkipCatalogUpdates           bool                     `json:"skip_catalog_updates"`
	DropSubscriptionsBeforeStart bool                     `json:"drop_subscriptions_before_start"`
	ReconfigureConcurrency       int                      `json:"reconfigure_concurrency"`
	Features                     []string                 `json:"features"`
	Cluster                      *compute.Cluster         `json:"cluster,omitempty"`
	PrivilegedRoleName           string                   `json:"privileged_role_name,omitempty"`
	Credentials                  compute.CredentialBundle `json:"credential_bundle"`
}

// environment is the shared runtime context an endpoint operates in. Owned
// by the Registry; endpoints hold a reference.
type environment struct {
	fs            afero.Fs
	logger        zerolog.Logger
	endpointsDir  string
	supervisorBin string
	engineDir     string
	signer        *auth.Signer
	walNodes      []topology.WALNode
}

// Endpoint is one controllable compute node. Attributes are assigned at
// creation and are stable for the endpoint's life; only the cluster override
// is mutated afterwards, by reconfigure-style respecification.
type Endpoint struct {
	Record

	env *environment
}

// Dir is the endpoint's state directory.
func (e *Endpoint) Dir() string {
	return path.Join(e.env.endpointsDir, e.ID)
}

func (e *Endpoint) pgdata() string {
	return path.Join(e.Dir(), pgdataDir)
}

func (e *Endpoint) configPath() string {
	return path.Join(e.Dir(), configFile)
}

// DataAddr is the address the database engine serves queries on.
func (e *Endpoint) DataAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", e.DataPort)
}

// ExternalControlAddr is the authenticated control-protocol address.
func (e *Endpoint) ExternalControlAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", e.ExternalControlPort)
}

// InternalControlAddr is the unauthenticated local control address.
func (e *Endpoint) InternalControlAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", e.InternalControlPort)
}

// ConnString returns the engine connection URL for the given user and
// database.
func (e *Endpoint) ConnString(user, database string) string {
	return fmt.Sprintf("postgresql://%s@%s/%s", user, e.DataAddr(), database)
}

// Status derives the endpoint's observed state: the engine's liveness marker
// on disk, combined with a bounded TCP probe of the data port. The
// derivation is recomputed on every call and never cached.
func (e *Endpoint) Status() Status {
	hasMarker, err := afero.Exists(e.env.fs, path.Join(e.pgdata(), engineMarkerFile))
	if err != nil {
		hasMarker = false
	}

	canConnect := false
	conn, err := net.DialTimeout("tcp", e.DataAddr(), connectTimeout)
	if err == nil {
		canConnect = true
		_ = conn.Close()
	}

	switch {
	case hasMarker && canConnect:
		return StatusRunning
	case !hasMarker && !canConnect:
		return StatusStopped
	case hasMarker:
		return StatusCrashed
	default:
		return StatusRunningNoPidfile
	}
}

// GenerateToken mints a control-protocol token for this endpoint. Admin
// scope produces an audience-restricted token without a subject; every other
// scope is restricted to this endpoint.
func (e *Endpoint) GenerateToken(scope auth.Scope) (string, error) {
	claims := &auth.Claims{Scope: scope}
	if scope == auth.ScopeAdmin {
		claims.Audience = []string{auth.Audience}
	} else {
		claims.SubjectEndpoint = e.ID
	}
	return e.env.signer.Sign(claims)
}

// readEngineConf slurps the endpoint's settings document. The document is
// embedded verbatim into the spec; a missing file reads as empty, which
// matches an endpoint created before any settings were written.
func (e *Endpoint) readEngineConf() (string, error) {
	raw, err := afero.ReadFile(e.env.fs, path.Join(e.Dir(), engineConfFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read settings document: %w", err)
	}
	return string(raw), nil
}
