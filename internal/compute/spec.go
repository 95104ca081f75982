// Package compute defines the configuration document pushed to a running
// compute process and the HTTP client for its control protocol.
package compute

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tidelake/compute-plane/internal/auth"
	"github.com/tidelake/compute-plane/internal/topology"
)

// Mode describes how the compute process treats its storage: originating
// writes (primary), following the timeline read-only (replica), or pinned to
// a fixed position (static).
type Mode string

const (
	ModePrimary Mode = "primary"
	ModeReplica Mode = "replica"

	staticModePrefix = "static:"
)

// StaticMode returns the mode for a compute pinned at the given write
// position.
func StaticMode(lsn string) Mode {
	return Mode(staticModePrefix + lsn)
}

func (m Mode) IsPrimary() bool {
	return m == ModePrimary
}

// StaticLSN returns the pinned write position for static mode.
func (m Mode) StaticLSN() (string, bool) {
	if !strings.HasPrefix(string(m), staticModePrefix) {
		return "", false
	}
	return strings.TrimPrefix(string(m), staticModePrefix), true
}

func (m Mode) Validate() error {
	if m == ModePrimary || m == ModeReplica {
		return nil
	}
	if lsn, ok := m.StaticLSN(); ok && lsn != "" {
		return nil
	}
	return fmt.Errorf("invalid mode %q", m)
}

// Role is one database role the compute creates during catalog updates.
type Role struct {
	Name              string  `json:"name"`
	EncryptedPassword *string `json:"encrypted_password,omitempty"`
	Options           *string `json:"options,omitempty"`
}

// Database is one database the compute creates during catalog updates.
type Database struct {
	Name         string  `json:"name"`
	Owner        string  `json:"owner"`
	Options      *string `json:"options,omitempty"`
	RestrictConn bool    `json:"restrict_conn,omitempty"`
	Invalid      bool    `json:"invalid,omitempty"`
}

// Cluster is the desired database-engine state: roles, databases, settings,
// and the verbatim engine configuration text.
type Cluster struct {
	Roles     []Role            `json:"roles"`
	Databases []Database        `json:"databases"`
	Settings  map[string]string `json:"settings,omitempty"`
	// EngineConf is the endpoint's settings document, embedded verbatim.
	// The compute writes it into the data directory on startup.
	EngineConf string `json:"engine_conf,omitempty"`
}

// AuditLogLevel controls audit logging inside the compute.
type AuditLogLevel string

const (
	AuditLogLevelDisabled AuditLogLevel = "disabled"
	AuditLogLevelBase     AuditLogLevel = "base"
	AuditLogLevelFull     AuditLogLevel = "full"
)

// RemoteExtSpec is the catalog of extensions the compute may download at
// runtime. The controller treats it as opaque.
type RemoteExtSpec struct {
	PublicExtensions []string                  `json:"public_extensions,omitempty"`
	CustomExtensions []string                  `json:"custom_extensions,omitempty"`
	Library2Ext      map[string]string         `json:"library_index,omitempty"`
	ExtensionData    map[string]map[string]any `json:"extension_data,omitempty"`
}

// TLSConfig carries the transport security material for the control
// protocol, when enabled.
type TLSConfig struct {
	KeyPath  string `json:"key_path"`
	CertPath string `json:"cert_path"`
}

// CredentialBundle is the control-protocol credential material handed to the
// compute: the key set it verifies caller tokens against, plus optional
// transport security configuration.
type CredentialBundle struct {
	KeySet auth.KeySet `json:"key_set"`
	TLS    *TLSConfig  `json:"tls,omitempty"`
}

// Spec is the full configuration document for one compute process
// invocation. It is built fresh on every start; reconfigure reads it back
// from persisted state, selectively mutates it, and re-sends it whole.
type Spec struct {
	FormatVersion float64 `json:"format_version"`

	EndpointID string    `json:"endpoint_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	TimelineID uuid.UUID `json:"timeline_id"`
	Mode       Mode      `json:"mode"`

	Cluster Cluster `json:"cluster"`

	// StorageTopology is the resolved shard layout for the current attempt.
	StorageTopology *topology.Topology `json:"storage_topology,omitempty"`
	// LegacyConnString is the combined fallback address kept for older
	// consumers. Omitted entirely when any shard cannot be resolved in the
	// legacy protocol.
	LegacyConnString string `json:"legacy_connstring,omitempty"`

	WALSourceConnStrings []string `json:"wal_source_connstrings"`
	// WALSourceGeneration is the monotonic epoch of the WAL-source
	// membership, used to detect stale configurations.
	WALSourceGeneration *uint32 `json:"wal_source_generation,omitempty"`

	StorageAuthToken string `json:"storage_auth_token,omitempty"`

	SkipCatalogUpdates           bool          `json:"skip_catalog_updates"`
	DropSubscriptionsBeforeStart bool          `json:"drop_subscriptions_before_start"`
	ReconfigureConcurrency       int           `json:"reconfigure_concurrency"`
	Features                     []string      `json:"features"`
	AuditLogLevel                AuditLogLevel `json:"audit_log_level"`

	Autoprewarm            bool    `json:"autoprewarm"`
	PrewarmOffloadInterval *uint64 `json:"prewarm_offload_interval_seconds,omitempty"`

	RemoteExtensions *RemoteExtSpec `json:"remote_extensions,omitempty"`
}

// Config is the document persisted for, and pushed to, a compute process: the
// spec plus the control-protocol credential bundle.
type Config struct {
	Spec        *Spec            `json:"spec"`
	Credentials CredentialBundle `json:"credential_bundle"`
}
