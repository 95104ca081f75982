package compute

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tidelake/compute-plane/internal/topology"
)

const (
	// SpecFormatVersion is the format the supervised process understands.
	SpecFormatVersion = 1.0

	testRoleName     = "test"
	testDatabaseName = "testdb"
)

// BuildParams is everything the spec builder needs for one invocation.
type BuildParams struct {
	EndpointID string
	TenantID   uuid.UUID
	TimelineID uuid.UUID
	Mode       Mode

	// EngineConf is the current content of the endpoint's settings
	// document, embedded verbatim.
	EngineConf string
	// ClusterOverride, when set, replaces the freshly built cluster
	// definition. Used to respecify a running endpoint during
	// reconfigure-style testing.
	ClusterOverride *Cluster

	Topology             topology.Topology
	WALSourceConnStrings []string
	WALSourceGeneration  *uint32
	StorageAuthToken     string

	CreateTestUser               bool
	SkipCatalogUpdates           bool
	DropSubscriptionsBeforeStart bool
	ReconfigureConcurrency       int
	Features                     []string
	AuditLogLevel                AuditLogLevel

	Autoprewarm            bool
	PrewarmOffloadInterval *uint64
	RemoteExtensions       *RemoteExtSpec
}

// BuildSpec assembles the full configuration document for one compute
// process invocation. Every tunable is copied verbatim from the params; none
// are recomputed here.
func BuildSpec(params BuildParams) (*Spec, error) {
	if err := params.Mode.Validate(); err != nil {
		return nil, err
	}
	if err := params.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("storage topology is unusable: %w", err)
	}

	auditLogLevel := params.AuditLogLevel
	if auditLogLevel == "" {
		auditLogLevel = AuditLogLevelDisabled
	}

	spec := &Spec{
		FormatVersion: SpecFormatVersion,
		EndpointID:    params.EndpointID,
		TenantID:      params.TenantID,
		TimelineID:    params.TimelineID,
		Mode:          params.Mode,
		Cluster: Cluster{
			Roles:      testFixtureRoles(params.CreateTestUser),
			Databases:  testFixtureDatabases(params.CreateTestUser),
			EngineConf: params.EngineConf,
		},
		StorageTopology:              &params.Topology,
		WALSourceConnStrings:         params.WALSourceConnStrings,
		WALSourceGeneration:          params.WALSourceGeneration,
		StorageAuthToken:             params.StorageAuthToken,
		SkipCatalogUpdates:           params.SkipCatalogUpdates,
		DropSubscriptionsBeforeStart: params.DropSubscriptionsBeforeStart,
		ReconfigureConcurrency:       params.ReconfigureConcurrency,
		Features:                     params.Features,
		AuditLogLevel:                auditLogLevel,
		Autoprewarm:                  params.Autoprewarm,
		PrewarmOffloadInterval:       params.PrewarmOffloadInterval,
		RemoteExtensions:             params.RemoteExtensions,
	}

	if connstring, ok := params.Topology.LegacyConnString(); ok {
		spec.LegacyConnString = connstring
	}

	// A cluster override replaces the freshly built definition wholesale,
	// but the caller's test fixtures and the current settings text are
	// force-merged back in afterward so repeated respecification never
	// loses them.
	if params.ClusterOverride != nil {
		spec.Cluster = *params.ClusterOverride
		spec.Cluster.Roles = append(spec.Cluster.Roles, testFixtureRoles(params.CreateTestUser)...)
		spec.Cluster.Databases = append(spec.Cluster.Databases, testFixtureDatabases(params.CreateTestUser)...)
		spec.Cluster.EngineConf = params.EngineConf
	}

	return spec, nil
}

func testFixtureRoles(createTestUser bool) []Role {
	if !createTestUser {
		return []Role{}
	}
	return []Role{{Name: testRoleName}}
}

func testFixtureDatabases(createTestUser bool) []Database {
	if !createTestUser {
		return []Database{}
	}
	return []Database{{Name: testDatabaseName, Owner: testRoleName}}
}
