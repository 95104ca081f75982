package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelake/compute-plane/internal/compute"
	"github.com/tidelake/compute-plane/internal/topology"
	"github.com/tidelake/compute-plane/internal/utils"
)

func testTopology() topology.Topology {
	return topology.Topology{
		Shards: map[int]topology.Shard{
			0: {Replicas: []topology.Replica{{NodeID: 1, LegacyURL: "host-a:6400"}}},
		},
	}
}

// controlServer is a stand-in for the compute's control protocol, pinned to
// a real loopback port the endpoint under test is created with.
func controlServer(t *testing.T, handler http.Handler) int {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server.Listener.Addr().(*net.TCPAddr).Port
}

func newLifecycleRegistry(t *testing.T, fs afero.Fs, supervisorBin string) *Registry {
	t.Helper()
	registry, err := Load(RegistryParams{
		Fs:            fs,
		Logger:        zerolog.Nop(),
		DataDir:       "/data",
		BasePort:      55431,
		SupervisorBin: supervisorBin,
		EngineDir:     "/usr/local/compute",
		Signer:        newTestSigner(t),
		WALNodes: []topology.WALNode{
			{ID: 1, Host: "wal-a", Port: 5454},
			{ID: 2, Host: "wal-b", Port: 5454},
		},
	})
	require.NoError(t, err)
	return registry
}

func TestStartBecomesRunning(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newLifecycleRegistry(t, fs, "/bin/sleep")

	controlPort := controlServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(compute.StatusResponse{Status: compute.StatusRunning})
	}))

	ep, err := registry.Create(CreateParams{
		ID:                  "fresh",
		TenantID:            uuid.New(),
		TimelineID:          uuid.New(),
		Mode:                compute.ModePrimary,
		DataPort:            unusedPort(t),
		ExternalControlPort: controlPort,
		EngineVersion:       16,
	})
	require.NoError(t, err)

	// A data directory left over from a previous launch must be wiped.
	staleMarker := path.Join(ep.pgdata(), "stale")
	require.NoError(t, afero.WriteFile(fs, staleMarker, []byte("old"), 0o644))

	err = ep.Start(context.Background(), StartOptions{
		StorageToken: "storage-token",
		Topology:     testTopology(),
		WALSourceIDs: []uint64{2},
		StartTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	stale, err := afero.Exists(fs, staleMarker)
	require.NoError(t, err)
	assert.False(t, stale)

	rawPid, err := afero.ReadFile(fs, path.Join(ep.Dir(), pidFile))
	require.NoError(t, err)
	assert.NotEmpty(t, rawPid)

	config, err := ep.readConfig()
	require.NoError(t, err)
	assert.Equal(t, "fresh", config.Spec.EndpointID)
	assert.Equal(t, "storage-token", config.Spec.StorageAuthToken)
	assert.Equal(t, []string{"wal-b:5454"}, config.Spec.WALSourceConnStrings)
	assert.Contains(t, config.Spec.Cluster.EngineConf, "synchronous_standby_names=walproposer\n")
	assert.NotEmpty(t, config.Credentials.KeySet.Keys)
}

func TestStartTimesOutWithoutControlAnswer(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newLifecycleRegistry(t, fs, "/bin/sleep")

	ep, err := registry.Create(CreateParams{
		ID:                  "deaf",
		Mode:                compute.ModeReplica,
		DataPort:            unusedPort(t),
		ExternalControlPort: unusedPort(t),
	})
	require.NoError(t, err)

	err = ep.Start(context.Background(), StartOptions{
		Topology:     testTopology(),
		StartTimeout: 300 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrStartTimeout)
}

// stubSupervisor writes a script that ignores its flags and lingers, standing
// in for a supervisor that comes up but never reaches readiness.
func stubSupervisor(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "computed")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755))
	return bin
}

func TestStartStuckInitTimesOutAndKillsSupervisor(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newLifecycleRegistry(t, fs, stubSupervisor(t))

	controlPort := controlServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(compute.StatusResponse{Status: compute.StatusInit})
	}))

	ep, err := registry.Create(CreateParams{
		ID:                  "stuck",
		Mode:                compute.ModeReplica,
		DataPort:            unusedPort(t),
		ExternalControlPort: controlPort,
	})
	require.NoError(t, err)

	err = ep.Start(context.Background(), StartOptions{
		Topology:     testTopology(),
		StartTimeout: 300 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrStartTimeout)

	// The unconfirmed supervisor must have been killed and reaped, not
	// left running.
	rawPid, err := afero.ReadFile(fs, path.Join(ep.Dir(), pidFile))
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(rawPid))
	require.NoError(t, err)
	assert.ErrorIs(t, syscall.Kill(pid, syscall.Signal(0)), syscall.ESRCH)
}

func TestStartSurfacesComputeFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newLifecycleRegistry(t, fs, "/bin/sleep")

	controlPort := controlServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(compute.StatusResponse{
			Status: compute.StatusFailed,
			Error:  utils.PointerTo("cannot reach storage"),
		})
	}))

	ep, err := registry.Create(CreateParams{
		ID:                  "doomed",
		Mode:                compute.ModeReplica,
		DataPort:            unusedPort(t),
		ExternalControlPort: controlPort,
	})
	require.NoError(t, err)

	err = ep.Start(context.Background(), StartOptions{
		Topology:     testTopology(),
		StartTimeout: 5 * time.Second,
	})
	assert.ErrorContains(t, err, "cannot reach storage")
}

func TestStartRejectsUnexpectedStatus(t *testing.T) {
	for _, tc := range []struct {
		name      string
		status    compute.Status
		expectErr string
	}{
		// Statuses a fresh start must never observe: they belong to a
		// process that has already been operated on.
		{name: "terminated", status: compute.StatusTerminated, expectErr: "unexpected compute status"},
		{name: "mid-configuration", status: compute.StatusConfiguration, expectErr: "unexpected compute status"},
		{name: "unknown status", status: compute.Status("hibernating"), expectErr: "unknown compute status"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			registry := newLifecycleRegistry(t, fs, "/bin/sleep")

			controlPort := controlServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(compute.StatusResponse{Status: tc.status})
			}))

			ep, err := registry.Create(CreateParams{
				ID:                  "zombie",
				Mode:                compute.ModeReplica,
				DataPort:            unusedPort(t),
				ExternalControlPort: controlPort,
			})
			require.NoError(t, err)

			err = ep.Start(context.Background(), StartOptions{
				Topology:     testTopology(),
				StartTimeout: 5 * time.Second,
			})
			assert.ErrorContains(t, err, tc.expectErr)
		})
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newLifecycleRegistry(t, fs, "/bin/sleep")

	ep, err := registry.Create(CreateParams{
		ID:       "busy",
		Mode:     compute.ModeReplica,
		DataPort: listenOnLoopback(t),
	})
	require.NoError(t, err)
	marker := path.Join(ep.pgdata(), engineMarkerFile)
	require.NoError(t, afero.WriteFile(fs, marker, []byte("12345"), 0o644))

	err = ep.Start(context.Background(), StartOptions{
		Topology: testTopology(),
	})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStartUnknownWALSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newLifecycleRegistry(t, fs, "/bin/sleep")

	ep, err := registry.Create(CreateParams{
		ID:       "lost",
		Mode:     compute.ModePrimary,
		DataPort: unusedPort(t),
	})
	require.NoError(t, err)

	err = ep.Start(context.Background(), StartOptions{
		Topology:     testTopology(),
		WALSourceIDs: []uint64{99},
	})
	assert.ErrorIs(t, err, topology.ErrUnknownNode)
}

func TestStartMissingSupervisorBinary(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newLifecycleRegistry(t, fs, "/nonexistent/computed")

	ep, err := registry.Create(CreateParams{
		ID:       "unspawnable",
		Mode:     compute.ModeReplica,
		DataPort: unusedPort(t),
	})
	require.NoError(t, err)

	err = ep.Start(context.Background(), StartOptions{
		Topology: testTopology(),
	})
	assert.ErrorContains(t, err, "failed to spawn compute supervisor")
}

func TestReconfigureReplacesTopology(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newLifecycleRegistry(t, fs, "/bin/sleep")

	var pushed compute.Config
	controlPort := controlServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/configure", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&pushed))
		w.WriteHeader(http.StatusOK)
	}))

	ep, err := registry.Create(CreateParams{
		ID:                  "reconf",
		TenantID:            uuid.New(),
		TimelineID:          uuid.New(),
		Mode:                compute.ModePrimary,
		DataPort:            unusedPort(t),
		ExternalControlPort: controlPort,
	})
	require.NoError(t, err)
	require.NoError(t, seedConfig(t, ep))

	newTopology := topology.Topology{
		Shards: map[int]topology.Shard{
			0: {Replicas: []topology.Replica{{NodeID: 7, LegacyURL: "host-new:6400"}}},
		},
	}
	err = ep.Reconfigure(context.Background(), ReconfigureParams{
		Topology:            &newTopology,
		WALSourceIDs:        []uint64{1},
		WALSourceGeneration: utils.PointerTo(uint32(5)),
	})
	require.NoError(t, err)

	require.NotNil(t, pushed.Spec.StorageTopology)
	assert.Equal(t, uint64(7), pushed.Spec.StorageTopology.Shards[0].Replicas[0].NodeID)
	assert.Equal(t, []string{"wal-a:5454"}, pushed.Spec.WALSourceConnStrings)
	assert.Equal(t, uint32(5), *pushed.Spec.WALSourceGeneration)
	assert.NotEmpty(t, pushed.Credentials.KeySet.Keys)

	// The push and the persisted state must agree.
	persisted, err := ep.readConfig()
	require.NoError(t, err)
	assert.Equal(t, pushed.Spec.StorageTopology, persisted.Spec.StorageTopology)
}

func TestReconfigureEmptyTopologyLeavesConfigUntouched(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newLifecycleRegistry(t, fs, "/bin/sleep")

	ep, err := registry.Create(CreateParams{
		ID:       "guarded",
		Mode:     compute.ModePrimary,
		DataPort: unusedPort(t),
	})
	require.NoError(t, err)
	require.NoError(t, seedConfig(t, ep))

	before, err := afero.ReadFile(fs, ep.configPath())
	require.NoError(t, err)

	err = ep.Reconfigure(context.Background(), ReconfigureParams{
		Topology: &topology.Topology{},
	})
	assert.ErrorIs(t, err, topology.ErrEmptyTopology)

	after, err := afero.ReadFile(fs, ep.configPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReconfigureRefreshesEngineConf(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newLifecycleRegistry(t, fs, "/bin/sleep")

	var pushed compute.Config
	controlPort := controlServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&pushed))
		w.WriteHeader(http.StatusOK)
	}))

	ep, err := registry.Create(CreateParams{
		ID:                  "edited",
		Mode:                compute.ModeReplica,
		DataPort:            unusedPort(t),
		ExternalControlPort: controlPort,
	})
	require.NoError(t, err)
	require.NoError(t, seedConfig(t, ep))

	// The settings document was edited since the last start.
	edited := "max_connections=500\n"
	require.NoError(t, afero.WriteFile(fs, path.Join(ep.Dir(), engineConfFile), []byte(edited), 0o644))

	require.NoError(t, ep.Reconfigure(context.Background(), ReconfigureParams{}))
	assert.Equal(t, edited, pushed.Spec.Cluster.EngineConf)
}

func TestUpdateTopologyInConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newLifecycleRegistry(t, fs, "/bin/sleep")

	ep, err := registry.Create(CreateParams{
		ID:       "offline",
		Mode:     compute.ModeReplica,
		DataPort: unusedPort(t),
	})
	require.NoError(t, err)
	require.NoError(t, seedConfig(t, ep))

	newTopology := topology.Topology{
		Shards: map[int]topology.Shard{
			0: {Replicas: []topology.Replica{{NodeID: 42, LegacyURL: "host-new:6400"}}},
		},
	}
	require.NoError(t, ep.UpdateTopologyInConfig(&newTopology))

	config, err := ep.readConfig()
	require.NoError(t, err)
	require.NotNil(t, config.Spec.StorageTopology)
	assert.Equal(t, uint64(42), config.Spec.StorageTopology.Shards[0].Replicas[0].NodeID)
}

func TestStopImmediateTerminateAndDestroy(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newLifecycleRegistry(t, fs, "/bin/sleep")

	controlPort := controlServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/terminate", r.URL.Path)
		require.Equal(t, "immediate", r.URL.Query().Get("mode"))
		_, _ = w.Write([]byte(`{"lsn":"0/16B9188"}`))
	}))

	ep, err := registry.Create(CreateParams{
		ID:                  "departing",
		Mode:                compute.ModePrimary,
		DataPort:            unusedPort(t),
		ExternalControlPort: controlPort,
	})
	require.NoError(t, err)

	// Stand in for the supervisor with a process we control, and reap it
	// in the background so its pid actually disappears once signalled.
	supervisor := exec.Command("/bin/sleep", "60")
	require.NoError(t, supervisor.Start())
	go func() { _ = supervisor.Wait() }()
	pid := []byte(fmt.Sprintf("%d", supervisor.Process.Pid))
	require.NoError(t, afero.WriteFile(fs, path.Join(ep.Dir(), pidFile), pid, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	response, err := ep.Stop(ctx, StopModeImmediateTerminate, true)
	require.NoError(t, err)
	require.NotNil(t, response.LSN)
	assert.Equal(t, "0/16B9188", *response.LSN)

	exists, err := afero.DirExists(fs, ep.Dir())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStopWithoutPidFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newLifecycleRegistry(t, fs, "/bin/sleep")

	controlPort := controlServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	ep, err := registry.Create(CreateParams{
		ID:                  "untracked",
		Mode:                compute.ModeReplica,
		DataPort:            unusedPort(t),
		ExternalControlPort: controlPort,
	})
	require.NoError(t, err)

	_, err = ep.Stop(context.Background(), StopModeImmediateTerminate, false)
	assert.ErrorContains(t, err, "failed to read supervisor pid file")
}

func TestParseStopMode(t *testing.T) {
	for _, valid := range []string{"fast", "immediate", "immediate-terminate"} {
		mode, err := ParseStopMode(valid)
		require.NoError(t, err)
		assert.Equal(t, StopMode(valid), mode)
	}

	for _, invalid := range []string{"", "fats", "Fast", "immediate_terminate"} {
		_, err := ParseStopMode(invalid)
		assert.ErrorContains(t, err, "unknown stop mode")
	}
}

// seedConfig persists an initial configuration the way a previous start
// would have.
func seedConfig(t *testing.T, ep *Endpoint) error {
	t.Helper()
	engineConf, err := ep.readEngineConf()
	if err != nil {
		return err
	}
	spec, err := compute.BuildSpec(compute.BuildParams{
		EndpointID: ep.ID,
		TenantID:   ep.TenantID,
		TimelineID: ep.TimelineID,
		Mode:       ep.Mode,
		EngineConf: engineConf,
		Topology:   testTopology(),
	})
	if err != nil {
		return err
	}
	return ep.writeConfig(&compute.Config{Spec: spec, Credentials: ep.Credentials})
}
