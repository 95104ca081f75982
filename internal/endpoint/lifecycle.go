package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/tidelake/compute-plane/internal/auth"
	"github.com/tidelake/compute-plane/internal/compute"
	"github.com/tidelake/compute-plane/internal/topology"
)

const (
	pollInterval     = 100 * time.Millisecond
	exitPollInterval = 100 * time.Millisecond

	remoteExtFile = "remote_extensions.json"
)

// StopMode selects how an endpoint is brought down.
type StopMode string

const (
	// StopModeFast is a graceful engine shutdown through the engine's own
	// control binary.
	StopModeFast StopMode = "fast"
	// StopModeImmediate is a non-graceful shutdown through the same
	// mechanism.
	StopModeImmediate StopMode = "immediate"
	// StopModeImmediateTerminate shuts down through the authenticated
	// /terminate control call, which reports the final durable write
	// position. Used when callers need that position and cannot afford the
	// slower graceful path.
	StopModeImmediateTerminate StopMode = "immediate-terminate"
)

// ParseStopMode validates a user-supplied stop mode string. Stop mode typos
// must be rejected here rather than passed through to the engine control
// binary.
func ParseStopMode(s string) (StopMode, error) {
	switch mode := StopMode(s); mode {
	case StopModeFast, StopModeImmediate, StopModeImmediateTerminate:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown stop mode %q, expected %q, %q or %q",
			s, StopModeFast, StopModeImmediate, StopModeImmediateTerminate)
	}
}

// StartOptions are the per-invocation inputs to Start.
type StartOptions struct {
	// StorageToken authorizes the compute's access to storage nodes and is
	// embedded into the spec.
	StorageToken string
	Topology     topology.Topology
	// WALSourceIDs are the WAL-source nodes this compute replicates to.
	// Only meaningful in primary mode.
	WALSourceIDs        []uint64
	WALSourceGeneration *uint32

	CreateTestUser         bool
	Autoprewarm            bool
	PrewarmOffloadInterval *uint64

	StartTimeout time.Duration
}

// Start spawns the compute supervisor, confirms readiness by polling its
// status endpoint, and leaves the process running. If any step after spawn
// fails, or ctx is abandoned before readiness is confirmed, the spawned
// process is killed and reaped.
func (e *Endpoint) Start(ctx context.Context, opts StartOptions) error {
	if e.Status() == StatusRunning {
		return ErrAlreadyRunning
	}

	engineConf, err := e.readEngineConf()
	if err != nil {
		return err
	}

	// The compute is always started from scratch; a data directory left
	// over from a previous launch is stale.
	exists, err := afero.DirExists(e.env.fs, e.pgdata())
	if err != nil {
		return fmt.Errorf("failed to check data directory: %w", err)
	}
	if exists {
		if err := e.env.fs.RemoveAll(e.pgdata()); err != nil {
			return fmt.Errorf("failed to remove stale data directory: %w", err)
		}
	}

	walConnStrings, err := topology.WALSourceConnStrings(e.Mode.IsPrimary(), opts.WALSourceIDs, e.env.walNodes)
	if err != nil {
		return err
	}

	spec, err := compute.BuildSpec(compute.BuildParams{
		EndpointID:                   e.ID,
		TenantID:                     e.TenantID,
		TimelineID:                   e.TimelineID,
		Mode:                         e.Mode,
		EngineConf:                   engineConf,
		ClusterOverride:              e.Cluster,
		Topology:                     opts.Topology,
		WALSourceConnStrings:         walConnStrings,
		WALSourceGeneration:          opts.WALSourceGeneration,
		StorageAuthToken:             opts.StorageToken,
		CreateTestUser:               opts.CreateTestUser,
		SkipCatalogUpdates:           e.SkipCatalogUpdates,
		DropSubscriptionsBeforeStart: e.DropSubscriptionsBeforeStart,
		ReconfigureConcurrency:       e.ReconfigureConcurrency,
		Features:                     e.Features,
		Autoprewarm:                  opts.Autoprewarm,
		PrewarmOffloadInterval:       opts.PrewarmOffloadInterval,
		RemoteExtensions:             e.readRemoteExtensions(),
	})
	if err != nil {
		return err
	}

	config := &compute.Config{Spec: spec, Credentials: e.Credentials}
	if err := e.writeConfig(config); err != nil {
		return err
	}

	logfile, err := e.env.fs.OpenFile(path.Join(e.Dir(), logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open endpoint log: %w", err)
	}
	defer logfile.Close()

	cmd := exec.Command(e.env.supervisorBin, e.supervisorArgs()...)
	cmd.Stdin = nil
	cmd.Stdout = logfile
	cmd.Stderr = logfile
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn compute supervisor: %w", err)
	}

	guard := newCleanupGuard(cmd, e.env.logger)
	defer guard.cleanup()

	// Persist the supervisor's pid right away, before readiness is
	// confirmed, so a later stop can find the process.
	pid := strconv.Itoa(cmd.Process.Pid)
	if err := afero.WriteFile(e.env.fs, path.Join(e.Dir(), pidFile), []byte(pid), 0o644); err != nil {
		return fmt.Errorf("failed to write supervisor pid file: %w", err)
	}

	e.env.logger.Info().
		Str("endpoint_id", e.ID).
		Str("connstr", e.ConnString("cloud_admin", "postgres")).
		Int("pid", cmd.Process.Pid).
		Msg("started compute supervisor, waiting for readiness")

	if err := e.waitForRunning(ctx, opts.StartTimeout); err != nil {
		return err
	}

	guard.disarm()
	return nil
}

func (e *Endpoint) supervisorArgs() []string {
	args := []string{
		"--endpoint-id", e.ID,
		"--listen-addr", e.DataAddr(),
		"--external-control-port", strconv.Itoa(e.ExternalControlPort),
		"--internal-control-port", strconv.Itoa(e.InternalControlPort),
		"--data-dir", e.pgdata(),
		"--config", e.configPath(),
		"--engine-bin", path.Join(e.engineBinDir(), "engine"),
	}
	if e.PrivilegedRoleName != "" {
		args = append(args, "--privileged-role-name", e.PrivilegedRoleName)
	}
	return args
}

func (e *Endpoint) engineBinDir() string {
	return path.Join(e.env.engineDir, fmt.Sprintf("v%d", e.EngineVersion), "bin")
}

// waitForRunning polls the compute's status endpoint on a fixed interval
// until it reports running, fails, or the start timeout elapses. Connection
// errors are tolerated until the deadline; the process may not be listening
// yet.
func (e *Endpoint) waitForRunning(ctx context.Context, timeout time.Duration) error {
	token, err := e.GenerateToken(auth.ScopeTenantEndpoint)
	if err != nil {
		return err
	}
	client := compute.NewClient(e.ExternalControlAddr(), e.InternalControlAddr(), nil)

	startedAt := time.Now()
	for {
		state, err := client.Status(ctx, token)
		switch {
		case err != nil:
			if time.Since(startedAt) > timeout {
				return fmt.Errorf("%w: no answer on the status endpoint after %s: %v", ErrStartTimeout, timeout, err)
			}
		case state.Status == compute.StatusInit:
			if time.Since(startedAt) > timeout {
				return fmt.Errorf("%w: still initializing after %s", ErrStartTimeout, timeout)
			}
		case state.Status == compute.StatusRunning:
			e.env.logger.Info().Str("endpoint_id", e.ID).Msg("compute is running")
			return nil
		case state.Status == compute.StatusFailed:
			reason := "<no error reported>"
			if state.Error != nil {
				reason = *state.Error
			}
			return fmt.Errorf("compute startup failed: %s", reason)
		case state.Status.UnexpectedAfterStart():
			return fmt.Errorf("unexpected compute status %q during startup", state.Status)
		default:
			return fmt.Errorf("unknown compute status %q during startup", state.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// ReconfigureParams selects which parts of the persisted spec to replace.
// Nil fields are left unchanged; partial reconfiguration is supported.
type ReconfigureParams struct {
	Topology *topology.Topology
	// WALSourceIDs replaces the WAL-source list when non-nil.
	WALSourceIDs        []uint64
	WALSourceGeneration *uint32
}

// Reconfigure mutates the persisted spec and pushes it to the live process
// together with a freshly minted credential bundle. The caller is expected
// to have started the endpoint; a compute that is not ready rejects the
// push.
func (e *Endpoint) Reconfigure(ctx context.Context, params ReconfigureParams) error {
	config, err := e.readConfig()
	if err != nil {
		return err
	}
	spec := config.Spec

	engineConf, err := e.readEngineConf()
	if err != nil {
		return err
	}
	spec.Cluster.EngineConf = engineConf

	if params.Topology != nil {
		if len(params.Topology.Shards) == 0 {
			return topology.ErrEmptyTopology
		}
		spec.StorageTopology = params.Topology
	}

	if params.WALSourceIDs != nil {
		walConnStrings, err := topology.WALSourceConnStrings(e.Mode.IsPrimary(), params.WALSourceIDs, e.env.walNodes)
		if err != nil {
			return err
		}
		spec.WALSourceConnStrings = walConnStrings
		if params.WALSourceGeneration != nil {
			spec.WALSourceGeneration = params.WALSourceGeneration
		}
	}

	public, err := e.env.signer.PublicKey()
	if err != nil {
		return fmt.Errorf("failed to mint credential bundle: %w", err)
	}
	config.Credentials = compute.CredentialBundle{
		KeySet: auth.KeySetFromPublicKey(public),
		TLS:    e.Credentials.TLS,
	}

	if err := e.writeConfig(config); err != nil {
		return err
	}

	token, err := e.GenerateToken(auth.ScopeTenantEndpoint)
	if err != nil {
		return err
	}
	client := compute.NewClient(e.ExternalControlAddr(), e.InternalControlAddr(), nil)
	return client.Configure(ctx, token, config)
}

// UpdateTopologyInConfig rewrites only the storage topology inside the
// persisted configuration, without touching the live process. Useful to
// exercise the compute's own configuration-refresh path.
func (e *Endpoint) UpdateTopologyInConfig(t *topology.Topology) error {
	config, err := e.readConfig()
	if err != nil {
		return err
	}
	config.Spec.StorageTopology = t
	return e.writeConfig(config)
}

// Stop brings the endpoint down. After the primary stop action it always
// waits for the supervisor process itself to exit; the supervisor may have
// cleanup of its own to do after the engine stops, like syncing WAL sources.
// When destroy is set, the endpoint's entire on-disk state is removed after
// the process has exited.
func (e *Endpoint) Stop(ctx context.Context, mode StopMode, destroy bool) (*compute.TerminateResponse, error) {
	response := &compute.TerminateResponse{}

	if mode == StopModeImmediateTerminate {
		token, err := e.GenerateToken(auth.ScopeAdmin)
		if err != nil {
			return nil, err
		}
		client := compute.NewClient(e.ExternalControlAddr(), e.InternalControlAddr(), nil)
		response, err = client.Terminate(ctx, token, compute.TerminateModeImmediate)
		if err != nil {
			return nil, err
		}
	} else {
		if err := e.engineCtl(ctx, "-m", string(mode), "stop"); err != nil {
			return nil, err
		}
	}

	// A fast stop is expected to make the supervisor exit on its own.
	// Sending a signal would cut its cleanup short, and some callers
	// deliberately stop while the WAL-source quorum is down, where that
	// cleanup hangs by design.
	sendTerm := destroy || mode != StopModeFast
	if err := e.waitForSupervisorExit(ctx, sendTerm); err != nil {
		return nil, err
	}

	if destroy {
		e.env.logger.Info().
			Str("endpoint_id", e.ID).
			Str("dir", e.Dir()).
			Msg("destroying endpoint state")
		if err := e.env.fs.RemoveAll(e.Dir()); err != nil {
			return nil, fmt.Errorf("failed to remove endpoint state: %w", err)
		}
	}
	return response, nil
}

// RefreshConfiguration tells the live process to re-read its dynamic
// configuration through the internal control port.
func (e *Endpoint) RefreshConfiguration(ctx context.Context) error {
	client := compute.NewClient(e.ExternalControlAddr(), e.InternalControlAddr(), nil)
	return client.RefreshConfiguration(ctx)
}

// engineCtl runs the engine's own control binary against the endpoint's
// data directory, waiting for the action to complete.
func (e *Endpoint) engineCtl(ctx context.Context, args ...string) error {
	bin := path.Join(e.engineBinDir(), "enginectl")
	full := append([]string{"-D", e.pgdata(), "-w"}, args...)

	cmd := exec.CommandContext(ctx, bin, full...)
	cmd.Env = []string{"LD_LIBRARY_PATH=" + path.Join(e.env.engineDir, fmt.Sprintf("v%d", e.EngineVersion), "lib")}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w, output: %s", bin, err, output)
	}
	return nil
}

// waitForSupervisorExit blocks until the supervisor recorded in the pid file
// is gone. When sendTerm is set, a termination signal hastens the exit.
func (e *Endpoint) waitForSupervisorExit(ctx context.Context, sendTerm bool) error {
	raw, err := afero.ReadFile(e.env.fs, path.Join(e.Dir(), pidFile))
	if err != nil {
		return fmt.Errorf("failed to read supervisor pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("failed to parse supervisor pid file: %w", err)
	}

	if sendTerm {
		// The process may already be gone; that's the outcome we want.
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	for {
		err := syscall.Kill(pid, syscall.Signal(0))
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		if err != nil && !errors.Is(err, syscall.EPERM) {
			return fmt.Errorf("failed to check supervisor process %d: %w", pid, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("abandoned waiting for supervisor %d to exit: %w", pid, ctx.Err())
		case <-time.After(exitPollInterval):
		}
	}
}

func (e *Endpoint) readConfig() (*compute.Config, error) {
	raw, err := afero.ReadFile(e.env.fs, e.configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read compute config: %w", err)
	}
	var config compute.Config
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, fmt.Errorf("failed to parse compute config: %w", err)
	}
	return &config, nil
}

func (e *Endpoint) writeConfig(config *compute.Config) error {
	raw, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal compute config: %w", err)
	}
	if err := afero.WriteFile(e.env.fs, e.configPath(), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write compute config: %w", err)
	}
	return nil
}

// readRemoteExtensions picks up the optional extension catalog next to the
// endpoint record. Absent or unreadable catalogs mean no remote extensions.
func (e *Endpoint) readRemoteExtensions() *compute.RemoteExtSpec {
	raw, err := afero.ReadFile(e.env.fs, path.Join(e.Dir(), remoteExtFile))
	if err != nil {
		return nil
	}
	var ext compute.RemoteExtSpec
	if err := json.Unmarshal(raw, &ext); err != nil {
		return nil
	}
	return &ext
}
