package endpoint

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"
)

// cleanupGuard kills and reaps a freshly spawned supervisor unless it is
// explicitly disarmed at the single point where startup is confirmed. Armed
// via defer immediately after spawn, it covers every early return and the
// abandonment of the calling operation: no code path may leave an
// unconfirmed process running.
type cleanupGuard struct {
	cmd      *exec.Cmd
	logger   zerolog.Logger
	disarmed bool
}

func newCleanupGuard(cmd *exec.Cmd, logger zerolog.Logger) *cleanupGuard {
	return &cleanupGuard{cmd: cmd, logger: logger}
}

// disarm lets the supervisor outlive the start call.
func (g *cleanupGuard) disarm() {
	g.disarmed = true
}

// cleanup kills and reaps the supervisor. A failure here means a process is
// being leaked, which is too dangerous to ignore: it is fatal to the whole
// process hosting the controller.
func (g *cleanupGuard) cleanup() {
	if g.disarmed {
		return
	}

	pid := g.cmd.Process.Pid
	g.logger.Warn().Int("pid", pid).Msg("killing unconfirmed compute supervisor")

	if err := g.cmd.Process.Kill(); err != nil {
		panic(fmt.Sprintf("failed to kill unconfirmed supervisor (pid %d): %v", pid, err))
	}
	if err := g.cmd.Wait(); err != nil {
		// An exit error is the expected way for a killed process to be
		// reaped; anything else means the wait itself failed.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			panic(fmt.Sprintf("failed to reap killed supervisor (pid %d): %v", pid, err))
		}
	}
}
