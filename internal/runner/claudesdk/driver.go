package claudesdk

import (
	"context"

	"github.com/opencode-ai/sessionhost/internal/hosterr"
	"github.com/opencode-ai/sessionhost/internal/runner"
)

// Driver implements the EE supervisor's driver contract for the claudesdk
// architecture: one `claude` subprocess per execution environment, started
// lazily on first use and reused for every subsequent query. Defined here
// rather than imported by the ee package, so runner/claudesdk has no
// dependency on internal/ee — the supervisor depends on this, not the
// reverse (spec.md §2 package ordering).
type Driver struct {
	WorkspaceDir string
}

// Create starts the subprocess and returns it as the opaque EE handle.
func (d Driver) Create(ctx context.Context, resumeID string) (any, error) {
	return StartProcess(ctx, CreateOptions{WorkspaceDir: d.WorkspaceDir, ResumeID: resumeID})
}

// HealthCheck reports whether the handle's subprocess is still running.
func (d Driver) HealthCheck(_ context.Context, handle any) error {
	p, ok := handle.(*process)
	if !ok || !p.alive() {
		return errProcessNotRunning
	}
	return nil
}

// Terminate kills the subprocess.
func (d Driver) Terminate(_ context.Context, handle any) error {
	p, ok := handle.(*process)
	if !ok {
		return nil
	}
	return p.terminate()
}

// SpawnRunner binds a new query-scoped Runner to the handle's process.
func (d Driver) SpawnRunner(handle any) (runner.Runner, error) {
	p, ok := handle.(*process)
	if !ok {
		return nil, errProcessNotRunning
	}
	return NewRunner(p), nil
}

var errProcessNotRunning = hosterr.New(hosterr.EEUnavailable, "claude process is not running")
