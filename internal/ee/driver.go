// Package ee implements the ExecutionEnvironment supervisor (spec.md §4.3):
// the state machine and restart/health-check policy that hide a concrete
// vendor runtime (a `claude` subprocess, an in-process opencode engine, or
// any future substrate) behind the EEDriver capability. Grounded on the
// teacher's provider/agent registries in spirit — a small capability
// interface the supervisor drives without knowing the concrete substrate —
// though the teacher has no direct analogue to a restart-governed process
// supervisor, since it runs one long-lived provider client rather than a
// per-session isolated runtime.
package ee

import (
	"context"

	"github.com/opencode-ai/sessionhost/internal/runner"
)

// Driver is the EEDriver contract (spec.md §6.3), implemented by
// runner/claudesdk.Driver and runner/opencode.Driver. Handle values are
// opaque to the supervisor — driver-specific.
type Driver interface {
	// Create provisions a new handle. resumeID is architecture-specific
	// (a prior claude session id to resume; ignored by drivers that have
	// no notion of resumption).
	Create(ctx context.Context, resumeID string) (any, error)

	// HealthCheck reports whether handle is still usable.
	HealthCheck(ctx context.Context, handle any) error

	// Terminate releases handle's resources. Idempotent.
	Terminate(ctx context.Context, handle any) error

	// SpawnRunner returns a fresh query-scoped Runner bound to handle.
	SpawnRunner(handle any) (runner.Runner, error)
}
