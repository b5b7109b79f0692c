package opencode

import (
	"context"

	"github.com/opencode-ai/sessionhost/internal/hosterr"
	"github.com/opencode-ai/sessionhost/internal/ids"
	"github.com/opencode-ai/sessionhost/internal/runner"
)

// handle is the opaque EE handle for the opencode architecture: a live
// Engine plus the engine-side session id it was given on creation.
type handle struct {
	engine          Engine
	engineSessionID string
}

// Driver implements the EE supervisor's driver contract for the opencode
// architecture. NewEngine is supplied by the caller (production wires the
// real sst/opencode-sdk-go-backed engine; tests inject a fake), since this
// package adapts the engine rather than constructing it.
type Driver struct {
	NewEngine    func(ctx context.Context, workspaceDir string) (Engine, error)
	WorkspaceDir string
}

// Create starts a new engine-side session and returns the handle.
func (d Driver) Create(ctx context.Context, _ string) (any, error) {
	engine, err := d.NewEngine(ctx, d.WorkspaceDir)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.EEUnavailable, "starting opencode engine", err)
	}
	return &handle{engine: engine, engineSessionID: ids.New()}, nil
}

// HealthCheck always succeeds for an in-process engine; the EE is
// considered healthy as long as the handle exists. A production Engine
// implementation may extend this with a real liveness probe.
func (d Driver) HealthCheck(_ context.Context, h any) error {
	if _, ok := h.(*handle); !ok {
		return hosterr.New(hosterr.EEUnavailable, "opencode engine handle missing")
	}
	return nil
}

// Terminate closes the engine.
func (d Driver) Terminate(_ context.Context, h any) error {
	hd, ok := h.(*handle)
	if !ok {
		return nil
	}
	return hd.engine.Close()
}

// SpawnRunner binds a new query-scoped Runner to the handle's engine.
func (d Driver) SpawnRunner(h any) (runner.Runner, error) {
	hd, ok := h.(*handle)
	if !ok {
		return nil, hosterr.New(hosterr.EEUnavailable, "opencode engine handle missing")
	}
	return NewRunner(hd.engine, hd.engineSessionID), nil
}
