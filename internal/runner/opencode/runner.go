// Package opencode drives the opencode architecture's in-process engine.
// Unlike claudesdk, opencode has no external subprocess: the vendor SDK
// (sst/opencode-sdk-go) is itself the thing this host adapts, so the
// boundary here is the Engine interface rather than an exec.Cmd — the real
// engine is wired in by the caller that constructs a Driver, keeping this
// package free of any fabricated or placeholder vendor dependency.
package opencode

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/opencode-ai/sessionhost/internal/hosterr"
	"github.com/opencode-ai/sessionhost/internal/logging"
)

var log = logging.Named("runner.opencode")

// Engine is the in-process boundary to one opencode session engine. A
// production Driver wires in the real engine; tests inject a fake.
type Engine interface {
	// Query starts a prompt turn and returns a channel of raw engine
	// messages (message.updated / message.part.updated / session.idle
	// envelopes), closed when the turn completes.
	Query(ctx context.Context, engineSessionID, prompt string) (<-chan json.RawMessage, error)

	// Cancel aborts an in-flight query for the given session, if any.
	Cancel(engineSessionID string)

	// Close releases engine resources. Called by the EE supervisor on
	// terminate.
	Close() error
}

// Runner drives one query turn against a shared Engine, scoped to one
// engine-side session id for the lifetime of its EE.
type Runner struct {
	engine          Engine
	engineSessionID string

	mu         sync.Mutex
	cancelFunc context.CancelFunc
}

// NewRunner binds a Runner to an engine and the engine-side session it
// should address. Constructed by the Driver's SpawnRunner, never directly.
func NewRunner(engine Engine, engineSessionID string) *Runner {
	return &Runner{engine: engine, engineSessionID: engineSessionID}
}

// RunQuery starts the prompt and forwards every raw engine message onto
// sink until the engine closes its channel (turn complete) or ctx is
// canceled.
func (r *Runner) RunQuery(ctx context.Context, prompt string, sessionOptions map[string]any, sink chan<- json.RawMessage) error {
	defer close(sink)

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelFunc = cancel
	r.mu.Unlock()
	defer cancel()

	events, err := r.engine.Query(runCtx, r.engineSessionID, prompt)
	if err != nil {
		log.Warn().Err(err).Str("engineSessionId", r.engineSessionID).Msg("opencode engine query failed to start")
		return hosterr.Wrap(hosterr.RunnerFailed, "starting opencode engine query", err)
	}

	for {
		select {
		case <-runCtx.Done():
			r.engine.Cancel(r.engineSessionID)
			return hosterr.Wrap(hosterr.Canceled, "query canceled", runCtx.Err())
		case line, ok := <-events:
			if !ok {
				return nil
			}
			select {
			case sink <- line:
			case <-runCtx.Done():
				r.engine.Cancel(r.engineSessionID)
				return hosterr.Wrap(hosterr.Canceled, "query canceled", runCtx.Err())
			}
		}
	}
}

// Cancel aborts the in-flight RunQuery, if any. Best-effort and idempotent.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
}
