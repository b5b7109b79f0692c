package claudesdk

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/opencode-ai/sessionhost/internal/hosterr"
)

// stdinUserMessage is the stream-json line written for each query, grounded
// on wingedpig-trellis's stdinUserMessage/writeStdin.
type stdinUserMessage struct {
	Type    string         `json:"type"`
	Message stdinMessageBody `json:"message"`
}

type stdinMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Runner drives one query turn against a shared *process. Multiple Runner
// instances may be spawned against the same process over the EE's lifetime
// (one per query), matching the teacher's one-process-many-Sends pattern.
type Runner struct {
	proc *process

	mu         sync.Mutex
	cancelFunc context.CancelFunc
}

// NewRunner binds a Runner to an already-started process. Constructed by
// the Driver's SpawnRunner, never directly.
func NewRunner(p *process) *Runner {
	return &Runner{proc: p}
}

// RunQuery writes prompt to the process's stdin as a stream-json user
// message, then forwards every NDJSON line the process emits onto sink
// until the process reports a "result" (turn complete) or ctx is canceled.
// Runner does not interpret the lines beyond that envelope type field — the
// Converter does the rest.
func (r *Runner) RunQuery(ctx context.Context, prompt string, sessionOptions map[string]any, sink chan<- json.RawMessage) error {
	defer close(sink)

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelFunc = cancel
	r.mu.Unlock()
	defer cancel()

	if err := r.proc.writeStdin(stdinUserMessage{
		Type:    "user",
		Message: stdinMessageBody{Role: "user", Content: prompt},
	}); err != nil {
		return hosterr.Wrap(hosterr.RunnerFailed, "writing query to claude stdin", err)
	}

	for {
		select {
		case <-runCtx.Done():
			return hosterr.Wrap(hosterr.Canceled, "query canceled", runCtx.Err())
		case line, ok := <-r.proc.lines:
			if !ok {
				return hosterr.New(hosterr.RunnerFailed, "claude process exited before result")
			}
			select {
			case sink <- line:
			case <-runCtx.Done():
				return hosterr.Wrap(hosterr.Canceled, "query canceled", runCtx.Err())
			}
			if isResultEnvelope(line) {
				return nil
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

func isResultEnvelope(line json.RawMessage) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return false
	}
	return probe.Type == "result"
}
