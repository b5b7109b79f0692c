// Package session implements the Session state machine (spec.md §4.2): the
// per-session single-serial-executor that turns a queued prompt into a
// Runner invocation, folds the resulting events through the reducer,
// fans them out on the event bus, and write-ahead-buffers them to
// persistence. Grounded on the teacher's session/service.go +
// session/loop.go split between public API and the streaming goroutine,
// generalized from its message/part model to this host's block/subagent
// model and its single global loop to one loop per Session.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessionhost/internal/config"
	"github.com/opencode-ai/sessionhost/internal/ee"
	"github.com/opencode-ai/sessionhost/internal/eventbus"
	"github.com/opencode-ai/sessionhost/internal/hosterr"
	"github.com/opencode-ai/sessionhost/internal/logging"
	"github.com/opencode-ai/sessionhost/internal/persistence"
	"github.com/opencode-ai/sessionhost/internal/reducer"
	"github.com/opencode-ai/sessionhost/internal/runner"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

var log = logging.Named("session")

// Converter is the subset of converter.Converter a Session drives. Spelled
// out locally (rather than importing internal/converter) so this package
// only depends on the raw-message-in/SessionEvent-out shape it actually
// calls, the same narrowing the teacher applies between its session and
// provider packages.
type Converter interface {
	ParseEvent(raw json.RawMessage) ([]types.SessionEvent, error)
	Reset()
	SetSession(sessionID string)
	SetActiveQuery(prompt string)
}

// Deps wires one Session to its collaborators. All fields are required
// except Config, which defaults via config.Default().
type Deps struct {
	Converter   Converter
	Supervisor  *ee.Supervisor
	Bus         *eventbus.Bus
	Persistence persistence.Adapter
	Config      *config.Configuration
}

type queuedQuery struct {
	ctx    context.Context
	prompt string
}

type walEntry struct {
	conversationID string
	raw            json.RawMessage
}

// Session is the per-session state machine. Exactly one goroutine (loop)
// ever mutates state or drives the converter/runner, so neither needs its
// own lock; stateMu exists solely to let GetState/other readers take a
// consistent snapshot concurrently with that goroutine (spec.md §5).
type Session struct {
	id   string
	deps Deps
	cfg  *config.Configuration
	log  *logging.ComponentLogger

	recordMu sync.Mutex
	record   *types.SessionRecord

	stateMu sync.RWMutex
	state   *types.ConversationState

	activeMu  sync.Mutex
	active    *types.ActiveQuery
	activeCxl context.CancelFunc

	readOnlyFlag sync.Mutex
	readOnly     bool

	walMu sync.Mutex
	wal   []walEntry

	debugRing *ring[types.DebugEvent]
	logRing   *ring[types.SessionLogEntry]

	queue    chan *queuedQuery
	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// New constructs a Session around record and state; a nil state starts an
// empty conversation (spec.md §4.1 createSession). The caller has already
// persisted record.
func New(record *types.SessionRecord, state *types.ConversationState, deps Deps) *Session {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if state == nil {
		state = types.NewConversationState()
	}

	depth := cfg.QueryQueueDepth
	if depth <= 0 {
		depth = 1
	}

	s := &Session{
		id:        record.SessionID,
		deps:      deps,
		cfg:       cfg,
		record:    record,
		state:     state,
		debugRing: newRing[types.DebugEvent](cfg.DebugEventBuffer),
		logRing:   newRing[types.SessionLogEntry](cfg.SessionLogBuffer),
		queue:     make(chan *queuedQuery, depth),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.log = log.Session(s.id).WithHook(logRingHook{ring: s.logRing})
	deps.Converter.SetSession(s.id)

	go s.loop()
	return s
}

type logRingHook struct{ ring *ring[types.SessionLogEntry] }

func (h logRingHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.DebugLevel || level > zerolog.ErrorLevel {
		return
	}
	h.ring.Add(types.SessionLogEntry{Timestamp: time.Now(), Level: zerologToLogLevel(level), Message: msg})
}

func zerologToLogLevel(level zerolog.Level) types.LogLevel {
	switch level {
	case zerolog.DebugLevel:
		return types.LogDebug
	case zerolog.WarnLevel:
		return types.LogWarn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return types.LogError
	default:
		return types.LogInfo
	}
}

// EnqueueQuery accepts prompt onto the bounded FIFO and returns once it is
// accepted; the query itself runs asynchronously (spec.md §4.2). ctx's
// deadline governs cancellation of the query once it is running, not the
// enqueue call itself.
func (s *Session) EnqueueQuery(ctx context.Context, prompt string) error {
	if s.isReadOnly() {
		return hosterr.New(hosterr.Busy, "session is read-only after repeated persistence failures")
	}

	q := &queuedQuery{ctx: ctx, prompt: prompt}

	select {
	case s.queue <- q:
		return nil
	default:
	}

	if s.cfg.CancelInFlightOnEnqueue {
		s.activeMu.Lock()
		cancel := s.activeCxl
		s.activeMu.Unlock()
		if cancel != nil {
			cancel()
			select {
			case s.queue <- q:
				return nil
			default:
			}
		}
	}

	return hosterr.New(hosterr.Busy, "query queue is full")
}

// TerminateExecutionEnvironment tears down the EE but keeps the session
// loaded (spec.md §4.2).
func (s *Session) TerminateExecutionEnvironment(ctx context.Context) error {
	return s.deps.Supervisor.Terminate(ctx)
}

// SyncNow forces a transcript write of everything buffered so far.
func (s *Session) SyncNow(ctx context.Context) {
	s.flushWAL(ctx)
}

// GetState returns a point-in-time snapshot of the conversation, runtime
// status, and debug/log rings (spec.md §4.2, §4.7).
func (s *Session) GetState() (*types.ConversationState, *types.SessionRuntimeState, []types.DebugEvent, []types.SessionLogEntry) {
	s.stateMu.RLock()
	state := s.state.Clone()
	s.stateMu.RUnlock()

	s.activeMu.Lock()
	active := s.active
	s.activeMu.Unlock()

	eeState := s.deps.Supervisor.State()
	runtime := &types.SessionRuntimeState{
		IsLoaded:             true,
		ExecutionEnvironment: &eeState,
		ActiveQuery:          active,
	}

	return state, runtime, s.debugRing.Snapshot(), s.logRing.Snapshot()
}

// Close stops the session's executor and terminates its EE. Persisted
// state is left in place — unloading, not destroying (spec.md §4.1
// unloadSession).
func (s *Session) Close(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopped) })
	<-s.done
	s.flushWAL(ctx)
	_ = s.deps.Supervisor.Terminate(ctx)
}

func (s *Session) isReadOnly() bool {
	s.readOnlyFlag.Lock()
	defer s.readOnlyFlag.Unlock()
	return s.readOnly
}

func (s *Session) setReadOnly() {
	s.readOnlyFlag.Lock()
	s.readOnly = true
	s.readOnlyFlag.Unlock()
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stopped:
			return
		case q := <-s.queue:
			s.executeQuery(q)
		}
	}
}

func (s *Session) resumeID() string {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	if s.record.SessionOptions == nil {
		return ""
	}
	if v, ok := s.record.SessionOptions["resumeId"].(string); ok {
		return v
	}
	return ""
}

func (s *Session) sessionOptionsSnapshot() map[string]any {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	out := make(map[string]any, len(s.record.SessionOptions))
	for k, v := range s.record.SessionOptions {
		out[k] = v
	}
	return out
}

func (s *Session) touchActivity() {
	s.recordMu.Lock()
	s.record.Touch(time.Now())
	s.recordMu.Unlock()
}

func (s *Session) executeQuery(q *queuedQuery) {
	ctx := q.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.touchActivity()

	s.activeMu.Lock()
	s.active = &types.ActiveQuery{StartedAt: time.Now(), Prompt: q.prompt}
	runCtx, cancel := context.WithCancel(ctx)
	s.activeCxl = cancel
	s.activeMu.Unlock()
	defer func() {
		s.activeMu.Lock()
		s.active = nil
		s.activeCxl = nil
		s.activeMu.Unlock()
		cancel()
	}()

	s.emit(types.EventQueryStarted, types.QueryLifecyclePayload{Prompt: q.prompt}, "")

	r, err := s.deps.Supervisor.EnsureReady(runCtx, s.resumeID())
	if err != nil {
		s.finishQuery(q, err, false)
		return
	}

	s.deps.Converter.SetActiveQuery(q.prompt)
	finalErr, canceled := s.runOnEE(runCtx, r, q.prompt)
	s.finishQuery(q, finalErr, canceled)
}

// runOnEE drives one Runner invocation to completion, folding every raw
// message it produces through the converter and reducer as it arrives.
// runCtx closes when the caller's deadline expires or the in-flight query
// is explicitly canceled (via activeCxl); it is both the context handed to
// the Runner and the one watched here for cancellation.
func (s *Session) runOnEE(runCtx context.Context, r runner.Runner, prompt string) (err error, canceled bool) {
	sink := make(chan json.RawMessage, 32)
	runDone := make(chan error, 1)
	go func() { runDone <- r.RunQuery(runCtx, prompt, s.sessionOptionsSnapshot(), sink) }()

	var hardTimer *time.Timer
	var hardTimerC <-chan time.Time
	cancelRequested := false
	cancelSignal := runCtx.Done()

	defer func() {
		if hardTimer != nil {
			hardTimer.Stop()
		}
	}()

	for {
		select {
		case raw, ok := <-sink:
			if !ok {
				sink = nil
				continue
			}
			s.ingestRaw(raw)

		case runErr := <-runDone:
			for {
				select {
				case raw, ok := <-sink:
					if !ok {
						return runErr, cancelRequested
					}
					s.ingestRaw(raw)
					continue
				default:
				}
				return runErr, cancelRequested
			}

		case <-cancelSignal:
			cancelRequested = true
			cancelSignal = nil
			r.Cancel()
			hardTimer = time.NewTimer(s.cfg.HardCancelTimeout)
			hardTimerC = hardTimer.C

		case <-hardTimerC:
			s.log.Warn().Str("sessionId", s.id).Msg("runner did not stop after cancel, force-terminating execution environment")
			_ = s.deps.Supervisor.Terminate(context.Background())
			return hosterr.New(hosterr.Canceled, "hard cancel timeout exceeded"), true
		}
	}
}

func (s *Session) ingestRaw(raw json.RawMessage) {
	events, err := s.deps.Converter.ParseEvent(raw)
	if err != nil {
		s.log.Error().Err(err).Msg("converter failed to parse raw message")
		s.emit(types.EventLog, types.LogPayload{Level: types.LogError, Message: "converter error: " + err.Error()}, "")
		return
	}

	conversationID := types.MainConversationID
	if len(events) > 0 && events[0].Context.ConversationID != "" {
		conversationID = events[0].Context.ConversationID
	}
	s.appendWAL(conversationID, raw)

	for _, ev := range events {
		s.foldAndPublish(ev)
		s.persistFileEvent(ev)
	}
}

// persistFileEvent writes through to persistence for the file:*  events a
// Converter may produce (spec.md §6.1) — these never touch ConversationState
// (reducer.Fold treats them as "handled elsewhere"), so the write-through
// happens here rather than in foldAndPublish.
func (s *Session) persistFileEvent(ev types.SessionEvent) {
	ctx := context.Background()
	switch ev.Type {
	case types.EventFileCreated, types.EventFileModified:
		var file *types.WorkspaceFile
		switch p := ev.Payload.(type) {
		case types.FileCreatedPayload:
			file = p.File
		case types.FileModifiedPayload:
			file = p.File
		}
		if file == nil {
			return
		}
		if err := s.deps.Persistence.SaveWorkspaceFile(ctx, s.id, file); err != nil {
			s.log.Warn().Err(err).Str("path", file.Path).Msg("failed to persist workspace file")
		}

	case types.EventFileDeleted:
		payload, ok := ev.Payload.(types.FileDeletedPayload)
		if !ok {
			return
		}
		if err := s.deps.Persistence.DeleteSessionFile(ctx, s.id, payload.Path); err != nil {
			s.log.Warn().Err(err).Str("path", payload.Path).Msg("failed to delete workspace file")
		}
	}
}

func (s *Session) foldAndPublish(ev types.SessionEvent) {
	s.stateMu.Lock()
	s.state = reducer.Fold(s.state, ev)
	s.stateMu.Unlock()

	if err := s.deps.Bus.Publish(ev); err != nil {
		s.log.Warn().Err(err).Msg("failed to publish event")
	}

	s.debugRing.Add(types.DebugEvent{Timestamp: time.Now(), Type: ev.Type, Summary: summarize(ev)})
}

func summarize(ev types.SessionEvent) string {
	return fmt.Sprintf("%s/%s", ev.Type, ev.Context.ConversationID)
}

// finishQuery synthesizes a terminal subagent:completed for any subagent
// still running at query end (spec.md §8 boundary behaviors), emits
// session:idle to finalize pending blocks, resets the converter's
// per-query scratch, flushes the write-ahead buffer, and emits exactly one
// of query:completed/query:failed.
func (s *Session) finishQuery(q *queuedQuery, runErr error, canceled bool) {
	s.synthesizeOpenSubagents()
	s.emit(types.EventSessionIdle, types.SessionIdlePayload{SessionID: s.id}, "")
	s.deps.Converter.Reset()
	s.flushWAL(context.Background())

	if runErr != nil {
		reason := "failed"
		if canceled {
			reason = "canceled"
		}
		s.emit(types.EventQueryFailed, types.QueryLifecyclePayload{Prompt: q.prompt, Reason: reason}, "")
		s.emit(types.EventError, types.ErrorPayload{Message: runErr.Error(), Code: string(hosterr.CodeOf(runErr))}, "")
		return
	}

	s.emit(types.EventQueryCompleted, types.QueryLifecyclePayload{Prompt: q.prompt}, "")
}

func (s *Session) synthesizeOpenSubagents() {
	s.stateMu.RLock()
	var open []*types.SubagentConversation
	for _, sa := range s.state.Subagents {
		if sa.Status == types.SubagentRunning {
			open = append(open, sa)
		}
	}
	s.stateMu.RUnlock()

	for _, sa := range open {
		s.emit(types.EventSubagentCompleted, types.SubagentCompletedPayload{
			ToolUseID: sa.ToolUseID,
			AgentID:   sa.AgentID,
			Status:    types.SubagentFailed,
		}, "")
	}
}

// emit builds a SessionEvent from source=supervisor and folds+publishes it
// exactly like a runner-sourced event, so supervisor-originated lifecycle
// events (query:started, ee:*, session:idle, ...) participate in the same
// reducer/bus/WAL pipeline as converter output.
func (s *Session) emit(evType types.EventType, payload any, conversationID string) {
	if conversationID == "" {
		conversationID = types.MainConversationID
	}
	ev := types.SessionEvent{
		Type:    evType,
		Payload: payload,
		Context: types.EventContext{
			SessionID:      s.id,
			ConversationID: conversationID,
			Source:         types.SourceSupervisor,
			TimestampMs:    time.Now().UnixMilli(),
		},
	}
	s.foldAndPublish(ev)
}

func (s *Session) appendWAL(conversationID string, raw json.RawMessage) {
	s.walMu.Lock()
	s.wal = append(s.wal, walEntry{conversationID: conversationID, raw: append(json.RawMessage(nil), raw...)})
	s.walMu.Unlock()
}

// flushWAL persists every buffered entry, retrying transient persistence
// failures up to 3 times with exponential backoff before demoting the
// session to read-only (spec.md §7 PersistenceError, §9 Open Question on
// retry policy — resolved here rather than in internal/persistence, since
// only the session knows what "permanent failure" should do to itself).
func (s *Session) flushWAL(ctx context.Context) {
	s.walMu.Lock()
	entries := s.wal
	s.wal = nil
	s.walMu.Unlock()

	if len(entries) == 0 || s.isReadOnly() {
		return
	}

	changed := map[string]struct{}{}
	for _, e := range entries {
		op := func() error {
			return s.deps.Persistence.SaveTranscript(ctx, s.id, e.conversationID, e.raw)
		}
		b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		if err := backoff.Retry(op, b); err != nil {
			s.log.Error().Err(err).Str("conversationId", e.conversationID).Msg("persistence write failed after retries, demoting session to read-only")
			s.setReadOnly()
			s.emit(types.EventError, types.ErrorPayload{
				Message: "session demoted to read-only after repeated persistence failures",
				Code:    string(hosterr.PersistenceError),
			}, "")
			return
		}
		changed[e.conversationID] = struct{}{}
	}

	for conversationID := range changed {
		s.emit(types.EventTranscriptChanged, types.TranscriptChangedPayload{ConversationID: conversationID}, conversationID)
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Record returns a copy of the session's persisted record.
func (s *Session) Record() types.SessionRecord {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	return *s.record
}
