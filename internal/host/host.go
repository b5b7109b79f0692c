// Package host implements the SessionHost (spec.md §4.1): the top-level
// map of sessionId -> Session plus the per-architecture wiring needed to
// bring one up, grounded on the teacher's internal/session.Service
// (active map[string]*ActiveSession guarded by a mutex, CRUD-style
// methods over a storage backend), generalized from the teacher's single
// fixed provider registry into a registry of EE driver + converter
// constructors keyed by architecture.
package host

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/sessionhost/internal/config"
	"github.com/opencode-ai/sessionhost/internal/converter"
	"github.com/opencode-ai/sessionhost/internal/ee"
	"github.com/opencode-ai/sessionhost/internal/eventbus"
	"github.com/opencode-ai/sessionhost/internal/hosterr"
	"github.com/opencode-ai/sessionhost/internal/ids"
	"github.com/opencode-ai/sessionhost/internal/logging"
	"github.com/opencode-ai/sessionhost/internal/persistence"
	"github.com/opencode-ai/sessionhost/internal/session"
	"github.com/opencode-ai/sessionhost/internal/transcript"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

var log = logging.Named("host")

// Wiring is what the host needs to bring a session of one architecture to
// life: a fresh EE driver rooted at that session's own workspace
// directory, and a constructor for a fresh per-session Converter — the
// same constructor is reused by the TranscriptParser to replay history
// with a Converter no live session ever touches.
type Wiring struct {
	NewDriver    func(workspaceDir string) ee.Driver
	NewConverter func() converter.Converter
}

// Deps wires one Host to its collaborators.
type Deps struct {
	Persistence   persistence.Adapter
	Config        *config.Configuration
	WorkspaceRoot string
	Architectures map[types.Architecture]Wiring
}

// Host owns the sessionId -> Session map for loaded sessions and a
// reference to the PersistenceAdapter (spec.md §4.1). A single mutex
// serializes the bookkeeping operations (create/load/unload/destroy); it
// is never held across a Session's own query execution, which has its own
// single-serial-executor concurrency model (spec.md §5).
type Host struct {
	mu     sync.Mutex
	loaded map[string]*session.Session

	persistence   persistence.Adapter
	bus           *eventbus.Bus
	cfg           *config.Configuration
	workspaceRoot string
	wiring        map[types.Architecture]Wiring
}

// New constructs a Host with an empty session map and its own EventBus —
// one bus is shared by every loaded session, since eventbus.Bus already
// multiplexes per-session rooms (spec.md §4.7).
func New(deps Deps) *Host {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return &Host{
		loaded:        make(map[string]*session.Session),
		persistence:   deps.Persistence,
		bus:           eventbus.New(cfg.SubscriberOutboundQueue),
		cfg:           cfg,
		workspaceRoot: deps.WorkspaceRoot,
		wiring:        deps.Architectures,
	}
}

// Bus exposes the shared event bus for subscribers (spec.md §4.7).
func (h *Host) Bus() *eventbus.Bus { return h.bus }

func (h *Host) wiringFor(arch types.Architecture) (Wiring, error) {
	w, ok := h.wiring[arch]
	if !ok {
		return Wiring{}, hosterr.New(hosterr.ProtocolError, fmt.Sprintf("no wiring registered for architecture %q", arch))
	}
	return w, nil
}

func (h *Host) workspaceDir(sessionID string) string {
	return filepath.Join(h.workspaceRoot, sessionID)
}

// CreateSession allocates a new session id, persists its record, and
// brings up an empty Session (spec.md §4.1 createSession). A persistence
// write failure is fatal to the call — no phantom session is left loaded.
func (h *Host) CreateSession(ctx context.Context, agentProfileRef string, arch types.Architecture, options map[string]any) (*session.Session, error) {
	wiring, err := h.wiringFor(arch)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.loaded) >= h.cfg.MaxConcurrentSessions {
		return nil, hosterr.New(hosterr.CapacityExceeded, "max concurrent sessions reached")
	}

	now := time.Now()
	record := &types.SessionRecord{
		SessionID:       ids.NewSession(),
		AgentProfileRef: agentProfileRef,
		Architecture:    arch,
		CreatedAt:       now,
		LastActivityAt:  now,
		SessionOptions:  options,
	}
	if err := h.persistence.CreateSessionRecord(ctx, record); err != nil {
		return nil, hosterr.Wrap(hosterr.PersistenceError, "creating session record", err)
	}

	sess := h.attachLocked(record, types.NewConversationState(), wiring)

	h.publish(types.EventSessionInitialized, record.SessionID, types.SessionInitializedPayload{Record: record})
	h.publishStatus(sess)
	return sess, nil
}

// LoadSession brings a previously-created session's Session back into
// memory, replaying its persisted transcripts through a fresh Converter
// to rebuild ConversationState (spec.md §4.1 loadSession). Returns the
// already-loaded Session unchanged if it is already in memory.
func (h *Host) LoadSession(ctx context.Context, sessionID string) (*session.Session, error) {
	h.mu.Lock()
	if sess, ok := h.loaded[sessionID]; ok {
		h.mu.Unlock()
		return sess, nil
	}
	if len(h.loaded) >= h.cfg.MaxConcurrentSessions {
		h.mu.Unlock()
		return nil, hosterr.New(hosterr.CapacityExceeded, "max concurrent sessions reached")
	}
	h.mu.Unlock()

	loadedRecord, err := h.persistence.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.PersistenceError, "loading session "+sessionID, err)
	}
	if loadedRecord == nil {
		return nil, hosterr.New(hosterr.NotFound, "session "+sessionID)
	}

	wiring, err := h.wiringFor(loadedRecord.Record.Architecture)
	if err != nil {
		return nil, err
	}

	parser := transcript.New(wiring.NewConverter)
	_, state, err := session.LoadConversationState(ctx, h.persistence, sessionID, parser)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok := h.loaded[sessionID]; ok {
		return sess, nil
	}
	if len(h.loaded) >= h.cfg.MaxConcurrentSessions {
		return nil, hosterr.New(hosterr.CapacityExceeded, "max concurrent sessions reached")
	}

	sess := h.attachLocked(loadedRecord.Record, state, wiring)
	h.publishStatus(sess)
	return sess, nil
}

// attachLocked constructs a Session around record+state and registers it
// in the loaded map. Callers must hold h.mu.
func (h *Host) attachLocked(record *types.SessionRecord, state *types.ConversationState, wiring Wiring) *session.Session {
	driver := wiring.NewDriver(h.workspaceDir(record.SessionID))
	supervisor := ee.New(record.SessionID, driver, ee.Config{
		HealthCheckInterval: h.cfg.HealthCheckInterval,
		MaxRestarts:         h.cfg.MaxRestarts,
	}, h.publishEvent)

	sess := session.New(record, state, session.Deps{
		Converter:   wiring.NewConverter(),
		Supervisor:  supervisor,
		Bus:         h.bus,
		Persistence: h.persistence,
		Config:      h.cfg,
	})

	h.loaded[record.SessionID] = sess
	return sess
}

// UnloadSession flushes pending writes, terminates the EE, and removes the
// session from memory; its record and transcripts remain persisted
// (spec.md §4.1 unloadSession). Unloading a session that is not loaded is
// a no-op, matching the documented idempotence of every operation besides
// createSession.
func (h *Host) UnloadSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	sess, ok := h.loaded[sessionID]
	if ok {
		delete(h.loaded, sessionID)
	}
	h.mu.Unlock()

	if !ok {
		return nil
	}
	sess.Close(ctx)
	return nil
}

// DestroySession unloads the session (if loaded) and deletes every
// persisted artifact (spec.md §4.1 destroySession).
func (h *Host) DestroySession(ctx context.Context, sessionID string) error {
	if err := h.UnloadSession(ctx, sessionID); err != nil {
		return err
	}
	if err := h.persistence.DeleteSession(ctx, sessionID); err != nil {
		return hosterr.Wrap(hosterr.PersistenceError, "deleting session "+sessionID, err)
	}
	return nil
}

// GetSession returns the Session for sessionID if it is currently loaded.
func (h *Host) GetSession(sessionID string) (*session.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.loaded[sessionID]
	return sess, ok
}

// GetLoadedSessionIds lists every session currently held in memory.
func (h *Host) GetLoadedSessionIds() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.loaded))
	for id := range h.loaded {
		out = append(out, id)
	}
	return out
}

// ListAll delegates to the persistence adapter for the lightweight list of
// every session record, loaded or not (spec.md §4.1 listAll).
func (h *Host) ListAll(ctx context.Context) ([]*types.SessionRecord, error) {
	records, err := h.persistence.ListAllSessions(ctx)
	if err != nil {
		return nil, hosterr.Wrap(hosterr.PersistenceError, "listing sessions", err)
	}
	return records, nil
}

// SendMessage loads sessionID if it is not already in memory, then
// forwards content as a query (spec.md §4.1 sendMessage).
func (h *Host) SendMessage(ctx context.Context, sessionID, content string) error {
	sess, ok := h.GetSession(sessionID)
	if !ok {
		var err error
		sess, err = h.LoadSession(ctx, sessionID)
		if err != nil {
			return err
		}
	}
	return sess.EnqueueQuery(ctx, content)
}

// Shutdown gracefully drains every loaded session concurrently, granting
// each shutdownGrace to finish its current query's event flush before its
// EE is force-terminated (spec.md §4.1 shutdown, §5 cancellation &
// timeouts). Grounded on the teacher's internal/tool/batch.go pattern of
// fanning work out with golang.org/x/sync/errgroup, generalized here from
// parallel tool calls to parallel per-session drains; Session.Close never
// returns an error, so the group only bounds wall-clock time, never
// reports partial failure.
func (h *Host) Shutdown(ctx context.Context) {
	h.mu.Lock()
	sessions := make([]*session.Session, 0, len(h.loaded))
	for id, sess := range h.loaded {
		sessions = append(sessions, sess)
		delete(h.loaded, id)
	}
	h.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			h.drainSession(ctx, sess)
			return nil
		})
	}
	_ = g.Wait()

	if err := h.bus.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close event bus during shutdown")
	}
}

// drainSession gives sess up to shutdownGrace to finish its current query's
// event flush on its own; if that deadline passes, its EE is force-
// terminated, which must cause the in-flight Runner to return promptly so
// Close can complete.
func (h *Host) drainSession(ctx context.Context, sess *session.Session) {
	done := make(chan struct{})
	go func() {
		sess.Close(context.Background())
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(h.cfg.ShutdownGrace):
	}

	log.Warn().Str("sessionId", sess.ID()).Msg("shutdown grace period elapsed, force-terminating execution environment")
	if err := sess.TerminateExecutionEnvironment(ctx); err != nil {
		log.Warn().Err(err).Str("sessionId", sess.ID()).Msg("failed to force-terminate execution environment during shutdown")
	}
	<-done
}

// publishStatus emits a status event carrying sess's current runtime
// snapshot (spec.md §4.1 createSession/loadSession both end with it).
func (h *Host) publishStatus(sess *session.Session) {
	_, runtime, _, _ := sess.GetState()
	h.publish(types.EventStatus, sess.ID(), types.StatusPayload{Runtime: runtime})
}

// publish builds and fans out a host-originated SessionEvent. Neither
// session:initialized nor status is folded by the reducer — like EE
// lifecycle and log events, they are "handled elsewhere" (spec.md §4.6) —
// so publishing directly on the bus, bypassing Session's own
// fold-then-publish path, is correct here.
func (h *Host) publish(evType types.EventType, sessionID string, payload any) {
	h.publishEvent(types.SessionEvent{
		Type:    evType,
		Payload: payload,
		Context: types.EventContext{
			SessionID:      sessionID,
			ConversationID: types.MainConversationID,
			Source:         types.SourceSupervisor,
			TimestampMs:    time.Now().UnixMilli(),
		},
	})
}

// publishEvent is the ee.EmitFunc this host hands every Supervisor it
// constructs, and the sink publish funnels through too.
func (h *Host) publishEvent(ev types.SessionEvent) {
	if err := h.bus.Publish(ev); err != nil {
		log.Warn().Err(err).Str("sessionId", ev.Context.SessionID).Msg("failed to publish event")
	}
}
