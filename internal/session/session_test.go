package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/sessionhost/internal/config"
	"github.com/opencode-ai/sessionhost/internal/ee"
	"github.com/opencode-ai/sessionhost/internal/eventbus"
	"github.com/opencode-ai/sessionhost/internal/hosterr"
	"github.com/opencode-ai/sessionhost/internal/persistence"
	"github.com/opencode-ai/sessionhost/internal/runner"
	"github.com/opencode-ai/sessionhost/internal/session"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

// fakeRunner streams a scripted sequence of raw messages, then returns, or,
// with block set, blocks until canceled.
type fakeRunner struct {
	mu        sync.Mutex
	messages  []json.RawMessage
	cancelled chan struct{}
	block     bool
}

func newFakeRunner(messages ...json.RawMessage) *fakeRunner {
	return &fakeRunner{messages: messages, cancelled: make(chan struct{})}
}

func (r *fakeRunner) RunQuery(ctx context.Context, _ string, _ map[string]any, sink chan<- json.RawMessage) error {
	for _, m := range r.messages {
		select {
		case sink <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !r.block {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.cancelled:
		return hosterr.New(hosterr.Canceled, "canceled")
	}
}

func (r *fakeRunner) Cancel() {
	select {
	case <-r.cancelled:
	default:
		close(r.cancelled)
	}
}

// fakeDriver hands out a single scripted fakeRunner per test.
type fakeDriver struct {
	mu      sync.Mutex
	runner  runner.Runner
	handles int
}

func (d *fakeDriver) Create(context.Context, string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handles++
	return "handle", nil
}

func (d *fakeDriver) HealthCheck(context.Context, any) error { return nil }

func (d *fakeDriver) Terminate(context.Context, any) error { return nil }

func (d *fakeDriver) SpawnRunner(any) (runner.Runner, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runner, nil
}

// fakeConverter turns each raw message into one block:upsert event for the
// main conversation, echoing the raw message's "text" field as block content.
type fakeConverter struct {
	mu           sync.Mutex
	sessionID    string
	activePrompt string
	resetCalls   int
}

type fakeRawPayload struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversationId"`
}

func (c *fakeConverter) ParseEvent(raw json.RawMessage) ([]types.SessionEvent, error) {
	var p fakeRawPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	conversationID := p.ConversationID
	if conversationID == "" {
		conversationID = types.MainConversationID
	}
	return []types.SessionEvent{{
		Type: types.EventBlockUpsert,
		Payload: types.BlockUpsertPayload{Block: &types.Block{
			ID:      "b1",
			Kind:    types.KindAssistant,
			Status:  types.BlockComplete,
			Content: p.Text,
		}},
		Context: types.EventContext{
			SessionID:      c.sessionID,
			ConversationID: conversationID,
			Source:         types.SourceRunner,
			TimestampMs:    time.Now().UnixMilli(),
		},
	}}, nil
}

func (c *fakeConverter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetCalls++
}

func (c *fakeConverter) SetSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

func (c *fakeConverter) SetActiveQuery(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activePrompt = prompt
}

// fakePersistence is an in-memory persistence.Adapter good enough to drive
// Session's flushWAL path; SaveTranscript can be scripted to fail.
type fakePersistence struct {
	mu           sync.Mutex
	saved        []json.RawMessage
	saveErr      error
	saveErrLeft  int
	savedFiles   []string
	deletedFiles []string
}

func (p *fakePersistence) ListAllSessions(context.Context) ([]*types.SessionRecord, error) {
	return nil, nil
}

func (p *fakePersistence) LoadSession(context.Context, string) (*persistence.LoadedSession, error) {
	return nil, nil
}

func (p *fakePersistence) CreateSessionRecord(context.Context, *types.SessionRecord) error {
	return nil
}

func (p *fakePersistence) UpdateSessionRecord(context.Context, string, persistence.SessionRecordPatch) error {
	return nil
}

func (p *fakePersistence) DeleteSession(context.Context, string) error {
	return nil
}

func (p *fakePersistence) SaveWorkspaceFile(_ context.Context, _ string, file *types.WorkspaceFile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.savedFiles = append(p.savedFiles, file.Path)
	return nil
}

func (p *fakePersistence) DeleteSessionFile(_ context.Context, _, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletedFiles = append(p.deletedFiles, path)
	return nil
}

func (p *fakePersistence) ListAgentProfiles(context.Context) ([]string, error) { return nil, nil }

func (p *fakePersistence) LoadAgentProfile(context.Context, string) (*types.AgentProfile, error) {
	return nil, nil
}

func (p *fakePersistence) SaveTranscript(_ context.Context, _, _ string, raw json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErrLeft > 0 {
		p.saveErrLeft--
		return p.saveErr
	}
	p.saved = append(p.saved, raw)
	return nil
}

var _ persistence.Adapter = (*fakePersistence)(nil)
var _ session.Converter = (*fakeConverter)(nil)
var _ session.Converter = (*spawningConverter)(nil)

func (p *fakePersistence) savedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saved)
}

func newTestSession(t *testing.T, r runner.Runner, conv session.Converter, persist *fakePersistence, cfg *config.Configuration) (*session.Session, *eventbus.Bus) {
	t.Helper()
	record := &types.SessionRecord{SessionID: "s1", Architecture: types.ArchitectureClaudeSDK, CreatedAt: time.Now()}
	bus := eventbus.New(64)
	driver := &fakeDriver{runner: r}
	sup := ee.New("s1", driver, ee.Config{MaxRestarts: 2}, func(e types.SessionEvent) { _ = bus.Publish(e) })

	if cfg == nil {
		cfg = config.Default()
		cfg.HardCancelTimeout = 50 * time.Millisecond
	}

	s := session.New(record, nil, session.Deps{
		Converter:   conv,
		Supervisor:  sup,
		Bus:         bus,
		Persistence: persist,
		Config:      cfg,
	})
	return s, bus
}

func drainEvents(t *testing.T, sub eventbus.Subscription, timeout time.Duration) []types.SessionEvent {
	t.Helper()
	var out []types.SessionEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.Events:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestEnqueueQuery_RoundTripPublishesEventsAndFlushesWAL(t *testing.T) {
	raw := json.RawMessage(`{"text":"hello"}`)
	r := newFakeRunner(raw)
	conv := &fakeConverter{}
	persist := &fakePersistence{}
	s, bus := newTestSession(t, r, conv, persist, nil)
	defer s.Close(context.Background())

	sub, err := bus.Subscribe("client1", "s1")
	require.NoError(t, err)

	require.NoError(t, s.EnqueueQuery(context.Background(), "hello"))

	events := drainEvents(t, sub, 500*time.Millisecond)

	var eventTypes []types.EventType
	for _, e := range events {
		eventTypes = append(eventTypes, e.Type)
	}
	assert.Contains(t, eventTypes, types.EventQueryStarted)
	assert.Contains(t, eventTypes, types.EventBlockUpsert)
	assert.Contains(t, eventTypes, types.EventSessionIdle)
	assert.Contains(t, eventTypes, types.EventQueryCompleted)
	assert.Equal(t, 1, conv.resetCalls)
	assert.Equal(t, 1, persist.savedCount())
}

func TestEnqueueQuery_RejectsWhenQueueFull(t *testing.T) {
	r := newFakeRunner()
	r.block = true
	conv := &fakeConverter{}
	persist := &fakePersistence{}
	cfg := config.Default()
	cfg.QueryQueueDepth = 1
	cfg.HardCancelTimeout = 50 * time.Millisecond
	s, _ := newTestSession(t, r, conv, persist, cfg)
	defer s.Close(context.Background())

	require.NoError(t, s.EnqueueQuery(context.Background(), "first"))
	time.Sleep(20 * time.Millisecond) // let the loop pick up "first" so the queue is empty but the executor busy

	require.NoError(t, s.EnqueueQuery(context.Background(), "second"))
	err := s.EnqueueQuery(context.Background(), "third")
	require.Error(t, err)
	assert.Equal(t, hosterr.Busy, hosterr.CodeOf(err))
}

func TestEnqueueQuery_CancellationEmitsQueryFailed(t *testing.T) {
	r := newFakeRunner()
	r.block = true
	conv := &fakeConverter{}
	persist := &fakePersistence{}
	cfg := config.Default()
	cfg.HardCancelTimeout = 30 * time.Millisecond
	s, bus := newTestSession(t, r, conv, persist, cfg)
	defer s.Close(context.Background())

	sub, err := bus.Subscribe("client1", "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, s.EnqueueQuery(ctx, "slow"))

	events := drainEvents(t, sub, 500*time.Millisecond)
	var failed bool
	for _, e := range events {
		if e.Type == types.EventQueryFailed && payloadField(e, "reason") == "canceled" {
			failed = true
		}
	}
	assert.True(t, failed)
}

// payloadField reads a string field out of e.Payload, which arrives as
// map[string]any once an event has round-tripped through the bus's JSON
// transport rather than as its original concrete *Payload struct.
func payloadField(e types.SessionEvent, key string) string {
	m, ok := e.Payload.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func TestFinishQuery_SynthesizesFailedSubagentForStillOpenConversation(t *testing.T) {
	spawn := json.RawMessage(`{"text":"spawning"}`)
	r := newFakeRunner(spawn)
	conv := &spawningConverter{}
	persist := &fakePersistence{}
	s, bus := newTestSession(t, r, conv, persist, nil)
	defer s.Close(context.Background())

	sub, err := bus.Subscribe("client1", "s1")
	require.NoError(t, err)
	require.NoError(t, s.EnqueueQuery(context.Background(), "go"))

	events := drainEvents(t, sub, 500*time.Millisecond)
	var sawCompleted bool
	for _, e := range events {
		if e.Type == types.EventSubagentCompleted && payloadField(e, "status") == string(types.SubagentFailed) {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)
}

// spawningConverter emits a subagent:spawned event that the reducer will
// track as SubagentRunning, and never completes it itself, to exercise the
// open-subagent synthesis boundary behavior.
type spawningConverter struct {
	sessionID string
}

func (c *spawningConverter) ParseEvent(json.RawMessage) ([]types.SessionEvent, error) {
	return []types.SessionEvent{{
		Type: types.EventSubagentSpawned,
		Payload: types.SubagentSpawnedPayload{
			ToolUseID: "tool-1",
			AgentID:   "agent-1",
			Prompt:    "do the thing",
		},
		Context: types.EventContext{
			SessionID:      c.sessionID,
			ConversationID: types.MainConversationID,
			Source:         types.SourceRunner,
			TimestampMs:    time.Now().UnixMilli(),
		},
	}}, nil
}

func (c *spawningConverter) Reset()               {}
func (c *spawningConverter) SetSession(id string) { c.sessionID = id }
func (c *spawningConverter) SetActiveQuery(string) {}

// fileEventConverter emits a file:created then a file:deleted event, to
// exercise Session's persistence write-through for file events.
type fileEventConverter struct {
	sessionID string
}

func (c *fileEventConverter) ParseEvent(json.RawMessage) ([]types.SessionEvent, error) {
	ctx := func() types.EventContext {
		return types.EventContext{
			SessionID:      c.sessionID,
			ConversationID: types.MainConversationID,
			Source:         types.SourceRunner,
			TimestampMs:    time.Now().UnixMilli(),
		}
	}
	content := "package main\n"
	return []types.SessionEvent{
		{
			Type:    types.EventFileCreated,
			Payload: types.FileCreatedPayload{File: &types.WorkspaceFile{Path: "main.go", Content: &content}},
			Context: ctx(),
		},
		{
			Type:    types.EventFileDeleted,
			Payload: types.FileDeletedPayload{Path: "main.go"},
			Context: ctx(),
		},
	}, nil
}

func (c *fileEventConverter) Reset()                {}
func (c *fileEventConverter) SetSession(id string)  { c.sessionID = id }
func (c *fileEventConverter) SetActiveQuery(string) {}

var _ session.Converter = (*fileEventConverter)(nil)

func TestIngestRaw_WritesThroughFileEventsToPersistence(t *testing.T) {
	raw := json.RawMessage(`{}`)
	r := newFakeRunner(raw)
	conv := &fileEventConverter{}
	persist := &fakePersistence{}
	s, _ := newTestSession(t, r, conv, persist, nil)
	defer s.Close(context.Background())

	require.NoError(t, s.EnqueueQuery(context.Background(), "go"))
	time.Sleep(200 * time.Millisecond)

	persist.mu.Lock()
	defer persist.mu.Unlock()
	assert.Contains(t, persist.savedFiles, "main.go")
	assert.Contains(t, persist.deletedFiles, "main.go")
}

func TestFlushWAL_DemotesSessionToReadOnlyAfterRepeatedPersistenceFailure(t *testing.T) {
	raw := json.RawMessage(`{"text":"hello"}`)
	r := newFakeRunner(raw)
	conv := &fakeConverter{}
	persist := &fakePersistence{saveErr: hosterr.New(hosterr.PersistenceError, "disk full"), saveErrLeft: 100}
	s, bus := newTestSession(t, r, conv, persist, nil)
	defer s.Close(context.Background())

	sub, err := bus.Subscribe("client1", "s1")
	require.NoError(t, err)
	require.NoError(t, s.EnqueueQuery(context.Background(), "hello"))

	events := drainEvents(t, sub, 6*time.Second)
	var sawPersistenceError bool
	for _, e := range events {
		if e.Type == types.EventError && payloadField(e, "code") == string(hosterr.PersistenceError) {
			sawPersistenceError = true
		}
	}
	assert.True(t, sawPersistenceError)

	err = s.EnqueueQuery(context.Background(), "should be rejected")
	require.Error(t, err)
	assert.Equal(t, hosterr.Busy, hosterr.CodeOf(err))
}
