package host_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/sessionhost/internal/config"
	"github.com/opencode-ai/sessionhost/internal/converter"
	"github.com/opencode-ai/sessionhost/internal/ee"
	"github.com/opencode-ai/sessionhost/internal/hosterr"
	"github.com/opencode-ai/sessionhost/internal/host"
	"github.com/opencode-ai/sessionhost/internal/persistence"
	"github.com/opencode-ai/sessionhost/internal/runner"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

// fakeRunner streams one canned event and returns cleanly.
type fakeRunner struct {
	message json.RawMessage
}

func (r *fakeRunner) RunQuery(ctx context.Context, _ string, _ map[string]any, sink chan<- json.RawMessage) error {
	if r.message != nil {
		select {
		case sink <- r.message:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *fakeRunner) Cancel() {}

// blockingRunner never returns until canceled, used to exercise Shutdown's
// grace period.
type blockingRunner struct {
	canceled chan struct{}
}

func newBlockingRunner() *blockingRunner { return &blockingRunner{canceled: make(chan struct{})} }

func (r *blockingRunner) RunQuery(ctx context.Context, _ string, _ map[string]any, sink chan<- json.RawMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.canceled:
		return hosterr.New(hosterr.Canceled, "canceled")
	}
}

func (r *blockingRunner) Cancel() {
	select {
	case <-r.canceled:
	default:
		close(r.canceled)
	}
}

// fakeDriver constructs one runner per EE (on Create) and hands it back as
// both the opaque handle and the spawned Runner; Terminate calls Cancel on
// it, the same way a real driver killing a subprocess would unblock a
// RunQuery in flight.
type fakeDriver struct {
	newRunner func() runner.Runner
}

func (d fakeDriver) Create(context.Context, string) (any, error) { return d.newRunner(), nil }
func (d fakeDriver) HealthCheck(context.Context, any) error      { return nil }

func (d fakeDriver) Terminate(_ context.Context, handle any) error {
	if r, ok := handle.(runner.Runner); ok {
		r.Cancel()
	}
	return nil
}

func (d fakeDriver) SpawnRunner(handle any) (runner.Runner, error) {
	r, ok := handle.(runner.Runner)
	if !ok {
		return nil, hosterr.New(hosterr.EEUnavailable, "bad handle")
	}
	return r, nil
}

var (
	_ ee.Driver           = fakeDriver{}
	_ converter.Converter = (*fakeConverter)(nil)
)

// fakeConverter turns a raw `{"text":...}` message into one block:upsert
// event, satisfying both converter.Converter and session's narrower
// Converter interface.
type fakeConverter struct {
	sessionID string
}

func (c *fakeConverter) SetSession(id string)    { c.sessionID = id }
func (c *fakeConverter) SetActiveQuery(string)   {}
func (c *fakeConverter) Reset()                  {}
func (c *fakeConverter) ParseEvent(raw json.RawMessage) ([]types.SessionEvent, error) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return []types.SessionEvent{{
		Type:    types.EventBlockUpsert,
		Payload: types.BlockUpsertPayload{Block: &types.Block{ID: "b1", Kind: types.KindAssistant, Status: types.BlockComplete, Content: body.Text}},
		Context: types.EventContext{SessionID: c.sessionID, ConversationID: types.MainConversationID, Source: types.SourceRunner},
	}}, nil
}

const testArch types.Architecture = "fake"

func newTestHost(t *testing.T, newRunner func() runner.Runner) (*host.Host, *persistence.FilesystemAdapter) {
	t.Helper()
	adapter := persistence.NewFilesystemAdapter(t.TempDir(), nil)
	cfg := config.Default()
	cfg.MaxConcurrentSessions = 2
	cfg.ShutdownGrace = 300 * time.Millisecond
	cfg.HardCancelTimeout = 200 * time.Millisecond

	h := host.New(host.Deps{
		Persistence:   adapter,
		Config:        cfg,
		WorkspaceRoot: t.TempDir(),
		Architectures: map[types.Architecture]host.Wiring{
			testArch: {
				NewDriver:    func(string) ee.Driver { return fakeDriver{newRunner: newRunner} },
				NewConverter: func() converter.Converter { return &fakeConverter{} },
			},
		},
	})
	return h, adapter
}

func TestCreateSessionThenSendMessage_PersistsTranscriptAndPublishesEvents(t *testing.T) {
	h, adapter := newTestHost(t, func() runner.Runner { return &fakeRunner{message: json.RawMessage(`{"text":"hi"}`)} })
	ctx := context.Background()

	sess, err := h.CreateSession(ctx, "default", testArch, nil)
	require.NoError(t, err)

	sub, err := h.Bus().Subscribe("client1", sess.ID())
	require.NoError(t, err)

	require.NoError(t, h.SendMessage(ctx, sess.ID(), "hi"))

	deadline := time.After(2 * time.Second)
	sawUpsert := false
	for !sawUpsert {
		select {
		case ev := <-sub.Events:
			if ev.Type == types.EventBlockUpsert {
				sawUpsert = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for block:upsert")
		}
	}

	require.Eventually(t, func() bool {
		loaded, err := adapter.LoadSession(ctx, sess.ID())
		return err == nil && loaded != nil && len(loaded.TranscriptsByConversation) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoadSession_UnknownIDFailsNotFound(t *testing.T) {
	h, _ := newTestHost(t, func() runner.Runner { return &fakeRunner{} })
	_, err := h.LoadSession(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, hosterr.NotFound, hosterr.CodeOf(err))
}

func TestLoadSession_IsIdempotentForAlreadyLoadedSession(t *testing.T) {
	h, _ := newTestHost(t, func() runner.Runner { return &fakeRunner{} })
	ctx := context.Background()

	sess, err := h.CreateSession(ctx, "default", testArch, nil)
	require.NoError(t, err)

	again, err := h.LoadSession(ctx, sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, again)
}

func TestCreateSession_FailsWithCapacityExceededAtLimit(t *testing.T) {
	h, _ := newTestHost(t, func() runner.Runner { return &fakeRunner{} })
	ctx := context.Background()

	_, err := h.CreateSession(ctx, "default", testArch, nil)
	require.NoError(t, err)
	_, err = h.CreateSession(ctx, "default", testArch, nil)
	require.NoError(t, err)

	_, err = h.CreateSession(ctx, "default", testArch, nil)
	require.Error(t, err)
	assert.Equal(t, hosterr.CapacityExceeded, hosterr.CodeOf(err))
}

func TestDestroySession_RemovesPersistedRecord(t *testing.T) {
	h, adapter := newTestHost(t, func() runner.Runner { return &fakeRunner{} })
	ctx := context.Background()

	sess, err := h.CreateSession(ctx, "default", testArch, nil)
	require.NoError(t, err)

	require.NoError(t, h.DestroySession(ctx, sess.ID()))

	loaded, err := adapter.LoadSession(ctx, sess.ID())
	require.NoError(t, err)
	assert.Nil(t, loaded)

	_, ok := h.GetSession(sess.ID())
	assert.False(t, ok)
}

func TestShutdown_DrainsLoadedSessionsWithinGrace(t *testing.T) {
	h, _ := newTestHost(t, func() runner.Runner { return newBlockingRunner() })
	ctx := context.Background()

	sess, err := h.CreateSession(ctx, "default", testArch, nil)
	require.NoError(t, err)
	require.NoError(t, h.SendMessage(ctx, sess.ID(), "hi"))

	time.Sleep(20 * time.Millisecond) // let the query reach the blocking runner

	done := make(chan struct{})
	go func() {
		h.Shutdown(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete within expected grace+cancel window")
	}

	assert.Empty(t, h.GetLoadedSessionIds())
}
