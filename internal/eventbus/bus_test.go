package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/sessionhost/pkg/types"
)

func testEvent(sessionID string, n int) types.SessionEvent {
	return types.SessionEvent{
		Type:    types.EventLog,
		Payload: types.LogPayload{Level: types.LogInfo, Message: "hi"},
		Context: types.EventContext{SessionID: sessionID, Source: types.SourceSupervisor, TimestampMs: int64(n)},
	}
}

func recvWithin(t *testing.T, ch <-chan types.SessionEvent, d time.Duration) types.SessionEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(d):
		t.Fatal("timed out waiting for event")
		return types.SessionEvent{}
	}
}

func TestSubscribePublish_DeliversInOrder(t *testing.T) {
	bus := New(16)
	defer bus.Close()

	sub, err := bus.Subscribe("client1", "s1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(testEvent("s1", i)))
	}

	for i := 0; i < 5; i++ {
		e := recvWithin(t, sub.Events, time.Second)
		assert.Equal(t, int64(i), e.Context.TimestampMs)
	}
}

func TestPublish_OnlyDeliversToSubscribedSession(t *testing.T) {
	bus := New(16)
	defer bus.Close()

	sub, err := bus.Subscribe("client1", "s1")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(testEvent("other-session", 1)))

	select {
	case <-sub.Events:
		t.Fatal("received event for unsubscribed session")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_RefCountedReconnect(t *testing.T) {
	bus := New(16)
	defer bus.Close()

	_, err := bus.Subscribe("client1", "s1")
	require.NoError(t, err)
	_, err = bus.Subscribe("client1", "s1")
	require.NoError(t, err)

	// Two subscribes, one unsubscribe: room must still be joined.
	bus.Unsubscribe("client1", "s1")
	require.NoError(t, bus.Publish(testEvent("s1", 1)))

	bus.mu.Lock()
	_, stillPresent := bus.rooms["s1"]
	bus.mu.Unlock()
	assert.True(t, stillPresent)

	// Second unsubscribe actually leaves the room.
	bus.Unsubscribe("client1", "s1")
	bus.mu.Lock()
	_, present := bus.rooms["s1"]
	bus.mu.Unlock()
	assert.False(t, present)
}

func TestPublish_SlowSubscriberDisconnected(t *testing.T) {
	bus := New(1)
	defer bus.Close()

	sub, err := bus.Subscribe("client1", "s1")
	require.NoError(t, err)

	// Fill the bounded queue, then push past it to force an overflow.
	for i := 0; i < 20; i++ {
		_ = bus.Publish(testEvent("s1", i))
	}

	select {
	case reason := <-sub.Disconnected:
		assert.Equal(t, Slow, reason)
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to be disconnected as Slow")
	}
}
