package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(New(SessionCreated, "s1", SessionData{SessionID: "s1", OwnerID: "u1", Status: "active"})))

	e := receive(t, ch)
	assert.Equal(t, SessionCreated, e.Type)
	assert.Equal(t, "s1", e.SessionID)
	data, ok := e.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "u1", data["ownerId"])
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(New(SessionArchived, "s1", nil)))

	assert.Equal(t, SessionArchived, receive(t, a).Type)
	assert.Equal(t, SessionArchived, receive(t, b).Type)
}

func TestBus_ContextCancelClosesSubscription(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestBus_Closed(t *testing.T) {
	bus := NewBus()
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.NoError(t, bus.Publish(New(Final, "s1", nil)))
	_, err := bus.Subscribe(context.Background())
	assert.Error(t, err)
}

func TestEvent_JSONShape(t *testing.T) {
	e := New(Error, "s1", ErrorData{Kind: "timeout", Message: "slow", Retryable: true})
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "error", decoded["type"])
	assert.Equal(t, "s1", decoded["sessionId"])
	assert.Contains(t, decoded, "timestamp")
	assert.Equal(t, true, decoded["data"].(map[string]any)["retryable"])
}

func TestEventType_IsTerminal(t *testing.T) {
	assert.True(t, Final.IsTerminal())
	assert.True(t, Error.IsTerminal())
	assert.False(t, Connection.IsTerminal())
	assert.False(t, Section.IsTerminal())
	assert.False(t, SessionCreated.IsTerminal())
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard.Publish(New(Final, "s", nil)))
}
