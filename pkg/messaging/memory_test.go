package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestMemoryBroker_DeliversByChannel(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requested, err := b.Subscribe(ctx, "access.requested")
	require.NoError(t, err)
	revoked, err := b.Subscribe(ctx, "access.revoked")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "access.requested", Message{ID: "1", Type: "access.requested", Payload: json.RawMessage(`{"a":1}`)}))

	msg, err := Decode(receive(t, requested))
	require.NoError(t, err)
	assert.Equal(t, "1", msg.ID)
	assert.JSONEq(t, `{"a":1}`, string(msg.Payload))

	select {
	case <-revoked:
		t.Fatal("message leaked to another channel")
	default:
	}
}

func TestMemoryBroker_UnsubscribeOnCancel(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, "x")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription was not closed")
	}
	assert.NoError(t, b.Publish(context.Background(), "x", "ignored"))
}

func TestMemoryBroker_Close(t *testing.T) {
	b := NewMemoryBroker()
	ch, err := b.Subscribe(context.Background(), "x")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, b.Publish(context.Background(), "x", "m"), ErrClosed)
	_, err = b.Subscribe(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
}
