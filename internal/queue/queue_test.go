package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestInMemory_PublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	require.NoError(t, q.Publish(ctx, Message{Type: "flag", Body: json.RawMessage(`{"a":1}`)}))

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	msg := receive(t, ch)
	assert.Equal(t, "flag", msg.Type)
	assert.JSONEq(t, `{"a":1}`, string(msg.Body))

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestInMemory_PublishHonoursContext(t *testing.T) {
	q := NewInMemory(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Publish(ctx, Message{Type: "x"}), context.Canceled)
}

func TestRedisQueue_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedisQueue(client, "test:queue")
	q.timeout = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, Message{Type: "first", Body: json.RawMessage(`{"n":1}`)}))
	require.NoError(t, q.Publish(ctx, Message{Type: "second", Body: json.RawMessage(`{"n":2}`)}))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	first := receive(t, ch)
	second := receive(t, ch)
	assert.Equal(t, "first", first.Type)
	assert.False(t, first.EnqueuedAt.IsZero())
	assert.Equal(t, "second", second.Type)
	assert.JSONEq(t, `{"n":2}`, string(second.Body))
}
