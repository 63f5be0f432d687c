package ingest

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*StreamQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStreamQueue(rdb, "sensorwatch:test", "g1", "c1", -1), mr
}

func TestStreamQueue_ConsumeAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	d, err := q.Consume(ctx)
	require.NoError(t, err)
	assert.Nil(t, d, "empty stream yields no delivery")

	_, err = q.Publish(ctx, []byte(`{"data":[]}`))
	require.NoError(t, err)

	d, err = q.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, `{"data":[]}`, string(d.Body))

	require.NoError(t, q.Ack(ctx, d))
	pending, err := q.Redis.XPending(ctx, q.Stream, q.Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestStreamQueue_ReplaysPendingAfterRestart(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	_, err := q.Publish(ctx, []byte("first"))
	require.NoError(t, err)

	d, err := q.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	// a new process with the same consumer name sees the unacked entry first
	restarted := NewStreamQueue(q.Redis, q.Stream, q.Group, q.Consumer, -1)
	again, err := restarted.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, d.ID, again.ID)
	require.NoError(t, restarted.Ack(ctx, again))

	next, err := restarted.Consume(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestStreamQueue_Reject(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	_, err := q.Publish(ctx, []byte("bad"))
	require.NoError(t, err)

	d, err := q.Consume(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Reject(ctx, d, false, "invalid"))

	dead, err := q.Redis.XRange(ctx, q.DeadLetterStream(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "bad", dead[0].Values["data"])
	assert.Equal(t, "invalid", dead[0].Values["reason"])

	_, err = q.Publish(ctx, []byte("retry-me"))
	require.NoError(t, err)
	d, err = q.Consume(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Reject(ctx, d, true, "busy"))

	d2, err := q.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, "retry-me", string(d2.Body))
	assert.NotEqual(t, d.ID, d2.ID)
}
