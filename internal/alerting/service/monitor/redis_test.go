package monitor

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithStatusKeys(t *testing.T) {
	keys := withStatusKeys("nm:doc:m1")
	require.Len(t, keys, len(statuses)+1)
	for i, st := range statuses {
		assert.Equal(t, keyStatus+string(st), keys[i])
	}
	assert.Equal(t, "nm:doc:m1", keys[len(statuses)])
}

func TestRedisStore_UnknownStatusLeavesIndexes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rs := NewRedisStore(rdb)
	ctx := context.Background()

	require.NoError(t, rs.Create(ctx, newMonitor("m1", "a1", model.MonitorWatching, base)))

	err := rs.UpdateStatus(ctx, "m1", model.MonitorStatus("Paused"), "nope")
	require.Error(t, err)

	m, err := rs.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MonitorWatching, m.Status)
	watching, err := rdb.SMembers(ctx, keyStatus+string(model.MonitorWatching)).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, watching)
	assert.False(t, mr.Exists(keyStatus+"Paused"))
}
