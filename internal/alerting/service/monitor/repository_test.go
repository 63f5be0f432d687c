package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMonitor(id, alarm string, status model.MonitorStatus, created time.Time) *model.NotificationMonitor {
	return &model.NotificationMonitor{
		ID:             id,
		AlarmID:        alarm,
		RuleID:         "urn:ngsi-ld:AlarmRule:1",
		NotificationID: "urn:ngsi-ld:Notification:1",
		Tenant:         "t1",
		SensorID:       "urn:ngsi-ld:Sensor:1",
		Status:         status,
		CreatedAt:      created,
		LastUpdatedAt:  created,
	}
}

func repositories(t *testing.T) map[string]Repository {
	mem := NewMemoryStore()
	mem.now = func() time.Time { return base }

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rs := NewRedisStore(rdb)
	rs.now = func() time.Time { return base }

	return map[string]Repository{"memory": mem, "redis": rs}
}

func TestRepository_CreateAndGet(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Create(ctx, newMonitor("m1", "a1", model.MonitorWatching, base)))

			dup := newMonitor("m2", "a1", model.MonitorWatching, base)
			assert.ErrorIs(t, repo.Create(ctx, dup), ErrAlreadyExists)

			got, err := repo.GetByID(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, "a1", got.AlarmID)
			assert.Equal(t, model.MonitorWatching, got.Status)
			assert.Nil(t, got.LastNotificationSentAt)

			_, err = repo.GetByID(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, repo.UpdateStatus(ctx, "missing", model.MonitorError, "x"), ErrNotFound)
			assert.ErrorIs(t, repo.Update(ctx, newMonitor("missing", "a9", model.MonitorWatching, base)), ErrNotFound)
		})
	}
}

func TestRepository_ClaimIsExclusive(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Create(ctx, newMonitor("m1", "a1", model.MonitorWatching, base)))

			var wins atomic.Int32
			var wg sync.WaitGroup
			for range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					m, prev, err := repo.Claim(ctx, "m1")
					if err == nil && m != nil {
						wins.Add(1)
						assert.Equal(t, model.MonitorWatching, prev)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())

			got, err := repo.GetByID(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, model.MonitorProcessing, got.Status)

			m, _, err := repo.ClaimByAlarm(ctx, "a1")
			require.NoError(t, err)
			assert.Nil(t, m)
		})
	}
}

func TestRepository_ClaimByAlarmReportsPreviousStatus(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Create(ctx, newMonitor("m1", "a1", model.MonitorAcknowledged, base)))
			require.NoError(t, repo.Create(ctx, newMonitor("m2", "a2", model.MonitorCompleted, base)))

			m, prev, err := repo.ClaimByAlarm(ctx, "a1")
			require.NoError(t, err)
			require.NotNil(t, m)
			assert.Equal(t, "m1", m.ID)
			assert.Equal(t, model.MonitorAcknowledged, prev)
			assert.Equal(t, model.MonitorProcessing, m.Status)
			assert.True(t, m.LastUpdatedAt.Equal(base))

			m, _, err = repo.ClaimByAlarm(ctx, "a2")
			require.NoError(t, err)
			assert.Nil(t, m)
			m, _, err = repo.ClaimByAlarm(ctx, "unknown")
			require.NoError(t, err)
			assert.Nil(t, m)
		})
	}
}

func TestRepository_NextForProcessing(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			staleBefore := base.Add(-30 * time.Minute)

			older := newMonitor("watch-old", "a1", model.MonitorWatching, base.Add(-3*time.Hour))
			sent := base.Add(-4 * time.Hour)
			acked := newMonitor("acked", "a2", model.MonitorAcknowledged, base.Add(-5*time.Hour))
			acked.MarkNotified(sent)
			newer := newMonitor("watch-new", "a3", model.MonitorWatching, base.Add(-time.Hour))
			stale := newMonitor("stuck", "a4", model.MonitorProcessing, base.Add(-2*time.Hour))
			busy := newMonitor("busy", "a5", model.MonitorProcessing, base.Add(-2*time.Hour))
			busy.LastUpdatedAt = base.Add(-time.Minute)
			done := newMonitor("done", "a6", model.MonitorCompleted, base.Add(-10*time.Hour))
			for _, m := range []*model.NotificationMonitor{older, acked, newer, stale, busy, done} {
				require.NoError(t, repo.Create(ctx, m))
			}

			page, err := repo.NextForProcessing(ctx, 0, 10, staleBefore)
			require.NoError(t, err)
			assert.Equal(t, []string{"acked", "watch-old", "stuck", "watch-new"}, ids(page))

			page, err = repo.NextForProcessing(ctx, 1, 2, staleBefore)
			require.NoError(t, err)
			assert.Equal(t, []string{"watch-old", "stuck"}, ids(page))

			page, err = repo.NextForProcessing(ctx, 4, 2, staleBefore)
			require.NoError(t, err)
			assert.Empty(t, page)
		})
	}
}

func TestRepository_UpdateMovesIndexes(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := newMonitor("m1", "a1", model.MonitorWatching, base.Add(-time.Hour))
			require.NoError(t, repo.Create(ctx, m))
			require.NoError(t, repo.Create(ctx, newMonitor("m2", "a2", model.MonitorWatching, base.Add(-2*time.Hour))))

			m.Status = model.MonitorAcknowledged
			m.MarkNotified(base)
			m.SmsChannelActive = true
			require.NoError(t, repo.Update(ctx, m))

			got, err := repo.GetByID(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, model.MonitorAcknowledged, got.Status)
			assert.True(t, got.SmsChannelActive)
			require.NotNil(t, got.LastNotificationSentAt)
			assert.True(t, got.LastNotificationSentAt.Equal(base))

			page, err := repo.NextForProcessing(ctx, 0, 10, base)
			require.NoError(t, err)
			assert.Equal(t, []string{"m2", "m1"}, ids(page))

			require.NoError(t, repo.UpdateStatus(ctx, "m2", model.MonitorError, "rule missing"))
			list, err := repo.List(ctx, ListFilter{Status: model.MonitorError})
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "rule missing", list[0].Message)

			list, err = repo.List(ctx, ListFilter{Status: model.MonitorWatching})
			require.NoError(t, err)
			assert.Empty(t, list)

			list, err = repo.List(ctx, ListFilter{Tenant: "t1", Limit: 1})
			require.NoError(t, err)
			assert.Len(t, list, 1)

			list, err = repo.List(ctx, ListFilter{Tenant: "other"})
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func ids(ms []*model.NotificationMonitor) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func TestRepository_ResetStaleIsConditional(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			staleBefore := base.Add(-5 * time.Minute)
			require.NoError(t, repo.Create(ctx, newMonitor("m1", "a1", model.MonitorProcessing, base.Add(-10*time.Minute))))
			require.NoError(t, repo.Create(ctx, newMonitor("m2", "a2", model.MonitorProcessing, base)))

			ok, err := repo.ResetStale(ctx, "m1", staleBefore, "Processing status exceeded execution time")
			require.NoError(t, err)
			require.True(t, ok)
			got, err := repo.GetByID(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, model.MonitorWatching, got.Status)
			assert.Equal(t, "Processing status exceeded execution time", got.Message)

			watching, err := repo.List(ctx, ListFilter{Status: model.MonitorWatching})
			require.NoError(t, err)
			assert.Equal(t, []string{"m1"}, ids(watching))

			// a second worker acting on the same stale snapshot finds the
			// record claimed again and must leave it alone
			claimed, _, err := repo.Claim(ctx, "m1")
			require.NoError(t, err)
			require.NotNil(t, claimed)
			ok, err = repo.ResetStale(ctx, "m1", staleBefore, "again")
			require.NoError(t, err)
			assert.False(t, ok)
			got, err = repo.GetByID(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, model.MonitorProcessing, got.Status)

			ok, err = repo.ResetStale(ctx, "m2", staleBefore, "fresh")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = repo.ResetStale(ctx, "missing", staleBefore, "gone")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
