package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/qiniu/sensorwatch/internal/alerting/client/orionld"
	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/qiniu/sensorwatch/internal/alerting/service/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTenant = "acme"
	sensorID   = "urn:ngsi-ld:Sensor:1"
	ruleID     = "urn:ngsi-ld:AlarmRule:1"
)

type memQueue struct {
	items    []*Delivery
	acked    []string
	rejected []string
	err      error
}

func (q *memQueue) Consume(context.Context) (*Delivery, error) {
	if q.err != nil {
		return nil, q.err
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d, nil
}

func (q *memQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.acked = append(q.acked, d.ID)
	return nil
}

func (q *memQueue) Reject(_ context.Context, d *Delivery, _ bool, _ string) error {
	q.rejected = append(q.rejected, d.ID)
	return nil
}

type recordingHandler struct{ events []model.AlarmEvaluated }

func (h *recordingHandler) HandleEvaluation(_ context.Context, ev model.AlarmEvaluated) error {
	h.events = append(h.events, ev)
	return nil
}

func seedStore(t *testing.T, ruleStatus string) *orionld.MemoryStore {
	t.Helper()
	store := orionld.NewMemoryStore()
	require.NoError(t, store.Put(testTenant, &model.AlarmRule{
		ID:      ruleID,
		Type:    model.EntityTypeAlarmRule,
		Low:     model.NewProperty(10.0),
		PreLow:  model.NewProperty(20.0),
		PreHigh: model.NewProperty(70.0),
		High:    model.NewProperty(80.0),
		Unit:    model.NewProperty("CEL"),
		Status:  model.NewProperty(ruleStatus),
	}))
	require.NoError(t, store.Put(testTenant, sensorDoc(95, "")))
	return store
}

func sensorDoc(value float64, alarmID string) map[string]any {
	meta := map[string]any{
		"type":      "Property",
		"alarmRule": map[string]any{"type": "Relationship", "object": ruleID},
	}
	if alarmID != "" {
		meta["alarm"] = map[string]any{"type": "Relationship", "object": alarmID}
	}
	return map[string]any{
		"id":                   sensorID,
		"type":                 "Sensor",
		"temperature":          map[string]any{"type": "Property", "value": value, "observedAt": "2025-03-01T12:00:00Z"},
		"metadata_temperature": meta,
		"location":             map[string]any{"type": "GeoProperty", "value": map[string]any{"type": "Point", "coordinates": []float64{24.9, 60.1}}},
	}
}

// notification as the broker sends it: the current sensor state
func notification(t *testing.T, store *orionld.MemoryStore, value float64) []byte {
	t.Helper()
	var current model.Entity
	require.NoError(t, store.GetEntity(context.Background(), testTenant, sensorID, &current))
	current.Attrs["temperature"] = json.RawMessage(fmt.Sprintf(`{"type":"Property","value":%v,"observedAt":"2025-03-01T12:00:00Z"}`, value))
	require.NoError(t, store.Put(testTenant, current))
	b, err := json.Marshal(map[string]any{"tenant": testTenant, "data": []any{current}})
	require.NoError(t, err)
	return b
}

func runUntilDrained(t *testing.T, c *Consumer) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.sleepFn = func(time.Duration) { cancel() }
	return c.Run(ctx)
}

func currentPointer(t *testing.T, store *orionld.MemoryStore) string {
	t.Helper()
	var e model.Entity
	require.NoError(t, store.GetEntity(context.Background(), testTenant, sensorID, &e))
	var mp model.MetaProperty
	require.NoError(t, json.Unmarshal(e.Attrs["metadata_temperature"], &mp))
	return mp.Alarm.Target()
}

func TestConsumer_OpenThenClose(t *testing.T) {
	store := seedStore(t, "active")
	h := &recordingHandler{}
	p := NewProcessor(store, lifecycle.NewManager(store), h)

	q := &memQueue{items: []*Delivery{{ID: "1", Body: notification(t, store, 95)}}}
	c := NewConsumer(q, p)
	require.NoError(t, runUntilDrained(t, c))
	assert.Equal(t, []string{"1"}, q.acked)
	assert.True(t, c.Healthy())

	alarmID := currentPointer(t, store)
	require.NotEmpty(t, alarmID)
	var alarm model.Alarm
	require.NoError(t, store.GetEntity(context.Background(), testTenant, alarmID, &alarm))
	assert.True(t, alarm.IsOpen())
	assert.Equal(t, "High threshold exceeded", model.ValueOf(alarm.Condition))
	assert.Equal(t, 80.0, *alarm.Threshold.Value)
	assert.Equal(t, "24.9,60.1", alarm.Location.Value.String())
	require.Len(t, h.events, 1)
	assert.Equal(t, alarmID, h.events[0].AlarmID)
	assert.Equal(t, "metadata_temperature", h.events[0].MetadataKey)

	q.items = []*Delivery{{ID: "2", Body: notification(t, store, 50)}}
	require.NoError(t, runUntilDrained(t, c))

	assert.Equal(t, alarmID, currentPointer(t, store), "no new alarm minted on close")
	require.NoError(t, store.GetEntity(context.Background(), testTenant, alarmID, &alarm))
	assert.True(t, alarm.IsClosed())
	assert.Nil(t, alarm.Threshold.Value)
	assert.Len(t, alarm.Monitors.Value, 1)
	assert.Len(t, alarm.MeasuredValue.Value, 2)
	assert.Len(t, h.events, 2)
}

func TestConsumer_CloseWithoutOpenWritesNothing(t *testing.T) {
	store := seedStore(t, "active")
	body := notification(t, store, 50)
	before := store.Writes()

	q := &memQueue{items: []*Delivery{{ID: "1", Body: body}}}
	c := NewConsumer(q, NewProcessor(store, lifecycle.NewManager(store), nil))
	require.NoError(t, runUntilDrained(t, c))

	assert.Equal(t, []string{"1"}, q.acked)
	assert.Equal(t, before, store.Writes())
	assert.Empty(t, currentPointer(t, store))
}

func TestConsumer_SkipsInactiveRule(t *testing.T) {
	store := seedStore(t, "disabled")
	q := &memQueue{items: []*Delivery{{ID: "1", Body: notification(t, store, 95)}}}
	before := store.Writes()
	c := NewConsumer(q, NewProcessor(store, lifecycle.NewManager(store), nil))
	require.NoError(t, runUntilDrained(t, c))
	assert.Equal(t, []string{"1"}, q.acked)
	assert.Equal(t, before, store.Writes())
}

func TestConsumer_RejectsInvalid(t *testing.T) {
	store := seedStore(t, "active")
	q := &memQueue{items: []*Delivery{
		{ID: "1", Body: []byte("not-json")},
		{ID: "2", Body: []byte(`{"data":[{"id":"urn:ngsi-ld:Alarm:1","type":"Alarm"}]}`)},
	}}
	c := NewConsumer(q, NewProcessor(store, lifecycle.NewManager(store), nil))
	require.NoError(t, runUntilDrained(t, c))
	assert.Equal(t, []string{"1", "2"}, q.rejected)
	assert.Empty(t, q.acked)
	assert.True(t, c.Healthy())
}

type brokenStore struct{ *orionld.MemoryStore }

func (brokenStore) CreateEntity(context.Context, string, any) error {
	return errors.New("broker unavailable")
}

func TestConsumer_InfraErrorLeavesMessageUnacked(t *testing.T) {
	store := seedStore(t, "active")
	broken := brokenStore{store}
	q := &memQueue{items: []*Delivery{{ID: "1", Body: notification(t, store, 95)}}}
	c := NewConsumer(q, NewProcessor(broken, lifecycle.NewManager(broken), nil))

	err := runUntilDrained(t, c)
	require.Error(t, err)
	assert.Empty(t, q.acked)
	assert.Empty(t, q.rejected)
	assert.False(t, c.Healthy())
}

func TestConsumer_ConsumeErrorIsFatal(t *testing.T) {
	q := &memQueue{err: errors.New("connection reset")}
	c := NewConsumer(q, NewProcessor(orionld.NewMemoryStore(), nil, nil))
	require.Error(t, runUntilDrained(t, c))
	assert.False(t, c.Healthy())
}

func TestProcessor_StrictThresholds(t *testing.T) {
	store := orionld.NewMemoryStore()
	require.NoError(t, store.Put(testTenant, &model.AlarmRule{
		ID:     ruleID,
		Type:   model.EntityTypeAlarmRule,
		PreLow: model.NewProperty(90.0),
		High:   model.NewProperty(80.0),
		Status: model.NewProperty("active"),
	}))
	require.NoError(t, store.Put(testTenant, sensorDoc(95, "")))
	msg, err := DecodeMessage(notification(t, store, 85))
	require.NoError(t, err)

	p := NewProcessor(store, lifecycle.NewManager(store), nil)
	p.StrictThresholds = true
	before := store.Writes()
	require.NoError(t, p.Process(context.Background(), msg))
	assert.Equal(t, before, store.Writes())

	p.StrictThresholds = false
	require.NoError(t, p.Process(context.Background(), msg))
	assert.NotEmpty(t, currentPointer(t, store))
}

func TestConsumer_NonFiniteValueIsSkipped(t *testing.T) {
	store := seedStore(t, "active")
	var current model.Entity
	require.NoError(t, store.GetEntity(context.Background(), testTenant, sensorID, &current))

	for i, v := range []string{"Infinity", "-Inf", "NaN"} {
		current.Attrs["temperature"] = json.RawMessage(fmt.Sprintf(`{"type":"Property","value":%q}`, v))
		body, err := json.Marshal(map[string]any{"tenant": testTenant, "data": []any{current}})
		require.NoError(t, err)

		id := fmt.Sprint(i + 1)
		before := store.Writes()
		q := &memQueue{items: []*Delivery{{ID: id, Body: body}}}
		c := NewConsumer(q, NewProcessor(store, lifecycle.NewManager(store), nil))
		require.NoError(t, runUntilDrained(t, c), v)
		assert.Equal(t, []string{id}, q.acked, v)
		assert.True(t, c.Healthy(), v)
		assert.Equal(t, before, store.Writes(), v)
	}
}

// cancellingStore cancels the consumer's context while the alarm is being
// created and fails if that cancellation reaches the store call.
type cancellingStore struct {
	*orionld.MemoryStore
	cancel context.CancelFunc
}

func (s cancellingStore) CreateEntity(ctx context.Context, tenant string, entity any) error {
	s.cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.CreateEntity(ctx, tenant, entity)
}

func TestConsumer_FinishesMessageAfterCancel(t *testing.T) {
	store := seedStore(t, "active")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cs := cancellingStore{MemoryStore: store, cancel: cancel}

	q := &memQueue{items: []*Delivery{
		{ID: "1", Body: notification(t, store, 95)},
		{ID: "2", Body: notification(t, store, 96)},
	}}
	c := NewConsumer(q, NewProcessor(cs, lifecycle.NewManager(cs), nil))

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, []string{"1"}, q.acked, "in-flight message completes, next one is not started")
	assert.Len(t, q.items, 1)
	assert.True(t, c.Healthy())
	assert.NotEmpty(t, currentPointer(t, store))
}
