package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/sensorwatch/internal/alerting/client/orionld"
	"github.com/qiniu/sensorwatch/internal/alerting/metrics"
	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/qiniu/sensorwatch/internal/alerting/service/evaluator"
	"github.com/rs/zerolog/log"
)

// Observation is one measured value of a monitored attribute.
type Observation struct {
	SensorID   string
	Attribute  string
	Value      float64
	Unit       string
	ObservedAt time.Time
	Location   *model.GeoPoint
}

// Manager keeps Alarm entities and the metadata pointers that reference them
// in sync with evaluation results.
type Manager struct {
	Store orionld.Store

	// overridable in tests
	now   func() time.Time
	newID func() string
}

func NewManager(store orionld.Store) *Manager {
	return &Manager{
		Store: store,
		now:   time.Now,
		newID: func() string { return model.AlarmIDPrefix + uuid.NewString() },
	}
}

// Resolve returns the open Alarm referenced by the metadata pointer, or a
// freshly minted one (isNew) when the pointer is empty, dangling or closed.
func (m *Manager) Resolve(ctx context.Context, tenant string, meta *model.MetaProperty) (*model.Alarm, bool, error) {
	if id := meta.Alarm.Target(); id != "" {
		var existing model.Alarm
		err := m.Store.GetEntity(ctx, tenant, id, &existing)
		switch {
		case err == nil && !existing.IsClosed():
			return &existing, false, nil
		case err == nil, errors.Is(err, orionld.ErrNotFound):
			// closed or gone: fall through and mint
		default:
			return nil, false, fmt.Errorf("load alarm %s: %w", id, err)
		}
	}
	return &model.Alarm{
		ID:       m.newID(),
		Type:     model.EntityTypeAlarm,
		Severity: model.NewProperty(model.SeverityHigh),
	}, true, nil
}

// Apply copies the evaluation onto alarm, appends the observation to the
// measured history and makes sure the alarm monitors the attribute once.
func (m *Manager) Apply(alarm *model.Alarm, res evaluator.Result, obs Observation) {
	alarm.Status = model.NewProperty(res.Status)
	alarm.Description = model.NewProperty(res.Description)
	alarm.Condition = model.NewProperty(res.Condition)
	alarm.Threshold = model.NewProperty(res.Threshold)
	if res.Changed {
		alarm.TriggeredAt = model.NewProperty(m.now().UTC())
	}
	if obs.Location != nil {
		alarm.Location = &model.Property[model.GeoPoint]{Type: "GeoProperty", Value: *obs.Location}
	}

	observedAt := obs.ObservedAt
	if observedAt.IsZero() {
		observedAt = m.now().UTC()
	}
	measurement := model.Measurement{Type: model.TypeProperty, Value: obs.Value, ObservedAt: observedAt}
	if obs.Unit != "" {
		measurement.Unit = model.NewProperty(obs.Unit)
	}
	if alarm.MeasuredValue == nil {
		alarm.MeasuredValue = model.NewProperty([]model.Measurement{})
	}
	alarm.MeasuredValue.Value = append(alarm.MeasuredValue.Value, measurement)

	if alarm.Monitors == nil {
		alarm.Monitors = model.NewProperty([]model.Relationship{})
	}
	for _, rel := range alarm.Monitors.Value {
		if strings.EqualFold(rel.Object.First(), obs.SensorID) &&
			strings.EqualFold(model.ValueOf(rel.MonitoredAttribute), obs.Attribute) {
			return
		}
	}
	rel := model.NewRelationship(obs.SensorID)
	rel.MonitoredAttribute = model.NewProperty(obs.Attribute)
	alarm.Monitors.Value = append(alarm.Monitors.Value, *rel)
}

// Persist creates or updates the alarm, then points the attribute's metadata
// at it unless it already does. Store errors are returned unchanged in kind.
func (m *Manager) Persist(ctx context.Context, tenant string, alarm *model.Alarm, isNew bool, sensorID string, attr *model.MonitoredAttribute) error {
	if isNew {
		if err := m.Store.CreateEntity(ctx, tenant, alarm); err != nil {
			return fmt.Errorf("create alarm %s: %w", alarm.ID, err)
		}
		metrics.AlarmsCreated.Inc()
		log.Info().Str("tenant", tenant).Str("alarm", alarm.ID).Str("sensor", sensorID).Str("attribute", attr.Key).Msg("alarm created")
	} else if err := m.Store.UpdateEntity(ctx, tenant, alarm.ID, alarm.Attrs()); err != nil {
		return fmt.Errorf("update alarm %s: %w", alarm.ID, err)
	}

	if strings.EqualFold(attr.Metadata.Alarm.Target(), alarm.ID) {
		return nil
	}
	meta := attr.Metadata
	meta.Alarm = model.NewRelationship(alarm.ID)
	if err := m.Store.UpdateEntity(ctx, tenant, sensorID, map[string]any{attr.MetadataKey: meta}); err != nil {
		return fmt.Errorf("update %s pointer on %s: %w", attr.MetadataKey, sensorID, err)
	}
	attr.Metadata = meta
	log.Debug().Str("tenant", tenant).Str("sensor", sensorID).Str("metadata", attr.MetadataKey).Str("alarm", alarm.ID).Msg("metadata pointer updated")
	return nil
}
