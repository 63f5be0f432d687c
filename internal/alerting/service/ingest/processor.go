package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/qiniu/sensorwatch/internal/alerting/client/orionld"
	"github.com/qiniu/sensorwatch/internal/alerting/metrics"
	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/qiniu/sensorwatch/internal/alerting/service/evaluator"
	"github.com/qiniu/sensorwatch/internal/alerting/service/lifecycle"
	"github.com/rs/zerolog/log"
)

// EvaluationHandler is told about every persisted evaluation.
type EvaluationHandler interface {
	HandleEvaluation(ctx context.Context, ev model.AlarmEvaluated) error
}

// Processor evaluates the monitored attributes of a validated message.
type Processor struct {
	Store     orionld.Store
	Lifecycle *lifecycle.Manager
	Handler   EvaluationHandler
	// StrictThresholds skips rules whose bounds are misordered.
	StrictThresholds bool
}

func NewProcessor(store orionld.Store, lm *lifecycle.Manager, h EvaluationHandler) *Processor {
	return &Processor{Store: store, Lifecycle: lm, Handler: h}
}

// Process handles every monitored attribute of every entity in msg. Skipped
// attributes are logged. The returned error joins the infrastructure failures;
// the message must not be acknowledged when it is non-nil.
func (p *Processor) Process(ctx context.Context, msg *Message) error {
	tenant := string(msg.Tenant)
	var errs []error
	for i := range msg.Data {
		e := &msg.Data[i]
		attrs, decodeErrs := e.MonitoredAttributes()
		for _, err := range decodeErrs {
			log.Warn().Err(err).Str("tenant", tenant).Str("entity", e.ID).Msg("skipping undecodable attribute")
		}
		location := entityLocation(e)
		for j := range attrs {
			if err := p.processAttribute(ctx, tenant, e.ID, &attrs[j], location); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", e.ID, attrs[j].Key, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) processAttribute(ctx context.Context, tenant, sensorID string, attr *model.MonitoredAttribute, location *model.GeoPoint) error {
	logger := log.With().Str("tenant", tenant).Str("sensor", sensorID).Str("attribute", attr.Key).Logger()

	value, ok := attr.Value.Number()
	if !ok {
		logger.Warn().RawJSON("value", nonEmpty(attr.Value.Value)).Msg("attribute value is not numeric, skipping")
		return nil
	}

	ruleID := attr.Metadata.AlarmRule.Target()
	var rule model.AlarmRule
	if err := p.Store.GetEntity(ctx, tenant, ruleID, &rule); err != nil {
		if errors.Is(err, orionld.ErrNotFound) {
			logger.Warn().Str("rule", ruleID).Msg("alarm rule not found, skipping")
			return nil
		}
		return fmt.Errorf("load alarm rule %s: %w", ruleID, err)
	}
	if !strings.EqualFold(rule.Type, model.EntityTypeAlarmRule) {
		logger.Warn().Str("rule", ruleID).Str("type", rule.Type).Msg("related entity is not an alarm rule, skipping")
		return nil
	}
	if !rule.IsActive() {
		logger.Info().Str("rule", ruleID).Str("status", model.ValueOf(rule.Status)).Msg("alarm rule not active, skipping")
		return nil
	}
	th := evaluator.FromRule(&rule)
	if !th.Ordered() {
		if p.StrictThresholds {
			logger.Warn().Str("rule", ruleID).Msg("alarm rule thresholds misordered, skipping")
			return nil
		}
		logger.Warn().Str("rule", ruleID).Msg("alarm rule thresholds misordered, evaluating best effort")
	}

	alarm, isNew, err := p.Lifecycle.Resolve(ctx, tenant, &attr.Metadata)
	if err != nil {
		return err
	}
	res := evaluator.Evaluate(attr.Key, value, th, alarm)
	metrics.Evaluations.WithLabelValues(res.Condition).Inc()
	if res.NoOp {
		logger.Debug().Float64("value", value).Msg("within thresholds and no open alarm")
		return nil
	}

	obs := lifecycle.Observation{
		SensorID:  sensorID,
		Attribute: attr.Key,
		Value:     value,
		Unit:      attr.Value.UnitName(),
		Location:  location,
	}
	if attr.Value.ObservedAt != nil {
		obs.ObservedAt = *attr.Value.ObservedAt
	}
	if obs.Unit == "" {
		obs.Unit = model.ValueOf(rule.Unit)
	}
	p.Lifecycle.Apply(alarm, res, obs)
	if err := p.Lifecycle.Persist(ctx, tenant, alarm, isNew, sensorID, attr); err != nil {
		return err
	}
	logger.Info().Str("alarm", alarm.ID).Str("status", res.Status).Str("condition", res.Condition).Float64("value", value).Msg("alarm evaluated")

	if p.Handler != nil {
		ev := model.AlarmEvaluated{
			Tenant:      tenant,
			SensorID:    sensorID,
			PropertyKey: attr.Key,
			MetadataKey: attr.MetadataKey,
			AlarmID:     alarm.ID,
		}
		// notification failures never fail the message
		if err := p.Handler.HandleEvaluation(ctx, ev); err != nil {
			logger.Error().Err(err).Str("alarm", alarm.ID).Msg("notification trigger failed")
		}
	}
	return nil
}

func entityLocation(e *model.Entity) *model.GeoPoint {
	raw, _, ok := e.Attr("location")
	if !ok {
		return nil
	}
	var loc model.Property[model.GeoPoint]
	if err := json.Unmarshal(raw, &loc); err != nil || len(loc.Value.Coordinates) == 0 {
		return nil
	}
	return &loc.Value
}

func nonEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
