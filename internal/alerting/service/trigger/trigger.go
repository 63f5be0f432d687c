package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/sensorwatch/internal/alerting/client/orionld"
	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/qiniu/sensorwatch/internal/alerting/service/monitor"
	"github.com/qiniu/sensorwatch/internal/alerting/service/notify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrMonitorBusy means another worker holds the record.
	ErrMonitorBusy = errors.New("notification monitor is being processed")
	// ErrInvalidState means the record cannot be acknowledged from its status.
	ErrInvalidState = errors.New("notification monitor cannot be acknowledged in its current status")
)

// Service sends the first notice for an evaluated alarm, opens the
// NotificationMonitor that drives later escalation, and handles operator
// acknowledgment.
type Service struct {
	Store      orionld.Store
	Monitors   monitor.Repository
	Resolver   *notify.Resolver
	Dispatcher *notify.Dispatcher

	now   func() time.Time
	newID func() string
}

func New(store orionld.Store, monitors monitor.Repository, bus notify.Publisher) *Service {
	return &Service{
		Store:      store,
		Monitors:   monitors,
		Resolver:   notify.NewResolver(store),
		Dispatcher: notify.NewDispatcher(store, bus),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// HandleEvaluation runs after an evaluation has been persisted. Missing or
// disabled configuration ends the flow quietly; lookup and store failures
// are returned.
func (s *Service) HandleEvaluation(ctx context.Context, ev model.AlarmEvaluated) error {
	logger := log.With().Str("tenant", ev.Tenant).Str("sensor", ev.SensorID).Str("property", ev.PropertyKey).Str("alarm", ev.AlarmID).Logger()

	var sensor model.Entity
	if ok, err := s.load(ctx, ev.Tenant, ev.SensorID, &sensor); !ok {
		return err
	}
	raw, _, found := sensor.Attr(ev.MetadataKey)
	if !found {
		logger.Warn().Str("metadata", ev.MetadataKey).Msg("metadata property not found")
		return nil
	}
	var meta model.MetaProperty
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("decode %s: %w", ev.MetadataKey, err)
	}
	notificationID := meta.Notification.Target()
	if notificationID == "" {
		logger.Debug().Msg("no notification configured")
		return nil
	}

	var n model.Notification
	if ok, err := s.load(ctx, ev.Tenant, notificationID, &n); !ok {
		return err
	}
	if !n.IsEnabled() {
		logger.Info().Str("notification", notificationID).Msg("notification disabled")
		return nil
	}
	ruleID := n.NotificationRule.Target()
	if ruleID == "" {
		logger.Warn().Str("notification", notificationID).Msg("notification has no rule")
		return nil
	}
	var rule model.NotificationRule
	if ok, err := s.load(ctx, ev.Tenant, ruleID, &rule); !ok {
		return err
	}
	if rule.ID == "" {
		rule.ID = ruleID
	}

	var alarm model.Alarm
	if ok, err := s.load(ctx, ev.Tenant, ev.AlarmID, &alarm); !ok {
		return err
	}
	if hits := model.ValueOf(rule.ConsecutiveHits); len(model.ValueOf(alarm.MeasuredValue)) < hits {
		logger.Info().Int("consecutiveHits", hits).Msg("consecutive hits not reached")
		return nil
	}

	users, err := s.Resolver.Resolve(ctx, ev.Tenant, notificationID)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		logger.Warn().Str("notification", notificationID).Msg("no users to notify")
		return nil
	}
	email, sms := rule.Channels()
	ch := notify.Channels{Email: email, Sms: sms}

	m, prev, err := s.Monitors.ClaimByAlarm(ctx, ev.AlarmID)
	if err != nil {
		return err
	}
	switch {
	case m == nil && !alarm.IsOpen():
		logger.Debug().Msg("alarm not open and not monitored")
		return nil
	case m == nil:
		m = &model.NotificationMonitor{
			ID:                 s.newID(),
			AlarmID:            ev.AlarmID,
			RuleID:             rule.ID,
			NotificationID:     notificationID,
			Tenant:             ev.Tenant,
			SensorID:           ev.SensorID,
			SensorName:         ev.PropertyKey,
			Status:             model.MonitorProcessing,
			CreatedAt:          s.now().UTC(),
			EmailChannelActive: email,
			SmsChannelActive:   sms,
		}
		m.LastUpdatedAt = m.CreatedAt
		if err := s.Monitors.Create(ctx, m); err != nil {
			if errors.Is(err, monitor.ErrAlreadyExists) {
				logger.Info().Msg("notification monitor created concurrently")
				return nil
			}
			return err
		}
		logger.Info().Str("monitor", m.ID).Msg("notification monitor created")
		return s.finish(ctx, logger, m, users, model.NoticeFirstAlarm, &alarm, ch, model.MonitorWatching)
	case alarm.IsClosed():
		if model.ValueOf(rule.NotifyIfClose) {
			return s.finish(ctx, logger, m, users, model.NoticeReturnToNormal, &alarm, ch, model.MonitorCompleted)
		}
		m.Status = model.MonitorCompleted
		m.LastUpdatedAt = s.now().UTC()
		return s.Monitors.Update(ctx, m)
	default:
		// still open and already monitored: the reconciler owns repeats
		return s.Monitors.UpdateStatus(ctx, m.ID, prev, m.Message)
	}
}

// finish dispatches notice for m and stores it with status next. The record is
// saved even when some commands could not be published.
func (s *Service) finish(ctx context.Context, logger zerolog.Logger, m *model.NotificationMonitor, users []model.User, notice model.Notice, alarm *model.Alarm, ch notify.Channels, next model.MonitorStatus) error {
	params := notify.Parameters(notice, m.SensorID, m.SensorName, alarm)
	sent, dispatchErr := s.Dispatcher.Dispatch(ctx, m.Tenant, users, notice, params, ch)
	now := s.now().UTC()
	if sent > 0 {
		m.MarkNotified(now)
	}
	m.Status = next
	m.LastUpdatedAt = now
	m.Message = ""
	if dispatchErr != nil {
		m.Message = dispatchErr.Error()
	}
	if err := s.Monitors.Update(ctx, m); err != nil {
		return errors.Join(dispatchErr, err)
	}
	logger.Info().Str("monitor", m.ID).Str("notice", string(notice)).Int("sent", sent).Str("status", string(next)).Msg("notice dispatched")
	return dispatchErr
}

// Acknowledge moves a Watching record to Acknowledged and sends the first
// acknowledgment notice when the rule asks for it. Acknowledging an
// Acknowledged record is a no-op.
func (s *Service) Acknowledge(ctx context.Context, tenant, id string) (*model.NotificationMonitor, error) {
	m, err := s.Monitors.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenant != "" && m.Tenant != tenant {
		return nil, fmt.Errorf("%w: %s", monitor.ErrNotFound, id)
	}
	switch m.Status {
	case model.MonitorAcknowledged:
		return m, nil
	case model.MonitorWatching:
	case model.MonitorProcessing:
		return nil, ErrMonitorBusy
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, m.Status)
	}

	claimed, prev, err := s.Monitors.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, ErrMonitorBusy
	}
	if prev == model.MonitorAcknowledged {
		if err := s.Monitors.UpdateStatus(ctx, id, prev, claimed.Message); err != nil {
			return nil, err
		}
		claimed.Status = prev
		return claimed, nil
	}

	logger := log.With().Str("tenant", claimed.Tenant).Str("monitor", id).Str("alarm", claimed.AlarmID).Logger()
	if err := s.acknowledge(ctx, logger, claimed); err != nil {
		if rerr := s.Monitors.UpdateStatus(ctx, id, prev, claimed.Message); rerr != nil {
			logger.Error().Err(rerr).Msg("release notification monitor")
		}
		return nil, err
	}
	return claimed, nil
}

func (s *Service) acknowledge(ctx context.Context, logger zerolog.Logger, m *model.NotificationMonitor) error {
	var rule model.NotificationRule
	if err := s.Store.GetEntity(ctx, m.Tenant, m.RuleID, &rule); err != nil {
		return fmt.Errorf("load notification rule %s: %w", m.RuleID, err)
	}
	now := s.now().UTC()
	m.Status = model.MonitorAcknowledged
	m.LastUpdatedAt = now
	m.MarkNotified(now)

	if model.ValueOf(rule.NotifyIfAcknowledged) {
		var alarm model.Alarm
		if err := s.Store.GetEntity(ctx, m.Tenant, m.AlarmID, &alarm); err != nil {
			return fmt.Errorf("load alarm %s: %w", m.AlarmID, err)
		}
		users, err := s.Resolver.Resolve(ctx, m.Tenant, m.NotificationID)
		if err != nil {
			return err
		}
		params := notify.Parameters(model.NoticeFirstAcknowledge, m.SensorID, m.SensorName, &alarm)
		sent, err := s.Dispatcher.Dispatch(ctx, m.Tenant, users, model.NoticeFirstAcknowledge, params, notify.ChannelsOf(m))
		if err != nil {
			m.Message = err.Error()
			logger.Error().Err(err).Int("sent", sent).Msg("acknowledgment notice partially failed")
		}
	}
	if err := s.Monitors.Update(ctx, m); err != nil {
		return err
	}
	logger.Info().Msg("notification monitor acknowledged")
	return nil
}

// load reads id into out. A missing entity is logged and reported as false
// with a nil error.
func (s *Service) load(ctx context.Context, tenant, id string, out any) (bool, error) {
	if id == "" {
		return false, nil
	}
	err := s.Store.GetEntity(ctx, tenant, id, out)
	if errors.Is(err, orionld.ErrNotFound) {
		log.Warn().Str("tenant", tenant).Str("entity", id).Msg("entity not found")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", id, err)
	}
	return true, nil
}
