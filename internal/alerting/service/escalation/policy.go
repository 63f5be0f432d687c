package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/qiniu/sensorwatch/internal/alerting/service/notify"
	"github.com/rs/zerolog"
)

// escalator applies the escalation policies to one claimed record.
type escalator struct {
	deps   Deps
	logger zerolog.Logger
	m      *model.NotificationMonitor
	alarm  *model.Alarm
	now    time.Time
	users  []model.User
}

// timeout sends the timeout notice once, when the record has been open for
// the rule's notifyIfTimeOut.
func (e *escalator) timeout(ctx context.Context, rule *model.NotificationRule) (bool, error) {
	if e.m.IsTimedOut {
		return false, nil
	}
	after, err := Interval(rule.NotifyIfTimeOut)
	if err != nil {
		return false, fmt.Errorf("notifyIfTimeOut: %w", err)
	}
	if after == 0 || e.now.Before(e.m.CreatedAt.Add(after)) {
		return false, nil
	}
	if err := e.send(ctx, model.NoticeTimeout); err != nil {
		return false, err
	}
	e.m.IsTimedOut = true
	at := e.now
	e.m.TimedOutAt = &at
	e.m.Message = fmt.Sprintf("Notification timed out after %s", rule.NotifyIfTimeOut)
	e.logger.Info().Dur("after", after).Msg("notification timed out")
	return true, nil
}

// repeat sends the acknowledged reminder for Acknowledged records and the
// repeated alarm for Watching ones, once their interval since the last notice
// has passed.
func (e *escalator) repeat(ctx context.Context, rule *model.NotificationRule, status model.MonitorStatus) (bool, error) {
	var (
		prop   *model.UnitProperty
		notice model.Notice
		name   string
	)
	switch status {
	case model.MonitorAcknowledged:
		prop, notice, name = rule.RepetIfAcknowledged, model.NoticeRepeatAcknowledge, "repetIfAcknowledged"
	case model.MonitorWatching:
		prop, notice, name = rule.RepetAfter, model.NoticeRepeat, "repetAfter"
	default:
		return false, nil
	}
	every, err := Interval(prop)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	if every == 0 || e.now.Before(e.m.LastNotice().Add(every)) {
		return false, nil
	}
	if err := e.send(ctx, notice); err != nil {
		return false, err
	}
	e.logger.Info().Str("notice", string(notice)).Dur("every", every).Msg("reminder sent")
	return true, nil
}

func (e *escalator) send(ctx context.Context, notice model.Notice) error {
	if e.users == nil {
		users, err := e.deps.Resolver.Resolve(ctx, e.m.Tenant, e.m.NotificationID)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			return errors.New("no users found for notification")
		}
		e.users = users
	}
	params := notify.Parameters(notice, e.m.SensorID, e.m.SensorName, e.alarm)
	if _, err := e.deps.Dispatcher.Dispatch(ctx, e.m.Tenant, e.users, notice, params, notify.ChannelsOf(e.m)); err != nil {
		return err
	}
	e.m.MarkNotified(e.now)
	return nil
}
