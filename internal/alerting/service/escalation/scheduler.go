package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qiniu/sensorwatch/internal/alerting/client/orionld"
	"github.com/qiniu/sensorwatch/internal/alerting/metrics"
	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/qiniu/sensorwatch/internal/alerting/service/monitor"
	"github.com/qiniu/sensorwatch/internal/alerting/service/notify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TimeoutMode selects what a sent timeout notice does to the record.
type TimeoutMode string

const (
	// TimeoutFlag sets isTimedOut and keeps the record in the scan set.
	TimeoutFlag TimeoutMode = "flag"
	// TimeoutTerminal moves the record to TimedOut.
	TimeoutTerminal TimeoutMode = "terminal"
)

const (
	outcomeIdle      = "idle"
	outcomeNotified  = "notified"
	outcomeCompleted = "completed"
	outcomeTimedOut  = "timed_out"
	outcomeBusy      = "busy"
	outcomeError     = "error"
)

type Deps struct {
	Store       orionld.Store
	Monitors    monitor.Repository
	Resolver    *notify.Resolver
	Dispatcher  *notify.Dispatcher
	Interval    time.Duration
	PageSize    int
	TimeoutMode TimeoutMode
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d *Deps) defaults() {
	if d.Interval <= 0 {
		d.Interval = time.Minute
	}
	if d.PageSize <= 0 {
		d.PageSize = 10
	}
	if d.TimeoutMode == "" {
		d.TimeoutMode = TimeoutFlag
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// StartScheduler runs a reconciliation pass right away and then once per
// interval until ctx is cancelled. Cancellation is observed between pages
// and records; the record in hand is finished.
func StartScheduler(ctx context.Context, deps Deps) {
	deps.defaults()
	log.Info().Dur("interval", deps.Interval).Int("pageSize", deps.PageSize).Str("timeoutMode", string(deps.TimeoutMode)).Msg("escalation scheduler started")
	t := time.NewTicker(deps.Interval)
	defer t.Stop()
	for {
		if err := runOnce(ctx, deps); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("escalation runOnce failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("escalation scheduler stopped")
			return
		case <-t.C:
		}
	}
}

// runOnce collects the records due for a look page by page, then handles
// each one once. Handling a record moves it in the scan order, so records are
// not processed while paging. A failing record is marked Error and the pass
// continues.
func runOnce(ctx context.Context, deps Deps) error {
	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	staleBefore := deps.Now().UTC().Add(-deps.Interval)
	var (
		due  []*model.NotificationMonitor
		seen = map[string]struct{}{}
	)
	for skip := 0; ; {
		if ctx.Err() != nil {
			return nil
		}
		page, err := deps.Monitors.NextForProcessing(ctx, skip, deps.PageSize, staleBefore)
		if err != nil {
			return fmt.Errorf("load notification monitors: %w", err)
		}
		for _, m := range page {
			if _, dup := seen[m.ID]; !dup {
				seen[m.ID] = struct{}{}
				due = append(due, m)
			}
		}
		if len(page) < deps.PageSize {
			break
		}
		skip += len(page)
	}

	// a started record is finished even when ctx is cancelled meanwhile
	work := context.WithoutCancel(ctx)
	for _, m := range due {
		if ctx.Err() != nil {
			return nil
		}
		outcome := reconcile(work, deps, m, staleBefore)
		metrics.ReconciledRecords.WithLabelValues(outcome).Inc()
	}
	if len(due) > 0 {
		log.Debug().Int("records", len(due)).Dur("took", time.Since(start)).Msg("escalation pass finished")
	}
	return nil
}

func reconcile(ctx context.Context, deps Deps, candidate *model.NotificationMonitor, staleBefore time.Time) string {
	logger := log.With().Str("tenant", candidate.Tenant).Str("monitor", candidate.ID).Str("alarm", candidate.AlarmID).Logger()

	if candidate.Status == model.MonitorProcessing {
		reset, err := deps.Monitors.ResetStale(ctx, candidate.ID, staleBefore, "Processing status exceeded execution time")
		if err != nil {
			logger.Error().Err(err).Msg("reset stale notification monitor")
			return outcomeError
		}
		if !reset {
			logger.Debug().Msg("stale notification monitor already taken over")
			return outcomeBusy
		}
		logger.Warn().Time("lastUpdatedAt", candidate.LastUpdatedAt).Msg("processing exceeded one interval, reset to Watching")
	}

	m, prev, err := deps.Monitors.Claim(ctx, candidate.ID)
	if err != nil {
		logger.Error().Err(err).Msg("claim notification monitor")
		return outcomeError
	}
	if m == nil {
		logger.Debug().Msg("notification monitor held elsewhere")
		return outcomeBusy
	}

	outcome, err := process(ctx, deps, logger, m, prev)
	if err != nil {
		logger.Error().Err(err).Msg("escalation failed")
		if uerr := deps.Monitors.UpdateStatus(ctx, m.ID, model.MonitorError, err.Error()); uerr != nil {
			logger.Error().Err(uerr).Msg("mark notification monitor as error")
		}
		return outcomeError
	}
	return outcome
}

// process runs validation and the three policies on a claimed record and
// stores the result. Any returned error marks the record Error.
func process(ctx context.Context, deps Deps, logger zerolog.Logger, m *model.NotificationMonitor, prev model.MonitorStatus) (string, error) {
	alarm, err := validate(ctx, deps.Store, m)
	if err != nil {
		return "", err
	}
	now := deps.Now().UTC()
	if alarm.IsClosed() {
		logger.Info().Msg("alarm closed, completing")
		m.Status, m.Message, m.LastUpdatedAt = model.MonitorCompleted, "Alarm is closed", now
		return outcomeCompleted, deps.Monitors.Update(ctx, m)
	}

	var rule model.NotificationRule
	if err := deps.Store.GetEntity(ctx, m.Tenant, m.RuleID, &rule); err != nil {
		if errors.Is(err, orionld.ErrNotFound) {
			return "", errors.New("notification rule not found")
		}
		return "", fmt.Errorf("load notification rule: %w", err)
	}

	e := &escalator{deps: deps, logger: logger, m: m, alarm: alarm, now: now}
	outcome := outcomeIdle
	next := prev

	timedOut, err := e.timeout(ctx, &rule)
	if err != nil {
		return "", err
	}
	if timedOut {
		outcome = outcomeTimedOut
		if deps.TimeoutMode == TimeoutTerminal {
			next = model.MonitorTimedOut
		}
	}
	if next != model.MonitorTimedOut {
		sent, err := e.repeat(ctx, &rule, prev)
		if err != nil {
			return "", err
		}
		if sent {
			outcome = outcomeNotified
		}
	}

	m.Status = next
	m.LastUpdatedAt = now
	if err := deps.Monitors.Update(ctx, m); err != nil {
		return "", err
	}
	return outcome, nil
}

// validate re-reads the sensor metadata pointer and the Alarm it names. The
// record is only valid while the pointer still targets its alarm.
func validate(ctx context.Context, store orionld.Store, m *model.NotificationMonitor) (*model.Alarm, error) {
	var sensor model.Entity
	if err := store.GetEntity(ctx, m.Tenant, m.SensorID, &sensor); err != nil {
		if errors.Is(err, orionld.ErrNotFound) {
			return nil, errors.New("entity not found")
		}
		return nil, fmt.Errorf("load entity: %w", err)
	}
	raw, _, ok := sensor.Attr(model.MetadataKey(m.SensorName))
	if !ok {
		return nil, errors.New("metadata key not found")
	}
	var meta model.MetaProperty
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	alarmID := meta.Alarm.Target()
	if alarmID == "" {
		return nil, errors.New("alarm relation not found in metadata")
	}
	if alarmID != m.AlarmID {
		return nil, fmt.Errorf("alarm id mismatch: metadata points to %s", alarmID)
	}
	var alarm model.Alarm
	if err := store.GetEntity(ctx, m.Tenant, alarmID, &alarm); err != nil {
		if errors.Is(err, orionld.ErrNotFound) {
			return nil, errors.New("alarm not found")
		}
		return nil, fmt.Errorf("load alarm: %w", err)
	}
	return &alarm, nil
}
