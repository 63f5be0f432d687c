package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	adb "github.com/qiniu/sensorwatch/internal/alerting/database"
	"github.com/qiniu/sensorwatch/internal/alerting/model"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS notification_monitors (
	id                        TEXT PRIMARY KEY,
	alarm_id                  TEXT NOT NULL,
	rule_id                   TEXT NOT NULL,
	notification_id           TEXT NOT NULL DEFAULT '',
	tenant                    TEXT NOT NULL DEFAULT '',
	sensor_id                 TEXT NOT NULL DEFAULT '',
	sensor_name               TEXT NOT NULL DEFAULT '',
	status                    TEXT NOT NULL,
	created_at                TIMESTAMPTZ NOT NULL,
	last_updated_at           TIMESTAMPTZ NOT NULL,
	last_notification_sent_at TIMESTAMPTZ,
	is_timed_out              BOOLEAN NOT NULL DEFAULT FALSE,
	timed_out_at              TIMESTAMPTZ,
	email_channel_active      BOOLEAN NOT NULL DEFAULT FALSE,
	sms_channel_active        BOOLEAN NOT NULL DEFAULT FALSE,
	message                   TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS notification_monitors_alarm_rule ON notification_monitors (alarm_id, rule_id);
CREATE INDEX IF NOT EXISTS notification_monitors_alarm_status ON notification_monitors (alarm_id, status);
CREATE INDEX IF NOT EXISTS notification_monitors_status_notice ON notification_monitors (status, (COALESCE(last_notification_sent_at, created_at)));
`

const columns = `id, alarm_id, rule_id, notification_id, tenant, sensor_id, sensor_name, status,
	created_at, last_updated_at, last_notification_sent_at, is_timed_out, timed_out_at,
	email_channel_active, sms_channel_active, message`

// returning is columns qualified for the claim's UPDATE ... FROM.
var returning = qualify("nm", columns)

// PgStore is a PostgreSQL-backed Repository.
type PgStore struct {
	DB  *adb.Database
	now func() time.Time
}

func NewPgStore(db *adb.Database) *PgStore { return &PgStore{DB: db, now: time.Now} }

// EnsureSchema creates the table and indexes when missing.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure notification_monitors schema: %w", err)
	}
	return nil
}

func (s *PgStore) Create(ctx context.Context, m *model.NotificationMonitor) error {
	const q = `
	INSERT INTO notification_monitors(` + columns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := s.DB.ExecContext(ctx, q, m.ID, m.AlarmID, m.RuleID, m.NotificationID, m.Tenant, m.SensorID, m.SensorName,
		string(m.Status), m.CreatedAt, m.LastUpdatedAt, m.LastNotificationSentAt, m.IsTimedOut, m.TimedOutAt,
		m.EmailChannelActive, m.SmsChannelActive, m.Message)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: alarm %s rule %s", ErrAlreadyExists, m.AlarmID, m.RuleID)
		}
		return fmt.Errorf("create notification monitor: %w", err)
	}
	return nil
}

func (s *PgStore) GetByID(ctx context.Context, id string) (*model.NotificationMonitor, error) {
	const q = `SELECT ` + columns + ` FROM notification_monitors WHERE id = $1`
	rows, err := s.DB.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("get notification monitor: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		m, _, err := scanMonitor(rows, false)
		return m, err
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get notification monitor: %w", err)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *PgStore) Update(ctx context.Context, m *model.NotificationMonitor) error {
	const q = `
	UPDATE notification_monitors SET
		status=$2, last_updated_at=$3, last_notification_sent_at=$4, is_timed_out=$5, timed_out_at=$6,
		email_channel_active=$7, sms_channel_active=$8, message=$9, sensor_name=$10
	WHERE id=$1
	`
	res, err := s.DB.ExecContext(ctx, q, m.ID, string(m.Status), m.LastUpdatedAt, m.LastNotificationSentAt, m.IsTimedOut,
		m.TimedOutAt, m.EmailChannelActive, m.SmsChannelActive, m.Message, m.SensorName)
	if err != nil {
		return fmt.Errorf("update notification monitor: %w", err)
	}
	return affected(res, m.ID)
}

func (s *PgStore) UpdateStatus(ctx context.Context, id string, status model.MonitorStatus, message string) error {
	const q = `UPDATE notification_monitors SET status=$2, message=$3, last_updated_at=$4 WHERE id=$1`
	res, err := s.DB.ExecContext(ctx, q, id, string(status), message, s.now().UTC())
	if err != nil {
		return fmt.Errorf("update notification monitor status: %w", err)
	}
	return affected(res, id)
}

func (s *PgStore) ResetStale(ctx context.Context, id string, staleBefore time.Time, message string) (bool, error) {
	const q = `
	UPDATE notification_monitors SET status=$2, message=$3, last_updated_at=$4
	WHERE id=$1 AND status=$5 AND last_updated_at < $6
	`
	res, err := s.DB.ExecContext(ctx, q, id, string(model.MonitorWatching), message, s.now().UTC(),
		string(model.MonitorProcessing), staleBefore)
	if err != nil {
		return false, fmt.Errorf("reset stale notification monitor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PgStore) Claim(ctx context.Context, id string) (*model.NotificationMonitor, model.MonitorStatus, error) {
	return s.claim(ctx, "id = $1", id)
}

func (s *PgStore) ClaimByAlarm(ctx context.Context, alarmID string) (*model.NotificationMonitor, model.MonitorStatus, error) {
	return s.claim(ctx, "alarm_id = $1", alarmID)
}

// claim locks one claimable row matching where, skipping rows another
// transaction holds, and flips it to Processing in the same statement.
func (s *PgStore) claim(ctx context.Context, where string, arg string) (*model.NotificationMonitor, model.MonitorStatus, error) {
	q := `
	WITH c AS (
		SELECT id, status AS prev FROM notification_monitors
		WHERE ` + where + ` AND status = ANY($2)
		ORDER BY COALESCE(last_notification_sent_at, created_at), id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE notification_monitors nm SET status = $3, last_updated_at = $4
	FROM c WHERE nm.id = c.id
	RETURNING ` + returning + `, c.prev
	`
	rows, err := s.DB.QueryContext(ctx, q, arg, pq.Array(statusStrings(Claimable)), string(model.MonitorProcessing), s.now().UTC())
	if err != nil {
		return nil, "", fmt.Errorf("claim notification monitor: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, "", fmt.Errorf("claim notification monitor: %w", err)
		}
		return nil, "", nil
	}
	return scanMonitor(rows, true)
}

func (s *PgStore) NextForProcessing(ctx context.Context, skip, take int, staleBefore time.Time) ([]*model.NotificationMonitor, error) {
	const q = `
	SELECT ` + columns + ` FROM notification_monitors
	WHERE status = ANY($1) OR (status = $2 AND last_updated_at < $3)
	ORDER BY COALESCE(last_notification_sent_at, created_at), id
	OFFSET $4 LIMIT $5
	`
	rows, err := s.DB.QueryContext(ctx, q, pq.Array(statusStrings(Claimable)), string(model.MonitorProcessing), staleBefore, skip, take)
	if err != nil {
		return nil, fmt.Errorf("next notification monitors: %w", err)
	}
	return collect(rows)
}

func (s *PgStore) List(ctx context.Context, f ListFilter) ([]*model.NotificationMonitor, error) {
	const q = `
	SELECT ` + columns + ` FROM notification_monitors
	WHERE ($1 = '' OR status = $1) AND ($2 = '' OR tenant = $2)
	ORDER BY last_updated_at DESC, id
	LIMIT $3
	`
	rows, err := s.DB.QueryContext(ctx, q, string(f.Status), f.Tenant, defaultLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("list notification monitors: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*model.NotificationMonitor, error) {
	defer rows.Close()
	var out []*model.NotificationMonitor
	for rows.Next() {
		m, _, err := scanMonitor(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification monitors: %w", err)
	}
	return out, nil
}

func scanMonitor(rows *sql.Rows, withPrev bool) (*model.NotificationMonitor, model.MonitorStatus, error) {
	var (
		m        model.NotificationMonitor
		status   string
		prev     string
		sentAt   sql.NullTime
		timedOut sql.NullTime
	)
	dest := []any{&m.ID, &m.AlarmID, &m.RuleID, &m.NotificationID, &m.Tenant, &m.SensorID, &m.SensorName, &status,
		&m.CreatedAt, &m.LastUpdatedAt, &sentAt, &m.IsTimedOut, &timedOut,
		&m.EmailChannelActive, &m.SmsChannelActive, &m.Message}
	if withPrev {
		dest = append(dest, &prev)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, "", fmt.Errorf("scan notification monitor: %w", err)
	}
	m.Status = model.MonitorStatus(status)
	if sentAt.Valid {
		t := sentAt.Time
		m.LastNotificationSentAt = &t
	}
	if timedOut.Valid {
		t := timedOut.Time
		m.TimedOutAt = &t
	}
	return &m, model.MonitorStatus(prev), nil
}

func affected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func qualify(table, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = table + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func statusStrings(ss []model.MonitorStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
