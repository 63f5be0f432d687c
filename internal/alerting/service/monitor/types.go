package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/qiniu/sensorwatch/internal/alerting/model"
)

var (
	ErrNotFound      = errors.New("notification monitor not found")
	ErrAlreadyExists = errors.New("notification monitor already exists")
)

// Claimable are the statuses a worker may move to Processing.
var Claimable = []model.MonitorStatus{model.MonitorWatching, model.MonitorAcknowledged}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Status model.MonitorStatus
	Tenant string
	Limit  int
}

// Repository persists NotificationMonitor records. Claim operations are
// atomic: of two concurrent claims on one record exactly one succeeds.
type Repository interface {
	// Create fails with ErrAlreadyExists when a record for the same alarm and
	// rule exists.
	Create(ctx context.Context, m *model.NotificationMonitor) error
	GetByID(ctx context.Context, id string) (*model.NotificationMonitor, error)
	Update(ctx context.Context, m *model.NotificationMonitor) error
	UpdateStatus(ctx context.Context, id string, status model.MonitorStatus, message string) error
	// Claim moves record id from a claimable status to Processing and returns
	// it with its previous status. A nil record means nothing was claimed.
	Claim(ctx context.Context, id string) (*model.NotificationMonitor, model.MonitorStatus, error)
	// ClaimByAlarm is Claim for any claimable record of alarmID.
	ClaimByAlarm(ctx context.Context, alarmID string) (*model.NotificationMonitor, model.MonitorStatus, error)
	// ResetStale moves record id back to Watching with message, but only
	// while it is still Processing and was last updated before staleBefore.
	// It reports whether the record was reset; a missing record is not.
	ResetStale(ctx context.Context, id string, staleBefore time.Time, message string) (bool, error)
	// NextForProcessing pages through Watching and Acknowledged records and
	// Processing records last updated before staleBefore, oldest notice first.
	NextForProcessing(ctx context.Context, skip, take int, staleBefore time.Time) ([]*model.NotificationMonitor, error)
	List(ctx context.Context, filter ListFilter) ([]*model.NotificationMonitor, error)
}

func defaultLimit(n int) int {
	if n <= 0 || n > 1000 {
		return 100
	}
	return n
}
