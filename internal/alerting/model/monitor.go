package model

import "time"

// MonitorStatus is the escalation state of a NotificationMonitor.
type MonitorStatus string

const (
	MonitorWatching     MonitorStatus = "Watching"
	MonitorProcessing   MonitorStatus = "Processing"
	MonitorAcknowledged MonitorStatus = "Acknowledged"
	MonitorTimedOut     MonitorStatus = "TimedOut"
	MonitorCompleted    MonitorStatus = "Completed"
	MonitorError        MonitorStatus = "Error"
)

// Valid reports whether s is a known status.
func (s MonitorStatus) Valid() bool {
	switch s {
	case MonitorWatching, MonitorProcessing, MonitorAcknowledged, MonitorTimedOut, MonitorCompleted, MonitorError:
		return true
	}
	return false
}

// Claimable reports whether a worker may move a record in s to Processing.
func (s MonitorStatus) Claimable() bool {
	return s == MonitorWatching || s == MonitorAcknowledged
}

// NotificationMonitor is the watch record that tracks escalation of one open
// alarm against one notification rule.
type NotificationMonitor struct {
	ID                     string        `json:"id"`
	AlarmID                string        `json:"alarmId"`
	RuleID                 string        `json:"ruleId"`
	NotificationID         string        `json:"notificationId"`
	Tenant                 string        `json:"tenant"`
	SensorID               string        `json:"sensorId"`
	SensorName             string        `json:"sensorName"`
	Status                 MonitorStatus `json:"status"`
	CreatedAt              time.Time     `json:"createdAt"`
	LastUpdatedAt          time.Time     `json:"lastUpdatedAt"`
	LastNotificationSentAt *time.Time    `json:"lastNotificationSentAt,omitempty"`
	IsTimedOut             bool          `json:"isTimedOut"`
	TimedOutAt             *time.Time    `json:"timedOutAt,omitempty"`
	EmailChannelActive     bool          `json:"emailChannelActive"`
	SmsChannelActive       bool          `json:"smsChannelActive"`
	Message                string        `json:"message,omitempty"`
}

// LastNotice is the time of the last notice, or the creation time when none
// has been sent.
func (m *NotificationMonitor) LastNotice() time.Time {
	if m.LastNotificationSentAt != nil {
		return *m.LastNotificationSentAt
	}
	return m.CreatedAt
}

// MarkNotified records that a notice was sent at t.
func (m *NotificationMonitor) MarkNotified(t time.Time) {
	m.LastNotificationSentAt = &t
}
