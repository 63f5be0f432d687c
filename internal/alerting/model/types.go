package model

import (
	"strings"
	"time"
)

const (
	EntityTypeAlarm     = "Alarm"
	EntityTypeAlarmRule = "AlarmRule"

	AlarmIDPrefix = "urn:ngsi-ld:Alarm:"

	AlarmStatusOpen  = "open"
	AlarmStatusClose = "close"

	SeverityNone   = "none"
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"

	RuleStatusActive   = "active"
	RuleStatusDeleted  = "deleted"
	RuleStatusDisabled = "disabled"

	ChannelEmail = "Email"
	ChannelSms   = "Sms"
)

// AlarmRule holds the thresholds configured for a monitored attribute.
type AlarmRule struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Name    *Property[string]  `json:"name,omitempty"`
	Unit    *Property[string]  `json:"unit,omitempty"`
	Low     *Property[float64] `json:"low,omitempty"`
	PreLow  *Property[float64] `json:"prelow,omitempty"`
	PreHigh *Property[float64] `json:"prehigh,omitempty"`
	High    *Property[float64] `json:"high,omitempty"`
	Status  *Property[string]  `json:"status,omitempty"`
}

func (r *AlarmRule) IsActive() bool {
	return strings.EqualFold(ValueOf(r.Status), RuleStatusActive)
}

// Measurement is one observed value appended to an alarm's history.
type Measurement struct {
	Type       string            `json:"type,omitempty"`
	Value      float64           `json:"value"`
	ObservedAt time.Time         `json:"observedAt"`
	Unit       *Property[string] `json:"unit,omitempty"`
}

// Alarm is the stateful record of a threshold breach on one attribute.
type Alarm struct {
	ID            string                    `json:"id"`
	Type          string                    `json:"type"`
	Description   *Property[string]         `json:"description,omitempty"`
	Status        *Property[string]         `json:"status,omitempty"`
	Severity      *Property[string]         `json:"severity,omitempty"`
	TriggeredAt   *Property[time.Time]      `json:"triggeredAt,omitempty"`
	Monitors      *Property[[]Relationship] `json:"monitors,omitempty"`
	Threshold     *Property[*float64]       `json:"threshold,omitempty"`
	Condition     *Property[string]         `json:"condition,omitempty"`
	MeasuredValue *Property[[]Measurement]  `json:"measuredValue,omitempty"`
	Location      *Property[GeoPoint]       `json:"location,omitempty"`
}

func (a *Alarm) IsClosed() bool {
	return strings.EqualFold(ValueOf(a.Status), AlarmStatusClose)
}

func (a *Alarm) IsOpen() bool {
	return strings.EqualFold(ValueOf(a.Status), AlarmStatusOpen)
}

// LastMeasurement returns the most recent measurement, if any.
func (a *Alarm) LastMeasurement() (Measurement, bool) {
	values := ValueOf(a.MeasuredValue)
	if len(values) == 0 {
		return Measurement{}, false
	}
	return values[len(values)-1], true
}

// Attrs returns the alarm without id and type, as sent on update.
func (a *Alarm) Attrs() map[string]any {
	out := map[string]any{}
	if a.Description != nil {
		out["description"] = a.Description
	}
	if a.Status != nil {
		out["status"] = a.Status
	}
	if a.Severity != nil {
		out["severity"] = a.Severity
	}
	if a.TriggeredAt != nil {
		out["triggeredAt"] = a.TriggeredAt
	}
	if a.Monitors != nil {
		out["monitors"] = a.Monitors
	}
	if a.Threshold != nil {
		out["threshold"] = a.Threshold
	}
	if a.Condition != nil {
		out["condition"] = a.Condition
	}
	if a.MeasuredValue != nil {
		out["measuredValue"] = a.MeasuredValue
	}
	if a.Location != nil {
		out["location"] = a.Location
	}
	return out
}

// NotificationRule is the escalation policy attached to a Notification.
type NotificationRule struct {
	ID                   string                `json:"id"`
	Type                 string                `json:"type"`
	Name                 *Property[string]     `json:"name,omitempty"`
	Enable               *Property[FlexString] `json:"enable,omitempty"`
	NotificationChannel  *Property[StringList] `json:"notificationChannel,omitempty"`
	ConsecutiveHits      *Property[int]        `json:"consecutiveHits,omitempty"`
	RepetAfter           *UnitProperty         `json:"repetAfter,omitempty"`
	NotifyIfTimeOut      *UnitProperty         `json:"notifyIfTimeOut,omitempty"`
	NotifyIfClose        *Property[bool]       `json:"notifyIfClose,omitempty"`
	NotifyIfAcknowledged *Property[bool]       `json:"notifyIfAcknowledged,omitempty"`
	RepetIfAcknowledged  *UnitProperty         `json:"repetIfAcknowledged,omitempty"`
}

// Channels reports which delivery channels the rule enables.
func (r *NotificationRule) Channels() (email, sms bool) {
	channels := ValueOf(r.NotificationChannel)
	return channels.ContainsFold(ChannelEmail), channels.ContainsFold(ChannelSms)
}

// Notification links monitored attributes to a rule and its recipients.
type Notification struct {
	ID               string                `json:"id"`
	Type             string                `json:"type"`
	Name             *Property[string]     `json:"name,omitempty"`
	Enable           *Property[FlexString] `json:"enable,omitempty"`
	NotificationRule *Relationship         `json:"notificationRule,omitempty"`
	NotificationUser *Relationship         `json:"notificationUser,omitempty"`
}

func (n *Notification) IsEnabled() bool {
	return strings.EqualFold(ValueOf(n.Enable).String(), "true")
}

// NotificationUsers is a block of direct users and groups.
type NotificationUsers struct {
	ID     string                    `json:"id"`
	Type   string                    `json:"type"`
	Enable *Property[FlexString]     `json:"enable,omitempty"`
	Users  *Property[[]Relationship] `json:"users,omitempty"`
	Groups *Property[[]Relationship] `json:"groups,omitempty"`
}

// Group expands to its own users relationship.
type Group struct {
	ID    string        `json:"id"`
	Type  string        `json:"type"`
	Users *Relationship `json:"users,omitempty"`
}

type User struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Username  *Property[string] `json:"username,omitempty"`
	Email     *Property[string] `json:"email,omitempty"`
	FirstName *Property[string] `json:"firstName,omitempty"`
	LastName  *Property[string] `json:"lastName,omitempty"`
	Mobile    *Property[string] `json:"mobile,omitempty"`
	Language  *Property[string] `json:"language,omitempty"`
}

// DisplayName is "first last".
func (u *User) DisplayName() string {
	return ValueOf(u.FirstName) + " " + ValueOf(u.LastName)
}

type EmailTemplate struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Subject *Property[string] `json:"subject,omitempty"`
	Body    *Property[string] `json:"body,omitempty"`
}

type SmsTemplate struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Message *Property[string] `json:"message,omitempty"`
}
