package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/qiniu/sensorwatch/internal/alerting/model"
)

// ErrInvalidMessage marks a message that can never be processed and must be
// rejected without requeue.
var ErrInvalidMessage = errors.New("invalid message")

// Message is a context-broker change notification.
type Message struct {
	SubscriptionID string         `json:"subscriptionId,omitempty"`
	NotifiedAt     string         `json:"notifiedAt,omitempty"`
	Tenant         TenantField    `json:"tenant,omitempty"`
	Data           []model.Entity `json:"data"`
}

// TenantField accepts either "acme" or {"tenant": "acme"}.
type TenantField string

func (t *TenantField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if b[0] == '{' {
		var wrapped struct {
			Tenant string `json:"tenant"`
		}
		if err := json.Unmarshal(b, &wrapped); err != nil {
			return err
		}
		*t = TenantField(wrapped.Tenant)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = TenantField(s)
	return nil
}

// DecodeMessage parses and validates a queue payload. Every returned error
// wraps ErrInvalidMessage.
func DecodeMessage(body []byte) (*Message, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidMessage)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(msg.Data) == 0 {
		return nil, fmt.Errorf("%w: no entity data", ErrInvalidMessage)
	}
	for i, e := range msg.Data {
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("%w: entity %d has no id", ErrInvalidMessage, i)
		}
		if strings.EqualFold(e.Type, model.EntityTypeAlarm) {
			return nil, fmt.Errorf("%w: entity %s is an alarm", ErrInvalidMessage, e.ID)
		}
	}
	return &msg, nil
}
