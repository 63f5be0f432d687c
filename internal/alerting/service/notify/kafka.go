package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the bus needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaBus publishes commands as JSON on a topic per command type, keyed by
// tenant, with the command name in the "type" header.
type KafkaBus struct {
	Writer MessageWriter
	Topics map[string]string
}

// NewKafkaWriter returns a synchronous writer without a default topic, so
// each message carries its own.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewKafkaBus(w MessageWriter, emailTopic, smsTopic string) *KafkaBus {
	return &KafkaBus{
		Writer: w,
		Topics: map[string]string{
			model.CreateEmailCommand{}.CommandName(): emailTopic,
			model.CreateSmsCommand{}.CommandName():   smsTopic,
		},
	}
}

func (b *KafkaBus) Publish(ctx context.Context, cmd model.Command) error {
	topic, ok := b.Topics[cmd.CommandName()]
	if !ok || topic == "" {
		return fmt.Errorf("no topic for %s", cmd.CommandName())
	}
	value, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.CommandName(), err)
	}
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(tenantOf(cmd)),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(cmd.CommandName())}},
		Time:    time.Now().UTC(),
	}
	if err := b.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", cmd.CommandName(), topic, err)
	}
	return nil
}

func tenantOf(cmd model.Command) string {
	switch c := cmd.(type) {
	case model.CreateEmailCommand:
		return c.Tenant
	case model.CreateSmsCommand:
		return c.Tenant
	}
	return ""
}
