package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const payloadField = "data"

// StreamQueue is a Queue on a Redis Stream consumer group. One entry is read
// per call. Entries delivered to this consumer but never acknowledged are
// replayed before new ones.
type StreamQueue struct {
	Redis    *redis.Client
	Stream   string
	Group    string
	Consumer string
	// Block bounds a read for new entries; negative means do not block.
	Block time.Duration

	ready         bool
	pendingReplay bool
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{Redis: rdb, Stream: stream, Group: group, Consumer: consumer, Block: block, pendingReplay: true}
}

// DeadLetterStream receives rejected entries.
func (q *StreamQueue) DeadLetterStream() string { return q.Stream + ":dead" }

func (q *StreamQueue) ensureGroup(ctx context.Context) error {
	if q.ready {
		return nil
	}
	err := q.Redis.XGroupCreateMkStream(ctx, q.Stream, q.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", q.Group, q.Stream, err)
	}
	q.ready = true
	return nil
}

func (q *StreamQueue) Consume(ctx context.Context) (*Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	if q.pendingReplay {
		d, err := q.read(ctx, "0", -1)
		if err != nil || d != nil {
			return d, err
		}
		q.pendingReplay = false
	}
	return q.read(ctx, ">", q.Block)
}

func (q *StreamQueue) read(ctx context.Context, id string, block time.Duration) (*Delivery, error) {
	streams, err := q.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: q.Consumer,
		Streams:  []string{q.Stream, id},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", q.Stream, err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			m := s.Messages[0]
			return &Delivery{ID: m.ID, Body: payload(m.Values)}, nil
		}
	}
	return nil, nil
}

func payload(values map[string]any) []byte {
	switch v := values[payloadField].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

func (q *StreamQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.Redis.XAck(ctx, q.Stream, q.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

// Reject acknowledges the entry and either appends it again to the stream
// (requeue) or moves it to the dead-letter stream.
func (q *StreamQueue) Reject(ctx context.Context, d *Delivery, requeue bool, reason string) error {
	target := q.DeadLetterStream()
	values := map[string]any{payloadField: string(d.Body), "reason": reason, "source_id": d.ID}
	if requeue {
		target = q.Stream
		values = map[string]any{payloadField: string(d.Body)}
	}
	if err := q.Redis.XAdd(ctx, &redis.XAddArgs{Stream: target, Values: values}).Err(); err != nil {
		return fmt.Errorf("move %s to %s: %w", d.ID, target, err)
	}
	if err := q.Ack(ctx, d); err != nil {
		return err
	}
	log.Debug().Str("id", d.ID).Str("target", target).Str("reason", reason).Msg("stream entry rejected")
	return nil
}

// Publish appends a payload to the stream.
func (q *StreamQueue) Publish(ctx context.Context, body []byte) (string, error) {
	return q.Redis.XAdd(ctx, &redis.XAddArgs{Stream: q.Stream, Values: map[string]any{payloadField: string(body)}}).Result()
}
