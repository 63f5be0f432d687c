package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/qiniu/sensorwatch/internal/alerting/metrics"
	"github.com/rs/zerolog/log"
)

// Consumer drains a Queue one message at a time. It stops on the first
// infrastructure failure, leaving that message unacknowledged, and reports
// itself unhealthy from then on.
type Consumer struct {
	Queue     Queue
	Processor *Processor
	// IdleWait is slept after an empty poll.
	IdleWait time.Duration

	healthy atomic.Bool

	// sleepFn allows overriding for tests
	sleepFn func(time.Duration)
}

func NewConsumer(q Queue, p *Processor) *Consumer {
	c := &Consumer{Queue: q, Processor: p, IdleWait: 100 * time.Millisecond, sleepFn: time.Sleep}
	c.healthy.Store(true)
	return c
}

// Healthy reports whether the consumer is still running without failure.
func (c *Consumer) Healthy() bool { return c.healthy.Load() }

// Run consumes until ctx is cancelled (returns nil) or a message cannot be
// processed for a transient reason (returns the error). Cancellation is
// observed between messages only.
func (c *Consumer) Run(ctx context.Context) error {
	log.Info().Msg("ingestion consumer started")
	defer log.Info().Msg("ingestion consumer stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := c.Queue.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return c.fail(fmt.Errorf("consume: %w", err))
		}
		if d == nil {
			c.sleepFn(c.IdleWait)
			continue
		}
		// a delivered message is finished even when ctx is cancelled meanwhile
		if err := c.handle(context.WithoutCancel(ctx), d); err != nil {
			return c.fail(err)
		}
	}
}

func (c *Consumer) fail(err error) error {
	c.healthy.Store(false)
	log.Error().Err(err).Msg("ingestion consumer failed, marking unhealthy")
	return err
}

func (c *Consumer) handle(ctx context.Context, d *Delivery) error {
	msg, err := DecodeMessage(d.Body)
	if err != nil {
		log.Warn().Err(err).Str("delivery", d.ID).Msg("rejecting message permanently")
		metrics.IngestedMessages.WithLabelValues("rejected").Inc()
		if rerr := c.Queue.Reject(ctx, d, false, err.Error()); rerr != nil {
			return fmt.Errorf("reject %s: %w", d.ID, rerr)
		}
		return nil
	}

	log.Debug().Str("delivery", d.ID).Str("tenant", string(msg.Tenant)).Int("entities", len(msg.Data)).Msg("processing message")
	if err := c.Processor.Process(ctx, msg); err != nil {
		metrics.IngestedMessages.WithLabelValues("failed").Inc()
		return fmt.Errorf("process %s: %w", d.ID, err)
	}
	if err := c.Queue.Ack(ctx, d); err != nil {
		return err
	}
	metrics.IngestedMessages.WithLabelValues("acked").Inc()
	return nil
}
