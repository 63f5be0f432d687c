package ingest

import "context"

// Delivery is one message handed out by a Queue.
type Delivery struct {
	ID   string
	Body []byte
}

// Queue is an at-least-once queue with manual acknowledgment. Consume
// returns (nil, nil) when no message arrived within its poll window.
type Queue interface {
	Consume(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Reject(ctx context.Context, d *Delivery, requeue bool, reason string) error
}
