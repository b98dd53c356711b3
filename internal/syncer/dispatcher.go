package syncer

import (
	"context"
	"log"
	"time"

	"github.com/driftmail/driftmail/internal/natsjs"
	"github.com/driftmail/driftmail/internal/store"
)

// Dispatcher drains the outbox into NATS. Events are written to the outbox
// in the same transaction as their index rows, so delivery is at-least-once;
// the JetStream msg id dedups the retries.
type Dispatcher struct {
	Store     *store.Store
	Publisher *natsjs.Publisher

	BatchSize    int
	IdleInterval time.Duration
	RetryBackoff time.Duration
}

func NewDispatcher(st *store.Store, pub *natsjs.Publisher) *Dispatcher {
	return &Dispatcher{
		Store:        st,
		Publisher:    pub,
		BatchSize:    100,
		IdleInterval: 500 * time.Millisecond,
		RetryBackoff: 10 * time.Second,
	}
}

// Run dispatches outbox messages until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.Store.DequeueOutbox(ctx, d.BatchSize)
		if err != nil {
			log.Printf("Error dequeuing outbox: %v", err)
			sleep(ctx, time.Second)
			continue
		}

		if len(messages) == 0 {
			sleep(ctx, d.IdleInterval)
			continue
		}

		for _, msg := range messages {
			if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				log.Printf("Error publishing message %d: %v", msg.ID, err)
				if err := d.Store.MarkOutboxRetry(ctx, msg.ID, d.RetryBackoff); err != nil {
					log.Printf("Error marking message %d for retry: %v", msg.ID, err)
				}
				continue
			}
			if err := d.Store.MarkPublished(ctx, msg.ID); err != nil {
				log.Printf("Error marking message %d as published: %v", msg.ID, err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
