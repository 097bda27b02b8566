package notification

import (
	"context"
	"time"

	notificationmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/notification"
	"github.com/google/uuid"
)

// Store persists notifications. Claim moves ready rows to IN_PROCESSING so that only one
// poller delivers each of them.
type Store interface {
	Insert(ctx context.Context, n *notificationmodel.Notification) error
	ClaimReady(ctx context.Context, queueName string, now time.Time, limit int) ([]*notificationmodel.Notification, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Reschedule(ctx context.Context, id uuid.UUID, effectiveAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	ReclaimStale(ctx context.Context, queueName string, claimedBefore time.Time) (int64, error)
	ListByState(ctx context.Context, queueName string, state notificationmodel.ProcessingState) ([]*notificationmodel.Notification, error)
}

// Handler consumes one notification. It may run more than once for the same payload.
type Handler func(ctx context.Context, n *notificationmodel.Notification) error

type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	Workers         int
	MaxDeliveries   int
	RedeliveryDelay time.Duration
	ClaimTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = 30 * time.Second
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Minute
	}
	return c
}
