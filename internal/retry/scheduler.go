package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/payment-engine/internal/payment"
	"github.com/google/uuid"
)

const (
	QueueName        = "payment-retry"
	TaskRetryPayment = "retry.payment"
)

const (
	keyAccountID              = "account_id"
	keyPaymentExternalKey     = "payment_external_key"
	keyTransactionExternalKey = "transaction_external_key"
	keyTransactionType        = "transaction_type"
	keyAmount                 = "amount"
	keyCurrency               = "currency"
	keyProperties             = "properties"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, task string, payload map[string]interface{}, effectiveAt time.Time) (uuid.UUID, error)
}

// Scheduler turns retry requests into delayed notifications.
type Scheduler struct {
	queue  Enqueuer
	logger *slog.Logger
}

func NewScheduler(queue Enqueuer, logger *slog.Logger) *Scheduler {
	return &Scheduler{queue: queue, logger: logger}
}

func (s *Scheduler) ScheduleRetry(ctx context.Context, req payment.RetryRequest, at time.Time) error {
	payload := map[string]interface{}{
		keyAccountID:              req.AccountID.String(),
		keyPaymentExternalKey:     req.PaymentExternalKey,
		keyTransactionExternalKey: req.TransactionExternalKey,
		keyTransactionType:        string(req.TransactionType),
		keyCurrency:               req.Currency,
	}
	if req.Amount != nil {
		payload[keyAmount] = req.Amount.String()
	}
	if len(req.Properties) > 0 {
		payload[keyProperties] = req.Properties
	}

	id, err := s.queue.Enqueue(ctx, TaskRetryPayment, payload, at)
	if err != nil {
		return fmt.Errorf("schedule retry for %s: %w", req.TransactionExternalKey, err)
	}

	s.logger.Info("payment retry scheduled",
		"notification_id", id,
		"account_id", req.AccountID,
		"payment_external_key", req.PaymentExternalKey,
		"transaction_external_key", req.TransactionExternalKey,
		"retry_at", at)
	return nil
}
