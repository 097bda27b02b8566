package janitor

import (
	"context"
	"fmt"

	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-engine/internal/core/events"
)

const payloadTransactionID = "transaction_id"

// Subscribe routes pending-transaction events to the janitor queue.
func (j *Janitor) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventTypeTransactionPending, j.ProcessPaymentEvent)
}

// ProcessPaymentEvent schedules a targeted check for attempts that ended PENDING or
// UNKNOWN. Other events are ignored.
func (j *Janitor) ProcessPaymentEvent(ctx context.Context, event events.Event) error {
	te, ok := event.(*events.TransactionEvent)
	if !ok {
		return nil
	}
	status := paymentmodel.TransactionStatus(te.Status)
	if status != paymentmodel.StatusPending && status != paymentmodel.StatusUnknown {
		return nil
	}
	if j.queue == nil || j.stopped.Load() {
		return nil
	}

	at := j.now().Add(j.cfg.PendingCheckDelay)
	_, err := j.queue.Enqueue(ctx, TaskCheckTransaction, map[string]interface{}{
		payloadTransactionID: te.TransactionID,
	}, at)
	if err != nil {
		return fmt.Errorf("schedule janitor check for %s: %w", te.TransactionID, err)
	}

	j.logger.Debug("janitor check scheduled",
		"transaction_id", te.TransactionID,
		"status", te.Status,
		"check_at", at)
	return nil
}
