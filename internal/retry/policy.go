package retry

import (
	"time"

	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
)

// maxDelay bounds the exponential track so large attempt counts cannot overflow.
const maxDelay = 365 * 24 * time.Hour

// Policy computes when a failed purchase should be retried. Gateway declines follow
// the day-offset track, plugin failures the exponential track.
type Policy struct {
	PaymentFailureRetryDays   []int
	PluginFailureInitialDelay time.Duration
	PluginFailureMultiplier   int
	PluginFailureMaxAttempts  int
}

// NextRetry returns nil when no retry should be scheduled. history holds every
// transaction of the payment, oldest first, including the attempt that just failed.
func (p Policy) NextRetry(history []*paymentmodel.PaymentTransaction, isAPI bool, now time.Time) *time.Time {
	if isAPI {
		return nil
	}

	var last *paymentmodel.PaymentTransaction
	declined, errored := 0, 0
	for _, tx := range history {
		if tx.TransactionType != paymentmodel.TransactionTypePurchase {
			continue
		}
		last = tx
		switch tx.Status {
		case paymentmodel.StatusPaymentFailure:
			declined++
		case paymentmodel.StatusPluginFailure:
			errored++
		}
	}
	if last == nil {
		return nil
	}

	switch last.Status {
	case paymentmodel.StatusPaymentFailure:
		return p.paymentFailureRetry(declined, now)
	case paymentmodel.StatusPluginFailure:
		return p.pluginFailureRetry(errored, now)
	}
	return nil
}

func (p Policy) paymentFailureRetry(failures int, now time.Time) *time.Time {
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.PaymentFailureRetryDays) {
		return nil
	}
	at := now.AddDate(0, 0, p.PaymentFailureRetryDays[idx])
	return &at
}

func (p Policy) pluginFailureRetry(failures int, now time.Time) *time.Time {
	if failures < 1 || failures > p.PluginFailureMaxAttempts {
		return nil
	}
	at := now.Add(p.PluginFailureDelay(failures))
	return &at
}

// PluginFailureDelay is initial * multiplier^(attempt-1).
func (p Policy) PluginFailureDelay(attempt int) time.Duration {
	delay := p.PluginFailureInitialDelay
	multiplier := time.Duration(p.PluginFailureMultiplier)
	if multiplier < 1 {
		multiplier = 1
	}
	for i := 1; i < attempt; i++ {
		if delay > maxDelay/multiplier {
			return maxDelay
		}
		delay *= multiplier
	}
	return delay
}
