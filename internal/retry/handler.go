package retry

import (
	"context"
	"fmt"
	"log/slog"

	errs "github.com/frahmantamala/payment-engine/internal"
	notificationmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/notification"
	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-engine/internal/payment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Executor interface {
	ExecuteOperation(ctx context.Context, req payment.OperationRequest) (*payment.TransactionView, error)
}

// Handler re-drives a payment operation from a retry notification. Redelivery is safe:
// the notification carries the attempt's transaction key, which the engine deduplicates.
type Handler struct {
	engine Executor
	logger *slog.Logger
}

func NewHandler(engine Executor, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

func (h *Handler) Handle(ctx context.Context, n *notificationmodel.Notification) error {
	req, err := decodeRequest(n.Payload)
	if err != nil {
		// a payload that cannot be decoded never will be
		h.logger.Error("dropping malformed retry notification", "notification_id", n.ID, "error", err)
		return nil
	}

	log := h.logger.With(
		"notification_id", n.ID,
		"payment_external_key", req.PaymentExternalKey,
		"transaction_external_key", req.TransactionExternalKey)

	view, err := h.engine.ExecuteOperation(errs.WithInitiator(ctx, errs.InitiatorRetry), req)
	if err != nil {
		if permanent(err) {
			log.Warn("retry not applicable, dropping", "error", err)
			return nil
		}
		return fmt.Errorf("re-drive %s: %w", req.TransactionExternalKey, err)
	}

	log.Info("payment retry executed",
		"status", view.Status,
		"replayed", view.Replayed,
		"aborted", view.Aborted)
	return nil
}

func permanent(err error) bool {
	return errs.IsType(err, errs.ErrorTypeValidation) ||
		errs.IsType(err, errs.ErrorTypeConflict) ||
		errs.IsType(err, errs.ErrorTypeAborted) ||
		errs.IsType(err, errs.ErrorTypeNotFound) ||
		isIllegalTransition(err)
}

func isIllegalTransition(err error) bool {
	appErr, ok := errs.IsAppError(err)
	return ok && appErr.Code == errs.ErrCodeIllegalTransition
}

func decodeRequest(payload map[string]interface{}) (payment.OperationRequest, error) {
	var req payment.OperationRequest

	accountID, err := uuid.Parse(stringValue(payload, keyAccountID))
	if err != nil {
		return req, fmt.Errorf("account_id: %w", err)
	}
	req.AccountID = accountID
	req.PaymentExternalKey = stringValue(payload, keyPaymentExternalKey)
	req.TransactionExternalKey = stringValue(payload, keyTransactionExternalKey)
	req.TransactionType = paymentmodel.TransactionType(stringValue(payload, keyTransactionType))
	req.Currency = stringValue(payload, keyCurrency)

	if raw := stringValue(payload, keyAmount); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return req, fmt.Errorf("amount: %w", err)
		}
		req.Amount = &amount
	}
	if props, ok := payload[keyProperties].(map[string]interface{}); ok {
		req.Properties = props
	}

	if req.PaymentExternalKey == "" || req.TransactionExternalKey == "" || !req.TransactionType.Valid() {
		return req, fmt.Errorf("incomplete retry payload")
	}
	return req, nil
}

func stringValue(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
