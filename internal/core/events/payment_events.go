package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeTransactionSucceeded = "payment.transaction.succeeded"
	EventTypeTransactionFailed    = "payment.transaction.failed"
	EventTypeTransactionPending   = "payment.transaction.pending"
	EventTypeTransactionAborted   = "payment.transaction.aborted"
	EventTypeRetryScheduled       = "payment.retry.scheduled"
)

type TransactionEvent struct {
	BaseEvent
	AccountID              string `json:"account_id"`
	PaymentID              string `json:"payment_id"`
	TransactionID          string `json:"transaction_id"`
	PaymentExternalKey     string `json:"payment_external_key"`
	TransactionExternalKey string `json:"transaction_external_key"`
	TransactionType        string `json:"transaction_type"`
	Status                 string `json:"status"`
	Amount                 string `json:"amount"`
	Currency               string `json:"currency"`
	APIInitiated           bool   `json:"api_initiated"`
}

type TransactionEventParams struct {
	AccountID              string
	PaymentID              string
	TransactionID          string
	PaymentExternalKey     string
	TransactionExternalKey string
	TransactionType        string
	Status                 string
	Amount                 string
	Currency               string
	APIInitiated           bool
}

func NewTransactionEvent(eventType string, p TransactionEventParams) *TransactionEvent {
	return &TransactionEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"account_id":               p.AccountID,
				"payment_id":               p.PaymentID,
				"transaction_id":           p.TransactionID,
				"payment_external_key":     p.PaymentExternalKey,
				"transaction_external_key": p.TransactionExternalKey,
				"transaction_type":         p.TransactionType,
				"status":                   p.Status,
				"amount":                   p.Amount,
				"currency":                 p.Currency,
				"api_initiated":            p.APIInitiated,
			},
		},
		AccountID:              p.AccountID,
		PaymentID:              p.PaymentID,
		TransactionID:          p.TransactionID,
		PaymentExternalKey:     p.PaymentExternalKey,
		TransactionExternalKey: p.TransactionExternalKey,
		TransactionType:        p.TransactionType,
		Status:                 p.Status,
		Amount:                 p.Amount,
		Currency:               p.Currency,
		APIInitiated:           p.APIInitiated,
	}
}

// PartitionKey groups all events of one payment on the same Kafka partition.
func (e *TransactionEvent) PartitionKey() string {
	return e.PaymentID
}

type RetryScheduledEvent struct {
	BaseEvent
	AccountID          string    `json:"account_id"`
	PaymentExternalKey string    `json:"payment_external_key"`
	TransactionType    string    `json:"transaction_type"`
	RetryAt            time.Time `json:"retry_at"`
}

func NewRetryScheduledEvent(accountID, paymentExternalKey, transactionType string, retryAt time.Time) *RetryScheduledEvent {
	return &RetryScheduledEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeRetryScheduled,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"account_id":           accountID,
				"payment_external_key": paymentExternalKey,
				"transaction_type":     transactionType,
				"retry_at":             retryAt,
			},
		},
		AccountID:          accountID,
		PaymentExternalKey: paymentExternalKey,
		TransactionType:    transactionType,
		RetryAt:            retryAt,
	}
}

func (e *RetryScheduledEvent) PartitionKey() string {
	return e.AccountID + "/" + e.PaymentExternalKey
}
