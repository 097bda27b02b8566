package paymentgateway

import (
	"errors"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSuccess  Status = "SUCCESS"
	StatusDeclined Status = "DECLINED"
	StatusError    Status = "ERROR"
)

type OperationRequest struct {
	Operation              string            `json:"operation"`
	PaymentID              string            `json:"payment_id"`
	TransactionID          string            `json:"transaction_id"`
	TransactionExternalKey string            `json:"transaction_external_key"`
	Amount                 decimal.Decimal   `json:"amount"`
	Currency               string            `json:"currency"`
	Properties             map[string]string `json:"properties,omitempty"`
}

func (r *OperationRequest) Validate() error {
	if r.TransactionExternalKey == "" {
		return errors.New("transaction_external_key is required")
	}
	if r.Amount.IsNegative() {
		return errors.New("amount cannot be negative")
	}
	if r.Currency == "" {
		return errors.New("currency is required")
	}
	return nil
}

type OperationData struct {
	ID                     string          `json:"id"`
	TransactionExternalKey string          `json:"transaction_external_key"`
	Status                 Status          `json:"status"`
	ProcessedAmount        decimal.Decimal `json:"processed_amount"`
	ProcessedCurrency      string          `json:"processed_currency"`
	ErrorCode              string          `json:"error_code,omitempty"`
	ErrorMessage           string          `json:"error_message,omitempty"`
}

type OperationResponse struct {
	Data OperationData `json:"data"`
}
