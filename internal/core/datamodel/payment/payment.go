package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionTypePurchase   TransactionType = "PURCHASE"
	TransactionTypeAuthorize  TransactionType = "AUTHORIZE"
	TransactionTypeCapture    TransactionType = "CAPTURE"
	TransactionTypeRefund     TransactionType = "REFUND"
	TransactionTypeChargeback TransactionType = "CHARGEBACK"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeAuthorize, TransactionTypeCapture,
		TransactionTypeRefund, TransactionTypeChargeback:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusUnknown        TransactionStatus = "UNKNOWN"
	StatusPending        TransactionStatus = "PENDING"
	StatusSuccess        TransactionStatus = "SUCCESS"
	StatusPaymentFailure TransactionStatus = "PAYMENT_FAILURE"
	StatusPluginFailure  TransactionStatus = "PLUGIN_FAILURE"
)

// IsTerminal reports whether no further automatic progression happens for the attempt.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusPaymentFailure || s == StatusPluginFailure
}

func (s TransactionStatus) IsFailure() bool {
	return s == StatusPaymentFailure || s == StatusPluginFailure
}

// ControlState tracks whether the post-call control hooks ran for a transaction.
type ControlState string

const (
	ControlStatePending   ControlState = "PENDING"
	ControlStateCompleted ControlState = "COMPLETED"
)

type Payment struct {
	ID                   uuid.UUID `gorm:"primaryKey;type:uuid"`
	AccountID            uuid.UUID `gorm:"column:account_id;type:uuid;not null;uniqueIndex:idx_payments_account_external_key"`
	ExternalKey          string    `gorm:"column:external_key;not null;uniqueIndex:idx_payments_account_external_key"`
	StateName            string    `gorm:"column:state_name;not null"`
	LastSuccessStateName *string   `gorm:"column:last_success_state_name"`
	CreatedAt            time.Time `gorm:"column:created_at"`
	UpdatedAt            time.Time `gorm:"column:updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

type PaymentTransaction struct {
	ID                uuid.UUID           `gorm:"primaryKey;type:uuid"`
	PaymentID         uuid.UUID           `gorm:"column:payment_id;type:uuid;not null;uniqueIndex:idx_payment_transactions_payment_external_key"`
	ExternalKey       string              `gorm:"column:external_key;not null;uniqueIndex:idx_payment_transactions_payment_external_key"`
	TransactionType   TransactionType     `gorm:"column:transaction_type;not null"`
	Amount            decimal.Decimal     `gorm:"column:amount;type:decimal(20,9);not null"`
	Currency          string              `gorm:"column:currency;not null"`
	ProcessedAmount   decimal.NullDecimal `gorm:"column:processed_amount;type:decimal(20,9)"`
	ProcessedCurrency *string             `gorm:"column:processed_currency"`
	Status            TransactionStatus   `gorm:"column:status;not null;index"`
	GatewayErrorCode  *string             `gorm:"column:gateway_error_code"`
	GatewayErrorMsg   *string             `gorm:"column:gateway_error_msg"`
	AttemptNumber     int                 `gorm:"column:attempt_number;not null"`
	APIInitiated      bool                `gorm:"column:api_initiated;not null"`
	ControlState      ControlState        `gorm:"column:control_state;not null;index"`
	JanitorSweeps     int                 `gorm:"column:janitor_sweeps;not null;default:0"`
	Properties        datatypes.JSONMap   `gorm:"column:properties"`
	CreatedAt         time.Time           `gorm:"column:created_at;index"`
	UpdatedAt         time.Time           `gorm:"column:updated_at"`
}

func (PaymentTransaction) TableName() string {
	return "payment_transactions"
}
