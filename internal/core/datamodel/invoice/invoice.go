package invoice

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ItemTypeCharge     = "CHARGE"
	ItemTypeAdjustment = "ITEM_ADJ"
	ItemTypeCreditUsed = "CBA_USE"
)

const (
	PaymentTypeAttempt    = "ATTEMPT"
	PaymentTypeRefund     = "REFUND"
	PaymentTypeChargeback = "CHARGEBACK"
)

type Invoice struct {
	ID        uuid.UUID `gorm:"primaryKey;type:uuid"`
	AccountID uuid.UUID `gorm:"column:account_id;type:uuid;not null;index"`
	Currency  string    `gorm:"column:currency;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (Invoice) TableName() string {
	return "invoices"
}

type InvoiceItem struct {
	ID           uuid.UUID       `gorm:"primaryKey;type:uuid"`
	InvoiceID    uuid.UUID       `gorm:"column:invoice_id;type:uuid;not null;index"`
	LinkedItemID *uuid.UUID      `gorm:"column:linked_item_id;type:uuid"`
	ItemType     string          `gorm:"column:item_type;not null"`
	Description  string          `gorm:"column:description"`
	Amount       decimal.Decimal `gorm:"column:amount;type:decimal(20,9);not null"`
	CreatedAt    time.Time       `gorm:"column:created_at"`
}

func (InvoiceItem) TableName() string {
	return "invoice_items"
}

// InvoicePayment links a payment, or one of its refunds or chargebacks, to an invoice.
type InvoicePayment struct {
	ID          uuid.UUID       `gorm:"primaryKey;type:uuid"`
	InvoiceID   uuid.UUID       `gorm:"column:invoice_id;type:uuid;not null;index"`
	PaymentID   uuid.UUID       `gorm:"column:payment_id;type:uuid;not null;uniqueIndex:idx_invoice_payments_link"`
	PaymentType string          `gorm:"column:payment_type;not null;uniqueIndex:idx_invoice_payments_link"`
	LinkKey     string          `gorm:"column:link_key;not null;uniqueIndex:idx_invoice_payments_link"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(20,9);not null"`
	Currency    string          `gorm:"column:currency;not null"`
	Success     bool            `gorm:"column:success;not null"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at"`
}

func (InvoicePayment) TableName() string {
	return "invoice_payments"
}

// AccountCredit is unapplied credit that can be consumed against unpaid invoices.
type AccountCredit struct {
	AccountID uuid.UUID       `gorm:"primaryKey;type:uuid"`
	Currency  string          `gorm:"column:currency;not null"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(20,9);not null"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
}

func (AccountCredit) TableName() string {
	return "account_credits"
}
