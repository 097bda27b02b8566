package control

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// AutoPayOffEntry is a purchase deferred while the account carried the auto-pay-off flag.
type AutoPayOffEntry struct {
	ID                     uuid.UUID         `gorm:"primaryKey;type:uuid"`
	AccountID              uuid.UUID         `gorm:"column:account_id;type:uuid;not null;uniqueIndex:idx_auto_pay_off_attempt"`
	PaymentExternalKey     string            `gorm:"column:payment_external_key;not null"`
	TransactionExternalKey string            `gorm:"column:transaction_external_key;not null;uniqueIndex:idx_auto_pay_off_attempt"`
	InvoiceID              uuid.UUID         `gorm:"column:invoice_id;type:uuid;not null"`
	PluginName             string            `gorm:"column:plugin_name;not null"`
	Amount                 decimal.Decimal   `gorm:"column:amount;type:decimal(20,9);not null"`
	Currency               string            `gorm:"column:currency;not null"`
	Properties             datatypes.JSONMap `gorm:"column:properties"`
	CreatedAt              time.Time         `gorm:"column:created_at"`
}

func (AutoPayOffEntry) TableName() string {
	return "auto_pay_off_entries"
}
