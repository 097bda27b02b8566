package invoice

import (
	"context"
	"errors"

	invoicemodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/invoice"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("invoice record not found")
	ErrDuplicateKey = errors.New("invoice payment already recorded")
)

type Repository interface {
	Transaction(ctx context.Context, fn func(repo Repository) error) error

	CreateInvoice(ctx context.Context, inv *invoicemodel.Invoice, items []*invoicemodel.InvoiceItem) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*invoicemodel.Invoice, error)
	// ListInvoicesByAccount returns the account's invoices, oldest first.
	ListInvoicesByAccount(ctx context.Context, accountID uuid.UUID) ([]*invoicemodel.Invoice, error)

	ListItems(ctx context.Context, invoiceID uuid.UUID) ([]*invoicemodel.InvoiceItem, error)
	CreateItems(ctx context.Context, items []*invoicemodel.InvoiceItem) error

	ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*invoicemodel.InvoicePayment, error)
	FindPayment(ctx context.Context, paymentID uuid.UUID, paymentType, linkKey string) (*invoicemodel.InvoicePayment, error)
	CreatePayment(ctx context.Context, p *invoicemodel.InvoicePayment) error
	UpdatePayment(ctx context.Context, p *invoicemodel.InvoicePayment) error

	GetCredit(ctx context.Context, accountID uuid.UUID) (*invoicemodel.AccountCredit, error)
	SaveCredit(ctx context.Context, credit *invoicemodel.AccountCredit) error
}

// Balance is what is still owed on an invoice: its items, minus successful payment
// attempts, plus successful refunds and chargebacks.
func Balance(items []*invoicemodel.InvoiceItem, payments []*invoicemodel.InvoicePayment) decimal.Decimal {
	balance := decimal.Zero
	for _, item := range items {
		balance = balance.Add(item.Amount)
	}
	for _, p := range payments {
		if !p.Success {
			continue
		}
		switch p.PaymentType {
		case invoicemodel.PaymentTypeAttempt:
			balance = balance.Sub(p.Amount)
		case invoicemodel.PaymentTypeRefund, invoicemodel.PaymentTypeChargeback:
			balance = balance.Add(p.Amount)
		}
	}
	return balance
}

type ItemInput struct {
	ItemType    string
	Description string
	Amount      decimal.Decimal
}

// PaymentNotice records the outcome of a purchase against an invoice.
type PaymentNotice struct {
	InvoiceID uuid.UUID
	PaymentID uuid.UUID
	Amount    decimal.Decimal
	Currency  string
	Success   bool
}

type RefundRequest struct {
	PaymentID uuid.UUID
	// LinkKey distinguishes several refunds of one payment, usually the transaction key.
	LinkKey  string
	Amount   decimal.Decimal
	Currency string
	// WithAdjustment also adjusts the invoice so the refund does not reopen its balance.
	WithAdjustment bool
	ItemAmounts    map[uuid.UUID]decimal.Decimal
}

type ChargebackRequest struct {
	PaymentID uuid.UUID
	LinkKey   string
	Amount    decimal.Decimal
	Currency  string
}
