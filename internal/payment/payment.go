package payment

import (
	"context"
	"errors"
	"time"

	errs "github.com/frahmantamala/payment-engine/internal"
	"github.com/frahmantamala/payment-engine/internal/core/common/validation"
	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-engine/internal/core/events"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate external key")
)

// Repository is the payment/transaction store. Lookups return ErrNotFound when nothing matches.
type Repository interface {
	Transaction(ctx context.Context, fn func(repo Repository) error) error

	CreatePayment(ctx context.Context, p *paymentmodel.Payment) error
	GetPaymentByID(ctx context.Context, id uuid.UUID) (*paymentmodel.Payment, error)
	GetPaymentByExternalKey(ctx context.Context, accountID uuid.UUID, externalKey string) (*paymentmodel.Payment, error)
	UpdatePaymentState(ctx context.Context, id uuid.UUID, stateName string, lastSuccessStateName *string) error

	CreateTransaction(ctx context.Context, tx *paymentmodel.PaymentTransaction) error
	GetTransactionByID(ctx context.Context, id uuid.UUID) (*paymentmodel.PaymentTransaction, error)
	GetTransactionByExternalKey(ctx context.Context, paymentID uuid.UUID, externalKey string) (*paymentmodel.PaymentTransaction, error)
	FindTransactionsByAccountAndExternalKey(ctx context.Context, accountID uuid.UUID, externalKey string) ([]*paymentmodel.PaymentTransaction, error)
	ListTransactionsByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]*paymentmodel.PaymentTransaction, error)
	UpdateTransactionResult(ctx context.Context, tx *paymentmodel.PaymentTransaction) error
	MarkControlCompleted(ctx context.Context, id uuid.UUID) error
	IncrementJanitorSweeps(ctx context.Context, id uuid.UUID) (int, error)

	FindStuckTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]*paymentmodel.PaymentTransaction, error)
	FindIncompleteTransactions(ctx context.Context, updatedBefore time.Time, limit int) ([]*paymentmodel.PaymentTransaction, error)
}

type GatewayRequest struct {
	TransactionType        paymentmodel.TransactionType
	PaymentID              uuid.UUID
	TransactionID          uuid.UUID
	PaymentExternalKey     string
	TransactionExternalKey string
	Amount                 decimal.Decimal
	Currency               string
	Properties             map[string]interface{}
}

// GatewayResult is the outcome of one gateway interaction. Status UNKNOWN means the
// gateway could not say.
type GatewayResult struct {
	Status            paymentmodel.TransactionStatus
	ProcessedAmount   decimal.Decimal
	ProcessedCurrency string
	ErrorCode         string
	ErrorMessage      string
}

type Gateway interface {
	Execute(ctx context.Context, req *GatewayRequest) (*GatewayResult, error)
}

// StatusQuerier is implemented by gateways that can report the outcome of a past call.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, req *GatewayRequest) (*GatewayResult, error)
}

// ControlContext is what control plugins see around a gateway call. The post-call
// fields are only set for OnSuccessCall / OnFailureCall.
type ControlContext struct {
	AccountID              uuid.UUID
	PaymentID              *uuid.UUID
	PaymentExternalKey     string
	TransactionExternalKey string
	TransactionType        paymentmodel.TransactionType
	Amount                 *decimal.Decimal
	Currency               string
	APIInitiated           bool
	Properties             map[string]interface{}
	Transactions           []*paymentmodel.PaymentTransaction

	TransactionID     uuid.UUID
	Status            paymentmodel.TransactionStatus
	ProcessedAmount   decimal.Decimal
	ProcessedCurrency string
}

type PriorResult struct {
	Aborted bool
	// Deferred marks an abort caused by the auto-pay-off flag.
	Deferred       bool
	AdjustedAmount *decimal.Decimal
	Reason         string
}

type ControlPlugin interface {
	Name() string
	PriorCall(ctx context.Context, cc *ControlContext) (*PriorResult, error)
	OnSuccessCall(ctx context.Context, cc *ControlContext) error
	// OnFailureCall returns the time of the next retry, or nil for none.
	OnFailureCall(ctx context.Context, cc *ControlContext) (*time.Time, error)
}

type RetryRequest struct {
	AccountID              uuid.UUID
	PaymentExternalKey     string
	TransactionExternalKey string
	TransactionType        paymentmodel.TransactionType
	Amount                 *decimal.Decimal
	Currency               string
	Properties             map[string]interface{}
}

type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, req RetryRequest, at time.Time) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type OperationRequest struct {
	AccountID              uuid.UUID
	PaymentExternalKey     string
	TransactionExternalKey string
	TransactionType        paymentmodel.TransactionType
	// Amount may be nil for a PURCHASE, in which case the control pipeline decides.
	Amount       *decimal.Decimal
	Currency     string
	APIInitiated bool
	Properties   map[string]interface{}
}

func (r *OperationRequest) Validate() *errs.AppError {
	v := validation.NewValidator()
	v.Field("account_id", r.AccountID).Required()
	v.Field("payment_external_key", r.PaymentExternalKey).Required().MaxLength(255)
	v.Field("transaction_external_key", r.TransactionExternalKey).Required().MaxLength(255)
	v.Field("transaction_type", r.TransactionType).OneOf(func(value interface{}) bool {
		t, ok := value.(paymentmodel.TransactionType)
		return ok && t.Valid()
	}, "transaction_type is not supported")
	v.Field("amount", r.Amount).NonNegative()
	v.Field("currency", r.Currency).Required().Currency()
	return v.Validate()
}

type TransactionView struct {
	AccountID              uuid.UUID
	PaymentID              uuid.UUID
	TransactionID          uuid.UUID
	PaymentExternalKey     string
	TransactionExternalKey string
	TransactionType        paymentmodel.TransactionType
	Status                 paymentmodel.TransactionStatus
	PaymentState           string
	Amount                 decimal.Decimal
	Currency               string
	ProcessedAmount        decimal.NullDecimal
	ProcessedCurrency      string
	GatewayErrorCode       string
	GatewayErrorMessage    string
	AttemptNumber          int
	NextRetryAt            *time.Time

	// Replayed is set when an existing attempt was returned instead of calling the gateway.
	Replayed bool
	Aborted  bool
	Deferred bool
}

func newTransactionView(p *paymentmodel.Payment, tx *paymentmodel.PaymentTransaction) *TransactionView {
	view := &TransactionView{
		AccountID:              p.AccountID,
		PaymentID:              p.ID,
		TransactionID:          tx.ID,
		PaymentExternalKey:     p.ExternalKey,
		TransactionExternalKey: tx.ExternalKey,
		TransactionType:        tx.TransactionType,
		Status:                 tx.Status,
		PaymentState:           p.StateName,
		Amount:                 tx.Amount,
		Currency:               tx.Currency,
		ProcessedAmount:        tx.ProcessedAmount,
		AttemptNumber:          tx.AttemptNumber,
	}
	if tx.ProcessedCurrency != nil {
		view.ProcessedCurrency = *tx.ProcessedCurrency
	}
	if tx.GatewayErrorCode != nil {
		view.GatewayErrorCode = *tx.GatewayErrorCode
	}
	if tx.GatewayErrorMsg != nil {
		view.GatewayErrorMessage = *tx.GatewayErrorMsg
	}
	return view
}
