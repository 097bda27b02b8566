package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	errs "github.com/frahmantamala/payment-engine/internal"
	controlmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/control"
	invoicemodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/invoice"
	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-engine/internal/invoice"
	"github.com/frahmantamala/payment-engine/internal/payment"
	"github.com/frahmantamala/payment-engine/internal/retry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const InvoicePaymentControlName = "__INVOICE_PAYMENT_CONTROL_PLUGIN__"

type Ledger interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (*invoicemodel.Invoice, error)
	GetBalance(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error)
	RebalanceCredit(ctx context.Context, accountID uuid.UUID) error
	GetInvoiceForPayment(ctx context.Context, paymentID uuid.UUID) (*invoicemodel.Invoice, []*invoicemodel.InvoiceItem, error)
	HasSuccessfulPayment(ctx context.Context, paymentID uuid.UUID, paymentType, linkKey string) (bool, error)
	NotifyOfPayment(ctx context.Context, notice invoice.PaymentNotice) error
	CreateRefund(ctx context.Context, req invoice.RefundRequest) error
	CreateChargeback(ctx context.Context, req invoice.ChargebackRequest) error
}

type AccountFlags interface {
	IsAutoPayOff(ctx context.Context, accountID uuid.UUID) (bool, error)
}

// EntryStore keeps the purchases deferred by the auto-pay-off flag.
type EntryStore interface {
	Insert(ctx context.Context, entry *controlmodel.AutoPayOffEntry) error
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*controlmodel.AutoPayOffEntry, error)
	Delete(ctx context.Context, ids []uuid.UUID) error
}

type Dependencies struct {
	Ledger  Ledger
	Flags   AccountFlags
	Entries EntryStore
	Retries payment.RetryScheduler
	Policy  retry.Policy
}

// InvoicePaymentControl ties purchases, refunds and chargebacks to the invoice ledger: it
// never lets a purchase pay more than the invoice owes, bounds refunds by the invoiced
// items and decides when a failed purchase is retried.
type InvoicePaymentControl struct {
	ledger  Ledger
	flags   AccountFlags
	entries EntryStore
	retries payment.RetryScheduler
	policy  retry.Policy
	logger  *slog.Logger
	now     func() time.Time
}

func NewInvoicePaymentControl(deps Dependencies, logger *slog.Logger) *InvoicePaymentControl {
	return &InvoicePaymentControl{
		ledger:  deps.Ledger,
		flags:   deps.Flags,
		entries: deps.Entries,
		retries: deps.Retries,
		policy:  deps.Policy,
		logger:  logger.With("plugin", InvoicePaymentControlName),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *InvoicePaymentControl) Name() string {
	return InvoicePaymentControlName
}

func (c *InvoicePaymentControl) PriorCall(ctx context.Context, cc *payment.ControlContext) (*payment.PriorResult, error) {
	switch cc.TransactionType {
	case paymentmodel.TransactionTypePurchase:
		return c.purchasePrior(ctx, cc)
	case paymentmodel.TransactionTypeRefund:
		return c.refundPrior(ctx, cc)
	default:
		return &payment.PriorResult{AdjustedAmount: cc.Amount}, nil
	}
}

func (c *InvoicePaymentControl) purchasePrior(ctx context.Context, cc *payment.ControlContext) (*payment.PriorResult, error) {
	invoiceID, err := invoiceIDFrom(cc.Properties)
	if err != nil {
		return nil, err
	}
	inv, err := c.ledger.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.AccountID != cc.AccountID {
		return nil, errs.NewValidationFieldError(PropInvoiceID,
			fmt.Sprintf("invoice %s does not belong to account %s", invoiceID, cc.AccountID),
			errs.ErrCodeValidationFailed)
	}
	if inv.Currency != cc.Currency {
		return nil, errs.NewValidationFieldError("currency",
			fmt.Sprintf("payment currency %s does not match invoice currency %s", cc.Currency, inv.Currency),
			errs.ErrCodeInvalidCurrency)
	}

	if err := c.ledger.RebalanceCredit(ctx, inv.AccountID); err != nil {
		return nil, fmt.Errorf("rebalance account credit: %w", err)
	}
	balance, err := c.ledger.GetBalance(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("invoice balance: %w", err)
	}

	amount, reason := purchaseAmount(balance, cc.Amount, cc.APIInitiated)
	log := c.logger.With(
		"invoice_id", invoiceID,
		"balance", balance,
		"payment_external_key", cc.PaymentExternalKey,
		"transaction_external_key", cc.TransactionExternalKey)

	if amount.IsZero() {
		log.Info("purchase aborted", "reason", reason)
		return &payment.PriorResult{Aborted: true, Reason: reason}, nil
	}

	if !cc.APIInitiated {
		deferred, err := c.deferIfAutoPayOff(ctx, cc, invoiceID, amount)
		if err != nil {
			return nil, err
		}
		if deferred {
			log.Info("purchase deferred by auto-pay-off", "amount", amount)
			return &payment.PriorResult{
				Aborted:        true,
				Deferred:       true,
				AdjustedAmount: &amount,
				Reason:         "account is flagged auto-pay-off",
			}, nil
		}
	}

	return &payment.PriorResult{AdjustedAmount: &amount}, nil
}

// purchaseAmount clamps the requested amount to the invoice balance. A zero result means
// abort: the invoice is paid, or an API caller asked for more than is owed.
func purchaseAmount(balance decimal.Decimal, requested *decimal.Decimal, apiInitiated bool) (decimal.Decimal, string) {
	if !balance.IsPositive() {
		return decimal.Zero, "invoice has already been paid"
	}
	if requested == nil {
		return balance, ""
	}
	if balance.LessThan(*requested) {
		if apiInitiated {
			return decimal.Zero, fmt.Sprintf("invoice balance %s is less than the requested amount %s", balance, requested)
		}
		return balance, ""
	}
	return *requested, ""
}

func (c *InvoicePaymentControl) deferIfAutoPayOff(ctx context.Context, cc *payment.ControlContext, invoiceID uuid.UUID, amount decimal.Decimal) (bool, error) {
	off, err := c.flags.IsAutoPayOff(ctx, cc.AccountID)
	if err != nil {
		return false, fmt.Errorf("auto-pay-off lookup: %w", err)
	}
	if !off {
		return false, nil
	}

	err = c.entries.Insert(ctx, &controlmodel.AutoPayOffEntry{
		ID:                     uuid.New(),
		AccountID:              cc.AccountID,
		PaymentExternalKey:     cc.PaymentExternalKey,
		TransactionExternalKey: cc.TransactionExternalKey,
		InvoiceID:              invoiceID,
		PluginName:             InvoicePaymentControlName,
		Amount:                 amount,
		Currency:               cc.Currency,
		Properties:             datatypes.JSONMap(cc.Properties),
		CreatedAt:              c.now(),
	})
	if err != nil {
		return false, fmt.Errorf("record auto-pay-off entry: %w", err)
	}
	return true, nil
}

func (c *InvoicePaymentControl) refundPrior(ctx context.Context, cc *payment.ControlContext) (*payment.PriorResult, error) {
	items, err := refundItemAmounts(cc.Properties)
	if err != nil {
		return nil, err
	}
	if (cc.Amount == nil || cc.Amount.IsZero()) && len(items) == 0 {
		return nil, errs.NewValidationFieldError("amount",
			"a refund amount or invoice item amounts are required", errs.ErrCodeMissingProperty)
	}
	if cc.PaymentID == nil {
		return nil, errs.NewNotFoundError("refund of an unknown payment", errs.ErrCodePaymentNotFound)
	}

	amount, err := c.refundAmount(ctx, *cc.PaymentID, cc.Amount, items)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return &payment.PriorResult{
			Aborted: true,
			Reason:  "invoice items to refund amount to zero",
		}, nil
	}
	return &payment.PriorResult{AdjustedAmount: &amount}, nil
}

// refundAmount is the upper bound of a refund: the requested amount, or the sum of the
// referenced invoice items. Earlier refunds of the same items are not deducted.
func (c *InvoicePaymentControl) refundAmount(ctx context.Context, paymentID uuid.UUID, requested *decimal.Decimal, overrides map[uuid.UUID]*decimal.Decimal) (decimal.Decimal, error) {
	if len(overrides) == 0 {
		if requested == nil || !requested.IsPositive() {
			return decimal.Zero, errs.NewValidationFieldError("amount",
				"a positive refund amount is required", errs.ErrCodeInvalidAmount)
		}
		return *requested, nil
	}

	resolved, err := c.resolveRefundItems(ctx, paymentID, overrides)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, amount := range resolved {
		total = total.Add(amount)
	}
	return total, nil
}

// resolveRefundItems validates the overrides against the invoice of the payment and fills
// in the full item amount where none was given.
func (c *InvoicePaymentControl) resolveRefundItems(ctx context.Context, paymentID uuid.UUID, overrides map[uuid.UUID]*decimal.Decimal) (map[uuid.UUID]decimal.Decimal, error) {
	_, items, err := c.ledger.GetInvoiceForPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*invoicemodel.InvoiceItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	ids := make([]uuid.UUID, 0, len(overrides))
	for id := range overrides {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	resolved := make(map[uuid.UUID]decimal.Decimal, len(ids))
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			return nil, errs.NewValidationFieldError(PropRefundIDsAmounts,
				fmt.Sprintf("unable to find invoice item %s", id), errs.ErrCodeUnknownInvoiceItem)
		}
		override := overrides[id]
		if override == nil {
			resolved[id] = item.Amount
			continue
		}
		if !override.IsPositive() || override.GreaterThan(item.Amount) {
			return nil, errs.NewValidationFieldError(PropRefundIDsAmounts,
				"invalid invoice item amount", errs.ErrCodeInvalidItemAmount)
		}
		resolved[id] = *override
	}
	return resolved, nil
}

func (c *InvoicePaymentControl) OnSuccessCall(ctx context.Context, cc *payment.ControlContext) error {
	if cc.PaymentID == nil || cc.Amount == nil {
		return errors.New("post-call context without payment")
	}
	paymentID := *cc.PaymentID
	log := c.logger.With("payment_id", paymentID, "transaction_id", cc.TransactionID)

	switch cc.TransactionType {
	case paymentmodel.TransactionTypePurchase:
		invoiceID, err := invoiceIDFrom(cc.Properties)
		if err != nil {
			return err
		}
		paid, err := c.ledger.HasSuccessfulPayment(ctx, paymentID, invoicemodel.PaymentTypeAttempt, "")
		if err != nil {
			return err
		}
		if paid {
			log.Info("invoice payment already recorded")
			return nil
		}
		return c.ledger.NotifyOfPayment(ctx, invoice.PaymentNotice{
			InvoiceID: invoiceID,
			PaymentID: paymentID,
			Amount:    *cc.Amount,
			Currency:  cc.Currency,
			Success:   true,
		})

	case paymentmodel.TransactionTypeRefund:
		done, err := c.ledger.HasSuccessfulPayment(ctx, paymentID, invoicemodel.PaymentTypeRefund, cc.TransactionExternalKey)
		if err != nil {
			return err
		}
		if done {
			log.Info("invoice refund already recorded")
			return nil
		}
		overrides, err := refundItemAmounts(cc.Properties)
		if err != nil {
			return err
		}
		req := invoice.RefundRequest{
			PaymentID:      paymentID,
			LinkKey:        cc.TransactionExternalKey,
			Amount:         *cc.Amount,
			Currency:       cc.Currency,
			WithAdjustment: refundWithAdjustments(cc.Properties),
		}
		if len(overrides) > 0 {
			if req.ItemAmounts, err = c.resolveRefundItems(ctx, paymentID, overrides); err != nil {
				return err
			}
		}
		return c.ledger.CreateRefund(ctx, req)

	case paymentmodel.TransactionTypeChargeback:
		amount, currency := *cc.Amount, cc.Currency
		if cc.ProcessedAmount.IsPositive() {
			amount = cc.ProcessedAmount
		}
		if cc.ProcessedCurrency != "" {
			currency = cc.ProcessedCurrency
		}
		return c.ledger.CreateChargeback(ctx, invoice.ChargebackRequest{
			PaymentID: paymentID,
			LinkKey:   cc.TransactionExternalKey,
			Amount:    amount,
			Currency:  currency,
		})
	}
	return nil
}

// OnFailureCall records a failed purchase on the invoice and returns the next retry date.
// Refunds and chargebacks are never retried.
func (c *InvoicePaymentControl) OnFailureCall(ctx context.Context, cc *payment.ControlContext) (*time.Time, error) {
	if cc.TransactionType != paymentmodel.TransactionTypePurchase {
		return nil, nil
	}

	invoiceID, err := invoiceIDFrom(cc.Properties)
	if err != nil {
		return nil, err
	}
	if cc.PaymentID != nil && cc.Amount != nil {
		err := c.ledger.NotifyOfPayment(ctx, invoice.PaymentNotice{
			InvoiceID: invoiceID,
			PaymentID: *cc.PaymentID,
			Amount:    *cc.Amount,
			Currency:  cc.Currency,
			Success:   false,
		})
		if err != nil {
			c.logger.Error("failed to record failed payment on invoice",
				"invoice_id", invoiceID,
				"payment_id", *cc.PaymentID,
				"error", err)
		}
	}

	return c.policy.NextRetry(cc.Transactions, cc.APIInitiated, c.now()), nil
}

// ProcessAutoPayOffRemoval schedules an immediate retry for every purchase deferred while
// the account was flagged, then drops the entries. It returns the number scheduled.
func (c *InvoicePaymentControl) ProcessAutoPayOffRemoval(ctx context.Context, accountID uuid.UUID) (int, error) {
	entries, err := c.entries.ListByAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("list auto-pay-off entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	now := c.now()
	ids := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		amount := entry.Amount
		req := payment.RetryRequest{
			AccountID:              entry.AccountID,
			PaymentExternalKey:     entry.PaymentExternalKey,
			TransactionExternalKey: entry.TransactionExternalKey,
			TransactionType:        paymentmodel.TransactionTypePurchase,
			Amount:                 &amount,
			Currency:               entry.Currency,
			Properties:             entry.Properties,
		}
		// entries already scheduled are deduplicated by their transaction key on re-drive
		if err := c.retries.ScheduleRetry(ctx, req, now); err != nil {
			return len(ids), fmt.Errorf("schedule deferred payment %s: %w", entry.TransactionExternalKey, err)
		}
		ids = append(ids, entry.ID)
	}

	if err := c.entries.Delete(ctx, ids); err != nil {
		return len(ids), fmt.Errorf("delete auto-pay-off entries: %w", err)
	}
	c.logger.Info("deferred payments released", "account_id", accountID, "count", len(ids))
	return len(ids), nil
}
