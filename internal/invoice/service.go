package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	errs "github.com/frahmantamala/payment-engine/internal"
	"github.com/frahmantamala/payment-engine/internal/core/common/validation"
	invoicemodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/invoice"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service is the invoice ledger the payment control plugins consult and update.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateInvoice(ctx context.Context, accountID uuid.UUID, currency string, items []ItemInput) (*invoicemodel.Invoice, error) {
	v := validation.NewValidator()
	v.Field("account_id", accountID).Required()
	v.Field("currency", currency).Required().Currency()
	if appErr := v.Validate(); appErr != nil {
		return nil, appErr
	}
	if len(items) == 0 {
		return nil, errs.NewValidationFieldError("items", "at least one item is required", errs.ErrCodeValidationFailed)
	}

	now := s.now()
	inv := &invoicemodel.Invoice{
		ID:        uuid.New(),
		AccountID: accountID,
		Currency:  currency,
		CreatedAt: now,
	}
	rows := make([]*invoicemodel.InvoiceItem, 0, len(items))
	for _, in := range items {
		itemType := in.ItemType
		if itemType == "" {
			itemType = invoicemodel.ItemTypeCharge
		}
		rows = append(rows, &invoicemodel.InvoiceItem{
			ID:          uuid.New(),
			InvoiceID:   inv.ID,
			ItemType:    itemType,
			Description: in.Description,
			Amount:      in.Amount,
			CreatedAt:   now,
		})
	}

	if err := s.repo.CreateInvoice(ctx, inv, rows); err != nil {
		return nil, errs.NewInternalError("failed to create invoice", err)
	}
	s.logger.Info("invoice created", "invoice_id", inv.ID, "account_id", accountID, "items", len(rows))
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*invoicemodel.Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, notFound(err, "invoice %s not found", id)
	}
	return inv, nil
}

func (s *Service) GetItems(ctx context.Context, invoiceID uuid.UUID) ([]*invoicemodel.InvoiceItem, error) {
	return s.repo.ListItems(ctx, invoiceID)
}

func (s *Service) GetBalance(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	return balanceOf(ctx, s.repo, invoiceID)
}

func balanceOf(ctx context.Context, repo Repository, invoiceID uuid.UUID) (decimal.Decimal, error) {
	items, err := repo.ListItems(ctx, invoiceID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list invoice items: %w", err)
	}
	payments, err := repo.ListPayments(ctx, invoiceID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list invoice payments: %w", err)
	}
	return Balance(items, payments), nil
}

// GetInvoiceForPayment returns the invoice a purchase was applied to, with its items.
func (s *Service) GetInvoiceForPayment(ctx context.Context, paymentID uuid.UUID) (*invoicemodel.Invoice, []*invoicemodel.InvoiceItem, error) {
	link, err := s.repo.FindPayment(ctx, paymentID, invoicemodel.PaymentTypeAttempt, "")
	if err != nil {
		return nil, nil, notFound(err, "no invoice recorded for payment %s", paymentID)
	}
	inv, err := s.GetInvoice(ctx, link.InvoiceID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.repo.ListItems(ctx, inv.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list invoice items: %w", err)
	}
	return inv, items, nil
}

// HasSuccessfulPayment reports whether a successful link of the given type exists. The
// purchase attempt of a payment uses an empty link key.
func (s *Service) HasSuccessfulPayment(ctx context.Context, paymentID uuid.UUID, paymentType, linkKey string) (bool, error) {
	link, err := s.repo.FindPayment(ctx, paymentID, paymentType, linkKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return link.Success, nil
}

// NotifyOfPayment records a purchase attempt against an invoice. Each payment has one
// attempt link; a later success upgrades a failed link and a success is never downgraded.
func (s *Service) NotifyOfPayment(ctx context.Context, notice PaymentNotice) error {
	return s.repo.Transaction(ctx, func(repo Repository) error {
		inv, err := repo.GetInvoice(ctx, notice.InvoiceID)
		if err != nil {
			return notFound(err, "invoice %s not found", notice.InvoiceID)
		}
		if inv.Currency != notice.Currency {
			return errs.NewValidationFieldError("currency",
				fmt.Sprintf("payment currency %s does not match invoice currency %s", notice.Currency, inv.Currency),
				errs.ErrCodeInvalidCurrency)
		}

		now := s.now()
		existing, err := repo.FindPayment(ctx, notice.PaymentID, invoicemodel.PaymentTypeAttempt, "")
		switch {
		case errors.Is(err, ErrNotFound):
			return repo.CreatePayment(ctx, &invoicemodel.InvoicePayment{
				ID:          uuid.New(),
				InvoiceID:   notice.InvoiceID,
				PaymentID:   notice.PaymentID,
				PaymentType: invoicemodel.PaymentTypeAttempt,
				Amount:      notice.Amount,
				Currency:    notice.Currency,
				Success:     notice.Success,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		case err != nil:
			return err
		case existing.Success:
			return nil
		}

		existing.Amount = notice.Amount
		existing.Currency = notice.Currency
		existing.Success = notice.Success
		existing.UpdatedAt = now
		return repo.UpdatePayment(ctx, existing)
	})
}

// CreateRefund links a successful refund to the invoice of the refunded payment.
// It is idempotent per (payment, link key).
func (s *Service) CreateRefund(ctx context.Context, req RefundRequest) error {
	return s.repo.Transaction(ctx, func(repo Repository) error {
		attempt, err := repo.FindPayment(ctx, req.PaymentID, invoicemodel.PaymentTypeAttempt, "")
		if err != nil {
			return notFound(err, "no invoice recorded for payment %s", req.PaymentID)
		}
		if _, err := repo.FindPayment(ctx, req.PaymentID, invoicemodel.PaymentTypeRefund, req.LinkKey); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := s.now()
		if req.WithAdjustment {
			adjustments, err := refundAdjustments(ctx, repo, attempt.InvoiceID, req, now)
			if err != nil {
				return err
			}
			if err := repo.CreateItems(ctx, adjustments); err != nil {
				return fmt.Errorf("create refund adjustments: %w", err)
			}
		}

		err = repo.CreatePayment(ctx, &invoicemodel.InvoicePayment{
			ID:          uuid.New(),
			InvoiceID:   attempt.InvoiceID,
			PaymentID:   req.PaymentID,
			PaymentType: invoicemodel.PaymentTypeRefund,
			LinkKey:     req.LinkKey,
			Amount:      req.Amount,
			Currency:    req.Currency,
			Success:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if errors.Is(err, ErrDuplicateKey) {
			return nil
		}
		return err
	})
}

func refundAdjustments(ctx context.Context, repo Repository, invoiceID uuid.UUID, req RefundRequest, now time.Time) ([]*invoicemodel.InvoiceItem, error) {
	if len(req.ItemAmounts) == 0 {
		return []*invoicemodel.InvoiceItem{{
			ID:          uuid.New(),
			InvoiceID:   invoiceID,
			ItemType:    invoicemodel.ItemTypeAdjustment,
			Description: "refund adjustment",
			Amount:      req.Amount.Neg(),
			CreatedAt:   now,
		}}, nil
	}

	items, err := repo.ListItems(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list invoice items: %w", err)
	}
	known := make(map[uuid.UUID]bool, len(items))
	for _, item := range items {
		known[item.ID] = true
	}

	adjustments := make([]*invoicemodel.InvoiceItem, 0, len(req.ItemAmounts))
	for itemID, amount := range req.ItemAmounts {
		if !known[itemID] {
			return nil, errs.NewValidationFieldError("invoice_item_id",
				fmt.Sprintf("unable to find invoice item %s", itemID), errs.ErrCodeUnknownInvoiceItem)
		}
		linked := itemID
		adjustments = append(adjustments, &invoicemodel.InvoiceItem{
			ID:           uuid.New(),
			InvoiceID:    invoiceID,
			LinkedItemID: &linked,
			ItemType:     invoicemodel.ItemTypeAdjustment,
			Description:  "refund adjustment",
			Amount:       amount.Neg(),
			CreatedAt:    now,
		})
	}
	return adjustments, nil
}

// CreateChargeback links a successful chargeback to the invoice of the disputed payment.
func (s *Service) CreateChargeback(ctx context.Context, req ChargebackRequest) error {
	return s.repo.Transaction(ctx, func(repo Repository) error {
		attempt, err := repo.FindPayment(ctx, req.PaymentID, invoicemodel.PaymentTypeAttempt, "")
		if err != nil {
			return notFound(err, "no invoice recorded for payment %s", req.PaymentID)
		}

		now := s.now()
		err = repo.CreatePayment(ctx, &invoicemodel.InvoicePayment{
			ID:          uuid.New(),
			InvoiceID:   attempt.InvoiceID,
			PaymentID:   req.PaymentID,
			PaymentType: invoicemodel.PaymentTypeChargeback,
			LinkKey:     req.LinkKey,
			Amount:      req.Amount,
			Currency:    req.Currency,
			Success:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if errors.Is(err, ErrDuplicateKey) {
			return nil
		}
		return err
	})
}

func (s *Service) AddCredit(ctx context.Context, accountID uuid.UUID, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errs.NewValidationFieldError("amount", "credit must be positive", errs.ErrCodeInvalidAmount)
	}
	return s.repo.Transaction(ctx, func(repo Repository) error {
		credit, err := repo.GetCredit(ctx, accountID)
		if errors.Is(err, ErrNotFound) {
			credit = &invoicemodel.AccountCredit{AccountID: accountID, Currency: currency, Amount: decimal.Zero}
		} else if err != nil {
			return err
		}
		if credit.Currency != currency {
			return errs.NewValidationFieldError("currency", "credit currency does not match account credit", errs.ErrCodeInvalidCurrency)
		}
		credit.Amount = credit.Amount.Add(amount)
		credit.UpdatedAt = s.now()
		return repo.SaveCredit(ctx, credit)
	})
}

// RebalanceCredit consumes the account's unapplied credit against its unpaid invoices,
// oldest invoice first.
func (s *Service) RebalanceCredit(ctx context.Context, accountID uuid.UUID) error {
	return s.repo.Transaction(ctx, func(repo Repository) error {
		credit, err := repo.GetCredit(ctx, accountID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !credit.Amount.IsPositive() {
			return nil
		}

		invoices, err := repo.ListInvoicesByAccount(ctx, accountID)
		if err != nil {
			return fmt.Errorf("list account invoices: %w", err)
		}

		now := s.now()
		remaining := credit.Amount
		for _, inv := range invoices {
			if !remaining.IsPositive() {
				break
			}
			if inv.Currency != credit.Currency {
				continue
			}
			balance, err := balanceOf(ctx, repo, inv.ID)
			if err != nil {
				return err
			}
			if !balance.IsPositive() {
				continue
			}

			used := decimal.Min(balance, remaining)
			err = repo.CreateItems(ctx, []*invoicemodel.InvoiceItem{{
				ID:          uuid.New(),
				InvoiceID:   inv.ID,
				ItemType:    invoicemodel.ItemTypeCreditUsed,
				Description: "account credit applied",
				Amount:      used.Neg(),
				CreatedAt:   now,
			}})
			if err != nil {
				return fmt.Errorf("apply credit: %w", err)
			}
			remaining = remaining.Sub(used)
			s.logger.Info("account credit applied", "account_id", accountID, "invoice_id", inv.ID, "amount", used)
		}

		if remaining.Equal(credit.Amount) {
			return nil
		}
		credit.Amount = remaining
		credit.UpdatedAt = now
		return repo.SaveCredit(ctx, credit)
	})
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, ErrNotFound) {
		return errs.NewNotFoundError(fmt.Sprintf(format, args...), errs.ErrCodeInvoiceNotFound)
	}
	return err
}
