package control_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	errs "github.com/frahmantamala/payment-engine/internal"
	"github.com/frahmantamala/payment-engine/internal/account"
	accountpg "github.com/frahmantamala/payment-engine/internal/account/postgres"
	"github.com/frahmantamala/payment-engine/internal/control"
	controlpg "github.com/frahmantamala/payment-engine/internal/control/postgres"
	"github.com/frahmantamala/payment-engine/internal/core/common/testdb"
	invoicemodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/invoice"
	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-engine/internal/invoice"
	invoicepg "github.com/frahmantamala/payment-engine/internal/invoice/postgres"
	"github.com/frahmantamala/payment-engine/internal/payment"
	paymentpg "github.com/frahmantamala/payment-engine/internal/payment/postgres"
	"github.com/frahmantamala/payment-engine/internal/retry"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type scriptedGateway struct {
	mu       sync.Mutex
	statuses []paymentmodel.TransactionStatus
	calls    int
}

func (g *scriptedGateway) Execute(_ context.Context, req *payment.GatewayRequest) (*payment.GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	status := paymentmodel.StatusSuccess
	if len(g.statuses) > 0 {
		status, g.statuses = g.statuses[0], g.statuses[1:]
	}
	return &payment.GatewayResult{Status: status, ProcessedAmount: req.Amount, ProcessedCurrency: req.Currency}, nil
}

type scheduledRetry struct {
	req payment.RetryRequest
	at  time.Time
}

type recordingScheduler struct {
	scheduled []scheduledRetry
	err       error
}

func (s *recordingScheduler) ScheduleRetry(_ context.Context, req payment.RetryRequest, at time.Time) error {
	if s.err != nil {
		return s.err
	}
	s.scheduled = append(s.scheduled, scheduledRetry{req: req, at: at})
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func amountOf(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

var _ = Describe("InvoicePaymentControl", func() {
	var (
		db        *gorm.DB
		ctx       context.Context
		logger    *slog.Logger
		repo      *paymentpg.PaymentRepository
		ledger    *invoice.Service
		entries   *controlpg.AutoPayOffRepository
		retries   *recordingScheduler
		gateway   *scriptedGateway
		plugin    *control.InvoicePaymentControl
		engine    *payment.Engine
		accounts  *account.Service
		accountID uuid.UUID
		inv       *invoicemodel.Invoice
	)

	BeforeEach(func() {
		var err error
		db, err = testdb.Open()
		Expect(err).ToNot(HaveOccurred())
		ctx = context.Background()
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		accountID = uuid.New()

		repo = paymentpg.NewPaymentRepository(db)
		ledger = invoice.NewService(invoicepg.NewInvoiceRepository(db), logger)
		entries = controlpg.NewAutoPayOffRepository(db)
		accountRepo := accountpg.NewAccountRepository(db)
		retries = &recordingScheduler{}
		gateway = &scriptedGateway{}

		plugin = control.NewInvoicePaymentControl(control.Dependencies{
			Ledger:  ledger,
			Flags:   account.NewFlags(accountRepo),
			Entries: entries,
			Retries: retries,
			Policy: retry.Policy{
				PaymentFailureRetryDays:   []int{8, 8, 8},
				PluginFailureInitialDelay: 5 * time.Minute,
				PluginFailureMultiplier:   2,
				PluginFailureMaxAttempts:  3,
			},
		}, logger)
		registry := control.NewRegistry()
		Expect(registry.Register(plugin)).To(Succeed())
		pipeline, err := registry.Pipeline([]string{control.InvoicePaymentControlName}, logger)
		Expect(err).ToNot(HaveOccurred())

		engine = payment.NewEngine(payment.Dependencies{
			Repository: repo,
			Gateway:    gateway,
			Control:    pipeline,
			Retries:    retries,
		}, logger)
		accounts = account.NewService(accountRepo, plugin, logger)

		inv, err = ledger.CreateInvoice(ctx, accountID, "USD", []invoice.ItemInput{
			{Description: "plan", Amount: dec("25.00")},
			{Description: "usage", Amount: dec("35.00")},
		})
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})

	purchase := func(paymentKey, txKey string, amount *decimal.Decimal, api bool) (*payment.TransactionView, error) {
		return engine.ExecuteOperation(ctx, payment.OperationRequest{
			AccountID:              accountID,
			PaymentExternalKey:     paymentKey,
			TransactionExternalKey: txKey,
			TransactionType:        paymentmodel.TransactionTypePurchase,
			Amount:                 amount,
			Currency:               "USD",
			APIInitiated:           api,
			Properties:             map[string]interface{}{control.PropInvoiceID: inv.ID.String()},
		})
	}

	refund := func(paymentKey, txKey string, amount *decimal.Decimal, props map[string]interface{}) (*payment.TransactionView, error) {
		return engine.ExecuteOperation(ctx, payment.OperationRequest{
			AccountID:              accountID,
			PaymentExternalKey:     paymentKey,
			TransactionExternalKey: txKey,
			TransactionType:        paymentmodel.TransactionTypeRefund,
			Amount:                 amount,
			Currency:               "USD",
			APIInitiated:           true,
			Properties:             props,
		})
	}

	balance := func() decimal.Decimal {
		b, err := ledger.GetBalance(ctx, inv.ID)
		Expect(err).ToNot(HaveOccurred())
		return b
	}

	itemIDs := func() (uuid.UUID, uuid.UUID) {
		items, err := ledger.GetItems(ctx, inv.ID)
		Expect(err).ToNot(HaveOccurred())
		var plan, usage uuid.UUID
		for _, item := range items {
			if item.Description == "plan" {
				plan = item.ID
			} else {
				usage = item.ID
			}
		}
		return plan, usage
	}

	Describe("purchase", func() {
		It("aborts an API purchase of 100.00 against a balance of 60.00", func() {
			// When
			view, err := purchase("pay-1", "tx-1", amountOf("100.00"), true)

			// Then
			Expect(view).To(BeNil())
			appErr, ok := errs.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(errs.ErrorTypeAborted))
			Expect(appErr.Code).To(Equal(errs.ErrCodePaymentAborted))
			Expect(gateway.calls).To(Equal(0))
			_, err = repo.GetPaymentByExternalKey(ctx, accountID, "pay-1")
			Expect(errors.Is(err, payment.ErrNotFound)).To(BeTrue())
			Expect(balance().Equal(dec("60"))).To(BeTrue())
		})

		It("clamps an internal purchase to the balance", func() {
			view, err := purchase("pay-1", "tx-1", amountOf("100.00"), false)

			Expect(err).ToNot(HaveOccurred())
			Expect(view.Status).To(Equal(paymentmodel.StatusSuccess))
			Expect(view.Amount.Equal(dec("60"))).To(BeTrue())
			Expect(balance().IsZero()).To(BeTrue())
		})

		It("charges the balance when no amount is requested", func() {
			view, err := purchase("pay-1", "tx-1", nil, true)

			Expect(err).ToNot(HaveOccurred())
			Expect(view.Amount.Equal(dec("60"))).To(BeTrue())
		})

		It("aborts an internal purchase of a paid invoice without calling the gateway", func() {
			// Given
			_, err := purchase("pay-1", "tx-1", nil, false)
			Expect(err).ToNot(HaveOccurred())

			// When
			view, err := purchase("pay-2", "tx-2", nil, false)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(view.Aborted).To(BeTrue())
			Expect(gateway.calls).To(Equal(1))
		})

		It("never pays more than the invoice owed", func() {
			// Given
			gateway.statuses = []paymentmodel.TransactionStatus{paymentmodel.StatusPaymentFailure}
			paid := decimal.Zero
			attempts := []struct {
				paymentKey, txKey string
				amount            *decimal.Decimal
			}{
				{"pay-1", "tx-1", amountOf("50")},
				{"pay-1", "tx-1-2", amountOf("40")},
				{"pay-2", "tx-2", amountOf("100")},
				{"pay-3", "tx-3", nil},
				{"pay-4", "tx-4", amountOf("5")},
			}

			// When
			for _, a := range attempts {
				view, err := purchase(a.paymentKey, a.txKey, a.amount, false)
				Expect(err).ToNot(HaveOccurred())
				if view.Status == paymentmodel.StatusSuccess {
					paid = paid.Add(view.Amount)
				}
			}

			// Then
			Expect(paid.Equal(dec("60"))).To(BeTrue())
			Expect(balance().IsZero()).To(BeTrue())
		})

		It("records a declined purchase and schedules the day-offset retry", func() {
			// Given
			gateway.statuses = []paymentmodel.TransactionStatus{paymentmodel.StatusPaymentFailure}
			before := time.Now().UTC()

			// When
			view, err := purchase("pay-1", "tx-1", nil, false)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(view.Status).To(Equal(paymentmodel.StatusPaymentFailure))
			Expect(view.NextRetryAt).ToNot(BeNil())
			Expect(retries.scheduled).To(HaveLen(1))
			Expect(retries.scheduled[0].req.TransactionExternalKey).To(Equal("tx-1-2"))
			Expect(retries.scheduled[0].at).To(BeTemporally("~", before.AddDate(0, 0, 8), time.Minute))

			paid, err := ledger.HasSuccessfulPayment(ctx, view.PaymentID, invoicemodel.PaymentTypeAttempt, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(paid).To(BeFalse())
			Expect(balance().Equal(dec("60"))).To(BeTrue())
		})

		It("does not retry a declined API purchase", func() {
			gateway.statuses = []paymentmodel.TransactionStatus{paymentmodel.StatusPaymentFailure}

			view, err := purchase("pay-1", "tx-1", nil, true)

			Expect(err).ToNot(HaveOccurred())
			Expect(view.NextRetryAt).To(BeNil())
			Expect(retries.scheduled).To(BeEmpty())
		})

		It("rejects a purchase without an invoice before any gateway contact", func() {
			_, err := engine.ExecuteOperation(ctx, payment.OperationRequest{
				AccountID:              accountID,
				PaymentExternalKey:     "pay-1",
				TransactionExternalKey: "tx-1",
				TransactionType:        paymentmodel.TransactionTypePurchase,
				Amount:                 amountOf("10"),
				Currency:               "USD",
				APIInitiated:           true,
			})

			Expect(errs.IsType(err, errs.ErrorTypeValidation)).To(BeTrue())
			Expect(gateway.calls).To(Equal(0))
		})
	})

	Describe("refund", func() {
		BeforeEach(func() {
			_, err := purchase("pay-1", "tx-1", nil, true)
			Expect(err).ToNot(HaveOccurred())
		})

		It("rejects an item amount above the invoiced amount without creating a transaction", func() {
			// Given
			plan, usage := itemIDs()
			props := map[string]interface{}{
				control.PropRefundIDsAmounts: map[string]interface{}{
					plan.String():  "30.00",
					usage.String(): "20.00",
				},
			}

			// When
			_, err := refund("pay-1", "refund-1", nil, props)

			// Then
			Expect(errs.IsType(err, errs.ErrorTypeValidation)).To(BeTrue())
			Expect(err.Error()).To(Equal("invalid invoice item amount"))
			p, err := repo.GetPaymentByExternalKey(ctx, accountID, "pay-1")
			Expect(err).ToNot(HaveOccurred())
			txs, err := repo.ListTransactionsByPaymentID(ctx, p.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(txs).To(HaveLen(1))
			Expect(gateway.calls).To(Equal(1))
		})

		It("rejects an unknown invoice item", func() {
			props := map[string]interface{}{
				control.PropRefundIDsAmounts: map[string]interface{}{uuid.NewString(): "5"},
			}

			_, err := refund("pay-1", "refund-1", nil, props)

			appErr, ok := errs.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(errs.ErrorTypeValidation))
		})

		It("requires an amount or item amounts", func() {
			_, err := refund("pay-1", "refund-1", nil, nil)

			Expect(errs.IsType(err, errs.ErrorTypeValidation)).To(BeTrue())
		})

		It("refunds the sum of the referenced items and reopens the balance", func() {
			// Given
			plan, usage := itemIDs()
			props := map[string]interface{}{
				control.PropRefundIDsAmounts: map[string]interface{}{
					plan.String():  "20.00",
					usage.String(): nil,
				},
			}

			// When
			view, err := refund("pay-1", "refund-1", nil, props)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(view.Status).To(Equal(paymentmodel.StatusSuccess))
			Expect(view.Amount.Equal(dec("55"))).To(BeTrue())
			Expect(balance().Equal(dec("55"))).To(BeTrue())
		})

		It("keeps the invoice closed for a refund with adjustments", func() {
			view, err := refund("pay-1", "refund-1", amountOf("15"), map[string]interface{}{
				control.PropRefundWithAdjustments: "true",
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(view.Status).To(Equal(paymentmodel.StatusSuccess))
			Expect(balance().IsZero()).To(BeTrue())
		})

		It("never retries a failed refund", func() {
			gateway.statuses = []paymentmodel.TransactionStatus{paymentmodel.StatusPaymentFailure}

			view, err := refund("pay-1", "refund-1", amountOf("15"), nil)

			Expect(err).ToNot(HaveOccurred())
			Expect(view.Status).To(Equal(paymentmodel.StatusPaymentFailure))
			Expect(retries.scheduled).To(BeEmpty())
		})
	})

	It("links a chargeback to the invoice", func() {
		_, err := purchase("pay-1", "tx-1", nil, true)
		Expect(err).ToNot(HaveOccurred())

		view, err := engine.ExecuteOperation(ctx, payment.OperationRequest{
			AccountID:              accountID,
			PaymentExternalKey:     "pay-1",
			TransactionExternalKey: "cb-1",
			TransactionType:        paymentmodel.TransactionTypeChargeback,
			Amount:                 amountOf("60"),
			Currency:               "USD",
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(view.Status).To(Equal(paymentmodel.StatusSuccess))
		Expect(balance().Equal(dec("60"))).To(BeTrue())
	})

	Describe("auto-pay-off", func() {
		BeforeEach(func() {
			Expect(accounts.SetAutoPayOff(ctx, accountID)).To(Succeed())
		})

		It("defers internal purchases and retries each once the flag is cleared", func() {
			// Given
			view, err := purchase("pay-1", "tx-1", amountOf("60"), false)
			Expect(err).ToNot(HaveOccurred())
			Expect(view.Aborted).To(BeTrue())
			Expect(view.Deferred).To(BeTrue())
			_, err = purchase("pay-1", "tx-1", amountOf("60"), false)
			Expect(err).ToNot(HaveOccurred())
			Expect(gateway.calls).To(Equal(0))
			_, err = repo.GetPaymentByExternalKey(ctx, accountID, "pay-1")
			Expect(errors.Is(err, payment.ErrNotFound)).To(BeTrue())

			// When
			scheduled, err := accounts.ClearAutoPayOff(ctx, accountID)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(scheduled).To(Equal(1))
			Expect(retries.scheduled).To(HaveLen(1))
			Expect(retries.scheduled[0].req.TransactionExternalKey).To(Equal("tx-1"))
			left, err := entries.ListByAccount(ctx, accountID)
			Expect(err).ToNot(HaveOccurred())
			Expect(left).To(BeEmpty())

			// And the re-driven purchase now goes through
			req := retries.scheduled[0].req
			view, err = engine.ExecuteOperation(ctx, payment.OperationRequest{
				AccountID:              req.AccountID,
				PaymentExternalKey:     req.PaymentExternalKey,
				TransactionExternalKey: req.TransactionExternalKey,
				TransactionType:        req.TransactionType,
				Amount:                 req.Amount,
				Currency:               req.Currency,
				Properties:             req.Properties,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(view.Status).To(Equal(paymentmodel.StatusSuccess))
			Expect(gateway.calls).To(Equal(1))
		})

		It("does not defer API purchases", func() {
			view, err := purchase("pay-1", "tx-1", nil, true)

			Expect(err).ToNot(HaveOccurred())
			Expect(view.Status).To(Equal(paymentmodel.StatusSuccess))
		})

		It("keeps the entries when scheduling fails", func() {
			_, err := purchase("pay-1", "tx-1", nil, false)
			Expect(err).ToNot(HaveOccurred())
			retries.err = errors.New("queue stopped")

			_, err = accounts.ClearAutoPayOff(ctx, accountID)

			Expect(err).To(HaveOccurred())
			left, err := entries.ListByAccount(ctx, accountID)
			Expect(err).ToNot(HaveOccurred())
			Expect(left).To(HaveLen(1))
		})
	})
})
