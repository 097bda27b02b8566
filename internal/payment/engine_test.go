package payment_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/frahmantamala/payment-engine/internal"
	"github.com/frahmantamala/payment-engine/internal/core/common/testdb"
	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-engine/internal/core/events"
	"github.com/frahmantamala/payment-engine/internal/lock"
	"github.com/frahmantamala/payment-engine/internal/payment"
	"github.com/frahmantamala/payment-engine/internal/payment/postgres"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type fakeGateway struct {
	calls   int32
	execute func(ctx context.Context, req *payment.GatewayRequest) (*payment.GatewayResult, error)
}

func (g *fakeGateway) Execute(ctx context.Context, req *payment.GatewayRequest) (*payment.GatewayResult, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.execute != nil {
		return g.execute(ctx, req)
	}
	return &payment.GatewayResult{Status: paymentmodel.StatusSuccess}, nil
}

func (g *fakeGateway) callCount() int {
	return int(atomic.LoadInt32(&g.calls))
}

type fakeControl struct {
	mu           sync.Mutex
	prior        *payment.PriorResult
	priorErr     error
	successErr   error
	failureErr   error
	retryAt      *time.Time
	successCalls []*payment.ControlContext
	failureCalls []*payment.ControlContext
}

func (c *fakeControl) Name() string { return "fake" }

func (c *fakeControl) PriorCall(context.Context, *payment.ControlContext) (*payment.PriorResult, error) {
	return c.prior, c.priorErr
}

func (c *fakeControl) OnSuccessCall(_ context.Context, cc *payment.ControlContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCalls = append(c.successCalls, cc)
	return c.successErr
}

func (c *fakeControl) OnFailureCall(_ context.Context, cc *payment.ControlContext) (*time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCalls = append(c.failureCalls, cc)
	return c.retryAt, c.failureErr
}

type scheduledRetry struct {
	req payment.RetryRequest
	at  time.Time
}

type fakeRetries struct {
	mu        sync.Mutex
	scheduled []scheduledRetry
}

func (r *fakeRetries) ScheduleRetry(_ context.Context, req payment.RetryRequest, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, scheduledRetry{req: req, at: at})
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

var _ = Describe("Engine", func() {
	var (
		db        *gorm.DB
		repo      *postgres.PaymentRepository
		gateway   *fakeGateway
		control   *fakeControl
		retries   *fakeRetries
		publisher *fakePublisher
		engine    *payment.Engine
		ctx       context.Context
		accountID uuid.UUID
	)

	purchase := func(paymentKey, txKey string) payment.OperationRequest {
		return payment.OperationRequest{
			AccountID:              accountID,
			PaymentExternalKey:     paymentKey,
			TransactionExternalKey: txKey,
			TransactionType:        paymentmodel.TransactionTypePurchase,
			Amount:                 amount("60.00"),
			Currency:               "USD",
			Properties:             map[string]interface{}{"IPCD_INVOICE_ID": "inv-1"},
		}
	}

	BeforeEach(func() {
		var err error
		db, err = testdb.Open()
		Expect(err).ToNot(HaveOccurred())

		repo = postgres.NewPaymentRepository(db)
		gateway = &fakeGateway{}
		control = &fakeControl{}
		retries = &fakeRetries{}
		publisher = &fakePublisher{}
		ctx = context.Background()
		accountID = uuid.New()

		engine = payment.NewEngine(payment.Dependencies{
			Repository:     repo,
			Gateway:        gateway,
			Control:        control,
			Retries:        retries,
			Locker:         lock.NewMemoryLocker(),
			Events:         publisher,
			GatewayTimeout: time.Second,
		}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	})

	AfterEach(func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})

	Describe("ExecuteOperation", func() {
		Context("when the gateway approves a purchase", func() {
			It("persists the attempt and moves the payment to PURCHASE_SUCCESS", func() {
				// When
				view, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(view.Status).To(Equal(paymentmodel.StatusSuccess))
				Expect(view.PaymentState).To(Equal("PURCHASE_SUCCESS"))
				Expect(view.AttemptNumber).To(Equal(1))
				Expect(view.Replayed).To(BeFalse())

				tx, err := repo.GetTransactionByID(ctx, view.TransactionID)
				Expect(err).ToNot(HaveOccurred())
				Expect(tx.ControlState).To(Equal(paymentmodel.ControlStateCompleted))
				Expect(tx.ProcessedAmount.Decimal.Equal(decimal.NewFromInt(60))).To(BeTrue())

				p, err := repo.GetPaymentByID(ctx, view.PaymentID)
				Expect(err).ToNot(HaveOccurred())
				Expect(*p.LastSuccessStateName).To(Equal("PURCHASE_SUCCESS"))

				Expect(control.successCalls).To(HaveLen(1))
				Expect(publisher.types()).To(ContainElement(events.EventTypeTransactionSucceeded))
			})
		})

		Context("when the same keys are submitted again", func() {
			It("returns the existing attempt without calling the gateway", func() {
				// Given
				first, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))
				Expect(err).ToNot(HaveOccurred())

				// When
				second, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(second.Replayed).To(BeTrue())
				Expect(second.TransactionID).To(Equal(first.TransactionID))
				Expect(second.Status).To(Equal(first.Status))
				Expect(gateway.callCount()).To(Equal(1))
			})

			It("creates exactly one row under concurrent submission", func() {
				// Given
				gateway.execute = func(context.Context, *payment.GatewayRequest) (*payment.GatewayResult, error) {
					time.Sleep(10 * time.Millisecond)
					return &payment.GatewayResult{Status: paymentmodel.StatusSuccess}, nil
				}
				const callers = 8
				views := make([]*payment.TransactionView, callers)
				var wg sync.WaitGroup

				// When
				for i := 0; i < callers; i++ {
					wg.Add(1)
					go func(i int) {
						defer GinkgoRecover()
						defer wg.Done()
						view, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))
						Expect(err).ToNot(HaveOccurred())
						views[i] = view
					}(i)
				}
				wg.Wait()

				// Then
				Expect(gateway.callCount()).To(Equal(1))
				for _, v := range views {
					Expect(v.TransactionID).To(Equal(views[0].TransactionID))
					Expect(v.Status).To(Equal(paymentmodel.StatusSuccess))
				}
				txs, err := repo.ListTransactionsByPaymentID(ctx, views[0].PaymentID)
				Expect(err).ToNot(HaveOccurred())
				Expect(txs).To(HaveLen(1))
			})
		})

		Context("when the transaction key conflicts", func() {
			It("rejects a key already used by another payment of the account", func() {
				_, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))
				Expect(err).ToNot(HaveOccurred())

				_, err = engine.ExecuteOperation(ctx, purchase("pay-2", "tx-1"))

				Expect(errs.IsType(err, errs.ErrorTypeConflict)).To(BeTrue())
				Expect(gateway.callCount()).To(Equal(1))
			})

			It("rejects a key already used by a different transaction type", func() {
				_, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))
				Expect(err).ToNot(HaveOccurred())

				req := purchase("pay-1", "tx-1")
				req.TransactionType = paymentmodel.TransactionTypeRefund
				_, err = engine.ExecuteOperation(ctx, req)

				Expect(errs.IsType(err, errs.ErrorTypeConflict)).To(BeTrue())
			})
		})

		It("rejects an operation that is illegal from the current state", func() {
			req := purchase("pay-1", "rf-1")
			req.TransactionType = paymentmodel.TransactionTypeRefund

			_, err := engine.ExecuteOperation(ctx, req)

			Expect(errs.IsType(err, errs.ErrorTypeOperation)).To(BeTrue())
			appErr, _ := errs.IsAppError(err)
			Expect(appErr.Code).To(Equal(errs.ErrCodeIllegalTransition))
			Expect(gateway.callCount()).To(Equal(0))
		})

		It("rejects invalid input before touching the store", func() {
			req := purchase("", "tx-1")
			req.Currency = "dollars"

			_, err := engine.ExecuteOperation(ctx, req)

			Expect(errs.IsType(err, errs.ErrorTypeValidation)).To(BeTrue())
			Expect(gateway.callCount()).To(Equal(0))
		})

		Context("when the gateway declines", func() {
			It("records PAYMENT_FAILURE and schedules the retry the control plugin asks for", func() {
				// Given
				gateway.execute = func(context.Context, *payment.GatewayRequest) (*payment.GatewayResult, error) {
					return &payment.GatewayResult{
						Status:       paymentmodel.StatusPaymentFailure,
						ErrorCode:    "card_declined",
						ErrorMessage: "insufficient funds",
					}, nil
				}
				retryAt := time.Now().Add(8 * 24 * time.Hour)
				control.retryAt = &retryAt

				// When
				view, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(view.Status).To(Equal(paymentmodel.StatusPaymentFailure))
				Expect(view.PaymentState).To(Equal("PURCHASE_FAILED"))
				Expect(view.GatewayErrorCode).To(Equal("card_declined"))
				Expect(view.NextRetryAt).ToNot(BeNil())

				Expect(retries.scheduled).To(HaveLen(1))
				Expect(retries.scheduled[0].req.TransactionExternalKey).To(Equal("tx-1-2"))
				Expect(retries.scheduled[0].req.PaymentExternalKey).To(Equal("pay-1"))
				Expect(retries.scheduled[0].at).To(Equal(retryAt))
				Expect(publisher.types()).To(ContainElements(events.EventTypeTransactionFailed, events.EventTypeRetryScheduled))
			})

			It("numbers re-driven attempts from the first attempt's key", func() {
				// Given
				gateway.execute = func(context.Context, *payment.GatewayRequest) (*payment.GatewayResult, error) {
					return &payment.GatewayResult{Status: paymentmodel.StatusPaymentFailure}, nil
				}
				retryAt := time.Now().Add(time.Hour)
				control.retryAt = &retryAt
				_, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))
				Expect(err).ToNot(HaveOccurred())

				// When
				second, err := engine.ExecuteOperation(ctx, purchase("pay-1", retries.scheduled[0].req.TransactionExternalKey))

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(second.AttemptNumber).To(Equal(2))
				Expect(retries.scheduled).To(HaveLen(2))
				Expect(retries.scheduled[1].req.TransactionExternalKey).To(Equal("tx-1-3"))
			})
		})

		Context("when the gateway call fails", func() {
			It("maps an error to PLUGIN_FAILURE", func() {
				gateway.execute = func(context.Context, *payment.GatewayRequest) (*payment.GatewayResult, error) {
					return nil, errors.New("connection reset")
				}

				view, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))

				Expect(err).ToNot(HaveOccurred())
				Expect(view.Status).To(Equal(paymentmodel.StatusPluginFailure))
				Expect(view.PaymentState).To(Equal("PURCHASE_ERRORED"))
				Expect(view.GatewayErrorCode).To(Equal(string(errs.ErrCodeGatewayUnavailable)))
				Expect(view.GatewayErrorMessage).To(Equal("connection reset"))
				Expect(control.failureCalls).To(HaveLen(1))
			})

			It("maps a panic to PLUGIN_FAILURE", func() {
				gateway.execute = func(context.Context, *payment.GatewayRequest) (*payment.GatewayResult, error) {
					panic("nil map")
				}

				view, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))

				Expect(err).ToNot(HaveOccurred())
				Expect(view.Status).To(Equal(paymentmodel.StatusPluginFailure))
				Expect(view.GatewayErrorCode).To(Equal(string(errs.ErrCodeGatewayPanic)))
			})

			It("leaves a PENDING attempt for the janitor", func() {
				gateway.execute = func(context.Context, *payment.GatewayRequest) (*payment.GatewayResult, error) {
					return &payment.GatewayResult{Status: paymentmodel.StatusPending}, nil
				}

				view, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))

				Expect(err).ToNot(HaveOccurred())
				Expect(view.Status).To(Equal(paymentmodel.StatusPending))
				Expect(view.PaymentState).To(Equal("PURCHASE_PENDING"))
				Expect(control.successCalls).To(BeEmpty())
				Expect(control.failureCalls).To(BeEmpty())
				Expect(publisher.types()).To(ContainElement(events.EventTypeTransactionPending))
			})
		})

		Context("when payment control aborts", func() {
			BeforeEach(func() {
				control.prior = &payment.PriorResult{Aborted: true, AdjustedAmount: amount("0"), Reason: "invoice already paid"}
			})

			It("fails an API call with a control abort", func() {
				req := purchase("pay-1", "tx-1")
				req.APIInitiated = true

				_, err := engine.ExecuteOperation(ctx, req)

				Expect(errs.IsType(err, errs.ErrorTypeAborted)).To(BeTrue())
				Expect(gateway.callCount()).To(Equal(0))
				_, lookupErr := repo.GetPaymentByExternalKey(ctx, accountID, "pay-1")
				Expect(errors.Is(lookupErr, payment.ErrNotFound)).To(BeTrue())
			})

			It("returns an aborted view for an internal call", func() {
				view, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))

				Expect(err).ToNot(HaveOccurred())
				Expect(view.Aborted).To(BeTrue())
				Expect(view.TransactionID).To(Equal(uuid.Nil))
				Expect(gateway.callCount()).To(Equal(0))
				Expect(publisher.types()).To(ContainElement(events.EventTypeTransactionAborted))
			})
		})

		Context("when an earlier attempt is unresolved", func() {
			BeforeEach(func() {
				gateway.execute = func(context.Context, *payment.GatewayRequest) (*payment.GatewayResult, error) {
					return &payment.GatewayResult{Status: paymentmodel.StatusUnknown}, nil
				}
			})

			It("refuses a new attempt of the same type without calling the gateway", func() {
				// Given
				first, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))
				Expect(err).ToNot(HaveOccurred())
				Expect(first.PaymentState).To(Equal("PURCHASE_ERRORED"))
				gateway.execute = nil

				// When
				_, err = engine.ExecuteOperation(ctx, purchase("pay-1", "tx-2"))

				// Then
				appErr, ok := errs.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.Code).To(Equal(errs.ErrCodeAttemptUnresolved))
				Expect(gateway.callCount()).To(Equal(1))
				txs, err := repo.ListTransactionsByPaymentID(ctx, first.PaymentID)
				Expect(err).ToNot(HaveOccurred())
				Expect(txs).To(HaveLen(1))
			})

			It("accepts a new attempt once the earlier one is resolved", func() {
				// Given
				first, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))
				Expect(err).ToNot(HaveOccurred())
				_, changed, err := engine.CompleteTransaction(ctx, first.TransactionID, payment.GatewayResult{Status: paymentmodel.StatusPluginFailure})
				Expect(err).ToNot(HaveOccurred())
				Expect(changed).To(BeTrue())
				gateway.execute = nil

				// When
				second, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-2"))

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(second.Status).To(Equal(paymentmodel.StatusSuccess))
				Expect(second.PaymentState).To(Equal("PURCHASE_SUCCESS"))
				Expect(gateway.callCount()).To(Equal(2))
			})
		})

		It("fails before any gateway contact when control validation fails", func() {
			control.priorErr = errs.NewValidationError("invalid invoice item amount", errs.ErrCodeInvalidItemAmount)

			_, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))

			Expect(errs.IsType(err, errs.ErrorTypeValidation)).To(BeTrue())
			Expect(gateway.callCount()).To(Equal(0))
		})

		It("charges the amount adjusted by payment control", func() {
			control.prior = &payment.PriorResult{AdjustedAmount: amount("25.50")}
			var charged decimal.Decimal
			gateway.execute = func(_ context.Context, req *payment.GatewayRequest) (*payment.GatewayResult, error) {
				charged = req.Amount
				return &payment.GatewayResult{Status: paymentmodel.StatusSuccess}, nil
			}

			view, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))

			Expect(err).ToNot(HaveOccurred())
			Expect(charged.Equal(decimal.RequireFromString("25.50"))).To(BeTrue())
			Expect(view.Amount.Equal(decimal.RequireFromString("25.50"))).To(BeTrue())
		})
	})

	Describe("CompleteTransaction", func() {
		It("resolves a pending attempt once", func() {
			// Given
			gateway.execute = func(context.Context, *payment.GatewayRequest) (*payment.GatewayResult, error) {
				return &payment.GatewayResult{Status: paymentmodel.StatusPending}, nil
			}
			pending, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))
			Expect(err).ToNot(HaveOccurred())

			// When
			view, changed, err := engine.CompleteTransaction(ctx, pending.TransactionID, payment.GatewayResult{Status: paymentmodel.StatusSuccess})
			Expect(err).ToNot(HaveOccurred())
			_, changedAgain, err := engine.CompleteTransaction(ctx, pending.TransactionID, payment.GatewayResult{Status: paymentmodel.StatusPluginFailure})
			Expect(err).ToNot(HaveOccurred())

			// Then
			Expect(changed).To(BeTrue())
			Expect(view.Status).To(Equal(paymentmodel.StatusSuccess))
			Expect(view.PaymentState).To(Equal("PURCHASE_SUCCESS"))
			Expect(changedAgain).To(BeFalse())
			Expect(control.successCalls).To(HaveLen(1))
		})

		It("keeps the payment state owned by a newer attempt", func() {
			// Given
			latest, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-2"))
			Expect(err).ToNot(HaveOccurred())
			Expect(latest.PaymentState).To(Equal("PURCHASE_SUCCESS"))
			created := time.Now().UTC().Add(-time.Hour)
			older := &paymentmodel.PaymentTransaction{
				ID:              uuid.New(),
				PaymentID:       latest.PaymentID,
				ExternalKey:     "tx-1",
				TransactionType: paymentmodel.TransactionTypePurchase,
				Amount:          decimal.NewFromInt(60),
				Currency:        "USD",
				Status:          paymentmodel.StatusUnknown,
				AttemptNumber:   1,
				ControlState:    paymentmodel.ControlStatePending,
				CreatedAt:       created,
				UpdatedAt:       created,
			}
			Expect(repo.CreateTransaction(ctx, older)).To(Succeed())

			// When
			view, changed, err := engine.CompleteTransaction(ctx, older.ID, payment.GatewayResult{Status: paymentmodel.StatusPaymentFailure})

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(changed).To(BeTrue())
			Expect(view.Status).To(Equal(paymentmodel.StatusPaymentFailure))
			p, err := repo.GetPaymentByID(ctx, latest.PaymentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.StateName).To(Equal("PURCHASE_SUCCESS"))
			Expect(*p.LastSuccessStateName).To(Equal("PURCHASE_SUCCESS"))
		})

		It("reports a missing transaction", func() {
			_, _, err := engine.CompleteTransaction(ctx, uuid.New(), payment.GatewayResult{Status: paymentmodel.StatusSuccess})

			Expect(errs.IsType(err, errs.ErrorTypeNotFound)).To(BeTrue())
		})
	})

	Describe("ResumeControl", func() {
		It("re-runs post-call hooks that failed", func() {
			// Given
			control.successErr = errors.New("ledger unavailable")
			view, err := engine.ExecuteOperation(ctx, purchase("pay-1", "tx-1"))
			Expect(err).ToNot(HaveOccurred())
			tx, err := repo.GetTransactionByID(ctx, view.TransactionID)
			Expect(err).ToNot(HaveOccurred())
			Expect(tx.ControlState).To(Equal(paymentmodel.ControlStatePending))

			// When
			control.successErr = nil
			resumed, err := engine.ResumeControl(ctx, view.TransactionID)
			Expect(err).ToNot(HaveOccurred())
			resumedAgain, err := engine.ResumeControl(ctx, view.TransactionID)
			Expect(err).ToNot(HaveOccurred())

			// Then
			Expect(resumed).To(BeTrue())
			Expect(resumedAgain).To(BeFalse())
			Expect(control.successCalls).To(HaveLen(2))
			tx, err = repo.GetTransactionByID(ctx, view.TransactionID)
			Expect(err).ToNot(HaveOccurred())
			Expect(tx.ControlState).To(Equal(paymentmodel.ControlStateCompleted))
		})
	})
})
