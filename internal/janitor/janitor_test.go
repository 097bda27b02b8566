package janitor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frahmantamala/payment-engine/internal/core/common/testdb"
	notificationmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/notification"
	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-engine/internal/core/events"
	"github.com/frahmantamala/payment-engine/internal/janitor"
	"github.com/frahmantamala/payment-engine/internal/lock"
	"github.com/frahmantamala/payment-engine/internal/notification"
	notificationstore "github.com/frahmantamala/payment-engine/internal/notification/postgres"
	"github.com/frahmantamala/payment-engine/internal/payment"
	"github.com/frahmantamala/payment-engine/internal/payment/postgres"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// pendingGateway leaves every call PENDING.
type pendingGateway struct{}

func (pendingGateway) Execute(context.Context, *payment.GatewayRequest) (*payment.GatewayResult, error) {
	return &payment.GatewayResult{Status: paymentmodel.StatusPending}, nil
}

type queryingGateway struct {
	pendingGateway
	mu      sync.Mutex
	answer  paymentmodel.TransactionStatus
	err     error
	queries int
}

func (g *queryingGateway) QueryStatus(context.Context, *payment.GatewayRequest) (*payment.GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if g.err != nil {
		return nil, g.err
	}
	return &payment.GatewayResult{Status: g.answer}, nil
}

// slowGateway answers status queries with SUCCESS after delay, or blocks until the
// context ends when delay is zero.
type slowGateway struct {
	pendingGateway
	delay    time.Duration
	started  atomic.Int32
	finished atomic.Int32
}

func (g *slowGateway) QueryStatus(ctx context.Context, _ *payment.GatewayRequest) (*payment.GatewayResult, error) {
	g.started.Add(1)
	defer g.finished.Add(1)

	var elapsed <-chan time.Time
	if g.delay > 0 {
		elapsed = time.After(g.delay)
	}
	select {
	case <-elapsed:
		return &payment.GatewayResult{Status: paymentmodel.StatusSuccess}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordingControl struct {
	mu         sync.Mutex
	successErr error
	successes  int
	failures   int
}

func (c *recordingControl) Name() string { return "recording" }

func (c *recordingControl) PriorCall(context.Context, *payment.ControlContext) (*payment.PriorResult, error) {
	return nil, nil
}

func (c *recordingControl) OnSuccessCall(context.Context, *payment.ControlContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes++
	return c.successErr
}

func (c *recordingControl) OnFailureCall(context.Context, *payment.ControlContext) (*time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	return nil, nil
}

var _ = Describe("Janitor", func() {
	var (
		db      *gorm.DB
		repo    *postgres.PaymentRepository
		control *recordingControl
		queue   *notification.Queue
		ctx     context.Context
		logger  *slog.Logger
	)

	cfg := janitor.Config{
		RunningRate:         time.Hour,
		StuckThreshold:      time.Hour,
		IncompleteThreshold: 5 * time.Minute,
		PendingCheckDelay:   time.Millisecond,
		BatchSize:           10,
		MaxUnresolvedSweeps: 3,
		TerminationTimeout:  time.Second,
	}

	newEngine := func(gateway payment.Gateway) *payment.Engine {
		return payment.NewEngine(payment.Dependencies{
			Repository:     repo,
			Gateway:        gateway,
			Control:        control,
			Locker:         lock.NewMemoryLocker(),
			GatewayTimeout: time.Second,
		}, logger)
	}

	newJanitor := func(engine *payment.Engine, gateway payment.Gateway) *janitor.Janitor {
		return janitor.New(janitor.Dependencies{
			Repository: repo,
			Engine:     engine,
			Gateway:    gateway,
			Queue:      queue,
		}, cfg, logger)
	}

	purchase := func(engine *payment.Engine) *payment.TransactionView {
		amount := decimal.RequireFromString("60.00")
		view, err := engine.ExecuteOperation(ctx, payment.OperationRequest{
			AccountID:              uuid.New(),
			PaymentExternalKey:     "pay-" + uuid.NewString(),
			TransactionExternalKey: "tx-1",
			TransactionType:        paymentmodel.TransactionTypePurchase,
			Amount:                 &amount,
			Currency:               "USD",
		})
		Expect(err).ToNot(HaveOccurred())
		return view
	}

	age := func(id uuid.UUID, column string, by time.Duration) {
		Expect(db.Model(&paymentmodel.PaymentTransaction{}).
			Where("id = ?", id).
			UpdateColumn(column, time.Now().UTC().Add(-by)).Error).To(Succeed())
	}

	status := func(id uuid.UUID) paymentmodel.TransactionStatus {
		tx, err := repo.GetTransactionByID(ctx, id)
		Expect(err).ToNot(HaveOccurred())
		return tx.Status
	}

	BeforeEach(func() {
		var err error
		db, err = testdb.Open()
		Expect(err).ToNot(HaveOccurred())
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		repo = postgres.NewPaymentRepository(db)
		control = &recordingControl{}
		queue = notification.NewQueue(janitor.QueueName, notificationstore.NewNotificationRepository(db),
			notification.Config{MaxDeliveries: 3, RedeliveryDelay: time.Millisecond}, logger)
		ctx = context.Background()
	})

	AfterEach(func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})

	Describe("RunStuckTransactionSweep", func() {
		It("applies the outcome the gateway reports and leaves the attempt alone afterwards", func() {
			// Given
			gateway := &queryingGateway{answer: paymentmodel.StatusSuccess}
			engine := newEngine(gateway)
			view := purchase(engine)
			Expect(view.Status).To(Equal(paymentmodel.StatusPending))
			age(view.TransactionID, "created_at", 2*time.Hour)
			j := newJanitor(engine, gateway)

			// When
			repaired, err := j.RunStuckTransactionSweep(ctx)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(repaired).To(Equal(1))
			Expect(status(view.TransactionID)).To(Equal(paymentmodel.StatusSuccess))
			Expect(control.successes).To(Equal(1))

			p, err := repo.GetPaymentByID(ctx, view.PaymentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.StateName).To(Equal("PURCHASE_SUCCESS"))

			// When
			repaired, err = j.RunStuckTransactionSweep(ctx)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(repaired).To(BeZero())
			Expect(control.successes).To(Equal(1))
		})

		It("ignores attempts younger than the stuck threshold", func() {
			// Given
			gateway := &queryingGateway{answer: paymentmodel.StatusSuccess}
			engine := newEngine(gateway)
			view := purchase(engine)
			j := newJanitor(engine, gateway)

			// When
			repaired, err := j.RunStuckTransactionSweep(ctx)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(repaired).To(BeZero())
			Expect(gateway.queries).To(BeZero())
			Expect(status(view.TransactionID)).To(Equal(paymentmodel.StatusPending))
		})

		It("marks the attempt as plugin failure once it stays unresolved for the max sweeps", func() {
			// Given
			gateway := &queryingGateway{answer: paymentmodel.StatusPending}
			engine := newEngine(gateway)
			view := purchase(engine)
			age(view.TransactionID, "created_at", 2*time.Hour)
			j := newJanitor(engine, gateway)

			// When
			for i := 0; i < cfg.MaxUnresolvedSweeps-1; i++ {
				repaired, err := j.RunStuckTransactionSweep(ctx)
				Expect(err).ToNot(HaveOccurred())
				Expect(repaired).To(BeZero())
			}

			// Then
			Expect(status(view.TransactionID)).To(Equal(paymentmodel.StatusPending))

			// When
			repaired, err := j.RunStuckTransactionSweep(ctx)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(repaired).To(Equal(1))

			tx, err := repo.GetTransactionByID(ctx, view.TransactionID)
			Expect(err).ToNot(HaveOccurred())
			Expect(tx.Status).To(Equal(paymentmodel.StatusPluginFailure))
			Expect(*tx.GatewayErrorCode).To(Equal(janitor.ErrorCodeUnresolved))
			Expect(tx.JanitorSweeps).To(Equal(cfg.MaxUnresolvedSweeps))
			Expect(control.failures).To(Equal(1))
		})

		It("counts a failing status query as an unresolved sweep", func() {
			// Given
			gateway := &queryingGateway{err: errors.New("connection refused")}
			engine := newEngine(gateway)
			view := purchase(engine)
			age(view.TransactionID, "created_at", 2*time.Hour)
			j := newJanitor(engine, gateway)

			// When
			_, err := j.RunStuckTransactionSweep(ctx)

			// Then
			Expect(err).ToNot(HaveOccurred())
			tx, err := repo.GetTransactionByID(ctx, view.TransactionID)
			Expect(err).ToNot(HaveOccurred())
			Expect(tx.Status).To(Equal(paymentmodel.StatusPending))
			Expect(tx.JanitorSweeps).To(Equal(1))
		})

		It("marks the attempt as plugin failure when the gateway cannot report status", func() {
			// Given
			gateway := pendingGateway{}
			engine := newEngine(gateway)
			view := purchase(engine)
			age(view.TransactionID, "created_at", 2*time.Hour)
			j := newJanitor(engine, gateway)

			// When
			repaired, err := j.RunStuckTransactionSweep(ctx)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(repaired).To(Equal(1))
			Expect(status(view.TransactionID)).To(Equal(paymentmodel.StatusPluginFailure))

			p, err := repo.GetPaymentByID(ctx, view.PaymentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.StateName).To(Equal("PURCHASE_ERRORED"))
		})
	})

	Describe("RunIncompleteAttemptSweep", func() {
		It("re-runs the control hooks that failed after the gateway call", func() {
			// Given
			control.successErr = errors.New("ledger unavailable")
			gateway := &queryingGateway{answer: paymentmodel.StatusSuccess}
			engine := newEngine(successGateway{})
			view := purchase(engine)
			Expect(view.Status).To(Equal(paymentmodel.StatusSuccess))

			tx, err := repo.GetTransactionByID(ctx, view.TransactionID)
			Expect(err).ToNot(HaveOccurred())
			Expect(tx.ControlState).To(Equal(paymentmodel.ControlStatePending))

			age(view.TransactionID, "updated_at", time.Hour)
			control.successErr = nil
			j := newJanitor(engine, gateway)

			// When
			resumed, err := j.RunIncompleteAttemptSweep(ctx)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(resumed).To(Equal(1))
			tx, err = repo.GetTransactionByID(ctx, view.TransactionID)
			Expect(err).ToNot(HaveOccurred())
			Expect(tx.ControlState).To(Equal(paymentmodel.ControlStateCompleted))
			Expect(control.successes).To(Equal(2))

			// When
			resumed, err = j.RunIncompleteAttemptSweep(ctx)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(resumed).To(BeZero())
		})
	})

	Describe("ProcessPaymentEvent", func() {
		pendingEvent := func(view *payment.TransactionView, status paymentmodel.TransactionStatus) events.Event {
			return events.NewTransactionEvent(events.EventTypeTransactionPending, events.TransactionEventParams{
				PaymentID:     view.PaymentID.String(),
				TransactionID: view.TransactionID.String(),
				Status:        string(status),
			})
		}

		countChecks := func() int64 {
			var n int64
			Expect(db.Model(&notificationmodel.Notification{}).
				Where("queue_name = ? AND task = ?", janitor.QueueName, janitor.TaskCheckTransaction).
				Count(&n).Error).To(Succeed())
			return n
		}

		It("schedules a check that resolves the attempt ahead of the sweep", func() {
			// Given
			gateway := &queryingGateway{answer: paymentmodel.StatusPaymentFailure}
			engine := newEngine(gateway)
			view := purchase(engine)
			j := newJanitor(engine, gateway)

			// When
			Expect(j.ProcessPaymentEvent(ctx, pendingEvent(view, paymentmodel.StatusPending))).To(Succeed())

			// Then
			Expect(countChecks()).To(BeNumerically("==", 1))
			Eventually(func() (int, error) {
				return queue.ProcessReady(ctx)
			}).Should(Equal(1))
			Expect(status(view.TransactionID)).To(Equal(paymentmodel.StatusPaymentFailure))
			Expect(countChecks()).To(BeZero())
		})

		It("ignores events for attempts that already have an outcome", func() {
			// Given
			engine := newEngine(successGateway{})
			view := purchase(engine)
			j := newJanitor(engine, successGateway{})

			// When
			err := j.ProcessPaymentEvent(ctx, pendingEvent(view, paymentmodel.StatusSuccess))

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(countChecks()).To(BeZero())
		})

		It("does nothing when the attempt resolved before the check ran", func() {
			// Given
			engine := newEngine(successGateway{})
			view := purchase(engine)
			j := newJanitor(engine, successGateway{})

			// When
			changed, err := j.CheckTransaction(ctx, view.TransactionID)

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(changed).To(BeFalse())
		})

		It("is wired to the pending topic of the event bus", func() {
			// Given
			gateway := &queryingGateway{answer: paymentmodel.StatusSuccess}
			engine := newEngine(gateway)
			view := purchase(engine)
			bus := events.NewEventBus(logger)
			newJanitor(engine, gateway).Subscribe(bus)

			// When
			err := bus.PublishSync(ctx, pendingEvent(view, paymentmodel.StatusUnknown))

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(countChecks()).To(BeNumerically("==", 1))
		})
	})

	Describe("Start and Stop", func() {
		It("cannot be restarted once stopped", func() {
			// Given
			engine := newEngine(successGateway{})
			j := newJanitor(engine, successGateway{})
			Expect(j.Start()).To(Succeed())
			Expect(j.Start()).To(MatchError(janitor.ErrAlreadyStarted))

			// When
			j.Stop()

			// Then
			Expect(j.Start()).To(MatchError(janitor.ErrStopped))
			Expect(j.ProcessPaymentEvent(ctx, events.NewTransactionEvent(events.EventTypeTransactionPending,
				events.TransactionEventParams{TransactionID: uuid.NewString(), Status: "PENDING"}))).To(Succeed())
			Expect(countRows(db)).To(BeZero())
		})

		It("lets a running sweep finish its repair", func() {
			// Given
			gateway := &slowGateway{delay: 200 * time.Millisecond}
			engine := newEngine(gateway)
			view := purchase(engine)
			age(view.TransactionID, "created_at", 2*time.Hour)
			fast := cfg
			fast.RunningRate = 10 * time.Millisecond
			fast.TerminationTimeout = 2 * time.Second
			j := janitor.New(janitor.Dependencies{Repository: repo, Engine: engine, Gateway: gateway, Queue: queue}, fast, logger)
			Expect(j.Start()).To(Succeed())
			Eventually(gateway.started.Load).Should(BeNumerically(">=", 1))

			// When
			j.Stop()

			// Then
			Expect(gateway.finished.Load()).To(Equal(gateway.started.Load()))
			Expect(status(view.TransactionID)).To(Equal(paymentmodel.StatusSuccess))
		})

		It("returns after the termination timeout when a sweep hangs", func() {
			// Given
			gateway := &slowGateway{}
			engine := newEngine(gateway)
			view := purchase(engine)
			age(view.TransactionID, "created_at", 2*time.Hour)
			fast := cfg
			fast.RunningRate = 10 * time.Millisecond
			fast.TerminationTimeout = 100 * time.Millisecond
			j := janitor.New(janitor.Dependencies{Repository: repo, Engine: engine, Gateway: gateway, Queue: queue}, fast, logger)
			Expect(j.Start()).To(Succeed())
			Eventually(gateway.started.Load).Should(BeNumerically(">=", 1))

			// When
			began := time.Now()
			j.Stop()
			took := time.Since(began)

			// Then
			Expect(took).To(BeNumerically(">=", fast.TerminationTimeout))
			Expect(took).To(BeNumerically("<", time.Second))
			Eventually(gateway.finished.Load).Should(Equal(gateway.started.Load()))
			Expect(status(view.TransactionID)).To(Equal(paymentmodel.StatusPending))
		})

		It("tolerates Stop without Start", func() {
			// Given
			j := newJanitor(newEngine(successGateway{}), successGateway{})

			// When
			j.Stop()
			j.Stop()

			// Then
			Expect(j.Start()).To(MatchError(janitor.ErrStopped))
		})
	})
})

type successGateway struct{}

func (successGateway) Execute(_ context.Context, req *payment.GatewayRequest) (*payment.GatewayResult, error) {
	return &payment.GatewayResult{Status: paymentmodel.StatusSuccess, ProcessedAmount: req.Amount, ProcessedCurrency: req.Currency}, nil
}

func countRows(db *gorm.DB) int64 {
	var n int64
	Expect(db.Model(&notificationmodel.Notification{}).Count(&n).Error).To(Succeed())
	return n
}
