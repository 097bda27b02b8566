package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/frahmantamala/payment-engine/internal"
	notificationmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/notification"
	paymentmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/payment"
	"github.com/frahmantamala/payment-engine/internal/notification"
	"github.com/frahmantamala/payment-engine/internal/payment"
	"github.com/google/uuid"
)

const (
	QueueName            = "janitor"
	TaskCheckTransaction = "janitor.check_transaction"

	// ErrorCodeUnresolved marks attempts the janitor gave up on.
	ErrorCodeUnresolved = "JANITOR_UNRESOLVED"
)

var (
	ErrStopped        = errors.New("janitor stopped")
	ErrAlreadyStarted = errors.New("janitor already started")
)

// Engine is the part of the payment engine the janitor repairs through.
type Engine interface {
	CompleteTransaction(ctx context.Context, transactionID uuid.UUID, result payment.GatewayResult) (*payment.TransactionView, bool, error)
	ResumeControl(ctx context.Context, transactionID uuid.UUID) (bool, error)
}

type TaskQueue interface {
	Register(task string, handler notification.Handler)
	Enqueue(ctx context.Context, task string, payload map[string]interface{}, effectiveAt time.Time) (uuid.UUID, error)
	Start() error
	Stop()
}

type Config struct {
	RunningRate         time.Duration
	StuckThreshold      time.Duration
	IncompleteThreshold time.Duration
	PendingCheckDelay   time.Duration
	BatchSize           int
	MaxUnresolvedSweeps int
	TerminationTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunningRate <= 0 {
		c.RunningRate = time.Minute
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = time.Hour
	}
	if c.IncompleteThreshold <= 0 {
		c.IncompleteThreshold = 5 * time.Minute
	}
	if c.PendingCheckDelay <= 0 {
		c.PendingCheckDelay = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxUnresolvedSweeps <= 0 {
		c.MaxUnresolvedSweeps = 3
	}
	if c.TerminationTimeout <= 0 {
		c.TerminationTimeout = 5 * time.Second
	}
	return c
}

type Dependencies struct {
	Repository payment.Repository
	Engine     Engine
	Gateway    payment.Gateway
	Queue      TaskQueue
}

// Janitor repairs attempts the normal flow left behind: attempts that never got a result
// and terminal attempts whose post-call hooks never completed. Once stopped it cannot be
// started again.
type Janitor struct {
	repo    payment.Repository
	engine  Engine
	gateway payment.Gateway
	queue   TaskQueue
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	quit    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

func New(deps Dependencies, cfg Config, logger *slog.Logger) *Janitor {
	ctx, cancel := context.WithCancel(errs.WithInitiator(context.Background(), errs.InitiatorJanitor))
	j := &Janitor{
		repo:    deps.Repository,
		engine:  deps.Engine,
		gateway: deps.Gateway,
		queue:   deps.Queue,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "janitor"),
		now:     func() time.Time { return time.Now().UTC() },
		quit:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if j.queue != nil {
		j.queue.Register(TaskCheckTransaction, j.handleCheck)
	}
	return j
}

func (j *Janitor) Start() error {
	if j.stopped.Load() {
		return ErrStopped
	}
	if !j.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if j.queue != nil {
		if err := j.queue.Start(); err != nil {
			return fmt.Errorf("start janitor queue: %w", err)
		}
	}

	j.wg.Add(2)
	go j.every(j.cfg.RunningRate, "stuck_transactions", func(ctx context.Context) error {
		_, err := j.RunStuckTransactionSweep(ctx)
		return err
	})
	go j.every(j.cfg.RunningRate, "incomplete_attempts", func(ctx context.Context) error {
		_, err := j.RunIncompleteAttemptSweep(ctx)
		return err
	})

	j.logger.Info("janitor started",
		"running_rate", j.cfg.RunningRate,
		"stuck_threshold", j.cfg.StuckThreshold,
		"incomplete_threshold", j.cfg.IncompleteThreshold)
	return nil
}

// Stop ends both sweep loops and lets a running sweep finish for up to the termination
// timeout. Sweeps still running after that are cancelled; shutdown carries on either way.
func (j *Janitor) Stop() {
	if !j.stopped.CompareAndSwap(false, true) {
		return
	}
	j.logger.Info("stopping janitor")
	close(j.quit)

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(j.cfg.TerminationTimeout):
		j.logger.Warn("janitor sweeps did not finish in time", "termination_timeout", j.cfg.TerminationTimeout)
	}
	j.cancel()

	if j.queue != nil && j.started.Load() {
		j.queue.Stop()
	}
	j.logger.Info("janitor stopped")
}

func (j *Janitor) every(rate time.Duration, name string, sweep func(context.Context) error) {
	defer j.wg.Done()

	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	for {
		select {
		case <-j.quit:
			return
		case <-ticker.C:
			if j.stopped.Load() {
				return
			}
			if err := sweep(j.ctx); err != nil && !errors.Is(err, context.Canceled) {
				j.logger.Error("janitor sweep failed", "sweep", name, "error", err)
			}
		}
	}
}

// RunStuckTransactionSweep resolves attempts that stayed UNKNOWN or PENDING past the stuck
// threshold. It returns how many were moved to a new status.
func (j *Janitor) RunStuckTransactionSweep(ctx context.Context) (int, error) {
	txs, err := j.repo.FindStuckTransactions(ctx, j.now().Add(-j.cfg.StuckThreshold), j.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find stuck transactions: %w", err)
	}

	repaired := 0
	for _, tx := range txs {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
		changed, err := j.repairStuck(ctx, tx)
		if err != nil {
			// left for the next sweep
			j.logger.Error("failed to repair stuck transaction", "transaction_id", tx.ID, "error", err)
			continue
		}
		if changed {
			repaired++
		}
	}

	if len(txs) > 0 {
		j.logger.Info("stuck transaction sweep finished", "found", len(txs), "repaired", repaired)
	}
	return repaired, nil
}

// RunIncompleteAttemptSweep re-runs the post-call control hooks of terminal attempts that
// were left incomplete past the incomplete threshold.
func (j *Janitor) RunIncompleteAttemptSweep(ctx context.Context) (int, error) {
	txs, err := j.repo.FindIncompleteTransactions(ctx, j.now().Add(-j.cfg.IncompleteThreshold), j.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find incomplete transactions: %w", err)
	}

	resumed := 0
	for _, tx := range txs {
		if ctx.Err() != nil {
			return resumed, ctx.Err()
		}
		ran, err := j.engine.ResumeControl(ctx, tx.ID)
		if err != nil {
			j.logger.Error("failed to complete payment control", "transaction_id", tx.ID, "error", err)
			continue
		}
		if ran {
			resumed++
		}
	}

	if len(txs) > 0 {
		j.logger.Info("incomplete attempt sweep finished", "found", len(txs), "resumed", resumed)
	}
	return resumed, nil
}

// repairStuck asks the gateway for the outcome when it can tell. An inconclusive answer
// leaves the attempt for a later sweep until MaxUnresolvedSweeps, then it becomes a
// PLUGIN_FAILURE and thereby eligible for the regular retry path.
func (j *Janitor) repairStuck(ctx context.Context, tx *paymentmodel.PaymentTransaction) (bool, error) {
	log := j.logger.With("transaction_id", tx.ID, "payment_id", tx.PaymentID, "status", tx.Status)

	querier, ok := j.gateway.(payment.StatusQuerier)
	if !ok {
		log.Warn("gateway cannot report status, marking transaction as plugin failure")
		return j.complete(ctx, tx, unresolved("gateway cannot report transaction status"))
	}

	result, err := querier.QueryStatus(ctx, &payment.GatewayRequest{
		TransactionType:        tx.TransactionType,
		PaymentID:              tx.PaymentID,
		TransactionID:          tx.ID,
		TransactionExternalKey: tx.ExternalKey,
		Amount:                 tx.Amount,
		Currency:               tx.Currency,
		Properties:             tx.Properties,
	})
	if err == nil && result != nil && result.Status.IsTerminal() {
		log.Info("gateway reported transaction outcome", "gateway_status", result.Status)
		return j.complete(ctx, tx, *result)
	}
	if err != nil {
		log.Warn("gateway status query failed", "error", err)
	}

	sweeps, incErr := j.repo.IncrementJanitorSweeps(ctx, tx.ID)
	if incErr != nil {
		return false, fmt.Errorf("count janitor sweep: %w", incErr)
	}
	if sweeps < j.cfg.MaxUnresolvedSweeps {
		log.Info("transaction still unresolved", "sweeps", sweeps)
		return false, nil
	}

	log.Warn("transaction unresolved after max sweeps, marking as plugin failure", "sweeps", sweeps)
	return j.complete(ctx, tx, unresolved(fmt.Sprintf("unresolved after %d janitor sweeps", sweeps)))
}

func (j *Janitor) complete(ctx context.Context, tx *paymentmodel.PaymentTransaction, result payment.GatewayResult) (bool, error) {
	_, changed, err := j.engine.CompleteTransaction(ctx, tx.ID, result)
	return changed, err
}

func unresolved(message string) payment.GatewayResult {
	return payment.GatewayResult{
		Status:       paymentmodel.StatusPluginFailure,
		ErrorCode:    ErrorCodeUnresolved,
		ErrorMessage: message,
	}
}

func (j *Janitor) handleCheck(ctx context.Context, n *notificationmodel.Notification) error {
	raw, _ := n.Payload[payloadTransactionID].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		j.logger.Error("dropping malformed janitor notification", "notification_id", n.ID, "error", err)
		return nil
	}
	_, err = j.CheckTransaction(errs.WithInitiator(ctx, errs.InitiatorJanitor), id)
	return err
}

// CheckTransaction runs the stuck-attempt repair for one transaction ahead of the sweep.
// It is a no-op once the attempt is terminal.
func (j *Janitor) CheckTransaction(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	tx, err := j.repo.GetTransactionByID(ctx, transactionID)
	if errors.Is(err, payment.ErrNotFound) {
		j.logger.Warn("janitor check for unknown transaction", "transaction_id", transactionID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load transaction: %w", err)
	}
	if tx.Status.IsTerminal() {
		return false, nil
	}
	return j.repairStuck(ctx, tx)
}
