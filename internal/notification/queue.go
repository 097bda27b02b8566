package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	notificationmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/notification"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

var (
	ErrQueueStopped   = errors.New("notification queue stopped")
	ErrUnknownTask    = errors.New("no handler registered for task")
	ErrAlreadyStarted = errors.New("notification queue already started")
)

// Queue delivers persisted notifications at or after their effective time, at least once.
// A notification is deleted when its handler succeeds, redelivered later when it fails,
// and parked as FAILED after MaxDeliveries attempts.
type Queue struct {
	name     string
	store    Store
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[string]Handler

	jobQueue   chan *notificationmodel.Notification
	workerPool chan chan *notificationmodel.Notification
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	started    atomic.Bool
	stopped    atomic.Bool
}

func NewQueue(name string, store Store, cfg Config, logger *slog.Logger) *Queue {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		name:       name,
		store:      store,
		cfg:        cfg,
		logger:     logger.With("queue", name),
		now:        func() time.Time { return time.Now().UTC() },
		handlers:   make(map[string]Handler),
		jobQueue:   make(chan *notificationmodel.Notification, cfg.BatchSize),
		workerPool: make(chan chan *notificationmodel.Notification, cfg.Workers),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Register(task string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[task] = handler
	q.logger.Info("notification handler registered", "task", task)
}

func (q *Queue) Enqueue(ctx context.Context, task string, payload map[string]interface{}, effectiveAt time.Time) (uuid.UUID, error) {
	if q.stopped.Load() {
		return uuid.Nil, ErrQueueStopped
	}

	now := q.now()
	n := &notificationmodel.Notification{
		ID:              uuid.New(),
		QueueName:       q.name,
		Task:            task,
		Payload:         datatypes.JSONMap(payload),
		ProcessingState: notificationmodel.StateAvailable,
		EffectiveAt:     effectiveAt.UTC(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := q.store.Insert(ctx, n); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", task, err)
	}

	q.logger.Debug("notification enqueued",
		"notification_id", n.ID,
		"task", task,
		"effective_at", n.EffectiveAt)
	return n.ID, nil
}

func (q *Queue) Start() error {
	if q.stopped.Load() {
		return ErrQueueStopped
	}
	if !q.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	for i := 0; i < q.cfg.Workers; i++ {
		NewWorker(i, q.workerPool, q.logger).Start(q.ctx, &q.wg, q.process)
	}

	q.wg.Add(2)
	go q.dispatch()
	go q.poll()

	q.logger.Info("notification queue started",
		"workers", q.cfg.Workers,
		"poll_interval", q.cfg.PollInterval)
	return nil
}

// Stop ends polling and waits for in-flight handlers. A stopped queue cannot be restarted.
func (q *Queue) Stop() {
	if !q.stopped.CompareAndSwap(false, true) {
		return
	}
	q.logger.Info("stopping notification queue")
	q.cancel()
	q.wg.Wait()
	q.logger.Info("notification queue stopped")
}

func (q *Queue) poll() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.claimAndDispatch(q.ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error("notification poll failed", "error", err)
			}
		}
	}
}

func (q *Queue) claimAndDispatch(ctx context.Context) (int, error) {
	reclaimed, err := q.store.ReclaimStale(ctx, q.name, q.now().Add(-q.cfg.ClaimTimeout))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale notifications: %w", err)
	}
	if reclaimed > 0 {
		q.logger.Warn("reclaimed stale notifications", "count", reclaimed)
	}

	ready, err := q.store.ClaimReady(ctx, q.name, q.now(), q.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim notifications: %w", err)
	}

	for i, n := range ready {
		select {
		case q.jobQueue <- n:
		case <-ctx.Done():
			// unsent claims are picked up again after the claim timeout
			return i, ctx.Err()
		}
	}
	return len(ready), nil
}

func (q *Queue) dispatch() {
	defer q.wg.Done()

	for {
		select {
		case n := <-q.jobQueue:
			select {
			case jobChannel := <-q.workerPool:
				select {
				case jobChannel <- n:
				case <-q.ctx.Done():
					return
				}
			case <-q.ctx.Done():
				return
			}
		case <-q.ctx.Done():
			q.logger.Debug("dispatcher shutting down")
			return
		}
	}
}

// ProcessReady claims and handles ready notifications on the calling goroutine.
func (q *Queue) ProcessReady(ctx context.Context) (int, error) {
	ready, err := q.store.ClaimReady(ctx, q.name, q.now(), q.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim notifications: %w", err)
	}
	for _, n := range ready {
		q.process(ctx, n)
	}
	return len(ready), nil
}

func (q *Queue) process(ctx context.Context, n *notificationmodel.Notification) {
	log := q.logger.With("notification_id", n.ID, "task", n.Task, "delivery", n.Deliveries)

	q.mu.RLock()
	handler, ok := q.handlers[n.Task]
	q.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownTask, n.Task)
	} else {
		err = q.invoke(ctx, handler, n)
	}

	// bookkeeping must survive a stopping queue
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		if delErr := q.store.Delete(storeCtx, n.ID); delErr != nil {
			log.Error("failed to delete processed notification", "error", delErr)
		}
		log.Debug("notification processed")
		return
	}

	if !ok || n.Deliveries >= q.cfg.MaxDeliveries {
		log.Error("notification failed permanently", "error", err)
		if markErr := q.store.MarkFailed(storeCtx, n.ID, err.Error()); markErr != nil {
			log.Error("failed to mark notification failed", "error", markErr)
		}
		return
	}

	next := q.now().Add(q.cfg.RedeliveryDelay * time.Duration(n.Deliveries))
	log.Warn("notification handler failed, redelivering", "error", err, "effective_at", next)
	if resErr := q.store.Reschedule(storeCtx, n.ID, next, err.Error()); resErr != nil {
		log.Error("failed to reschedule notification", "error", resErr)
	}
}

func (q *Queue) invoke(ctx context.Context, handler Handler, n *notificationmodel.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, n)
}
