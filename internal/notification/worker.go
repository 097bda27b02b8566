package notification

import (
	"context"
	"log/slog"
	"sync"

	notificationmodel "github.com/frahmantamala/payment-engine/internal/core/datamodel/notification"
)

type Worker struct {
	ID         int
	WorkerPool chan chan *notificationmodel.Notification
	JobChannel chan *notificationmodel.Notification
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan *notificationmodel.Notification, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan *notificationmodel.Notification),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(context.Context, *notificationmodel.Notification)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}

			select {
			case n := <-w.JobChannel:
				w.Logger.Debug("worker processing notification", "worker_id", w.ID, "notification_id", n.ID, "task", n.Task)
				processFunc(ctx, n)
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}
