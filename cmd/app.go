package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/payment-engine/internal"
	"github.com/frahmantamala/payment-engine/internal/account"
	accountstore "github.com/frahmantamala/payment-engine/internal/account/postgres"
	"github.com/frahmantamala/payment-engine/internal/control"
	controlstore "github.com/frahmantamala/payment-engine/internal/control/postgres"
	"github.com/frahmantamala/payment-engine/internal/core/common/database"
	"github.com/frahmantamala/payment-engine/internal/core/events"
	"github.com/frahmantamala/payment-engine/internal/invoice"
	invoicestore "github.com/frahmantamala/payment-engine/internal/invoice/postgres"
	"github.com/frahmantamala/payment-engine/internal/janitor"
	"github.com/frahmantamala/payment-engine/internal/lock"
	"github.com/frahmantamala/payment-engine/internal/notification"
	notificationstore "github.com/frahmantamala/payment-engine/internal/notification/postgres"
	"github.com/frahmantamala/payment-engine/internal/payment"
	paymentstore "github.com/frahmantamala/payment-engine/internal/payment/postgres"
	"github.com/frahmantamala/payment-engine/internal/paymentgateway"
	"github.com/frahmantamala/payment-engine/internal/retry"
	"github.com/frahmantamala/payment-engine/pkg/logger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// App holds every wired component of the engine. Commands build one and use the parts
// they need.
type App struct {
	Config *internal.Config
	DB     *gorm.DB
	Logger *slog.Logger

	Bus      *events.EventBus
	Engine   *payment.Engine
	Invoices *invoice.Service
	Accounts *account.Service
	Gateway  payment.Gateway

	RetryQueue   *notification.Queue
	JanitorQueue *notification.Queue
	Janitor      *janitor.Janitor

	redis *redis.Client
	sink  *events.KafkaSink
}

func newApp(cfg *internal.Config) (*App, error) {
	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	log := logger.LoggerWrapper()

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, DB: db, Logger: log}
	app.Bus = events.NewEventBus(logger.Component("events"))

	if len(cfg.Events.KafkaBrokers) > 0 {
		app.sink = events.NewKafkaSink(events.NewKafkaWriter(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic), logger.Component("kafka"))
		app.sink.Attach(app.Bus)
	}

	locker, err := app.newLocker()
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Gateway = newGateway(cfg)

	notifications := notificationstore.NewNotificationRepository(db)
	queueCfg := notification.Config{
		PollInterval:    cfg.Notification.PollInterval,
		BatchSize:       cfg.Notification.BatchSize,
		Workers:         cfg.Notification.Workers,
		MaxDeliveries:   cfg.Notification.MaxDeliveries,
		RedeliveryDelay: cfg.Notification.RedeliveryDelay,
		ClaimTimeout:    cfg.Notification.ClaimTimeout,
	}
	app.RetryQueue = notification.NewQueue(retry.QueueName, notifications, queueCfg, log)
	app.JanitorQueue = notification.NewQueue(janitor.QueueName, notifications, queueCfg, log)
	scheduler := retry.NewScheduler(app.RetryQueue, logger.Component("retry"))

	app.Invoices = invoice.NewService(invoicestore.NewInvoiceRepository(db), logger.Component("invoice"))
	accounts := accountstore.NewAccountRepository(db)

	invoiceControl := control.NewInvoicePaymentControl(control.Dependencies{
		Ledger:  app.Invoices,
		Flags:   account.NewFlags(accounts),
		Entries: controlstore.NewAutoPayOffRepository(db),
		Retries: scheduler,
		Policy: retry.Policy{
			PaymentFailureRetryDays:   cfg.Payment.PaymentFailureRetryDays,
			PluginFailureInitialDelay: cfg.Payment.PluginFailureInitialDelay,
			PluginFailureMultiplier:   cfg.Payment.PluginFailureRetryMultiple,
			PluginFailureMaxAttempts:  cfg.Payment.PluginFailureMaxAttempts,
		},
	}, logger.Component("control"))

	registry := control.NewRegistry()
	if err := registry.Register(invoiceControl); err != nil {
		app.Close()
		return nil, err
	}
	pipeline, err := registry.Pipeline(cfg.Payment.ControlPlugins, logger.Component("control"))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("control plugins: %w", err)
	}

	repo := paymentstore.NewPaymentRepository(db)
	app.Engine = payment.NewEngine(payment.Dependencies{
		Repository:     repo,
		Gateway:        app.Gateway,
		Control:        pipeline,
		Retries:        scheduler,
		Locker:         locker,
		Events:         app.Bus,
		GatewayTimeout: cfg.Payment.GatewayTimeout,
	}, logger.Component("engine"))

	app.RetryQueue.Register(retry.TaskRetryPayment, retry.NewHandler(app.Engine, logger.Component("retry")).Handle)
	app.Accounts = account.NewService(accounts, invoiceControl, logger.Component("account"))

	app.Janitor = janitor.New(janitor.Dependencies{
		Repository: repo,
		Engine:     app.Engine,
		Gateway:    app.Gateway,
		Queue:      app.JanitorQueue,
	}, janitor.Config{
		RunningRate:         cfg.Janitor.RunningRate,
		StuckThreshold:      cfg.Janitor.StuckThreshold,
		IncompleteThreshold: cfg.Janitor.IncompleteThreshold,
		PendingCheckDelay:   cfg.Janitor.PendingCheckDelay,
		BatchSize:           cfg.Janitor.BatchSize,
		MaxUnresolvedSweeps: cfg.Janitor.MaxUnresolvedSweeps,
		TerminationTimeout:  cfg.Janitor.TerminationTimeout,
	}, log)
	app.Janitor.Subscribe(app.Bus)

	log.Info("payment engine wired",
		"database_driver", cfg.Database.Driver,
		"gateway_mode", cfg.Gateway.Mode,
		"lock_backend", cfg.Lock.Backend,
		"control_plugins", pipeline.Name(),
		"kafka_enabled", app.sink != nil)
	return app, nil
}

func (a *App) newLocker() (lock.Locker, error) {
	if a.Config.Lock.Backend != "redis" {
		return lock.NewMemoryLocker(), nil
	}

	a.redis = redis.NewClient(&redis.Options{Addr: a.Config.Lock.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return lock.NewRedisLocker(a.redis, a.Config.Lock.TTL, a.Config.Lock.RetryInterval, logger.Component("lock")), nil
}

func newGateway(cfg *internal.Config) payment.Gateway {
	if cfg.Gateway.Mode == "http" {
		return paymentgateway.NewClient(paymentgateway.Config{
			BaseURL: cfg.Gateway.BaseURL,
			APIKey:  cfg.Gateway.APIKey,
			Timeout: cfg.Payment.GatewayTimeout,
		}, logger.Component("gateway"))
	}
	return paymentgateway.NewSimulator(paymentgateway.SimulatorConfig{
		DeclineRate: cfg.Gateway.SimulatorDecline,
		Latency:     cfg.Gateway.SimulatorLatency,
	}, logger.Component("gateway"))
}

// Close waits for in-flight bus handlers and releases connections.
func (a *App) Close() {
	a.Bus.Wait()

	var closeErrs []error
	if a.sink != nil {
		closeErrs = append(closeErrs, a.sink.Close())
	}
	if a.redis != nil {
		closeErrs = append(closeErrs, a.redis.Close())
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		closeErrs = append(closeErrs, sqlDB.Close())
	}
	if err := errors.Join(closeErrs...); err != nil {
		a.Logger.Error("failed to close resources", "error", err)
	}
}

// loadApp is the common prologue of commands that touch the database.
func loadApp() (*App, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}
