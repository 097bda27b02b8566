package cmd

import (
	"context"
	"fmt"

	"github.com/frahmantamala/payment-engine/internal/core/events"
	"github.com/frahmantamala/payment-engine/pkg/logger"
	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Event management commands",
	Long:  `Publish payment events by hand, for checking the Kafka topic and its consumers.`,
}

var publishEventCmd = &cobra.Command{
	Use:   "publish [event-type]",
	Short: "Publish a test transaction event",
	Long:  `Publish a transaction event to the bus and, when brokers are configured, to Kafka.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishTestEvent(args[0])
	},
}

var eventParams events.TransactionEventParams

func publishTestEvent(eventType string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	log := logger.LoggerWrapper()

	bus := events.NewEventBus(log)
	bus.Subscribe(events.AllEvents, func(ctx context.Context, event events.Event) error {
		log.Info("event published",
			"event_id", event.EventID(),
			"event_type", event.EventType(),
			"payload", event.Payload())
		return nil
	})

	if len(cfg.Events.KafkaBrokers) > 0 {
		sink := events.NewKafkaSink(events.NewKafkaWriter(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic), log)
		defer sink.Close()
		sink.Attach(bus)
	}

	event := events.NewTransactionEvent(eventType, eventParams)
	if err := bus.PublishSync(context.Background(), event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func init() {
	f := publishEventCmd.Flags()
	f.StringVar(&eventParams.AccountID, "account", "", "account id")
	f.StringVar(&eventParams.PaymentID, "payment", "", "payment id")
	f.StringVar(&eventParams.TransactionID, "transaction", "", "transaction id")
	f.StringVar(&eventParams.TransactionType, "type", "PURCHASE", "transaction type")
	f.StringVar(&eventParams.Status, "status", "SUCCESS", "transaction status")
	f.StringVar(&eventParams.Amount, "amount", "0", "amount")
	f.StringVar(&eventParams.Currency, "currency", "USD", "currency")

	eventCmd.AddCommand(publishEventCmd)
	rootCmd.AddCommand(eventCmd)
}
