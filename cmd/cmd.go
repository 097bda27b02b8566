package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/frahmantamala/payment-engine/internal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "payment-engine",
	Short: "Payment Engine",
	Long:  `Drives payment operations through gateway calls, invoice controls, retries and repair sweeps.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*internal.Config, error) {
	if os.Getenv("APP_ENV") == "production" || os.Getenv("DOCKER_ENV") == "true" {
		cfg, err := internal.LoadConfigFromEnv()
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("error validating config from environment: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.SetEnvPrefix("ENV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	var cfg internal.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error validating config: %w", err)
	}
	return &cfg, nil
}

// setDefaults mirrors the env defaults so a short config.yml is enough for local runs.
func setDefaults(v *viper.Viper) {
	v.SetDefault("http_server.port", 8081)
	v.SetDefault("http_server.read_header_timeout", "2s")
	v.SetDefault("http_server.read_timeout", "5s")
	v.SetDefault("http_server.write_timeout", "5s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "5m")

	v.SetDefault("gateway.mode", "simulator")
	v.SetDefault("gateway.simulator_decline_rate", 0.1)
	v.SetDefault("gateway.simulator_latency", "50ms")

	v.SetDefault("payment.gateway_timeout", "30s")
	v.SetDefault("payment.control_plugins", []string{"__INVOICE_PAYMENT_CONTROL_PLUGIN__"})
	v.SetDefault("payment.payment_failure_retry_days", []int{8, 8, 8})
	v.SetDefault("payment.plugin_failure_initial_delay", "5m")
	v.SetDefault("payment.plugin_failure_retry_multiplier", 2)
	v.SetDefault("payment.plugin_failure_max_attempts", 8)

	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.running_rate", "1m")
	v.SetDefault("janitor.stuck_threshold", "1h")
	v.SetDefault("janitor.incomplete_threshold", "5m")
	v.SetDefault("janitor.pending_check_delay", "10m")
	v.SetDefault("janitor.batch_size", 100)
	v.SetDefault("janitor.max_unresolved_sweeps", 3)
	v.SetDefault("janitor.termination_timeout", "5s")

	v.SetDefault("notification.poll_interval", "1s")
	v.SetDefault("notification.batch_size", 50)
	v.SetDefault("notification.workers", 4)
	v.SetDefault("notification.max_deliveries", 5)
	v.SetDefault("notification.redelivery_delay", "30s")
	v.SetDefault("notification.claim_timeout", "5m")

	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl", "2m")
	v.SetDefault("lock.retry_interval", "50ms")

	v.SetDefault("events.kafka_topic", "payment.events")

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".", "directory holding config.yml")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(workerCmd)
}
