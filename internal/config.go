package internal

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server" envPrefix:"HTTP_SERVER_"`
	Database      DatabaseConfig      `mapstructure:"database" envPrefix:"DATABASE_"`
	Gateway       GatewayConfig       `mapstructure:"gateway" envPrefix:"GATEWAY_"`
	Payment       PaymentConfig       `mapstructure:"payment" envPrefix:"PAYMENT_"`
	Janitor       JanitorConfig       `mapstructure:"janitor" envPrefix:"JANITOR_"`
	Notification  NotificationConfig  `mapstructure:"notification" envPrefix:"NOTIFICATION_"`
	Lock          LockConfig          `mapstructure:"lock" envPrefix:"LOCK_"`
	Events        EventsConfig        `mapstructure:"events" envPrefix:"EVENTS_"`
	Observability ObservabilityConfig `mapstructure:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig is the ops listener of the worker process (health and readiness only).
type ServerConfig struct {
	Port              int           `mapstructure:"port" env:"PORT" envDefault:"8081"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" env:"READ_HEADER_TIMEOUT" envDefault:"2s"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" env:"WRITE_TIMEOUT" envDefault:"5s"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" env:"DRIVER" envDefault:"postgres"`
	Source          string        `mapstructure:"source" env:"SOURCE"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" env:"MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" env:"CONN_MAX_LIFETIME" envDefault:"30m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME" envDefault:"5m"`
}

type GatewayConfig struct {
	// Mode is "http" for a real gateway or "simulator" for local runs.
	Mode             string        `mapstructure:"mode" env:"MODE" envDefault:"simulator"`
	BaseURL          string        `mapstructure:"base_url" env:"BASE_URL"`
	APIKey           string        `mapstructure:"api_key" env:"API_KEY"`
	SimulatorDecline float64       `mapstructure:"simulator_decline_rate" env:"SIMULATOR_DECLINE_RATE" envDefault:"0.1"`
	SimulatorLatency time.Duration `mapstructure:"simulator_latency" env:"SIMULATOR_LATENCY" envDefault:"50ms"`
}

type PaymentConfig struct {
	GatewayTimeout             time.Duration `mapstructure:"gateway_timeout" env:"GATEWAY_TIMEOUT" envDefault:"30s"`
	ControlPlugins             []string      `mapstructure:"control_plugins" env:"CONTROL_PLUGINS" envDefault:"__INVOICE_PAYMENT_CONTROL_PLUGIN__"`
	PaymentFailureRetryDays    []int         `mapstructure:"payment_failure_retry_days" env:"PAYMENT_FAILURE_RETRY_DAYS" envDefault:"8,8,8"`
	PluginFailureInitialDelay  time.Duration `mapstructure:"plugin_failure_initial_delay" env:"PLUGIN_FAILURE_INITIAL_DELAY" envDefault:"5m"`
	PluginFailureRetryMultiple int           `mapstructure:"plugin_failure_retry_multiplier" env:"PLUGIN_FAILURE_RETRY_MULTIPLIER" envDefault:"2"`
	PluginFailureMaxAttempts   int           `mapstructure:"plugin_failure_max_attempts" env:"PLUGIN_FAILURE_MAX_ATTEMPTS" envDefault:"8"`
}

type JanitorConfig struct {
	Enabled             bool          `mapstructure:"enabled" env:"ENABLED" envDefault:"true"`
	RunningRate         time.Duration `mapstructure:"running_rate" env:"RUNNING_RATE" envDefault:"1m"`
	StuckThreshold      time.Duration `mapstructure:"stuck_threshold" env:"STUCK_THRESHOLD" envDefault:"1h"`
	IncompleteThreshold time.Duration `mapstructure:"incomplete_threshold" env:"INCOMPLETE_THRESHOLD" envDefault:"5m"`
	PendingCheckDelay   time.Duration `mapstructure:"pending_check_delay" env:"PENDING_CHECK_DELAY" envDefault:"10m"`
	BatchSize           int           `mapstructure:"batch_size" env:"BATCH_SIZE" envDefault:"100"`
	MaxUnresolvedSweeps int           `mapstructure:"max_unresolved_sweeps" env:"MAX_UNRESOLVED_SWEEPS" envDefault:"3"`
	TerminationTimeout  time.Duration `mapstructure:"termination_timeout" env:"TERMINATION_TIMEOUT" envDefault:"5s"`
}

type NotificationConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval" env:"POLL_INTERVAL" envDefault:"1s"`
	BatchSize       int           `mapstructure:"batch_size" env:"BATCH_SIZE" envDefault:"50"`
	Workers         int           `mapstructure:"workers" env:"WORKERS" envDefault:"4"`
	MaxDeliveries   int           `mapstructure:"max_deliveries" env:"MAX_DELIVERIES" envDefault:"5"`
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay" env:"REDELIVERY_DELAY" envDefault:"30s"`
	ClaimTimeout    time.Duration `mapstructure:"claim_timeout" env:"CLAIM_TIMEOUT" envDefault:"5m"`
}

type LockConfig struct {
	Backend       string        `mapstructure:"backend" env:"BACKEND" envDefault:"memory"`
	RedisAddr     string        `mapstructure:"redis_addr" env:"REDIS_ADDR"`
	TTL           time.Duration `mapstructure:"ttl" env:"TTL" envDefault:"2m"`
	RetryInterval time.Duration `mapstructure:"retry_interval" env:"RETRY_INTERVAL" envDefault:"50ms"`
}

type EventsConfig struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers" env:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"kafka_topic" env:"KAFKA_TOPIC" envDefault:"payment.events"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging" envPrefix:"LOGGING_"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" env:"LEVEL" envDefault:"info"`
	Format string `mapstructure:"format" env:"FORMAT" envDefault:"json"`
}

// LoadConfigFromEnv reads the configuration from plain environment variables (container deployments).
func LoadConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Gateway.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("gateway config: %v", err))
	}

	if err := c.Payment.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("payment config: %v", err))
	}

	if err := c.Janitor.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("janitor config: %v", err))
	}

	if err := c.Notification.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("notification config: %v", err))
	}

	if err := c.Lock.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("lock config: %v", err))
	}

	// a redis lease must outlive the gateway call it guards
	if c.Lock.Backend == "redis" && c.Lock.TTL <= c.Payment.GatewayTimeout {
		errs = append(errs, fmt.Sprintf("lock config: ttl (%s) must be greater than payment.gateway_timeout (%s)", c.Lock.TTL, c.Payment.GatewayTimeout))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Driver != "postgres" && c.Driver != "sqlite" {
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *GatewayConfig) Validate() error {
	switch c.Mode {
	case "simulator":
		if c.SimulatorDecline < 0 || c.SimulatorDecline > 1 {
			return errors.New("simulator_decline_rate must be between 0 and 1")
		}
	case "http":
		if c.BaseURL == "" {
			return errors.New("base_url is required")
		}
		if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
	default:
		return fmt.Errorf("unsupported mode %q", c.Mode)
	}
	return nil
}

func (c *PaymentConfig) Validate() error {
	for _, days := range c.PaymentFailureRetryDays {
		if days < 0 {
			return errors.New("payment_failure_retry_days cannot contain negative values")
		}
	}
	if c.PluginFailureInitialDelay <= 0 {
		return errors.New("plugin_failure_initial_delay must be positive")
	}
	if c.PluginFailureRetryMultiple < 1 {
		return errors.New("plugin_failure_retry_multiplier must be at least 1")
	}
	if c.PluginFailureMaxAttempts < 0 {
		return errors.New("plugin_failure_max_attempts cannot be negative")
	}
	return nil
}

func (c *JanitorConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RunningRate <= 0 {
		return errors.New("running_rate must be positive")
	}
	if c.IncompleteThreshold > c.StuckThreshold {
		return errors.New("incomplete_threshold must be <= stuck_threshold")
	}
	if c.BatchSize <= 0 {
		return errors.New("batch_size must be positive")
	}
	return nil
}

func (c *NotificationConfig) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if c.MaxDeliveries <= 0 {
		return errors.New("max_deliveries must be positive")
	}
	return nil
}

func (c *LockConfig) Validate() error {
	switch c.Backend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("redis_addr is required for the redis backend")
		}
		if c.TTL <= 0 {
			return errors.New("ttl must be positive")
		}
	default:
		return fmt.Errorf("unsupported backend %q", c.Backend)
	}
	return nil
}
