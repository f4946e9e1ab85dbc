package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

const (
	QueueBackendPostgres = "postgres"
	QueueBackendMemory   = "memory"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"auditrelay"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"auditrelay"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	EnableAPI         bool   `envconfig:"ENABLE_API" default:"true"`
	EnableWorker      bool   `envconfig:"ENABLE_WORKER" default:"true"`
	WorkerConcurrency int    `envconfig:"WORKER_CONCURRENCY" default:"4"`
	QueueBackend      string `envconfig:"QUEUE_BACKEND" default:"postgres"`
	MigrationPath     string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Vault
	EncryptionSecret string `envconfig:"ENCRYPTION_SECRET"`
	EncryptionSalt   string `envconfig:"ENCRYPTION_SALT" default:"auditrelay"`

	// Scheduling and retry
	DefaultFetchIntervalSeconds int `envconfig:"DEFAULT_FETCH_INTERVAL_SECONDS" default:"300"`
	MaxRetryAttempts            int `envconfig:"MAX_RETRY_ATTEMPTS" default:"5"`
	BaseBackoffMS               int `envconfig:"BASE_BACKOFF_MS" default:"1000"`
	FetchTimeoutSeconds         int `envconfig:"FETCH_TIMEOUT_SECONDS" default:"30"`
	DeliveryTimeoutSeconds      int `envconfig:"DELIVERY_TIMEOUT_SECONDS" default:"10"`
	LeaseDurationSeconds        int `envconfig:"LEASE_DURATION_SECONDS" default:"300"`
	PollIntervalMS              int `envconfig:"POLL_INTERVAL_MS" default:"1000"`

	// Adapters
	GoogleWorkspaceApplications []string `envconfig:"GOOGLE_WORKSPACE_APPLICATIONS" default:"login"`

	// Server
	ServerPort int    `envconfig:"SERVER_PORT" default:"8080"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars set in the shell win; .env only fills gaps.
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.EncryptionSecret == "" {
		return fmt.Errorf("%w: ENCRYPTION_SECRET", ErrMissingRequired)
	}
	// Sources live in Postgres whichever queue backend runs.
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.QueueBackend != QueueBackendPostgres && c.QueueBackend != QueueBackendMemory {
		return fmt.Errorf("%w: QUEUE_BACKEND=%q", ErrInvalidValue, c.QueueBackend)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"DEFAULT_FETCH_INTERVAL_SECONDS", c.DefaultFetchIntervalSeconds},
		{"MAX_RETRY_ATTEMPTS", c.MaxRetryAttempts},
		{"BASE_BACKOFF_MS", c.BaseBackoffMS},
		{"FETCH_TIMEOUT_SECONDS", c.FetchTimeoutSeconds},
		{"DELIVERY_TIMEOUT_SECONDS", c.DeliveryTimeoutSeconds},
		{"LEASE_DURATION_SECONDS", c.LeaseDurationSeconds},
		{"POLL_INTERVAL_MS", c.PollIntervalMS},
		{"WORKER_CONCURRENCY", c.WorkerConcurrency},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be > 0, got %d", ErrInvalidValue, p.name, p.value)
		}
	}

	// A lease that can expire mid-run lets a second worker pick up the same job.
	if c.LeaseDurationSeconds <= c.FetchTimeoutSeconds+c.DeliveryTimeoutSeconds {
		return fmt.Errorf("%w: LEASE_DURATION_SECONDS (%d) must exceed FETCH_TIMEOUT_SECONDS + DELIVERY_TIMEOUT_SECONDS (%d)",
			ErrInvalidValue, c.LeaseDurationSeconds, c.FetchTimeoutSeconds+c.DeliveryTimeoutSeconds)
	}

	for _, app := range c.GoogleWorkspaceApplications {
		if app == "" {
			return fmt.Errorf("%w: GOOGLE_WORKSPACE_APPLICATIONS contains an empty entry", ErrInvalidValue)
		}
	}
	return nil
}

func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffMS) * time.Millisecond
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutSeconds) * time.Second
}

func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}
