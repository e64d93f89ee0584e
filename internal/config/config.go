package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"squirrel/internal/log"
	"squirrel/internal/services"
	"squirrel/internal/store"
	"squirrel/internal/worker"
)

// FileEnv names the environment variable pointing at an optional YAML
// config file. Environment variables override values read from it.
const FileEnv = "SQUIRREL_CONFIG"

type Config struct {
	// HTTP Server
	Port string `yaml:"port"`

	// Backend selection: memory or sqlite
	DataBackend string `yaml:"backend"`

	// Database
	SQLiteDBPath      string        `yaml:"sqlite_path"`
	SQLiteBusyTimeout time.Duration `yaml:"sqlite_busy_timeout"`

	// AMQP change fan-out between processes sharing a database. Empty URL
	// disables it.
	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`

	// Mutation retries
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`

	// Resubscription
	ResubscribeBaseDelay time.Duration `yaml:"resubscribe_base_delay"`
	ResubscribeMaxDelay  time.Duration `yaml:"resubscribe_max_delay"`
	LostThreshold        int           `yaml:"lost_threshold"`

	// Balance aggregator
	AggregatorCapacity int           `yaml:"aggregator_capacity"`
	AggregatorTTL      time.Duration `yaml:"aggregator_ttl"`

	// Fold audit
	AuditEnabled  bool   `yaml:"audit_enabled"`
	AuditSchedule string `yaml:"audit_schedule"`

	// Mutations per user per minute over HTTP
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:              "8081",
		DataBackend:       "memory",
		SQLiteDBPath:      "./data/squirrel.db",
		SQLiteBusyTimeout: 5 * time.Second,

		AMQPExchange: "squirrel.ledger",

		RetryMaxAttempts: 5,
		RetryBaseDelay:   100 * time.Millisecond,
		RetryMaxDelay:    2 * time.Second,

		ResubscribeBaseDelay: 200 * time.Millisecond,
		ResubscribeMaxDelay:  10 * time.Second,
		LostThreshold:        5,

		AggregatorCapacity: 1024,
		AggregatorTTL:      15 * time.Minute,

		AuditEnabled:  true,
		AuditSchedule: worker.DefaultAuditSchedule,

		RateLimitPerMinute: 60,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// SQUIRREL_CONFIG if any, then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv(FileEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DataBackend = getEnv("DATA_BACKEND", cfg.DataBackend)
	cfg.SQLiteDBPath = getEnv("SQLITE_DB_PATH", cfg.SQLiteDBPath)
	cfg.SQLiteBusyTimeout = getEnvDuration("SQLITE_BUSY_TIMEOUT", cfg.SQLiteBusyTimeout)

	cfg.AMQPURL = getEnv("AMQP_URL", cfg.AMQPURL)
	cfg.AMQPExchange = getEnv("AMQP_EXCHANGE", cfg.AMQPExchange)

	cfg.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)
	cfg.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	cfg.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY", cfg.RetryMaxDelay)

	cfg.ResubscribeBaseDelay = getEnvDuration("RESUBSCRIBE_BASE_DELAY", cfg.ResubscribeBaseDelay)
	cfg.ResubscribeMaxDelay = getEnvDuration("RESUBSCRIBE_MAX_DELAY", cfg.ResubscribeMaxDelay)
	cfg.LostThreshold = getEnvInt("SUBSCRIPTION_LOST_THRESHOLD", cfg.LostThreshold)

	cfg.AggregatorCapacity = getEnvInt("AGGREGATOR_CAPACITY", cfg.AggregatorCapacity)
	cfg.AggregatorTTL = getEnvDuration("AGGREGATOR_TTL", cfg.AggregatorTTL)

	cfg.AuditEnabled = getEnvBool("AUDIT_ENABLED", cfg.AuditEnabled)
	cfg.AuditSchedule = getEnv("AUDIT_SCHEDULE", cfg.AuditSchedule)

	cfg.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	return cfg, nil
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate data backend
	validBackends := []string{"memory", "sqlite"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.DataBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
		if c.SQLiteBusyTimeout < 0 {
			errors = append(errors, fmt.Sprintf("invalid SQLite busy timeout %v: must not be negative", c.SQLiteBusyTimeout))
		}
	}

	// AMQP only makes sense for a database shared between processes
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.DataBackend == "memory" {
			errors = append(errors, "AMQP change fan-out requires the sqlite backend")
		}
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("invalid retry policy: %v", err))
	} else if c.RetryMaxAttempts > 100 {
		errors = append(errors, fmt.Sprintf("invalid retry max attempts %d: must be at most 100", c.RetryMaxAttempts))
	}

	if c.ResubscribeBaseDelay <= 0 {
		errors = append(errors, fmt.Sprintf("invalid resubscribe base delay %v: must be positive", c.ResubscribeBaseDelay))
	} else if c.ResubscribeMaxDelay < c.ResubscribeBaseDelay {
		errors = append(errors, fmt.Sprintf("invalid resubscribe max delay %v: below base delay %v", c.ResubscribeMaxDelay, c.ResubscribeBaseDelay))
	}
	if c.LostThreshold < 1 {
		errors = append(errors, fmt.Sprintf("invalid subscription lost threshold %d: must be at least 1", c.LostThreshold))
	}

	if c.AggregatorCapacity < 1 {
		errors = append(errors, fmt.Sprintf("invalid aggregator capacity %d: must be at least 1", c.AggregatorCapacity))
	}
	if c.AggregatorTTL < time.Second {
		errors = append(errors, fmt.Sprintf("invalid aggregator TTL %v: must be at least 1 second", c.AggregatorTTL))
	}

	if c.AuditEnabled {
		if err := worker.ValidateSchedule(c.AuditSchedule); err != nil {
			errors = append(errors, err.Error())
		}
	}

	if c.RateLimitPerMinute < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 per minute", c.RateLimitPerMinute))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errors = append(errors, err.Error())
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be 'text' or 'json'", c.LogFormat))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func (c *Config) RetryPolicy() services.RetryPolicy {
	return services.RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

func (c *Config) SubscriptionPolicy() services.SubscriptionPolicy {
	return services.SubscriptionPolicy{
		BaseDelay:     c.ResubscribeBaseDelay,
		MaxDelay:      c.ResubscribeMaxDelay,
		LostThreshold: c.LostThreshold,
	}
}

// AggregatorConfig builds the aggregator settings. w keeps every held
// balance live; nil leaves refreshes to Observe, which only suits
// short-lived readers.
func (c *Config) AggregatorConfig(w store.Watcher) services.AggregatorConfig {
	return services.AggregatorConfig{
		Capacity:     c.AggregatorCapacity,
		TTL:          c.AggregatorTTL,
		Watcher:      w,
		Subscription: c.SubscriptionPolicy(),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
