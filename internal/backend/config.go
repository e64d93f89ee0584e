package backend

import (
	"errors"
	"fmt"
	"strings"

	"squirrel/internal/config"
)

// FromAppConfig picks the backend settings out of the application config.
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, errors.New("app config is nil")
	}

	bt := BackendType(appConfig.DataBackend)
	if !bt.IsValid() {
		return Config{}, fmt.Errorf("unknown backend %q (want one of %s)",
			appConfig.DataBackend, strings.Join(GetBackendTypeStrings(), ", "))
	}

	return Config{
		Type:              bt,
		SQLiteDBPath:      appConfig.SQLiteDBPath,
		SQLiteBusyTimeout: appConfig.SQLiteBusyTimeout,
		AMQPURL:           appConfig.AMQPURL,
		AMQPExchange:      appConfig.AMQPExchange,
	}, nil
}

// Validate reports every inconsistency in c at once.
func (c Config) Validate() error {
	var problems []string

	switch c.Type {
	case SQLiteBackend:
		if c.SQLiteDBPath == "" {
			problems = append(problems, "sqlite backend needs a database path")
		}
		if c.SQLiteBusyTimeout < 0 {
			problems = append(problems, "sqlite busy timeout must not be negative")
		}
		if c.AMQPURL != "" && c.AMQPExchange == "" {
			problems = append(problems, "AMQP exchange is required when AMQP URL is set")
		}
	case MemoryBackend:
		// Memory stores live in one process; there is nobody to fan out to.
		if c.AMQPURL != "" {
			problems = append(problems, "memory backend cannot share changes over AMQP")
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid backend type %q", c.Type))
	}

	if len(problems) > 0 {
		return fmt.Errorf("backend config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GetBackendTypes lists the supported backends.
func GetBackendTypes() []BackendType {
	return []BackendType{MemoryBackend, SQLiteBackend}
}

// GetBackendTypeStrings is GetBackendTypes as plain strings.
func GetBackendTypeStrings() []string {
	types := GetBackendTypes()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = t.String()
	}
	return out
}
