// Package cli provides common CLI initialization utilities.
// This package consolidates repeated initialization patterns across
// cmd/squirrel and cmd/squirrelctl, and holds the squirrelctl subcommands.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"squirrel/internal/backend"
	"squirrel/internal/config"
	"squirrel/internal/log"
)

// SetupLogger initializes structured logging at the given level and
// format, writing to w (stdout when nil). Returns the configured logger and
// sets it as the default logger. An unknown level falls back to info.
func SetupLogger(w io.Writer, level, format string) *log.Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, _ := log.ParseLevel(level)
	logger := log.New(log.Config{
		Level:     lvl,
		Format:    format,
		Component: log.ComponentApp,
		Output:    w,
	})
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on failure.
func LoadAndValidateConfig(logger *log.Logger) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Configuration could not be loaded", log.FieldError, err.Error())
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err.Error())
		os.Exit(1)
	}
	return cfg
}

// OpenBackend creates the ledger backend named by cfg.
// Returns the backend or exits the process on failure.
func OpenBackend(ctx context.Context, logger *log.Logger, cfg *config.Config) *backend.BackendResult {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err.Error())
		os.Exit(1)
	}
	res, err := backend.NewFactory(logger).CreateBackend(ctx, bcfg)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err.Error(), log.FieldBackend, cfg.DataBackend)
		os.Exit(1)
	}
	return res
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM. The
// signal is logged. stop releases the handler and cancels the context.
func SignalContext(parent context.Context, logger *log.Logger) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String(), log.FieldOperation, log.OpShutdown)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// ShutdownStep is one named part of an orderly shutdown.
type ShutdownStep struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Shutdown runs steps in order under a shared timeout. A failing step is
// logged and the rest still run. Returns the first error.
func Shutdown(logger *log.Logger, timeout time.Duration, steps ...ShutdownStep) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var first error
	for _, step := range steps {
		if err := step.Fn(ctx); err != nil {
			logger.Error("Shutdown step failed", "step", step.Name, log.FieldError, err.Error(), log.FieldOperation, log.OpShutdown)
			if first == nil {
				first = err
			}
		}
	}

	if ctx.Err() != nil {
		logger.Warn("Shutdown timeout reached")
	} else {
		logger.Info("Shutdown complete")
	}
	return first
}
