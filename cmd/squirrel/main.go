package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"squirrel/internal/cache"
	"squirrel/internal/cli"
	"squirrel/internal/config"
	apphttp "squirrel/internal/http"
	"squirrel/internal/log"
	"squirrel/internal/services"
	"squirrel/internal/worker"
)

func main() {
	cli.LoadEnvFile()

	boot := cli.SetupLogger(os.Stdout, "info", "text")
	cfg := cli.LoadAndValidateConfig(boot)
	logger := cli.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	if err := run(logger, cfg); err != nil {
		logger.Error("Server stopped with error", log.FieldError, err.Error())
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(logger *log.Logger, cfg *config.Config) error {
	ctx, stop := cli.SignalContext(context.Background(), logger)
	defer stop()

	res := cli.OpenBackend(ctx, logger, cfg)

	agg := services.NewBalanceAggregator(res.Ledger, cfg.AggregatorConfig(res.Ledger), logger)
	caches := cache.NewManager(logger)
	caches.Register(agg)
	caches.StartCleanup(time.Minute)

	var auditor *worker.Auditor
	if cfg.AuditEnabled {
		a, err := worker.NewAuditor(res.Ledger, cfg.AuditSchedule, logger)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		auditor = a
		auditor.Start(ctx)
	}

	srv := apphttp.NewServer(apphttp.Config{
		Addr:               ":" + cfg.Port,
		Retry:              cfg.RetryPolicy(),
		Subscription:       cfg.SubscriptionPolicy(),
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}, res.Ledger, agg, res.Ready, logger)
	srv.MaxHeaderBytes = 1 << 16

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting squirrel server",
			"port", cfg.Port, log.FieldBackend, cfg.DataBackend, "audit", cfg.AuditEnabled, log.FieldOperation, log.OpStartup)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if res.Run != nil {
		g.Go(func() error {
			if err := res.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("backend: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return cli.Shutdown(logger, 30*time.Second,
			cli.ShutdownStep{Name: "http", Fn: srv.Shutdown},
			cli.ShutdownStep{Name: "audit", Fn: func(context.Context) error {
				if auditor != nil {
					auditor.Stop()
				}
				return nil
			}},
			cli.ShutdownStep{Name: "cache", Fn: func(context.Context) error {
				caches.Stop()
				return agg.Close()
			}},
			cli.ShutdownStep{Name: "backend", Fn: func(context.Context) error {
				return res.Cleanup()
			}},
		)
	})

	return g.Wait()
}
