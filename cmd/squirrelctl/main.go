package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"squirrel/internal/cli"
	"squirrel/internal/log"
)

func main() {
	cli.LoadEnvFile()

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	cli.Register(subcommands.DefaultCommander)
	flag.Parse()

	// Logs go to stderr so command output stays clean on stdout.
	boot := cli.SetupLogger(os.Stderr, "warn", "text")
	cfg := cli.LoadAndValidateConfig(boot)
	logger := cli.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if os.Getenv("LOG_LEVEL") == "" {
		logger = cli.SetupLogger(os.Stderr, "warn", cfg.LogFormat)
	}

	ctx, stop := cli.SignalContext(context.Background(), logger)
	res := cli.OpenBackend(ctx, logger, cfg)
	if res.Run != nil {
		go func() { _ = res.Run(ctx) }()
	}

	status := subcommands.Execute(ctx, &cli.Env{
		Ledger: res.Ledger,
		Config: cfg,
		Logger: logger,
		Out:    os.Stdout,
	})

	stop()
	if err := res.Cleanup(); err != nil {
		logger.Warn("Backend cleanup failed", log.FieldError, err.Error())
	}
	os.Exit(int(status))
}
