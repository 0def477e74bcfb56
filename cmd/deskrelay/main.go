package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"deskrelay/internal/app"
	"deskrelay/internal/config"
	"deskrelay/internal/logging"
)

// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
	logLevel   string
	help       bool
}

func parseFlags(args []string, stderr io.Writer) (*options, *pflag.FlagSet, error) {
	var opts options
	flagSet := pflag.NewFlagSet("deskrelay", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&opts.envFile, "env-file", "", "dotenv file to load (default: .env when present)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	flagSet.BoolVarP(&opts.help, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return &opts, flagSet, nil
}

// run serves until ctx is cancelled, then shuts down within http.shutdown_timeout
func run(ctx context.Context, args []string, stderr io.Writer) error {
	opts, flagSet, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.help {
		printHelp(flagSet, stderr)
		return nil
	}

	// STEP 1: Configuration: defaults < environment < file < flags
	cfg, err := config.Load(config.LoadOptions{ConfigPath: opts.configPath, EnvFile: opts.envFile})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	// STEP 2: Logger
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// STEP 3: Application
	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		_ = application.Stop(stopCtx)
		return fmt.Errorf("failed to start application: %w", err)
	}

	// STEP 4: Wait for shutdown
	<-ctx.Done()
	logger.Info("Shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(stopCtx); err != nil {
		logger.Warn("Shutdown did not complete cleanly", zap.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `deskrelay: real-time event gateway for agents and widget visitors.

Endpoints:
  GET  /ws/agent                       agent WebSocket (Authorization: Bearer <token>)
  GET  /ws/visitor?token=...           visitor WebSocket
  POST /api/topics/{topic}/events      publish to a conversation
  POST /api/actors/{actor}/events      publish to a user
  GET  /health, /metrics

Every config key can be set with a DESKRELAY_ environment variable,
e.g. DESKRELAY_BACKBONE_ADDR=redis:6379.

Usage:
  deskrelay [flags]

Flags:
%s`, flagSet.FlagUsages())
}
