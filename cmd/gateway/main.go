// Package main is the entry point for the gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mealmind/gateway/internal/config"
	"github.com/mealmind/gateway/internal/gateway"
	"github.com/mealmind/gateway/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// shutdownGrace bounds graceful shutdown after a termination signal.
const shutdownGrace = 30 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	watchConfig bool
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting gateway",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	var opts []gateway.GatewayOption
	if flags.watchConfig {
		opts = append(opts, gateway.WithConfigWatcher(flags.configPath))
	}

	gw, err := gateway.New(cfg, logger, opts...)
	if err != nil {
		logger.Fatal("failed to assemble gateway", observability.Error(err))
	}

	run(gw, logger)
}

// parseFlags parses command line flags, with environment fallbacks.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", "json"),
		"Log format (json, console)")
	watchConfig := flag.Bool("watch-config", true,
		"Refresh backend endpoints when the config file changes")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		watchConfig: *watchConfig,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("gateway version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// run starts the gateway and blocks until a termination signal or a
// listener failure, then shuts down gracefully.
func run(gw *gateway.Gateway, logger observability.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("termination signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("gateway exited", observability.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", observability.Error(err))
		os.Exit(1)
	}
}

// getEnvOrDefault returns the environment variable's value or a default.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
