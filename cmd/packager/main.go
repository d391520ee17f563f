// Command packager runs the packaging worker HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"securevod/internal/config"
	"securevod/internal/observability/logging"
	"securevod/internal/observability/metrics"
	"securevod/internal/packager"
	"securevod/internal/serverutil"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, nil); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logOutput io.Writer, ready chan<- net.Addr) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := packager.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load packager configuration: %w", err)
	}
	logger := logging.WithComponent(logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Writer: logOutput,
	}), "packager")

	recorder := metrics.New()
	svc, err := packager.NewService(packager.ServiceConfig{Config: cfg, Metrics: recorder, Logger: logger})
	if err != nil {
		return err
	}
	if cfg.Token == "" {
		logger.Warn("PACKAGER_TOKEN is empty; /pack accepts unauthenticated requests")
	}
	logger.Info("packager starting", "media_root", cfg.MediaRoot, "command", cfg.Command, "max_concurrent", cfg.MaxConcurrent, "command_timeout", cfg.CommandTimeout.String())

	server := &http.Server{
		Addr:              cfg.Bind,
		Handler:           svc.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server:          server,
		ShutdownTimeout: shutdownTimeout,
		Drain:           svc.Close,
		Ready:           ready,
		Logger:          logger,
	})
}
