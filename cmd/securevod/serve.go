package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"securevod/internal/api"
	"securevod/internal/keys"
	"securevod/internal/observability/logging"
	"securevod/internal/orchestrator"
	"securevod/internal/queue"
	"securevod/internal/serverutil"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run packaging workers, the outbox dispatcher and the consumer API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := openRuntime(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := rt.Close(closeCtx); err != nil {
					rt.logger.Warn("closing runtime failed", "error", err)
				}
			}()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(runCtx, rt)
		},
	}
	cmd.Flags().String("addr", "", "consumer API listen address")
	cmd.Flags().String("media-url", "", "public URL prefix of the media root")
	cmd.Flags().Int("workers", 0, "number of packaging workers")
	cmd.Flags().Int("max-attempts", 0, "packaging attempts per job")
	cmd.Flags().Duration("lock-ttl", 0, "per-asset lock lease")
	cmd.Flags().Duration("dispatch-interval", 0, "outbox dispatcher tick")
	return cmd
}

// pipeline is the set of long-running components behind serve.
type pipeline struct {
	queue      queue.Queue
	processor  *orchestrator.Processor
	pool       *orchestrator.WorkerPool
	dispatcher *orchestrator.Dispatcher
	api        *api.Handler
}

func newPipeline(rt *runtime, q queue.Queue, packager orchestrator.Packager) (*pipeline, error) {
	cfg := rt.cfg
	provisioner := keys.NewProvisioner(rt.store, keys.WithLogger(logging.WithComponent(rt.logger, "keys")))
	processor, err := orchestrator.NewProcessor(orchestrator.ProcessorConfig{
		Store:    rt.store,
		Keys:     provisioner,
		Packager: packager,
		Locker:   rt.locker(),
		LockTTL:  cfg.Pipeline.LockTTL.Duration,
		Policy:   cfg.RetryPolicy(),
		Metrics:  rt.metrics,
		Logger:   logging.WithComponent(rt.logger, "processor"),
	})
	if err != nil {
		return nil, err
	}
	pool := orchestrator.NewWorkerPool(orchestrator.WorkerPoolConfig{
		Queue:     q,
		Processor: processor,
		Pending:   rt.store,
		Workers:   cfg.Pipeline.Workers,
		Metrics:   rt.metrics,
		Logger:    logging.WithComponent(rt.logger, "workers"),
	})
	dispatcher := orchestrator.NewDispatcher(orchestrator.DispatcherConfig{
		Store:      rt.store,
		Publisher:  q,
		Interval:   cfg.Pipeline.DispatchInterval.Duration,
		Grace:      cfg.Pipeline.DispatchGrace.Duration,
		StaleAfter: cfg.Pipeline.StaleAfter.Duration,
		Metrics:    rt.metrics,
		Logger:     logging.WithComponent(rt.logger, "dispatcher"),
	})
	handler, err := api.NewHandler(api.Config{
		Store:     rt.store,
		MediaURL:  cfg.Server.MediaURL,
		CORS:      api.CORSConfig{PlayerOrigins: cfg.Server.PlayerOrigins},
		RateLimit: api.RateLimitConfig{
			Limit:  cfg.Server.LicenseRateLimit,
			Window: cfg.Server.LicenseRateWindow.Duration,
			Redis:  rt.redis,
		},
		Probes:  rt.probes(),
		Metrics: rt.metrics,
		Logger:  logging.WithComponent(rt.logger, "api"),
	})
	if err != nil {
		return nil, err
	}
	return &pipeline{queue: q, processor: processor, pool: pool, dispatcher: dispatcher, api: handler}, nil
}

func (rt *runtime) probes() []api.Probe {
	probes := []api.Probe{{Name: "packager", Check: rt.packagerClient().Health}}
	if rt.redis != nil {
		probes = append(probes, api.Probe{Name: "redis", Check: func(ctx context.Context) error {
			return rt.redis.Ping(ctx).Err()
		}})
	}
	return probes
}

func serve(ctx context.Context, rt *runtime) error {
	q, err := rt.openQueue()
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	p, err := newPipeline(rt, q, rt.packagerClient())
	if err != nil {
		return err
	}
	rt.logger.Info("securevod starting",
		"storage", rt.cfg.Storage.Driver,
		"queue", rt.cfg.Queue.Driver,
		"packager", rt.cfg.Packager.URL,
		"workers", rt.cfg.Pipeline.Workers,
	)

	p.pool.Start()
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return p.dispatcher.Run(groupCtx)
	})
	group.Go(func() error {
		server := &http.Server{
			Addr:              rt.cfg.Server.Addr,
			Handler:           p.api.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          server,
			TLS:             serverutil.TLSConfig{CertFile: rt.cfg.Server.TLSCert, KeyFile: rt.cfg.Server.TLSKey},
			ShutdownTimeout: shutdownTimeout,
			Logger:          logging.WithComponent(rt.logger, "http"),
		})
	})
	runErr := group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.pool.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("workers did not stop in time", "error", err)
	}
	rt.logger.Info("securevod stopped")
	return runErr
}
