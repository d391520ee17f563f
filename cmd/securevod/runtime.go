package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"securevod/internal/config"
	"securevod/internal/locks"
	"securevod/internal/observability/logging"
	"securevod/internal/observability/metrics"
	"securevod/internal/orchestrator"
	"securevod/internal/packaging"
	"securevod/internal/queue"
	"securevod/internal/storage"
)

const memoryQueueBuffer = 256

// runtime holds the process-wide dependencies shared by every command.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	store   storage.Repository
	redis   redis.UniversalClient
}

func openRuntime(cfg *config.Config, logOutput io.Writer) (*runtime, error) {
	logger := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Writer: logOutput})
	recorder := metrics.New()
	metrics.SetDefault(recorder)

	store, err := openStore(cfg.Storage, logging.WithComponent(logger, "storage"))
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger, metrics: recorder, store: store}
	if cfg.Queue.Driver == config.QueueRedis {
		client, err := queue.NewRedisClient(rt.redisConfig())
		if err != nil {
			_ = store.Close(context.Background())
			return nil, err
		}
		rt.redis = client
	}
	return rt, nil
}

func openStore(cfg config.Storage, logger *slog.Logger) (storage.Repository, error) {
	opts := []storage.Option{storage.WithLogger(logger)}
	switch cfg.Driver {
	case config.DriverJSON:
		return storage.NewJSONRepository(cfg.Path, opts...)
	case config.DriverSQLite:
		return storage.NewSQLiteRepository(cfg.Path, opts...)
	case config.DriverPostgres:
		if cfg.MaxConns > 0 || cfg.MinConns > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(int32(cfg.MaxConns), int32(cfg.MinConns)))
		}
		opts = append(opts, storage.WithApplicationName("securevod"))
		return storage.NewPostgresRepository(cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func (rt *runtime) redisConfig() queue.RedisConfig {
	q := rt.cfg.Queue
	return queue.RedisConfig{
		Addr:       q.Addr,
		Addrs:      q.Addrs,
		Username:   q.Username,
		Password:   q.Password,
		DB:         q.DB,
		Stream:     q.Stream,
		Group:      q.Group,
		MasterName: q.MasterName,
		PoolSize:   q.PoolSize,
		Logger:     logging.WithComponent(rt.logger, "queue"),
		TLS: queue.RedisTLSConfig{
			CAFile:             q.TLS.CAFile,
			CertFile:           q.TLS.CertFile,
			KeyFile:            q.TLS.KeyFile,
			ServerName:         q.TLS.ServerName,
			InsecureSkipVerify: q.TLS.InsecureSkipVerify,
		},
	}
}

// openQueue returns the configured job queue. A Redis queue shares the
// runtime's client, which stays open until Close.
func (rt *runtime) openQueue() (queue.Queue, error) {
	if rt.redis == nil {
		return queue.NewMemoryQueue(memoryQueueBuffer), nil
	}
	q, err := queue.NewRedisQueueWithClient(rt.redis, rt.redisConfig())
	if err != nil {
		return nil, err
	}
	return q, nil
}

// publisher returns the queue one-off commands publish to. With the memory
// queue nothing outside this process could consume the job, so it is left
// in the outbox for the serving process's dispatcher.
func (rt *runtime) publisher() (orchestrator.Publisher, func(), error) {
	if rt.redis == nil {
		return nil, func() {}, nil
	}
	q, err := rt.openQueue()
	if err != nil {
		return nil, nil, err
	}
	return q, func() { _ = q.Close() }, nil
}

func (rt *runtime) locker() locks.Locker {
	if rt.redis == nil {
		return locks.NewMemoryLocker()
	}
	return locks.NewRedisLocker(rt.redis)
}

func (rt *runtime) packagerClient() *packaging.Client {
	return packaging.NewClient(packaging.ClientConfig{
		BaseURL: rt.cfg.Packager.URL,
		Token:   rt.cfg.Packager.Token,
		Logger:  logging.WithComponent(rt.logger, "packaging"),
	})
}

func (rt *runtime) intake() (*orchestrator.Intake, func(), error) {
	publisher, closePublisher, err := rt.publisher()
	if err != nil {
		return nil, nil, err
	}
	enqueuer := orchestrator.NewEnqueuer(publisher, rt.store, rt.metrics, logging.WithComponent(rt.logger, "enqueuer"))
	intake, err := orchestrator.NewIntake(rt.store, enqueuer)
	if err != nil {
		closePublisher()
		return nil, nil, err
	}
	return intake, closePublisher, nil
}

func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	errs = append(errs, rt.store.Close(ctx))
	return errors.Join(errs...)
}
