package queue

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis Streams job queue.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	DB           int
	Stream       string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
}

const (
	DefaultRedisStream = "securevod:packaging"
	DefaultRedisGroup  = "packaging-workers"
)

// NewRedisClient builds the universal client shared by the queue and the
// lock service.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		DB:           cfg.DB,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	}), nil
}

// NewRedisQueue initialises a queue backed by a Redis stream and consumer
// group. Each Subscription is one consumer of the group, so a job is
// delivered to a single worker.
func NewRedisQueue(cfg RedisConfig) (Queue, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	queue, err := NewRedisQueueWithClient(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	queue.ownsClient = true
	return queue, nil
}

// NewRedisQueueWithClient wraps an existing client. The caller keeps
// ownership of client.
func NewRedisQueueWithClient(client redis.UniversalClient, cfg RedisConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = DefaultRedisStream
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = DefaultRedisGroup
	}
	queue := &RedisQueue{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
	}
	if queue.logger == nil {
		queue.logger = slog.Default()
	}
	if queue.blockTimeout <= 0 {
		queue.blockTimeout = 2 * time.Second
	}
	if err := queue.ensureGroup(context.Background()); err != nil {
		return nil, err
	}
	return queue, nil
}

// RedisQueue is the Redis Streams implementation of Queue.
type RedisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	logger       *slog.Logger
	ownsClient   bool

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func (q *RedisQueue) Publish(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	_, err = q.client.Do(ctx, "XADD", q.stream, "*", "payload", string(payload)).Result()
	return err
}

func (q *RedisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	if err := q.ensureGroup(ctx); err != nil {
		q.logger.Error("redis queue group setup failed", "error", err)
	}
	sub := &redisSubscription{
		queue:    q,
		consumer: "consumer-" + uuid.NewString(),
		cancel:   cancel,
		ch:       make(chan Job),
	}
	go sub.run(ctx)
	return sub
}

func (q *RedisQueue) Close() error {
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	// Start at 0 so jobs published before the first worker are not skipped.
	_, err := q.client.Do(ctx, "XGROUP", "CREATE", q.stream, q.group, "0", "MKSTREAM").Result()
	if err != nil {
		if isBusyGroup(err) {
			q.groupReady.Store(true)
			return nil
		}
		return err
	}
	q.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	queue    *RedisQueue
	consumer string
	cancel   context.CancelFunc

	once sync.Once
	ch   chan Job
}

func (s *redisSubscription) Jobs() <-chan Job {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.queue.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.queue.logger.Warn("redis queue group ensure failed", "error", err)
			sleepCtx(ctx, 200*time.Millisecond)
			continue
		}
		entries, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.queue.logger.Warn("redis queue read failed", "error", err)
			sleepCtx(ctx, 200*time.Millisecond)
			continue
		}
		for i, entry := range entries {
			var job Job
			if err := json.Unmarshal(entry.Payload, &job); err != nil {
				s.queue.logger.Error("redis queue decode failed", "id", entry.ID, "error", err)
				s.ack(ctx, entry.ID)
				continue
			}
			select {
			case s.ch <- job:
				s.ack(ctx, entry.ID)
			case <-ctx.Done():
				for _, pending := range entries[i:] {
					s.requeueEntry(pending)
				}
				return
			}
		}
	}
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), time.Second)
		defer cancel()
	}
	if _, err := s.queue.client.Do(ctx, "XACK", s.queue.stream, s.queue.group, id).Result(); err != nil {
		s.queue.logger.Warn("redis ack failed", "id", id, "error", err)
	}
}

// requeueEntry acknowledges an undelivered entry and appends it again so
// another consumer picks it up.
func (s *redisSubscription) requeueEntry(entry redisStreamEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s.ack(ctx, entry.ID)
	if len(entry.Payload) == 0 {
		return
	}
	if _, err := s.queue.client.Do(ctx, "XADD", s.queue.stream, "*", "payload", string(entry.Payload)).Result(); err != nil {
		s.queue.logger.Warn("redis requeue failed", "id", entry.ID, "error", err)
	}
}

type redisStreamEntry struct {
	ID      string
	Payload []byte
}

func (s *redisSubscription) read(ctx context.Context) ([]redisStreamEntry, error) {
	blockMs := int(math.Max(float64(s.queue.blockTimeout.Milliseconds()), 1))
	reply, err := s.queue.client.Do(
		ctx,
		"XREADGROUP",
		"GROUP",
		s.queue.group,
		s.consumer,
		"COUNT",
		"1",
		"BLOCK",
		strconv.Itoa(blockMs),
		"STREAMS",
		s.queue.stream,
		">",
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	return parseStreamReply(reply), nil
}

func parseStreamReply(reply interface{}) []redisStreamEntry {
	var streams []interface{}
	switch typed := reply.(type) {
	case []interface{}:
		streams = typed
	case map[interface{}]interface{}:
		for name, records := range typed {
			streams = append(streams, []interface{}{name, records})
		}
	default:
		return nil
	}
	var entries []redisStreamEntry
	for _, stream := range streams {
		parts, ok := stream.([]interface{})
		if !ok || len(parts) != 2 {
			continue
		}
		records, _ := parts[1].([]interface{})
		for _, record := range records {
			tuple, ok := record.([]interface{})
			if !ok || len(tuple) != 2 {
				continue
			}
			id, _ := asString(tuple[0])
			fields, _ := tuple[1].([]interface{})
			payload := extractPayload(fields)
			if id == "" || len(payload) == 0 {
				continue
			}
			entries = append(entries, redisStreamEntry{ID: id, Payload: payload})
		}
	}
	return entries
}

func extractPayload(fields []interface{}) []byte {
	for i := 0; i+1 < len(fields); i += 2 {
		key, _ := asString(fields[i])
		if strings.EqualFold(key, "payload") {
			value, _ := asString(fields[i+1])
			if value != "" {
				return []byte(value)
			}
		}
	}
	return nil
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygroup")
}

func isNilReply(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nil reply") || strings.Contains(msg, "timeout")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
