package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, sub Subscription, timeout time.Duration) (Job, bool) {
	t.Helper()
	select {
	case job, ok := <-sub.Jobs():
		return job, ok
	case <-time.After(timeout):
		return Job{}, false
	}
}

func TestJobValidate(t *testing.T) {
	if err := (Job{}).Validate(); err == nil {
		t.Fatal("expected error for zero asset id")
	}
	job := NewJob(7, "created")
	if job.ID == "" || job.EnqueuedAt.IsZero() {
		t.Fatalf("expected stamped job, got %+v", job)
	}
	if err := job.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestMemoryQueueDeliversEachJobOnce(t *testing.T) {
	q := NewMemoryQueue(16)
	t.Cleanup(func() { _ = q.Close() })

	subs := []Subscription{q.Subscribe(), q.Subscribe(), q.Subscribe()}
	t.Cleanup(func() {
		for _, sub := range subs {
			sub.Close()
		}
	})

	// More jobs than the buffer holds, so publishing relies on the consumers.
	const total = 20

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	done := make(chan struct{})
	for _, sub := range subs {
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			for {
				select {
				case job, ok := <-sub.Jobs():
					if !ok {
						return
					}
					mu.Lock()
					seen[job.AssetID]++
					mu.Unlock()
				case <-done:
					return
				}
			}
		}(sub)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 1; i <= total; i++ {
		if err := q.Publish(ctx, NewJob(int64(i), "created")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == total {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(done)
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct jobs, got %d", total, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("asset %d delivered %d times", id, count)
		}
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Publish(context.Background(), NewJob(1, "")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	t.Cleanup(func() { _ = q.Close() })
	if err := q.Publish(context.Background(), NewJob(1, "")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, NewJob(2, "")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded on full buffer, got %v", err)
	}
}

func TestMemorySubscriptionCloseEndsChannel(t *testing.T) {
	q := NewMemoryQueue(4)
	t.Cleanup(func() { _ = q.Close() })
	sub := q.Subscribe()
	sub.Close()
	select {
	case _, ok := <-sub.Jobs():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed")
	}
}

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := NewRedisClient(RedisConfig{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewRedisQueueWithClient(client, RedisConfig{
		Stream:       "test-jobs",
		Group:        "test-workers",
		BlockTimeout: 50 * time.Millisecond,
		Logger:       discardLogger(),
	})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return q, srv
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q, srv := newTestRedisQueue(t)

	job := NewJob(42, "committed")
	if err := q.Publish(context.Background(), job); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !srv.Exists("test-jobs") {
		t.Fatal("expected stream to exist after publish")
	}

	sub := q.Subscribe()
	t.Cleanup(sub.Close)
	got, ok := receive(t, sub, 2*time.Second)
	if !ok {
		t.Fatal("job not delivered")
	}
	if got.ID != job.ID || got.AssetID != 42 || got.Reason != "committed" {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestRedisQueueCompetingConsumers(t *testing.T) {
	q, _ := newTestRedisQueue(t)

	first := q.Subscribe()
	second := q.Subscribe()
	t.Cleanup(first.Close)
	t.Cleanup(second.Close)

	if err := q.Publish(context.Background(), NewJob(1, "")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deliveries := 0
	timeout := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case <-first.Jobs():
			deliveries++
		case <-second.Jobs():
			deliveries++
		case <-timeout:
			break loop
		}
	}
	if deliveries != 1 {
		t.Fatalf("expected exactly one delivery across the group, got %d", deliveries)
	}
}

func TestRedisQueueRejectsInvalidJob(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	if err := q.Publish(context.Background(), Job{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestNewRedisClientRequiresAddr(t *testing.T) {
	if _, err := NewRedisClient(RedisConfig{}); err == nil {
		t.Fatal("expected error without addr")
	}
}

func TestBuildTLSConfigRejectsMissingCA(t *testing.T) {
	if _, err := buildTLSConfig(RedisTLSConfig{CAFile: "/nonexistent/ca.pem"}); err == nil {
		t.Fatal("expected error for missing CA file")
	}
	cfg, err := buildTLSConfig(RedisTLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config without TLS settings, got %v, %v", cfg, err)
	}
}
