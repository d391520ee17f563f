package queue

import (
	"context"
	"sync"
)

// NewMemoryQueue initialises an in-process work queue. Subscribers compete
// for jobs; each job is handed to exactly one of them.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &memoryQueue{
		jobs:   make(chan Job, buffer),
		closed: make(chan struct{}),
	}
}

type memoryQueue struct {
	jobs      chan Job
	closed    chan struct{}
	closeOnce sync.Once
}

func (q *memoryQueue) Publish(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{cancel: cancel, ch: make(chan Job)}
	go sub.run(ctx, q)
	return sub
}

func (q *memoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

type memorySubscription struct {
	cancel context.CancelFunc
	once   sync.Once
	ch     chan Job
}

func (s *memorySubscription) run(ctx context.Context, q *memoryQueue) {
	defer close(s.ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		case job := <-q.jobs:
			select {
			case s.ch <- job:
			case <-ctx.Done():
				// Hand the job back so another subscriber can take it.
				select {
				case q.jobs <- job:
				default:
				}
				return
			}
		}
	}
}

func (s *memorySubscription) Jobs() <-chan Job {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.cancel()
	})
}
