// Package queue carries packaging jobs from producers to workers.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Job asks a worker to drive one asset through packaging.
type Job struct {
	ID         string    `json:"id"`
	AssetID    int64     `json:"assetId"`
	Reason     string    `json:"reason,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewJob stamps a job for assetID with a fresh identifier.
func NewJob(assetID int64, reason string) Job {
	return Job{ID: uuid.NewString(), AssetID: assetID, Reason: reason, EnqueuedAt: time.Now().UTC()}
}

// Validate checks the fields every consumer relies on.
func (j Job) Validate() error {
	if j.AssetID <= 0 {
		return errors.New("job asset id is required")
	}
	return nil
}

// Queue delivers each published job to one subscriber. Delivery is
// at-least-once; consumers must tolerate duplicates.
type Queue interface {
	Publish(ctx context.Context, job Job) error
	Subscribe() Subscription
	Close() error
}

// Subscription is an active consumer.
type Subscription interface {
	Jobs() <-chan Job
	Close()
}

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue closed")
