// Package queue holds delayed delivery jobs between the publisher and the
// worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nexuscomm/webhooks/internal/models"
)

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("queue is closed")

// Job is one delivery attempt waiting to run
type Job struct {
	ID         string                  `json:"id"`
	WebhookID  uuid.UUID               `json:"webhook_id"`
	Event      models.IntegrationEvent `json:"event"`
	Attempt    int                     `json:"attempt"`
	EnqueuedAt time.Time               `json:"enqueued_at"`

	// claim is the stored form of a dequeued job, used to release its lease
	claim string
}

// NewJob creates the first job for an (event, endpoint) pair
func NewJob(webhookID uuid.UUID, ev models.IntegrationEvent) *Job {
	return &Job{
		ID:        webhookID.String() + ":" + ev.ID.String(),
		WebhookID: webhookID,
		Event:     ev,
	}
}

// Next returns the job for the following attempt
func (j *Job) Next() *Job {
	next := *j
	next.Attempt++
	next.EnqueuedAt = time.Time{}
	next.claim = ""
	return &next
}

// Key identifies this attempt of the delivery
func (j *Job) Key() string {
	return fmt.Sprintf("%s:%d", j.ID, j.Attempt)
}

// Queue is a delay queue of delivery jobs. Dequeue returns (nil, nil) when no
// job is ready. A dequeued job stays claimed until Complete is called.
type Queue interface {
	Enqueue(ctx context.Context, job *Job, delay time.Duration) error
	Dequeue(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	Len(ctx context.Context) (int64, error)
	Close() error
}

// Reclaimer is a queue whose claims expire. Recover returns jobs whose
// claim has lapsed to the queue and reports how many it moved.
type Reclaimer interface {
	Recover(ctx context.Context) (int, error)
}
