// Package queue holds the send-job work queue.
//
// Delivery is at-least-once: a job may be handed out more than once, so the
// processor guards every attempt with a compare-and-swap on the message row.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/dispatcher/internal/model"
)

var ErrEmpty = errors.New("queue: no job ready")

// Job asks a worker to make the next send attempt for a message.
type Job struct {
	MessageID string        `json:"messageId"`
	Channel   model.Channel `json:"channel"`
	// Attempt is the message's attempt count when the job was enqueued.
	Attempt int `json:"attempt"`
	// PrevDelay is the backoff delay that preceded this job.
	PrevDelay time.Duration `json:"prevDelay"`
	// QueuedAt stamps the admission cycle the job belongs to.
	QueuedAt   time.Time `json:"queuedAt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type Queue interface {
	// Enqueue makes job available after delay. A non-positive delay means now.
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Dequeue pops one ready job or returns ErrEmpty.
	Dequeue(ctx context.Context) (Job, error)
	// PromoteDue moves delayed jobs whose time has come to the ready list.
	PromoteDue(ctx context.Context) (int, error)
	// Len counts ready and delayed jobs.
	Len(ctx context.Context) (int, error)
}
