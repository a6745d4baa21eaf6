// Package queue decouples accepting a request from running it. A Producer
// records the task and acknowledges the caller with a start event; a
// Processor drains the Broker and runs each task with bounded retries.
package queue

import (
	"context"
	"errors"
	"time"

	"vlm-chat-server/internal/model"
)

// ErrNoTask is returned by Dequeue when nothing arrived within the poll window.
var ErrNoTask = errors.New("queue: no task")

// Delivery is one hand-out of a task. A task may be delivered more than once.
type Delivery struct {
	Task model.QueueTask
	// ref identifies this delivery inside the broker.
	ref string
}

type Broker interface {
	Enqueue(ctx context.Context, task model.QueueTask) (string, error)
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack hands the task back for another delivery.
	Nack(ctx context.Context, d *Delivery) error

	Status(ctx context.Context, taskID string) (model.QueueTask, error)
	RecordAttempt(ctx context.Context, taskID string) (int, error)
	MarkDone(ctx context.Context, taskID string) error
	// MarkFailed records the task as failed. first is true only for the call
	// that wrote the dead-letter record.
	MarkFailed(ctx context.Context, taskID, reason string) (first bool, err error)
	DeadLetters(ctx context.Context) ([]model.QueueTask, error)

	Close() error
}

// Leaser is implemented by brokers that hand a delivery to another consumer
// once it has gone LeaseTTL without being extended.
type Leaser interface {
	LeaseTTL() time.Duration
	// Extend tells the broker d is still being worked on.
	Extend(ctx context.Context, d *Delivery) error
}
