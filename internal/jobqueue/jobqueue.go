// Package jobqueue is the durable queue behind offline delivery. Producers
// only see Queue; the worker drains a Backend.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueClosed is returned by every operation after Close.
	ErrQueueClosed = errors.New("jobqueue: closed")

	// ErrNoJob is returned by Pop when nothing arrived within the timeout.
	ErrNoJob = errors.New("jobqueue: no job")

	// ErrQueueFull is returned by bounded in-process queues.
	ErrQueueFull = errors.New("jobqueue: full")
)

// Job is one unit of durable work.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// Queue accepts jobs by name. args is encoded as JSON.
type Queue interface {
	Enqueue(ctx context.Context, name string, args any) error
}

// Backend is the storage side a Worker drains.
type Backend interface {
	Queue
	Push(ctx context.Context, job Job) error
	// Pop blocks for at most timeout and returns ErrNoJob if nothing came.
	Pop(ctx context.Context, timeout time.Duration) (Job, error)
	DeadLetter(ctx context.Context, job Job) error
	Close() error
}

func newJob(name string, args any) (Job, error) {
	if name == "" {
		return Job{}, errors.New("jobqueue: job name is required")
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s args: %w", name, err)
	}
	return Job{
		ID:         uuid.NewString(),
		Name:       name,
		Args:       raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}
