package queue

import (
	"context"
	"time"
)

// Task is one deferred completion bound to a generation.
type Task struct {
	GenerationID string    `json:"generationId"`
	RunAt        time.Time `json:"runAt"`
	// Attempts counts deliveries including the current one.
	Attempts int `json:"attempts"`
}

// Handler runs a task. A non-nil error asks the scheduler to retry when it can.
type Handler func(ctx context.Context, task Task) error

// Scheduler runs tasks at or after their RunAt time.
type Scheduler interface {
	Schedule(ctx context.Context, task Task) error
	// Start begins delivering due tasks to handler until ctx is done.
	Start(ctx context.Context, concurrency int, handler Handler)
}
