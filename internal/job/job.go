// Package job owns the in-memory job table: creation, state transitions,
// concurrent execution, cancellation, and a bounded history of terminal runs.
//
// Jobs are process-lifetime only. The durable artifact of a run is whatever
// its payload persisted; job metadata is for observability and control.
package job

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Payload produces the job result. Cancellation arrives through ctx; a
// payload that never checks ctx still terminates the Job record immediately
// on Cancel, it just keeps burning its goroutine until the next check.
type Payload func(ctx context.Context) (any, error)

// Job is a snapshot of one execution attempt. All fields are copies; mutate
// nothing — the Manager owns the live record.
type Job struct {
	ID           string            `json:"id"`
	Source       string            `json:"source"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Result       any               `json:"result,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Event is published on the bus for every state transition.
type Event struct {
	ID       string        `json:"id"`
	Source   string        `json:"source"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}
