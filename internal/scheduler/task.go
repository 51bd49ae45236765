package scheduler

import (
	"context"

	"github.com/google/uuid"
)

// Task is one unit of preemptible work. Run must honour ctx
// cancellation: when the scheduler preempts the task it cancels the
// context and the task is expected to return promptly.
type Task struct {
	// Nonce identifies this submission. Settlement is matched against
	// it so a preempted task finishing late cannot clear its successor.
	Nonce string

	Run func(ctx context.Context) error
}

// NewTask wraps run with a fresh nonce.
func NewTask(run func(ctx context.Context) error) *Task {
	return &Task{
		Nonce: uuid.NewString(),
		Run:   run,
	}
}
