package scheduler

import (
	"fmt"
	"time"
)

// ExecutionError records a task command that ran to completion with a
// non-zero exit code.
type ExecutionError struct {
	TaskID   string
	ExitCode int
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s exited with code %d", e.TaskID, e.ExitCode)
}

// TimeoutError records a task that was terminated for exceeding its
// per-node execution deadline.
type TimeoutError struct {
	TaskID string
	Limit  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Limit)
}
