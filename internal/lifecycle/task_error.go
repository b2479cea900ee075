package lifecycle

import (
	"errors"
	"fmt"
)

// TaskInfo identifies a task running within a Scope.
type TaskInfo struct {
	Name string
}

// TaskError wraps an error together with the TaskInfo of the task that
// produced it, so a Group can tell which background loop (clock or sampler)
// failed.
type TaskError struct {
	Task TaskInfo
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q failed: %v", e.Task.Name, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// IsTaskError reports whether err (or any error in its chain) is a *TaskError.
func IsTaskError(err error) bool {
	if err == nil {
		return false
	}
	var te *TaskError
	return errors.As(err, &te)
}
