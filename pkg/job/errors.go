package job

import "errors"

// ErrCancelled is returned by Result for a job that was cancelled
var ErrCancelled = errors.New("job cancelled")

// ErrTimeout is returned by Result when its deadline passes before the job
// completes. The job itself keeps running.
var ErrTimeout = errors.New("timed out waiting for job result")

// PredictionError is a failure reported by the remote endpoint itself, as
// opposed to a transport or protocol failure
type PredictionError struct {
	Message string
}

func (e *PredictionError) Error() string {
	if e.Message == "" {
		return "prediction failed"
	}
	return "prediction failed: " + e.Message
}
