package models

import "time"

// JobState represents where a job is in its lifecycle as seen by the caller
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateFinished  JobState = "finished"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether the state can no longer change
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateFinished, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// StateFromStatus maps the latest published status onto a job state.
// A nil status means nothing has been published yet.
func StateFromStatus(status *StatusUpdate) JobState {
	if status == nil {
		return JobStatePending
	}
	switch {
	case status.Code == StatusCancelled:
		return JobStateCancelled
	case status.Failed():
		return JobStateFailed
	case status.Code == StatusFinished:
		return JobStateFinished
	default:
		return JobStateRunning
	}
}

// PredictionRequest identifies an endpoint and carries the call arguments.
// Either APIName or FnIndex selects the endpoint; both may be empty when the
// app exposes a single endpoint.
type PredictionRequest struct {
	APIName string `json:"api_name,omitempty" yaml:"api_name"`
	FnIndex *int   `json:"fn_index,omitempty" yaml:"fn_index,omitempty"`
	Data    []any  `json:"data" yaml:"data"`
}

// JobRecord is the journal entry written when a job reaches a terminal state
type JobRecord struct {
	ID          string       `json:"job_id"`
	APIName     string       `json:"api_name"`
	FnIndex     int          `json:"fn_index"`
	SessionHash string       `json:"session_hash"`
	State       JobState     `json:"state"`
	Code        StatusCode   `json:"code"`
	Success     *bool        `json:"success,omitempty"`
	Error       string       `json:"error,omitempty"`
	OutputCount int          `json:"output_count"`
	SubmittedAt time.Time    `json:"submitted_at"`
	CompletedAt time.Time    `json:"completed_at"`
	Final       StatusUpdate `json:"final_status"`
}

// Duration returns how long the job took from submission to completion
func (r *JobRecord) Duration() time.Duration {
	return r.CompletedAt.Sub(r.SubmittedAt)
}
