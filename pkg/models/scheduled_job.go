package models

import "time"

// ScheduledPrediction represents a recurring prediction run on a cron schedule
type ScheduledPrediction struct {
	Name     string            `json:"name" yaml:"name"`
	Schedule string            `json:"schedule" yaml:"schedule"` // Cron expression
	Request  PredictionRequest `json:"request" yaml:"request"`
	Timeout  time.Duration     `json:"timeout" yaml:"timeout"`
	Paused   bool              `json:"paused" yaml:"paused"`
	LastRun  *time.Time        `json:"last_run,omitempty" yaml:"-"`
	NextRun  *time.Time        `json:"next_run,omitempty" yaml:"-"`
}

// ScheduledRun represents a single execution of a scheduled prediction
type ScheduledRun struct {
	Schedule    string    `json:"schedule"`
	JobID       string    `json:"job_id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	State       JobState  `json:"state"`
	Error       string    `json:"error,omitempty"`
}
