package models

import (
	"fmt"
	"slices"
	"time"
)

// StatusCode represents a stage of a prediction job. Codes are ordered: a
// job moves forward through them, with IN_QUEUE, ITERATING and PROGRESS
// allowed to repeat.
type StatusCode int

const (
	StatusStarting StatusCode = iota
	StatusSendingData
	StatusInQueue
	StatusIterating
	StatusProgress
	StatusFinished
	StatusCancelled
)

var statusCodeNames = map[StatusCode]string{
	StatusStarting:    "STARTING",
	StatusSendingData: "SENDING_DATA",
	StatusInQueue:     "IN_QUEUE",
	StatusIterating:   "ITERATING",
	StatusProgress:    "PROGRESS",
	StatusFinished:    "FINISHED",
	StatusCancelled:   "CANCELLED",
}

// String returns the upper-case name of the code
func (c StatusCode) String() string {
	if name, ok := statusCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(%d)", int(c))
}

// IsTerminal reports whether no further status can follow this one
func (c StatusCode) IsTerminal() bool {
	return c == StatusFinished || c == StatusCancelled
}

// Repeatable reports whether the code may be published several times in a row
func (c StatusCode) Repeatable() bool {
	return c == StatusInQueue || c == StatusIterating || c == StatusProgress
}

// MarshalText implements encoding.TextMarshaler
func (c StatusCode) MarshalText() ([]byte, error) {
	name, ok := statusCodeNames[c]
	if !ok {
		return nil, fmt.Errorf("unknown status code %d", int(c))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *StatusCode) UnmarshalText(text []byte) error {
	parsed, err := ParseStatusCode(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseStatusCode converts an upper-case name back into a StatusCode
func ParseStatusCode(name string) (StatusCode, error) {
	for code, n := range statusCodeNames {
		if n == name {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown status code %q", name)
}

// StatusUpdate is a snapshot of job progress at one point in time.
// Values are never modified after publication; a newer status replaces the
// previous one.
type StatusUpdate struct {
	Code         StatusCode     `json:"code"`
	Time         time.Time      `json:"time"`
	ETA          *time.Duration `json:"eta,omitempty"`
	Rank         *int           `json:"rank,omitempty"`
	QueueSize    *int           `json:"queue_size,omitempty"`
	Success      *bool          `json:"success,omitempty"`
	ProgressData []ProgressUnit `json:"progress_data,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// Terminal reports whether the status ends the job
func (s StatusUpdate) Terminal() bool {
	return s.Code.IsTerminal()
}

// Failed reports whether the status is a finished-with-error outcome
func (s StatusUpdate) Failed() bool {
	return s.Code == StatusFinished && s.Success != nil && !*s.Success
}

// Clone returns a deep copy so callers cannot reach the publisher's memory
func (s StatusUpdate) Clone() StatusUpdate {
	out := s
	if s.ETA != nil {
		out.ETA = Ptr(*s.ETA)
	}
	if s.Rank != nil {
		out.Rank = Ptr(*s.Rank)
	}
	if s.QueueSize != nil {
		out.QueueSize = Ptr(*s.QueueSize)
	}
	if s.Success != nil {
		out.Success = Ptr(*s.Success)
	}
	if s.ProgressData != nil {
		out.ProgressData = make([]ProgressUnit, len(s.ProgressData))
		for i, unit := range s.ProgressData {
			out.ProgressData[i] = unit.Clone()
		}
	}
	return out
}

// Equal compares two status updates field by field
func (s StatusUpdate) Equal(other StatusUpdate) bool {
	if s.Code != other.Code || !s.Time.Equal(other.Time) || s.Message != other.Message {
		return false
	}
	if !equalPtr(s.ETA, other.ETA) || !equalPtr(s.Rank, other.Rank) ||
		!equalPtr(s.QueueSize, other.QueueSize) || !equalPtr(s.Success, other.Success) {
		return false
	}
	return slices.EqualFunc(s.ProgressData, other.ProgressData, ProgressUnit.Equal)
}

// Ptr returns a pointer to a copy of v
func Ptr[T any](v T) *T {
	return &v
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
