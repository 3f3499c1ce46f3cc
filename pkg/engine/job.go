package engine

import (
	"strings"
	"time"
)

// Job is one asynchronous unit of work submitted to the analysis service
type Job struct {
	ID          string    `json:"id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Status is the state reported for a job
type Status string

const (
	StatusUnknown   Status = "UNKNOWN"
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusReady     Status = "READY"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// ParseStatus normalizes the wire value. Values outside the known set are kept
// verbatim so they can be logged; they are treated as in progress.
func ParseStatus(s string) Status {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return StatusUnknown
	}
	if v == "CANCELED" {
		return StatusCancelled
	}
	return Status(v)
}

// Terminal reports whether no further polling can change the outcome
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
