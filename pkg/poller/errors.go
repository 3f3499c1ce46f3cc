package poller

import (
	"fmt"
	"time"

	"github.com/user/scanrelay/pkg/engine"
)

// TimeoutError means the job did not reach a terminal status in time
type TimeoutError struct {
	JobID    string
	Timeout  time.Duration
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s did not finish within %s (%d status checks, %s elapsed)",
		e.JobID, e.Timeout, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

// StatusError is a definitive Failed or Cancelled outcome reported by the service
type StatusError struct {
	JobID    string
	Status   engine.Status
	Attempts int
	Elapsed  time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("job %s ended with status %s after %d status checks (%s elapsed)",
		e.JobID, e.Status, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

// TransportError wraps a failure to reach the analysis service.
// Op is "submit" or "status".
type TransportError struct {
	Op       string
	JobID    string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *TransportError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("%s job: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s job %s (attempt %d, %s elapsed): %v",
		e.Op, e.JobID, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
