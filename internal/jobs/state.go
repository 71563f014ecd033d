package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle position of a job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusDead      Status = "dead"
)

// State is the outcome of one processing attempt
type State struct {
	Status  Status
	Attempt int
	// Delay before the next attempt, set only when retrying
	Delay time.Duration
	Err   error
}

func (s State) String() string {
	switch s.Status {
	case StatusRetrying:
		return fmt.Sprintf("retrying(%d) in %s", s.Attempt, s.Delay)
	case StatusDead:
		return fmt.Sprintf("dead after %d attempts", s.Attempt)
	default:
		return string(s.Status)
	}
}

// permanentError marks failures that retrying cannot fix
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the job is dead-lettered without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryPolicy bounds attempts and spaces them with exponential backoff
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy allows three attempts starting with a one second backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Next returns the state after attempt (1-based) finished with err
func (p RetryPolicy) Next(attempt int, err error) State {
	if attempt < 1 {
		attempt = 1
	}
	if err == nil {
		return State{Status: StatusSucceeded, Attempt: attempt}
	}
	if IsPermanent(err) || attempt >= p.MaxAttempts {
		return State{Status: StatusDead, Attempt: attempt, Err: err}
	}
	return State{Status: StatusRetrying, Attempt: attempt, Delay: p.Backoff(attempt), Err: err}
}

// Backoff returns the delay after the given failed attempt
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// RetryDelays lists the distinct delays the policy can produce
func (p RetryPolicy) RetryDelays() []time.Duration {
	var delays []time.Duration
	for n := 1; n < p.MaxAttempts; n++ {
		delays = append(delays, p.Backoff(n))
	}
	return delays
}
