// Package supervisor decides what happens after each asynchronous job attempt.
//
// It holds no state of its own: every decision is a pure function of the retry
// Policy, the immutable Attempt being evaluated and the attempt's error. The
// broker persists the Attempt between tries so concurrent jobs never share
// counters.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// State is a node of the per-job retry state machine.
type State int

const (
	Pending State = iota
	Attempting
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Attempting:
		return "attempting"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrPermanent marks failures that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so Evaluate fails the job immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Policy configures bounded exponential retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is three attempts starting at five seconds.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 5 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = 0
	}
	return p
}

// NextDelay returns the wait after the given failed attempt: base * 2^(attempt-1),
// capped at MaxDelay when set.
func (p Policy) NextDelay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && exp > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if exp > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(exp)
}

// Attempt is an immutable record of one try of a job.
type Attempt struct {
	JobID     string
	Number    int
	LastError string
}

// First is the initial attempt of a job.
func First(jobID string) Attempt {
	return Attempt{JobID: jobID, Number: 1}
}

// next derives the following attempt; a is left untouched.
func (a Attempt) next(err error) Attempt {
	return Attempt{JobID: a.JobID, Number: a.Number + 1, LastError: err.Error()}
}

// Outcome is the decision taken after evaluating an attempt.
type Outcome struct {
	State State
	// Next is the attempt to schedule when State is Pending.
	Next  Attempt
	Delay time.Duration
	Err   error
}

// Retry reports whether the job should be rescheduled.
func (o Outcome) Retry() bool {
	return o.State == Pending
}

// Evaluate transitions Attempting(a.Number) given the attempt's error.
func (p Policy) Evaluate(a Attempt, err error) Outcome {
	p = p.normalized()
	if err == nil {
		return Outcome{State: Succeeded}
	}
	if !Retryable(err) || a.Number >= p.MaxAttempts {
		return Outcome{State: Failed, Err: err}
	}
	return Outcome{
		State: Pending,
		Next:  a.next(err),
		Delay: p.NextDelay(a.Number),
		Err:   err,
	}
}

// Retryable classifies err as worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
