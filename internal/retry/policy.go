// Package retry decides what happens to a job after a failed or
// successful cycle.
package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/xcancloud/AngusInfra-sub001/internal/models"
)

const DefaultDelay = 5 * time.Minute

// Backoff computes the delay before retry attempt n (1-indexed).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same interval before every retry.
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) Delay(int) time.Duration {
	if f.Interval <= 0 {
		return DefaultDelay
	}
	return f.Interval
}

// Exponential doubles the delay per attempt, capped at Max when Max > 0.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := e.Initial
	if initial <= 0 {
		initial = DefaultDelay
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d >= float64(e.Max) {
		return e.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// NewBackoff builds the strategy named in configuration.
func NewBackoff(strategy string, delay, maxDelay time.Duration) (Backoff, error) {
	switch strategy {
	case "", "fixed":
		return Fixed{Interval: delay}, nil
	case "exponential":
		return Exponential{Initial: delay, Max: maxDelay}, nil
	}
	return nil, fmt.Errorf("unknown retry strategy %q", strategy)
}

// Policy applies the retry rules to a job's scheduling fields.
type Policy struct {
	backoff Backoff
}

func NewPolicy(backoff Backoff) *Policy {
	if backoff == nil {
		backoff = Fixed{Interval: DefaultDelay}
	}
	return &Policy{backoff: backoff}
}

// Decision is the state a job moves to after a failure.
type Decision struct {
	Status     models.JobStatus
	RetryCount int
	// NextExecution is nil when the job became terminally FAILED.
	NextExecution *time.Time
}

// Terminal reports whether the failure exhausted the retry budget.
func (d Decision) Terminal() bool {
	return d.Status == models.JobStatusFailed
}

// OnFailure computes the outcome of one more failure. A job may fail
// maxRetryCount times and still be retried; the failure after that is
// terminal.
func (p *Policy) OnFailure(retryCount, maxRetryCount int, now time.Time) Decision {
	attempt := retryCount + 1
	if attempt > maxRetryCount {
		return Decision{Status: models.JobStatusFailed, RetryCount: retryCount}
	}
	next := now.Add(p.backoff.Delay(attempt))
	return Decision{
		Status:        models.JobStatusReady,
		RetryCount:    attempt,
		NextExecution: &next,
	}
}

// ApplyFailure writes the failure decision into job.
func (p *Policy) ApplyFailure(job *models.Job, now time.Time) Decision {
	d := p.OnFailure(job.RetryCount, job.MaxRetryCount, now)
	job.Status = d.Status
	job.RetryCount = d.RetryCount
	if d.NextExecution != nil {
		job.NextExecutionTime = d.NextExecution
	}
	return d
}

// ApplySuccess resets the retry counter and schedules the next run. A nil
// next leaves the previous next execution time in place.
func (p *Policy) ApplySuccess(job *models.Job, next *time.Time) {
	job.Status = models.JobStatusReady
	job.RetryCount = 0
	if next != nil {
		job.NextExecutionTime = next
	}
}
