package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Priority orders pending jobs. Higher values run first.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch {
	case p > PriorityNormal:
		return "high"
	case p < PriorityNormal:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority accepts high, normal and low (case-insensitive). Empty is normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "default":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q (want high, normal or low)", s)
	}
}

// ExecuteFunc performs one attempt of a job.
//
// onHandle hands the engine a terminable handle for the underlying operation;
// it may be called at most once per attempt. onProgress forwards progress
// info to observers unchanged. ctx is cancelled when the job is cancelled or
// the engine closes.
type ExecuteFunc[P any] func(ctx context.Context, payload P, onHandle func(Handle) error, onProgress func(any)) (any, error)

// Job describes one unit of work. Payload is never inspected by the engine.
type Job[P any] struct {
	ID       string
	Priority Priority
	Payload  P
	Execute  ExecuteFunc[P]
}

// Config controls the scheduler.
type Config struct {
	// Concurrency > 0 overrides the CPU-derived limit.
	Concurrency int
	// Platform selects the CPU scaling factor; PlatformAuto detects it.
	Platform Platform

	Retry RetryPolicy

	// GracePeriod is the delay between GracefulStop and ForceStop on cancel.
	GracePeriod time.Duration
	HistorySize int

	// Clock drives retry and escalation timers. Nil means the real clock.
	Clock clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.Platform == PlatformAuto {
		c.Platform = DetectPlatform()
	}
	c.Retry = c.Retry.withDefaults()
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Limit returns the effective concurrency limit for c.
func (c Config) Limit() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	p := c.Platform
	if p == PlatformAuto {
		p = DetectPlatform()
	}
	return MaxConcurrency(CPUCount(), p)
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Record is one entry of the bounded completed history.
type Record struct {
	ID          string        `json:"id"`
	Priority    Priority      `json:"priority"`
	Outcome     Outcome       `json:"outcome"`
	Attempts    int           `json:"attempts"`
	Error       string        `json:"error,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration"`
}

// Job states reported by JobInfo.State. Terminal states use the Outcome names.
const (
	StatePending  = "pending"
	StateRetrying = "retrying"
	StateActive   = "active"
)

// JobInfo is a diagnostic view of a tracked job.
type JobInfo struct {
	ID          string    `json:"id"`
	Priority    Priority  `json:"priority"`
	State       string    `json:"state"`
	Retries     int       `json:"retries"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	// RetryAt is set while the job waits out a backoff delay.
	RetryAt      time.Time `json:"retry_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LastProgress any       `json:"last_progress,omitempty"`
	Cancelling   bool      `json:"cancelling,omitempty"`
}

// Stats is a point-in-time snapshot of the scheduler.
type Stats struct {
	Active   int `json:"active"`
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
	Limit    int `json:"limit"`
	// Completed is the number of records currently held in history.
	Completed     int    `json:"completed"`
	CanAcceptMore bool   `json:"can_accept_more"`
	Finished      uint64 `json:"finished"`
	// Handles is the number of active jobs with a registered stop handle.
	Handles int `json:"handles"`
}

// CancelSummary reports what CancelAll touched. Retry-waiting jobs count as pending.
type CancelSummary struct {
	Active  int `json:"active"`
	Pending int `json:"pending"`
}
