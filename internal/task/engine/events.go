package engine

import "time"

// Event types published on the bus.
const (
	EventQueueChanged = "queue.changed"
	EventJobStarted   = "job.started"
	EventJobProgress  = "job.progress"
	EventJobRetrying  = "job.retrying"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
)

type Started struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Attempt   int       `json:"attempt"`
}

type Progress struct {
	ID   string `json:"id"`
	Info any    `json:"info"`
}

type Retrying struct {
	ID          string        `json:"id"`
	Attempt     int           `json:"attempt"`
	Delay       time.Duration `json:"delay"`
	DelayMillis int64         `json:"delay_ms"`
	Err         string        `json:"error"`
}

type Completed struct {
	ID             string        `json:"id"`
	Result         any           `json:"result,omitempty"`
	Duration       time.Duration `json:"duration"`
	DurationMillis int64         `json:"duration_ms"`
}

type Failed struct {
	ID       string `json:"id"`
	Err      string `json:"error"`
	Attempts int    `json:"attempts"`
}

type Cancelled struct {
	ID string `json:"id"`
}
