package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, append-only
//   - "sqlite": SQLite database file (modernc, pure Go)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome is the terminal result of one download job.
// Keep it compact and schema-stable.
type Outcome struct {
	JobID      string    `json:"job_id"`
	URL        string    `json:"url,omitempty"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
	TookMS     int64     `json:"took_ms,omitempty"`
}
