package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one entry of a job's history: a state transition or a retry.
// Keep it compact and schema-stable.
type Record struct {
	At         time.Time `json:"at"`
	JobID      string    `json:"job_id"`
	ScheduleID string    `json:"schedule_id"`
	Type       string    `json:"type"`
	State      string    `json:"state"`
	Attempt    int       `json:"attempt,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	ReceiptID  string    `json:"receipt_id,omitempty"`
	ReceiptURL string    `json:"receipt_url,omitempty"`
}
