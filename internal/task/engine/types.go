package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"postsched/internal/publish"
)

// Config controls the scheduling engine.
//
// The app layer maps config.engine into this struct.
type Config struct {
	// Workers bounds concurrent publish executions.
	Workers int

	// MaxAttempts is the total number of publish attempts for transient failures.
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// PublishTimeout bounds a single publish attempt. 0 applies the default.
	PublishTimeout time.Duration

	// MaxJobsPerSchedule rejects requests that would expand into more jobs.
	MaxJobsPerSchedule int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 30 * time.Second
	}
	if c.MaxJobsPerSchedule <= 0 {
		c.MaxJobsPerSchedule = 1000
	}
	return c
}

// DefaultConfig returns the effective settings for a zero Config.
func DefaultConfig() Config { return Config{}.withDefaults() }

// State is the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

func ParseState(raw string) (State, error) {
	s := State(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid job state %q", raw)
	}
	return s, nil
}

// canTransition encodes the forward-only lifecycle:
// pending -> running -> {succeeded, failed}, pending -> cancelled.
func canTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to == StateSucceeded || to == StateFailed
	default:
		return false
	}
}

// Payload is what a job publishes. It never changes after scheduling.
type Payload struct {
	Text string `json:"text"`
	// ImageRef is a handle resolved through the engine's ImageSource.
	ImageRef    string              `json:"image_ref"`
	Credentials publish.Credentials `json:"credentials"`
}

// ImageSource resolves a payload image handle to bytes.
type ImageSource interface {
	Load(ctx context.Context, ref string) (data []byte, contentType string, err error)
}

// ImageSourceFunc adapts a function to ImageSource.
type ImageSourceFunc func(ctx context.Context, ref string) ([]byte, string, error)

func (f ImageSourceFunc) Load(ctx context.Context, ref string) ([]byte, string, error) {
	return f(ctx, ref)
}

// Job is one scheduled publish with a fixed fire instant.
//
// ID, ScheduleID, FireAt, Payload and CreatedAt are immutable. The status
// fields are guarded by mu and only move forward.
type Job struct {
	ID         string
	ScheduleID string
	FireAt     time.Time
	Payload    Payload
	CreatedAt  time.Time

	mu sync.Mutex
	st status

	// Queue bookkeeping, guarded by the owning TimeQueue.
	seq   uint64
	index int
}

type status struct {
	state     State
	attempts  int
	errKind   publish.Kind
	err       string
	receipt   *publish.Receipt
	updatedAt time.Time
}

func newJob(id, scheduleID string, fireAt time.Time, p Payload, now time.Time) *Job {
	return &Job{
		ID:         id,
		ScheduleID: scheduleID,
		FireAt:     fireAt,
		Payload:    p,
		CreatedAt:  now,
		st:         status{state: StatePending, updatedAt: now},
		index:      -1,
	}
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.st.state
}

// transition moves the job to `to` if the lifecycle allows it. mutate, if
// non-nil, updates the remaining status fields under the same lock.
func (j *Job) transition(to State, at time.Time, mutate func(*status)) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !canTransition(j.st.state, to) {
		return false
	}
	j.st.state = to
	j.st.updatedAt = at
	if mutate != nil {
		mutate(&j.st)
	}
	return true
}

func (j *Job) noteAttempt(n int, at time.Time) {
	j.mu.Lock()
	j.st.attempts = n
	j.st.updatedAt = at
	j.mu.Unlock()
}

// Info returns a point-in-time copy of the job.
func (j *Job) Info() JobInfo {
	j.mu.Lock()
	st := j.st
	j.mu.Unlock()
	info := JobInfo{
		ID:         j.ID,
		ScheduleID: j.ScheduleID,
		FireAt:     j.FireAt,
		Text:       j.Payload.Text,
		ImageRef:   j.Payload.ImageRef,
		Provider:   j.Payload.Credentials.Provider(),
		State:      st.state,
		Attempts:   st.attempts,
		ErrorKind:  st.errKind,
		Error:      st.err,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  st.updatedAt,
	}
	if st.receipt != nil {
		rc := *st.receipt
		info.Receipt = &rc
	}
	return info
}

// JobInfo is the caller-facing view of a job. Credentials are reduced to the
// provider name.
type JobInfo struct {
	ID         string           `json:"id"`
	ScheduleID string           `json:"schedule_id"`
	FireAt     time.Time        `json:"fire_at"`
	Text       string           `json:"text"`
	ImageRef   string           `json:"image_ref"`
	Provider   string           `json:"provider,omitempty"`
	State      State            `json:"state"`
	Attempts   int              `json:"attempts"`
	ErrorKind  publish.Kind     `json:"error_kind,omitempty"`
	Error      string           `json:"error,omitempty"`
	Receipt    *publish.Receipt `json:"receipt,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// JobEvent is emitted on the event bus for every state transition and retry.
//
// Bus event types are "job.<state>" plus "job.retry".
type JobEvent struct {
	JobID      string           `json:"job_id"`
	ScheduleID string           `json:"schedule_id"`
	State      State            `json:"state"`
	Time       time.Time        `json:"time"`
	FireAt     time.Time        `json:"fire_at"`
	Attempt    int              `json:"attempt,omitempty"`
	ErrorKind  publish.Kind     `json:"error_kind,omitempty"`
	Error      string           `json:"error,omitempty"`
	RetryIn    time.Duration    `json:"retry_in,omitempty"`
	Receipt    *publish.Receipt `json:"receipt,omitempty"`
}

const (
	EventRetry = "job.retry"
)

// EventType returns the bus event type for a transition into s.
func EventType(s State) string { return "job." + string(s) }

// ScheduleResult is returned by Schedule.
type ScheduleResult struct {
	ScheduleID string      `json:"schedule_id"`
	JobIDs     []string    `json:"job_ids"`
	FireTimes  []time.Time `json:"fire_times"`
	// Warning is set when the request expanded into zero jobs.
	Warning string `json:"warning,omitempty"`
}

// Filter selects jobs for Jobs. Zero fields match everything.
type Filter struct {
	State      State
	ScheduleID string
	Limit      int
}

func (f Filter) match(info JobInfo) bool {
	if f.State != "" && info.State != f.State {
		return false
	}
	if f.ScheduleID != "" && info.ScheduleID != f.ScheduleID {
		return false
	}
	return true
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool `json:"running"`
	Stopped  bool `json:"stopped"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	InFlight int  `json:"in_flight"`
	Jobs     int  `json:"jobs"`

	NextFireAt *time.Time `json:"next_fire_at,omitempty"`

	Scheduled uint64 `json:"scheduled"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Attempts  uint64 `json:"attempts"`
	Retries   uint64 `json:"retries"`

	MaxAttempts    int           `json:"max_attempts"`
	PublishTimeout time.Duration `json:"publish_timeout"`

	Err string `json:"err,omitempty"`
}
