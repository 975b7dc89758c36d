package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postsched/internal/eventbus"
	"postsched/internal/publish"
	"postsched/internal/task/scheduler"
	logx "postsched/pkg/logx"

	rtsup "postsched/internal/runtime/supervisor"
)

// Service is the scheduling engine. It owns the TimeQueue, runs the loop that
// fires due jobs, and publishes each job through the Publisher with bounded
// retries.
//
// Schedule, Cancel and the query methods are safe to call from any goroutine,
// before or after Start.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	pub     publish.Publisher
	images  ImageSource
	now     func() time.Time
	newID   func() string
	started bool
	stopped bool

	q    *TimeQueue
	wake chan struct{}

	jobsMu sync.RWMutex
	jobs   map[string]*Job

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	loopDone chan struct{}
	permits  chan struct{}
	inFlight atomic.Int32

	fatal atomic.Pointer[error]

	scheduled atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	attempts  atomic.Uint64
	retries   atomic.Uint64
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now; tests use it to control "now" for overdue checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the UUID job/schedule id generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

func New(cfg Config, pub publish.Publisher, images ImageSource, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		pub:      pub,
		images:   images,
		now:      time.Now,
		newID:    uuid.NewString,
		q:        NewTimeQueue(),
		wake:     make(chan struct{}, 1),
		jobs:     map[string]*Job{},
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps retry, timeout and validation settings. Worker count is fixed
// once the engine has started.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	if s.started && cfg.Workers != prev.Workers {
		s.log.Warn("engine workers change requires restart", logx.Int("current", prev.Workers), logx.Int("requested", cfg.Workers))
		cfg.Workers = prev.Workers
	}
	s.cfg = cfg
	s.mu.Unlock()
}

// Supervisor returns the engine's supervisor (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the loop. It runs at most once per Service; calls after the
// first are no-ops, and Start after Stop returns ErrStopped.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	cfg := s.cfg
	s.permits = make(chan struct{}, cfg.Workers)
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine.sup"))),
		// A failed publish never kills the engine; only the loop error is fatal.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.Go("engine.loop", func(c context.Context) error {
		defer close(s.loopDone)
		err := s.runLoop(c)
		if err != nil {
			s.fail(err)
		}
		return err
	})

	next, ok := s.q.PeekNextFireTime()
	fields := []logx.Field{logx.Int("workers", cfg.Workers), logx.Int("queued", s.q.Len())}
	if ok {
		fields = append(fields, logx.Time("next_fire_at", next))
	}
	s.log.Info("engine started", fields...)
	return nil
}

// Stop stops dispatching and waits for in-flight executions until ctx
// expires, then cancels whatever is still running. Pending jobs stay pending.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup == nil {
		// Never started: there is no loop to wait for.
		close(s.loopDone)
		return nil
	}
	err := sup.Wait(ctx)
	if ctx.Err() != nil {
		sup.Cancel()
		s.log.Warn("engine stop timed out; in-flight publishes canceled", logx.Int("in_flight", int(s.inFlight.Load())))
		return ctx.Err()
	}
	sup.Cancel()
	s.log.Info("engine stopped", logx.Int("queued", s.q.Len()))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Done is closed when the loop exits, for any reason.
func (s *Service) Done() <-chan struct{} { return s.loopDone }

// Err returns the fatal loop error, if any.
func (s *Service) Err() error {
	if p := s.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Service) fail(err error) {
	if s.fatal.CompareAndSwap(nil, &err) {
		s.log.Error("engine loop failed", logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "engine.failed", Time: s.now(), Data: err.Error()})
		}
	}
}

func (s *Service) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Schedule validates req and payload, expands req into fire instants and
// queues one job per instant.
//
// Malformed input returns an error wrapping ErrInvalidSchedule and schedules
// nothing. A request that expands to zero jobs is not an error; the result
// carries a Warning instead.
func (s *Service) Schedule(ctx context.Context, req scheduler.Request, p Payload) (ScheduleResult, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return ScheduleResult{}, err
		}
	}
	if s.isStopped() {
		return ScheduleResult{}, ErrStopped
	}
	cfg := s.config()
	if err := validate(req, p, cfg); err != nil {
		return ScheduleResult{}, err
	}

	now := s.now()
	res := ScheduleResult{ScheduleID: s.newID()}
	var jobs []*Job
	for at := range scheduler.Occurrences(req) {
		jobs = append(jobs, newJob(s.newID(), res.ScheduleID, at, p, now))
	}
	if len(jobs) == 0 {
		res.JobIDs = []string{}
		res.FireTimes = []time.Time{}
		res.Warning = fmt.Sprintf("no posts scheduled: start date %s is after end date %s", scheduler.DateOf(req.StartAt), req.EndDate)
		s.log.Warn("schedule produced no jobs", logx.String("schedule_id", res.ScheduleID), logx.String("frequency", req.Frequency.String()))
		return res, nil
	}

	// Register, then announce, then queue: anyone reacting to job.pending can
	// already Get the job, and no job runs before it was announced.
	s.jobsMu.Lock()
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	s.jobsMu.Unlock()
	for _, j := range jobs {
		s.emit(j, EventType(StatePending), JobEvent{State: StatePending, Time: now})
	}
	for i, j := range jobs {
		if err := s.q.Insert(j); err != nil {
			// Roll back so nothing is partially scheduled.
			for _, prev := range jobs[:i] {
				s.q.Remove(prev.ID, now)
			}
			s.jobsMu.Lock()
			for _, prev := range jobs {
				delete(s.jobs, prev.ID)
			}
			s.jobsMu.Unlock()
			for _, prev := range jobs {
				s.emit(prev, EventType(StateCancelled), JobEvent{State: StateCancelled, Time: now, Error: "schedule rolled back"})
			}
			return ScheduleResult{}, fmt.Errorf("schedule: %w", err)
		}
	}
	s.signal()

	res.JobIDs = make([]string, len(jobs))
	res.FireTimes = make([]time.Time, len(jobs))
	for i, j := range jobs {
		res.JobIDs[i] = j.ID
		res.FireTimes[i] = j.FireAt
	}
	s.scheduled.Add(uint64(len(jobs)))

	fields := []logx.Field{
		logx.String("schedule_id", res.ScheduleID),
		logx.String("frequency", req.Frequency.String()),
		logx.Int("jobs", len(jobs)),
		logx.Time("first", jobs[0].FireAt),
		logx.String("provider", p.Credentials.Provider()),
	}
	if first := jobs[0].FireAt; !first.After(now) {
		fields = append(fields, logx.Duration("overdue", now.Sub(first)))
	}
	s.log.Info("schedule created", fields...)
	return res, nil
}

func validate(req scheduler.Request, p Payload, cfg Config) error {
	var missing []string
	if strings.TrimSpace(p.Text) == "" {
		missing = append(missing, "text")
	}
	if strings.TrimSpace(p.ImageRef) == "" {
		missing = append(missing, "image")
	}
	if p.Credentials.IsZero() {
		missing = append(missing, "credentials")
	}
	if len(missing) > 0 {
		return missingFields(missing)
	}
	if !req.Frequency.Valid() {
		return invalid("unsupported frequency %s", req.Frequency)
	}
	if req.StartAt.IsZero() {
		return invalid("start time required")
	}
	if req.Frequency != scheduler.Once && req.EndDate.IsZero() {
		return invalid("end date required for %s posts", req.Frequency)
	}
	if n := scheduler.Count(req); n > cfg.MaxJobsPerSchedule {
		return invalid("schedule expands to %d posts (limit %d)", n, cfg.MaxJobsPerSchedule)
	}
	return nil
}

// Cancel moves a pending job to cancelled and removes it from the queue.
// It returns ErrNotFound if the job is unknown or no longer pending; running
// jobs are never preempted.
func (s *Service) Cancel(id string) error {
	now := s.now()
	j, ok := s.q.Remove(id, now)
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, ErrNotFound)
	}
	s.signal()
	s.cancelled.Add(1)
	s.emit(j, EventType(StateCancelled), JobEvent{State: StateCancelled, Time: now})
	s.log.Info("job cancelled", logx.String("job_id", j.ID), logx.String("schedule_id", j.ScheduleID))
	return nil
}

// CancelSchedule cancels every still-pending job of a schedule and returns
// how many were cancelled.
func (s *Service) CancelSchedule(scheduleID string) int {
	n := 0
	for _, info := range s.Jobs(Filter{ScheduleID: scheduleID, State: StatePending}) {
		if s.Cancel(info.ID) == nil {
			n++
		}
	}
	return n
}

func (s *Service) Get(id string) (JobInfo, error) {
	s.jobsMu.RLock()
	j, ok := s.jobs[id]
	s.jobsMu.RUnlock()
	if !ok {
		return JobInfo{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j.Info(), nil
}

// Jobs lists jobs matching f ordered by fire time.
func (s *Service) Jobs(f Filter) []JobInfo {
	s.jobsMu.RLock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		if info := j.Info(); f.match(info) {
			out = append(out, info)
		}
	}
	s.jobsMu.RUnlock()
	slices.SortFunc(out, func(a, b JobInfo) int {
		if c := a.FireAt.Compare(b.FireAt); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Prune forgets terminal jobs last updated before cutoff and returns how many
// were dropped.
func (s *Service) Prune(cutoff time.Time) int {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	n := 0
	for id, j := range s.jobs {
		info := j.Info()
		if info.State.Terminal() && info.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	if n > 0 {
		s.log.Debug("jobs pruned", logx.Int("count", n), logx.Time("cutoff", cutoff))
	}
	return n
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.started && !s.stopped
	stopped := s.stopped
	s.mu.Unlock()

	s.jobsMu.RLock()
	total := len(s.jobs)
	s.jobsMu.RUnlock()

	snap := Snapshot{
		Running:        running,
		Stopped:        stopped,
		Workers:        cfg.Workers,
		QueueLen:       s.q.Len(),
		InFlight:       int(s.inFlight.Load()),
		Jobs:           total,
		Scheduled:      s.scheduled.Load(),
		Succeeded:      s.succeeded.Load(),
		Failed:         s.failed.Load(),
		Cancelled:      s.cancelled.Load(),
		Attempts:       s.attempts.Load(),
		Retries:        s.retries.Load(),
		MaxAttempts:    cfg.MaxAttempts,
		PublishTimeout: cfg.PublishTimeout,
	}
	if next, ok := s.q.PeekNextFireTime(); ok {
		snap.NextFireAt = &next
	}
	if err := s.Err(); err != nil {
		snap.Err = err.Error()
	}
	return snap
}

// emit publishes ev for j; identity fields are filled in from the job.
func (s *Service) emit(j *Job, typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	ev.JobID = j.ID
	ev.ScheduleID = j.ScheduleID
	ev.FireAt = j.FireAt
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.Time, Data: ev})
}
