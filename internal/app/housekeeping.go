package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postsched/internal/storage"
	"postsched/internal/task/engine"
	logx "postsched/pkg/logx"
)

type jobPruner interface {
	Jobs(f engine.Filter) []engine.JobInfo
	Prune(cutoff time.Time) int
}

type mediaSweeper interface {
	Sweep(ctx context.Context, cutoff time.Time, inUse func(ref string) bool) (int, error)
}

// sweepReport is the outcome of one housekeeping pass.
type sweepReport struct {
	Jobs    int
	History int
	Media   int
}

// housekeeper periodically forgets finished jobs, trims stored history and
// removes images no pending job refers to. It is driven by a cron spec.
type housekeeper struct {
	jobs  jobPruner
	store storage.Store // optional
	media mediaSweeper
	log   logx.Logger
	now   func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	c      *cron.Cron
	entry  cron.EntryID
	spec   string
	retain retention
}

func newHousekeeper(jobs jobPruner, store storage.Store, media mediaSweeper, log logx.Logger) *housekeeper {
	return &housekeeper{jobs: jobs, store: store, media: media, log: log, now: time.Now}
}

func (h *housekeeper) Start(ctx context.Context, spec string, r retention) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.c != nil {
		return nil
	}
	h.ctx = ctx
	h.retain = r
	h.c = cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{h.log}), cron.SkipIfStillRunning(cronLogger{h.log})),
		cron.WithLogger(cronLogger{h.log}),
	)
	if err := h.scheduleLocked(spec); err != nil {
		h.c = nil
		return err
	}
	h.c.Start()
	h.log.Info("housekeeping started", logx.String("schedule", spec))
	return nil
}

// Apply swaps the schedule and retention windows of a running housekeeper.
func (h *housekeeper) Apply(spec string, r retention) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retain = r
	if h.c == nil || spec == h.spec {
		return nil
	}
	prev := h.entry
	if err := h.scheduleLocked(spec); err != nil {
		return err
	}
	h.c.Remove(prev)
	h.log.Info("housekeeping rescheduled", logx.String("schedule", spec))
	return nil
}

func (h *housekeeper) scheduleLocked(spec string) error {
	if spec == "" {
		h.spec = ""
		h.entry = 0
		return nil
	}
	id, err := h.c.AddFunc(spec, func() {
		h.mu.Lock()
		ctx := h.ctx
		h.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if _, err := h.RunOnce(ctx); err != nil {
			h.log.Warn("housekeeping pass failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("housekeeping schedule %q: %w", spec, err)
	}
	h.entry = id
	h.spec = spec
	return nil
}

func (h *housekeeper) Stop(ctx context.Context) {
	h.mu.Lock()
	c := h.c
	h.c = nil
	h.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce performs a single pass. Zero retention windows skip that step.
func (h *housekeeper) RunOnce(ctx context.Context) (sweepReport, error) {
	h.mu.Lock()
	r := h.retain
	h.mu.Unlock()
	now := h.now()

	var rep sweepReport
	if r.Jobs > 0 {
		rep.Jobs = h.jobs.Prune(now.Add(-r.Jobs))
	}
	if h.store != nil && r.History > 0 {
		n, err := h.store.Prune(ctx, now.Add(-r.History))
		if err != nil {
			return rep, fmt.Errorf("history prune: %w", err)
		}
		rep.History = n
	}
	if h.media != nil && r.Media > 0 {
		n, err := h.media.Sweep(ctx, now.Add(-r.Media), h.inUse())
		if err != nil {
			return rep, fmt.Errorf("media sweep: %w", err)
		}
		rep.Media = n
	}
	if rep != (sweepReport{}) {
		h.log.Info("housekeeping pass", logx.Int("jobs", rep.Jobs), logx.Int("history", rep.History), logx.Int("media", rep.Media))
	} else {
		h.log.Debug("housekeeping pass (nothing to do)")
	}
	return rep, nil
}

// inUse snapshots the image refs of jobs that may still publish.
func (h *housekeeper) inUse() func(ref string) bool {
	refs := map[string]struct{}{}
	for _, j := range h.jobs.Jobs(engine.Filter{}) {
		if !j.State.Terminal() {
			refs[j.ImageRef] = struct{}{}
		}
	}
	return func(ref string) bool {
		_, ok := refs[ref]
		return ok
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
