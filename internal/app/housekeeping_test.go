package app

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postsched/internal/eventbus"
	"postsched/internal/media"
	"postsched/internal/storage"
	"postsched/internal/task/engine"
	logx "postsched/pkg/logx"
)

type fakeJobs struct {
	mu     sync.Mutex
	jobs   []engine.JobInfo
	cutoff time.Time
}

func (f *fakeJobs) Jobs(engine.Filter) []engine.JobInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.JobInfo(nil), f.jobs...)
}

func (f *fakeJobs) Prune(cutoff time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoff = cutoff
	return 2
}

type memStore struct {
	mu      sync.Mutex
	recs    []storage.Record
	pruned  time.Time
	closed  bool
	failing error
}

func (m *memStore) Append(_ context.Context, r storage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	m.recs = append(m.recs, r)
	return nil
}

func (m *memStore) History(_ context.Context, id string) ([]storage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Record
	for _, r := range m.recs {
		if r.JobID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned = before
	return 5, nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memStore) records() []storage.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Record(nil), m.recs...)
}

func TestHousekeeper_RunOnce(t *testing.T) {
	images := media.New(afero.NewMemMapFs(), 0, logx.Nop())
	ctx := context.Background()
	keep, _, err := images.Put(ctx, bytes.NewReader(append(bytes.Clone(pngData), 1)))
	require.NoError(t, err)
	drop, _, err := images.Put(ctx, bytes.NewReader(append(bytes.Clone(pngData), 2)))
	require.NoError(t, err)
	done, _, err := images.Put(ctx, bytes.NewReader(append(bytes.Clone(pngData), 3)))
	require.NoError(t, err)

	jobs := &fakeJobs{jobs: []engine.JobInfo{
		{ID: "a", ImageRef: keep, State: engine.StatePending},
		{ID: "b", ImageRef: done, State: engine.StateSucceeded},
	}}
	store := &memStore{}
	now := time.Now().Add(100 * time.Hour)

	h := newHousekeeper(jobs, store, images, logx.Nop())
	h.now = func() time.Time { return now }
	h.retain = retention{Jobs: 24 * time.Hour, History: 720 * time.Hour, Media: 72 * time.Hour}

	rep, err := h.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, sweepReport{Jobs: 2, History: 5, Media: 2}, rep)
	assert.Equal(t, now.Add(-24*time.Hour), jobs.cutoff)
	assert.Equal(t, now.Add(-720*time.Hour), store.pruned)

	_, _, err = images.Load(ctx, keep)
	assert.NoError(t, err)
	_, _, err = images.Load(ctx, drop)
	assert.ErrorIs(t, err, media.ErrNotFound)
	_, _, err = images.Load(ctx, done)
	assert.ErrorIs(t, err, media.ErrNotFound)
}

func TestHousekeeper_ZeroRetentionSkips(t *testing.T) {
	jobs := &fakeJobs{}
	h := newHousekeeper(jobs, nil, nil, logx.Nop())
	rep, err := h.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep)
	assert.True(t, jobs.cutoff.IsZero())
}

func TestHousekeeper_StartApplyStop(t *testing.T) {
	h := newHousekeeper(&fakeJobs{}, nil, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.Start(ctx, "@every 1h", retention{}))
	first := h.entry
	assert.NotZero(t, first)

	require.NoError(t, h.Apply("*/5 * * * *", retention{Jobs: time.Hour}))
	assert.NotEqual(t, first, h.entry)
	assert.Equal(t, "*/5 * * * *", h.spec)
	assert.Len(t, h.c.Entries(), 1)

	assert.Error(t, h.Apply("not a schedule", retention{}))
	assert.Equal(t, "*/5 * * * *", h.spec)

	h.Stop(context.Background())
	assert.Nil(t, h.c)
}

func TestHousekeeper_CronFires(t *testing.T) {
	jobs := &fakeJobs{}
	h := newHousekeeper(jobs, nil, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx, "@every 1s", retention{Jobs: time.Minute}))
	defer h.Stop(context.Background())

	require.Eventually(t, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return !jobs.cutoff.IsZero()
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRecordEvents(t *testing.T) {
	store := &memStore{}
	events := make(chan eventbus.Event, 8)
	now := time.Now()

	events <- eventbus.Event{Type: "job.pending", Time: now, Data: engine.JobEvent{JobID: "j1", ScheduleID: "s1", State: engine.StatePending, Time: now}}
	events <- eventbus.Event{Type: "engine.failed", Time: now, Data: "boom"}
	events <- eventbus.Event{Type: engine.EventRetry, Time: now, Data: &engine.JobEvent{JobID: "j1", ScheduleID: "s1", State: engine.StateRunning, Attempt: 1, ErrorKind: "transient", Error: "503"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Buffered events are still written after cancellation.
	recordEvents(ctx, events, store, logx.Nop())

	recs := store.records()
	require.Len(t, recs, 2)
	assert.Equal(t, "job.pending", recs[0].Type)
	assert.Equal(t, "pending", recs[0].State)
	assert.Equal(t, engine.EventRetry, recs[1].Type)
	assert.Equal(t, 1, recs[1].Attempt)
	assert.Equal(t, "transient", recs[1].ErrorKind)
	assert.Equal(t, now, recs[1].At, "falls back to the bus time")
}

func TestRecordEvents_AppendErrorIsSkipped(t *testing.T) {
	store := &memStore{failing: assert.AnError}
	events := make(chan eventbus.Event, 1)
	events <- eventbus.Event{Type: "job.pending", Data: engine.JobEvent{JobID: "j1"}}
	close(events)
	recordEvents(context.Background(), events, store, logx.Nop())
	assert.Empty(t, store.records())
}
