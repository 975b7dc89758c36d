package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postsched/internal/storage"
	"postsched/internal/task/engine"
)

var pngData = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{3}, 64)...)

func fakeTwitter(t *testing.T) (*httptest.Server, func() int) {
	t.Helper()
	var (
		mu     sync.Mutex
		tweets int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/2/media/upload":
			_, _ = w.Write([]byte(`{"data":{"id":"m-1"}}`))
		case "/2/tweets":
			mu.Lock()
			tweets++
			n := tweets
			mu.Unlock()
			_, _ = fmt.Fprintf(w, `{"data":{"id":"t-%d"}}`, n)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() int {
		mu.Lock()
		defer mu.Unlock()
		return tweets
	}
}

func writeConfig(t *testing.T, dir string, body map[string]any) string {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	p := filepath.Join(dir, "postsched.json")
	require.NoError(t, os.WriteFile(p, b, 0o600))
	return p
}

func baseConfig(dir, twitterURL string) map[string]any {
	return map[string]any{
		"logging": map[string]any{"level": "error", "console": false},
		"publish": map[string]any{
			"twitter": map[string]any{"enabled": true, "base_url": twitterURL},
		},
		"engine":       map[string]any{"retry_base": "10ms"},
		"media":        map[string]any{"dir": filepath.Join(dir, "media")},
		"storage":      map[string]any{"driver": "file", "path": filepath.Join(dir, "history")},
		"http":         map[string]any{"addr": "127.0.0.1:0"},
		"housekeeping": map[string]any{"schedule": "@every 1h"},
	}
}

func postSchedule(t *testing.T, addr string, fields map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("image", "post.png")
	require.NoError(t, err)
	_, err = fw.Write(pngData)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post("http://"+addr+"/v1/schedules", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func TestApp_PublishesOverduePostAndRecordsHistory(t *testing.T) {
	dir := t.TempDir()
	srv, tweets := fakeTwitter(t)
	a, err := New(writeConfig(t, dir, baseConfig(dir, srv.URL)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		assert.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()
	addr := a.Addr()
	require.NotEmpty(t, addr)

	resp := postSchedule(t, addr, map[string]string{
		"text":       "launch day",
		"token":      "tok",
		"start_date": "2020-01-01",
		"start_time": "09:00",
		"frequency":  "once",
		"timezone":   "UTC",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res engine.ScheduleResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	require.Len(t, res.JobIDs, 1)
	jobID := res.JobIDs[0]

	type jobView struct {
		Job     *engine.JobInfo  `json:"job"`
		History []storage.Record `json:"history"`
	}
	var view jobView
	require.Eventually(t, func() bool {
		r, err := http.Get("http://" + addr + "/v1/jobs/" + jobID)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		view = jobView{}
		if json.NewDecoder(r.Body).Decode(&view) != nil || view.Job == nil {
			return false
		}
		if view.Job.State != engine.StateSucceeded {
			return false
		}
		for _, rec := range view.History {
			if rec.Type == engine.EventType(engine.StateSucceeded) {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.NotNil(t, view.Job.Receipt)
	assert.Equal(t, "t-1", view.Job.Receipt.ID)
	assert.Equal(t, "twitter", view.Job.Receipt.Provider)
	assert.Equal(t, 1, tweets())

	r, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&health))
	assert.Equal(t, true, health["history"])
}

func TestApp_StopIsCleanWithoutStart(t *testing.T) {
	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, baseConfig(dir, "http://127.0.0.1:1")))
	require.NoError(t, err)
	assert.NoError(t, a.Stop(context.Background(), StopAppStop))
	assert.Empty(t, a.Addr())
	assert.NoError(t, a.Err())
}

func TestApp_NewRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir, "")
	cfg["storage"] = map[string]any{"driver": "redis", "path": "x"}
	_, err := New(writeConfig(t, dir, cfg))
	assert.ErrorContains(t, err, "storage.driver")
}

func TestApp_ReloadRetunesWithoutRestart(t *testing.T) {
	dir := t.TempDir()
	srv, _ := fakeTwitter(t)
	cfg := baseConfig(dir, srv.URL)
	path := writeConfig(t, dir, cfg)
	a, err := New(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	cfg["engine"] = map[string]any{"retry_base": "10ms", "max_attempts": 7}
	cfg["publish"].(map[string]any)["rate_per_sec"] = 2.5
	writeConfig(t, dir, cfg)

	// The file watcher may get there first; either way the change lands once.
	_, err = a.cfgm.Reload(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		if a.engine.Snapshot().MaxAttempts != 7 {
			return false
		}
		for _, l := range a.pubs.limiters {
			if float64(l.Limit()) != 2.5 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

func TestApp_ReloadCommittedBeforeStartIsApplied(t *testing.T) {
	dir := t.TempDir()
	srv, _ := fakeTwitter(t)
	cfg := baseConfig(dir, srv.URL)
	a, err := New(writeConfig(t, dir, cfg))
	require.NoError(t, err)

	// Committed while nothing is subscribed yet.
	cfg["engine"] = map[string]any{"retry_base": "10ms", "max_attempts": 5}
	writeConfig(t, dir, cfg)
	changed, err := a.cfgm.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, 3, a.engine.Snapshot().MaxAttempts)

	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()
	require.Eventually(t, func() bool {
		return a.engine.Snapshot().MaxAttempts == 5
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHealthIncludesProviders(t *testing.T) {
	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, baseConfig(dir, "http://127.0.0.1:1")))
	require.NoError(t, err)
	defer func() { _ = a.store.Close() }()
	h := a.health()
	assert.Equal(t, []string{"twitter"}, h["providers"])
	assert.Equal(t, "twitter", a.defaults().Provider)
	assert.True(t, strings.EqualFold("UTC", a.defaults().Location.String()))
}
