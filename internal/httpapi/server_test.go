package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postsched/internal/eventbus"
	"postsched/internal/media"
	"postsched/internal/publish"
	"postsched/internal/storage"
	"postsched/internal/task/engine"
	logx "postsched/pkg/logx"
)

var pngData = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{7}, 32)...)

type fakeHistory map[string][]storage.Record

func (h fakeHistory) History(_ context.Context, id string) ([]storage.Record, error) {
	return h[id], nil
}

type providers []string

func (p providers) Has(name string) bool {
	for _, v := range p {
		if v == name {
			return true
		}
	}
	return false
}

type fixture struct {
	svc    *Service
	engine *engine.Service
	bus    eventbus.Bus
	h      http.Handler
}

func newFixture(t *testing.T, cfg Config, hist History) *fixture {
	t.Helper()
	bus := eventbus.New()
	images := media.New(afero.NewMemMapFs(), 1<<10, logx.Nop())
	pub := publish.Func(func(context.Context, publish.Post, publish.Credentials) (publish.Receipt, error) {
		return publish.Receipt{ID: "1"}, nil
	})
	eng := engine.New(engine.Config{}, pub, images, logx.Nop(), bus)
	svc := New(cfg, Deps{
		Engine:    eng,
		Images:    images,
		History:   hist,
		Bus:       bus,
		Providers: providers{"twitter", "telegram"},
		Defaults:  func() Defaults { return Defaults{Provider: "twitter"} },
	}, logx.Nop())
	return &fixture{svc: svc, engine: eng, bus: bus, h: svc.Handler()}
}

func scheduleForm(t *testing.T, fields map[string]string, image []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if image != nil {
		fw, err := mw.CreateFormFile("image", "post.png")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func validFields() map[string]string {
	return map[string]string{
		"text":       "hello world",
		"token":      "tok",
		"start_date": "2099-01-01",
		"start_time": "09:00",
		"end_date":   "2099-01-03",
		"frequency":  "daily",
		"timezone":   "UTC",
	}
}

func (f *fixture) do(t *testing.T, method, target string, body *bytes.Buffer, ctype string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, body)
		req.Header.Set("Content-Type", ctype)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSchedule_CreatesJobs(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	body, ctype := scheduleForm(t, validFields(), pngData)

	rec := f.do(t, http.MethodPost, "/v1/schedules", body, ctype)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[engine.ScheduleResult](t, rec)
	assert.Len(t, res.JobIDs, 3)
	assert.Equal(t, time.Date(2099, 1, 1, 9, 0, 0, 0, time.UTC), res.FireTimes[0].UTC())

	info, err := f.engine.Get(res.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "hello world", info.Text)
	assert.Equal(t, "twitter", info.Provider)

	rec = f.do(t, http.MethodGet, "/v1/jobs?state=pending&limit=2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Jobs  []engine.JobInfo `json:"jobs"`
		Count int              `json:"count"`
	}](t, rec)
	assert.Equal(t, 2, list.Count)

	rec = f.do(t, http.MethodDelete, "/v1/schedules/"+res.ScheduleID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode[map[string]any](t, rec)["cancelled"])
}

func TestSchedule_RejectsBadInput(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	body, ctype := scheduleForm(t, map[string]string{"start_date": "2099-01-01", "start_time": "09:00"}, nil)
	rec := f.do(t, http.MethodPost, "/v1/schedules", body, ctype)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing text, image, token")

	cases := map[string]struct {
		mutate func(map[string]string)
		image  []byte
		status int
		want   string
	}{
		"bad frequency":  {func(m map[string]string) { m["frequency"] = "hourly" }, pngData, 400, "frequency"},
		"bad date":       {func(m map[string]string) { m["start_date"] = "01/02/2099" }, pngData, 400, "invalid schedule"},
		"bad zone":       {func(m map[string]string) { m["timezone"] = "Mars/Base" }, pngData, 400, "timezone"},
		"no end date":    {func(m map[string]string) { delete(m, "end_date") }, pngData, 400, "end date required"},
		"unknown vendor": {func(m map[string]string) { m["provider"] = "myspace" }, pngData, 400, "not enabled"},
		"gif":            {func(map[string]string) {}, []byte("GIF89a0000000000"), 400, "jpeg and png"},
		"too large":      {func(map[string]string) {}, append(pngData, make([]byte, 2<<10)...), 413, "too large"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			fields := validFields()
			tc.mutate(fields)
			body, ctype := scheduleForm(t, fields, tc.image)
			rec := f.do(t, http.MethodPost, "/v1/schedules", body, ctype)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), tc.want)
		})
	}
	assert.Empty(t, f.engine.Jobs(engine.Filter{}))
}

func TestSchedule_ZeroJobsWarns(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	fields := validFields()
	fields["end_date"] = "2098-12-31"
	body, ctype := scheduleForm(t, fields, pngData)

	rec := f.do(t, http.MethodPost, "/v1/schedules", body, ctype)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[engine.ScheduleResult](t, rec)
	assert.Empty(t, res.JobIDs)
	assert.Contains(t, res.Warning, "after end date")
}

func TestSchedule_StoppedEngine(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.NoError(t, f.engine.Stop(context.Background()))
	body, ctype := scheduleForm(t, validFields(), pngData)

	rec := f.do(t, http.MethodPost, "/v1/schedules", body, ctype)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJobs_GetAndCancel(t *testing.T) {
	hist := fakeHistory{"gone": {{JobID: "gone", Type: "job.succeeded", State: "succeeded"}}}
	f := newFixture(t, Config{}, hist)
	fields := validFields()
	fields["frequency"] = "once"
	body, ctype := scheduleForm(t, fields, pngData)
	res := decode[engine.ScheduleResult](t, f.do(t, http.MethodPost, "/v1/schedules", body, ctype))
	require.Len(t, res.JobIDs, 1)
	id := res.JobIDs[0]

	rec := f.do(t, http.MethodGet, "/v1/jobs/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[jobResponse](t, rec)
	require.NotNil(t, got.Job)
	assert.Equal(t, engine.StatePending, got.Job.State)
	assert.NotContains(t, rec.Body.String(), "tok\"")

	rec = f.do(t, http.MethodGet, "/v1/jobs/gone", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[jobResponse](t, rec)
	assert.Nil(t, got.Job)
	assert.Len(t, got.History, 1)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/jobs/nope", nil, "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/jobs/"+id, nil, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/jobs/"+id, nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs?state=bogus", nil, "").Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	rec := f.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
}

func TestAuth(t *testing.T) {
	f := newFixture(t, Config{Token: "s3cret"}, nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/jobs", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/jobs?token=nope", nil, "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/jobs?token=s3cret", nil, "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEvents_StreamsBusEvents(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?type=job.", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	f.bus.Publish(eventbus.Event{Type: "config.reloaded"})
	f.bus.Publish(eventbus.Event{Type: "job.pending", Data: map[string]string{"job_id": "j1"}})

	var lines []string
	for len(lines) < 2 {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	assert.Equal(t, "event: job.pending", lines[0])
	assert.Contains(t, lines[1], `"job_id":"j1"`)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{Addr: "0.0.0.0:0"}, nil)
	assert.ErrorContains(t, f.svc.Start(context.Background()), "non-loopback")

	f = newFixture(t, Config{Addr: "127.0.0.1:0"}, nil)
	require.NoError(t, f.svc.Start(context.Background()))
	addr := f.svc.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Stop(ctx))
	assert.Empty(t, f.svc.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.5:8080":  false,
		"garbage":        false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
