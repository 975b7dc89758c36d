package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postsched/internal/eventbus"
	"postsched/internal/httpapi"
	"postsched/internal/media"
	"postsched/internal/publish"
	"postsched/internal/task/engine"
	logx "postsched/pkg/logx"
)

type anyProvider struct{}

func (anyProvider) Has(string) bool { return true }

func apiServer(t *testing.T) *httptest.Server {
	t.Helper()
	bus := eventbus.New()
	images := media.New(afero.NewMemMapFs(), 0, logx.Nop())
	pub := publish.Func(func(context.Context, publish.Post, publish.Credentials) (publish.Receipt, error) {
		return publish.Receipt{ID: "1"}, nil
	})
	eng := engine.New(engine.Config{}, pub, images, logx.Nop(), bus)
	svc := httpapi.New(httpapi.Config{Token: "api"}, httpapi.Deps{
		Engine: eng, Images: images, Bus: bus, Providers: anyProvider{},
	}, logx.Nop())
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := newApp()
	a.Writer = &out
	a.ErrWriter = &out
	err := a.Run(append([]string{"postsched"}, args...))
	return out.String(), err
}

func TestCLI_ScheduleThenInspect(t *testing.T) {
	srv := apiServer(t)
	img := filepath.Join(t.TempDir(), "post.png")
	require.NoError(t, os.WriteFile(img, append([]byte("\x89PNG\r\n\x1a\n"), 1, 2, 3, 4), 0o600))

	out, err := run(t, "--addr", srv.URL, "--api-token", "api",
		"schedule",
		"--text", "hello",
		"--image", img,
		"--token", "tok",
		"--start-date", "2099-02-01",
		"--start-time", "08:00",
		"--end-date", "2099-02-15",
		"--frequency", "weekly",
		"--timezone", "UTC",
	)
	require.NoError(t, err, out)
	var res engine.ScheduleResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.JobIDs, 3)

	out, err = run(t, "--addr", srv.URL, "--api-token", "api", "jobs", "--state", "pending", "--limit", "2")
	require.NoError(t, err, out)
	var list []engine.JobInfo
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Len(t, list, 2)

	out, err = run(t, "--addr", srv.URL, "--api-token", "api", "job", res.JobIDs[2])
	require.NoError(t, err, out)
	assert.Contains(t, out, res.JobIDs[2])

	out, err = run(t, "--addr", srv.URL, "--api-token", "api", "cancel", res.JobIDs[0])
	require.NoError(t, err, out)
	assert.Contains(t, out, "cancelled "+res.JobIDs[0])

	_, err = run(t, "--addr", srv.URL, "--api-token", "api", "cancel", res.JobIDs[0])
	assert.ErrorContains(t, err, "not pending")

	out, err = run(t, "--addr", srv.URL, "--api-token", "api", "cancel-schedule", res.ScheduleID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "cancelled 2 pending job(s)")
}

func TestCLI_Errors(t *testing.T) {
	srv := apiServer(t)

	_, err := run(t, "--addr", srv.URL, "job")
	assert.ErrorContains(t, err, "missing job id")

	_, err = run(t, "--addr", srv.URL, "jobs")
	assert.ErrorContains(t, err, "401")

	_, err = run(t, "--addr", srv.URL, "--api-token", "api", "jobs", "--state", "sleeping")
	assert.Error(t, err)

	_, err = run(t, "--addr", srv.URL, "--api-token", "api", "schedule", "--image", "/does/not/exist.png")
	assert.ErrorContains(t, err, "image")
}

func TestCLI_ServeRejectsBadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"engine":{"retry_jitter":3}}`), 0o600))
	_, err := run(t, "serve", "--config", p)
	assert.ErrorContains(t, err, "retry_jitter")
}
