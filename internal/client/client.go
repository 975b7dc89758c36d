// Package client talks to a running postsched over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"postsched/internal/storage"
	"postsched/internal/task/engine"
)

const defaultTimeout = 30 * time.Second

var ErrNotFound = errors.New("not found")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

type Client struct {
	base  string
	token string
	http  *http.Client
}

// New builds a client for addr ("127.0.0.1:8080" or a full URL).
func New(addr, token string, timeout time.Duration) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{base: base, token: strings.TrimSpace(token), http: &http.Client{Timeout: timeout}}
}

// ScheduleRequest mirrors the multipart form of POST /v1/schedules.
// Empty optional fields are omitted so the server defaults apply.
type ScheduleRequest struct {
	Text      string
	Token     string
	Provider  string
	StartDate string
	StartTime string
	EndDate   string
	Frequency string
	Timezone  string

	Image     io.Reader
	ImageName string
}

// JobView is the answer of GET /v1/jobs/{id}.
type JobView struct {
	Job     *engine.JobInfo  `json:"job,omitempty"`
	History []storage.Record `json:"history,omitempty"`
}

func (c *Client) Schedule(ctx context.Context, req ScheduleRequest) (engine.ScheduleResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range []struct{ k, v string }{
		{"text", req.Text},
		{"token", req.Token},
		{"provider", req.Provider},
		{"start_date", req.StartDate},
		{"start_time", req.StartTime},
		{"end_date", req.EndDate},
		{"frequency", req.Frequency},
		{"timezone", req.Timezone},
	} {
		if f.v == "" {
			continue
		}
		if err := mw.WriteField(f.k, f.v); err != nil {
			return engine.ScheduleResult{}, err
		}
	}
	if req.Image != nil {
		name := req.ImageName
		if name == "" {
			name = "image"
		}
		fw, err := mw.CreateFormFile("image", name)
		if err != nil {
			return engine.ScheduleResult{}, err
		}
		if _, err := io.Copy(fw, req.Image); err != nil {
			return engine.ScheduleResult{}, fmt.Errorf("read image: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return engine.ScheduleResult{}, err
	}

	var res engine.ScheduleResult
	err := c.do(ctx, http.MethodPost, "/v1/schedules", mw.FormDataContentType(), &buf, &res)
	return res, err
}

// CancelSchedule cancels every pending job of a schedule and returns how many were cancelled.
func (c *Client) CancelSchedule(ctx context.Context, scheduleID string) (int, error) {
	var out struct {
		Cancelled int `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodDelete, "/v1/schedules/"+url.PathEscape(scheduleID), "", nil, &out)
	return out.Cancelled, err
}

func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(jobID), "", nil, nil)
}

func (c *Client) Job(ctx context.Context, jobID string) (JobView, error) {
	var v JobView
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), "", nil, &v)
	return v, err
}

// Jobs lists jobs; zero filter fields are left out of the query.
func (c *Client) Jobs(ctx context.Context, f engine.Filter) ([]engine.JobInfo, error) {
	q := url.Values{}
	if f.State != "" {
		q.Set("state", string(f.State))
	}
	if f.ScheduleID != "" {
		q.Set("schedule_id", f.ScheduleID)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Jobs []engine.JobInfo `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, path, "", nil, &out)
	return out.Jobs, err
}

// Health returns the raw /healthz document. A failed engine yields both the
// document and an *APIError.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/healthz", "", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path, ctype string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	var apiErr error
	if resp.StatusCode/100 != 2 {
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		apiErr = &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 && gjson.ValidBytes(data) {
		if err := json.Unmarshal(data, out); err != nil && apiErr == nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return apiErr
}
