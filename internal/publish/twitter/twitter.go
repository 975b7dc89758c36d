// Package twitter publishes posts through the X (Twitter) API v2: the image is
// uploaded first, then a tweet referencing the returned media id is created.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"postsched/internal/publish"
	logx "postsched/pkg/logx"
)

const (
	defaultBaseURL = "https://api.x.com"
	defaultTimeout = 30 * time.Second

	// Responses larger than this are truncated; error bodies are short JSON.
	maxBody = 1 << 20
	// Tweets are limited to 280 characters.
	maxText = 280
)

type Config struct {
	// BaseURL overrides the API host (tests point it at httptest).
	BaseURL string
	Timeout time.Duration
}

type Publisher struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
	now  func() time.Time
}

func New(cfg Config, log logx.Logger) *Publisher {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Publisher{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
	}
}

func (p *Publisher) Publish(ctx context.Context, post publish.Post, creds publish.Credentials) (publish.Receipt, error) {
	if creds.IsZero() {
		return publish.Receipt{}, publish.Permanent(publish.ErrNoCredentials)
	}
	if n := len([]rune(post.Text)); n > maxText {
		return publish.Receipt{}, publish.Permanent(fmt.Errorf("twitter: text too long (%d > %d)", n, maxText))
	}
	if len(post.Image) == 0 {
		return publish.Receipt{}, publish.Permanent(errors.New("twitter: image is empty"))
	}

	mediaID, err := p.uploadMedia(ctx, post, creds.Token())
	if err != nil {
		return publish.Receipt{}, err
	}
	id, err := p.createTweet(ctx, post.Text, mediaID, creds.Token())
	if err != nil {
		return publish.Receipt{}, err
	}
	if !p.log.IsZero() {
		p.log.Debug("tweet created", logx.String("tweet_id", id), logx.String("media_id", mediaID))
	}
	return publish.Receipt{
		Provider: "twitter",
		ID:       id,
		URL:      "https://x.com/i/web/status/" + id,
		At:       p.now(),
	}, nil
}

func (p *Publisher) uploadMedia(ctx context.Context, post publish.Post, token string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	ctype := post.ImageType
	if ctype == "" {
		ctype = http.DetectContentType(post.Image)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="media"; filename="image"`)
	h.Set("Content-Type", ctype)
	fw, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("twitter: create form part: %w", err)
	}
	if _, err := fw.Write(post.Image); err != nil {
		return "", fmt.Errorf("twitter: write media: %w", err)
	}
	if err := mw.WriteField("media_category", "tweet_image"); err != nil {
		return "", fmt.Errorf("twitter: write media_category: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("twitter: close form: %w", err)
	}

	body, err := p.do(ctx, "media upload", p.cfg.BaseURL+"/2/media/upload", mw.FormDataContentType(), &buf, token)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(body, "data.id").String()
	if id == "" {
		// v1.1-style response shape.
		id = gjson.GetBytes(body, "media_id_string").String()
	}
	if id == "" {
		return "", publish.Permanent(fmt.Errorf("twitter: media upload: no media id in response"))
	}
	return id, nil
}

func (p *Publisher) createTweet(ctx context.Context, text, mediaID, token string) (string, error) {
	payload := map[string]any{
		"text":  text,
		"media": map[string]any{"media_ids": []string{mediaID}},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", publish.Permanent(fmt.Errorf("twitter: encode tweet: %w", err))
	}
	body, err := p.do(ctx, "create tweet", p.cfg.BaseURL+"/2/tweets", "application/json", bytes.NewReader(b), token)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(body, "data.id").String()
	if id == "" {
		return "", publish.Permanent(fmt.Errorf("twitter: create tweet: no tweet id in response"))
	}
	return id, nil
}

func (p *Publisher) do(ctx context.Context, op, url, contentType string, body io.Reader, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, publish.Permanent(fmt.Errorf("twitter: %s: build request: %w", op, err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("twitter: %s: %w", op, ctx.Err())
		}
		return nil, publish.Transient(fmt.Errorf("twitter: %s: %w", op, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, publish.Transient(fmt.Errorf("twitter: %s: read response: %w", op, err))
	}
	if resp.StatusCode/100 == 2 {
		return data, nil
	}
	return nil, p.statusError(op, resp, data)
}

// statusError classifies a non-2xx response: 429 and 5xx retry, other 4xx do not.
func (p *Publisher) statusError(op string, resp *http.Response, body []byte) error {
	err := fmt.Errorf("twitter: %s: http %d: %s", op, resp.StatusCode, apiMessage(body))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if d, ok := retryAfter(resp.Header, p.now()); ok {
			return publish.RetryAfter(err, d)
		}
		return publish.Transient(err)
	case resp.StatusCode >= 500:
		return publish.Transient(err)
	default:
		return publish.Permanent(err)
	}
}

// apiMessage extracts a human-readable reason from an API error body.
func apiMessage(body []byte) string {
	for _, path := range []string{"detail", "title", "errors.0.message", "error"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}

// retryAfter reads Retry-After (seconds) or x-rate-limit-reset (unix seconds).
func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
		if at, err := http.ParseTime(v); err == nil {
			return max(at.Sub(now), 0), true
		}
	}
	if v := strings.TrimSpace(h.Get("x-rate-limit-reset")); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			return max(time.Unix(epoch, 0).Sub(now), 0), true
		}
	}
	return 0, false
}
