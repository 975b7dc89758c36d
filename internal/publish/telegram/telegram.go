// Package telegram publishes posts as photo messages through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"postsched/internal/publish"
	logx "postsched/pkg/logx"
)

const (
	// Telegram caps photo captions at 1024 characters.
	maxCaption = 1024

	defaultAPIURL  = "https://api.telegram.org"
	defaultTimeout = 20 * time.Second
)

type Config struct {
	// ChatID is the target chat or channel (e.g. -1001234567890).
	ChatID int64
	// APIURL overrides the Bot API base URL.
	APIURL  string
	Timeout time.Duration
}

// Publisher sends a post as a single photo with the text as its caption.
//
// The bot token comes from the job's credentials; bots are created lazily and
// cached per token.
type Publisher struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func New(cfg Config, log logx.Logger) *Publisher {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Publisher{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: cfg.Timeout},
		bots: map[string]*tele.Bot{},
	}
}

func (p *Publisher) bot(token string) (*tele.Bot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b := p.bots[token]; b != nil {
		return b, nil
	}
	// Offline skips the getMe round trip; token validity surfaces on first send.
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     p.cfg.APIURL,
		Client:  p.http,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	p.bots[token] = b
	return b, nil
}

func (p *Publisher) Publish(ctx context.Context, post publish.Post, creds publish.Credentials) (publish.Receipt, error) {
	if creds.IsZero() {
		return publish.Receipt{}, publish.Permanent(publish.ErrNoCredentials)
	}
	if p.cfg.ChatID == 0 {
		return publish.Receipt{}, publish.Permanent(errors.New("telegram chat_id not configured"))
	}
	if len(post.Image) == 0 {
		return publish.Receipt{}, publish.Permanent(errors.New("telegram: image is empty"))
	}
	caption := []rune(post.Text)
	if len(caption) > maxCaption {
		return publish.Receipt{}, publish.Permanent(fmt.Errorf("telegram: caption too long (%d > %d)", len(caption), maxCaption))
	}
	if err := ctx.Err(); err != nil {
		return publish.Receipt{}, err
	}

	b, err := p.bot(creds.Token())
	if err != nil {
		return publish.Receipt{}, publish.Permanent(fmt.Errorf("telegram: %w", err))
	}

	photo := &tele.Photo{
		File:    tele.FromReader(bytes.NewReader(post.Image)),
		Caption: post.Text,
	}
	// telebot has no context plumbing; the client timeout bounds the call and
	// ctx is honored at the boundary.
	type result struct {
		msg *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := b.Send(&tele.Chat{ID: p.cfg.ChatID}, photo)
		done <- result{msg: msg, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return publish.Receipt{}, ctx.Err()
	case r = <-done:
	}
	if r.err != nil {
		return publish.Receipt{}, classify(r.err)
	}

	rc := publish.Receipt{Provider: "telegram", At: time.Now()}
	if r.msg != nil {
		rc.ID = strconv.Itoa(r.msg.ID)
		if r.msg.Unixtime != 0 {
			rc.At = r.msg.Time()
		}
	}
	if !p.log.IsZero() {
		p.log.Debug("telegram photo sent", logx.Int64("chat", p.cfg.ChatID), logx.String("message_id", rc.ID))
	}
	return rc, nil
}

// classify maps telebot errors onto publish kinds.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return publish.RetryAfter(fmt.Errorf("telegram: flood control: %w", err), time.Duration(flood.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == http.StatusTooManyRequests, te.Code >= 500:
			return publish.Transient(fmt.Errorf("telegram: %w", err))
		case te.Code >= 400:
			return publish.Permanent(fmt.Errorf("telegram: %w", err))
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return publish.Transient(fmt.Errorf("telegram: %w", err))
	}
	return fmt.Errorf("telegram: %w", err)
}
