package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var knownProviders = map[string]bool{"twitter": true, "telegram": true}

// Validate checks a config after defaults have been applied. It reports every
// problem at once so a bad reload shows the whole list in the log.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("timezone: %w", err))
		}
	}

	e := c.Engine
	if e.Workers < 0 {
		add(errors.New("engine.workers must be >= 0"))
	}
	if e.MaxAttempts < 0 {
		add(errors.New("engine.max_attempts must be >= 0"))
	}
	if e.RetryJitter < 0 || e.RetryJitter > 1 {
		add(errors.New("engine.retry_jitter must be within [0, 1]"))
	}
	dur("engine.retry_base", e.RetryBase)
	dur("engine.retry_max_delay", e.RetryMaxDelay)
	dur("engine.publish_timeout", e.PublishTimeout)

	p := c.Publish
	if !p.Twitter.Enabled && !p.Telegram.Enabled {
		add(errors.New("publish: enable at least one of twitter or telegram"))
	}
	if def := strings.ToLower(strings.TrimSpace(p.DefaultProvider)); def != "" {
		switch {
		case !knownProviders[def]:
			add(fmt.Errorf("publish.default_provider: unknown provider %q", p.DefaultProvider))
		case def == "twitter" && !p.Twitter.Enabled, def == "telegram" && !p.Telegram.Enabled:
			add(fmt.Errorf("publish.default_provider: %s is not enabled", def))
		}
	}
	if p.RatePerSec < 0 {
		add(errors.New("publish.rate_per_sec must be >= 0"))
	}
	if p.Burst < 0 {
		add(errors.New("publish.burst must be >= 0"))
	}
	if p.Telegram.Enabled && p.Telegram.ChatID == 0 {
		add(errors.New("publish.telegram.chat_id is required when telegram is enabled"))
	}
	dur("publish.breaker.base_delay", p.Breaker.BaseDelay)
	dur("publish.breaker.max_delay", p.Breaker.MaxDelay)
	dur("publish.breaker.reset_after", p.Breaker.ResetAfter)
	dur("publish.twitter.timeout", p.Twitter.Timeout)
	dur("publish.telegram.timeout", p.Telegram.Timeout)

	if c.Media.MaxBytes < 0 {
		add(errors.New("media.max_bytes must be >= 0"))
	}

	if st := c.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(errors.New("storage.path is required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.idle_timeout", c.HTTP.IdleTimeout)

	hk := c.Housekeeping
	if s := strings.TrimSpace(hk.Schedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			add(fmt.Errorf("housekeeping.schedule: %w", err))
		}
	}
	dur("housekeeping.job_retention", hk.JobRetention)
	dur("housekeeping.history_retention", hk.HistoryRetention)
	dur("housekeeping.media_retention", hk.MediaRetention)

	return errors.Join(errs...)
}
