package app

import (
	"fmt"
	"strings"
	"time"

	"postsched/internal/config"
	"postsched/internal/httpapi"
	"postsched/internal/media"
	"postsched/internal/publish"
	"postsched/internal/publish/telegram"
	"postsched/internal/publish/twitter"
	"postsched/internal/storage"
	"postsched/internal/task/engine"
	logx "postsched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	base, err := config.ParseDurationField("engine.retry_base", e.RetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.retry_max_delay", e.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	timeout, err := config.ParseDurationField("engine.publish_timeout", e.PublishTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:            e.Workers,
		MaxAttempts:        e.MaxAttempts,
		RetryBase:          base,
		RetryMaxDelay:      maxDelay,
		RetryJitter:        e.RetryJitter,
		PublishTimeout:     timeout,
		MaxJobsPerSchedule: e.MaxJobsPerSchedule,
	}, nil
}

func mapBreakerConfig(cfg *config.Config) (publish.BreakerConfig, error) {
	b := cfg.Publish.Breaker
	base, err := config.ParseDurationField("publish.breaker.base_delay", b.BaseDelay)
	if err != nil {
		return publish.BreakerConfig{}, err
	}
	maxDelay, err := config.ParseDurationField("publish.breaker.max_delay", b.MaxDelay)
	if err != nil {
		return publish.BreakerConfig{}, err
	}
	reset, err := config.ParseDurationField("publish.breaker.reset_after", b.ResetAfter)
	if err != nil {
		return publish.BreakerConfig{}, err
	}
	return publish.BreakerConfig{Trip: b.Trip, BaseDelay: base, MaxDelay: maxDelay, ResetAfter: reset}, nil
}

func mapTwitterConfig(cfg *config.Config) (twitter.Config, error) {
	t := cfg.Publish.Twitter
	timeout, err := config.ParseDurationField("publish.twitter.timeout", t.Timeout)
	if err != nil {
		return twitter.Config{}, err
	}
	return twitter.Config{BaseURL: strings.TrimSpace(t.BaseURL), Timeout: timeout}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	t := cfg.Publish.Telegram
	timeout, err := config.ParseDurationField("publish.telegram.timeout", t.Timeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{ChatID: t.ChatID, APIURL: strings.TrimSpace(t.APIURL), Timeout: timeout}, nil
}

func mapMediaConfig(cfg *config.Config) media.Config {
	return media.Config{Dir: cfg.Media.Dir, MaxBytes: cfg.Media.MaxBytes}
}

// mapStorageConfig reports enabled=false when no history store is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

type retention struct {
	Jobs    time.Duration
	History time.Duration
	Media   time.Duration
}

func mapHousekeeping(cfg *config.Config) (string, retention, error) {
	hk := cfg.Housekeeping
	var (
		r   retention
		err error
	)
	if r.Jobs, err = config.ParseDurationField("housekeeping.job_retention", hk.JobRetention); err != nil {
		return "", retention{}, err
	}
	if r.History, err = config.ParseDurationField("housekeeping.history_retention", hk.HistoryRetention); err != nil {
		return "", retention{}, err
	}
	if r.Media, err = config.ParseDurationField("housekeeping.media_retention", hk.MediaRetention); err != nil {
		return "", retention{}, err
	}
	return strings.TrimSpace(hk.Schedule), r, nil
}

// loadLocation returns UTC for an empty or unknown zone.
func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
