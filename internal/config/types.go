package config

// Config is the postsched configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields fall back to the defaults in Defaults().
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Timezone is the default IANA zone for schedule requests that don't
	// name one. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	Engine       EngineConfig       `json:"engine"`
	Publish      PublishConfig      `json:"publish"`
	Media        MediaConfig        `json:"media"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	HTTP         HTTPConfig         `json:"http"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the scheduling engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - max_attempts: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - retry_jitter: 0.2
//   - publish_timeout: "30s"
//   - max_jobs_per_schedule: 1000
//
// workers is fixed at startup; the rest is applied on reload.
type EngineConfig struct {
	Workers            int     `json:"workers,omitempty"`
	MaxAttempts        int     `json:"max_attempts,omitempty"`
	RetryBase          string  `json:"retry_base,omitempty"`
	RetryMaxDelay      string  `json:"retry_max_delay,omitempty"`
	RetryJitter        float64 `json:"retry_jitter,omitempty"`
	PublishTimeout     string  `json:"publish_timeout,omitempty"`
	MaxJobsPerSchedule int     `json:"max_jobs_per_schedule,omitempty"`
}

// PublishConfig selects and tunes the social platform publishers.
//
// Example:
//
//	"publish": {
//	  "default_provider": "twitter",
//	  "rate_per_sec": 1, "burst": 3,
//	  "twitter": { "enabled": true },
//	  "telegram": { "enabled": true, "chat_id": -1001234567890 }
//	}
//
// Platform tokens are never stored here; they arrive with each schedule request.
type PublishConfig struct {
	DefaultProvider string         `json:"default_provider,omitempty"`
	RatePerSec      float64        `json:"rate_per_sec,omitempty"` // 0 means unlimited
	Burst           int            `json:"burst,omitempty"`
	Breaker         BreakerConfig  `json:"breaker"`
	Twitter         TwitterConfig  `json:"twitter"`
	Telegram        TelegramConfig `json:"telegram"`
}

// BreakerConfig controls the per-provider circuit breaker.
// trip < 0 disables it; 0 means the default of 5 consecutive transient failures.
type BreakerConfig struct {
	Trip       int    `json:"trip,omitempty"`
	BaseDelay  string `json:"base_delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	ResetAfter string `json:"reset_after,omitempty"`
}

type TwitterConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url,omitempty"` // default: https://api.x.com
	Timeout string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	ChatID  int64  `json:"chat_id,omitempty"`
	APIURL  string `json:"api_url,omitempty"` // default: telebot's https://api.telegram.org
	Timeout string `json:"timeout,omitempty"`
}

// MediaConfig controls where uploaded images are kept.
type MediaConfig struct {
	Dir      string `json:"dir,omitempty"`       // default: ./data/media
	MaxBytes int64  `json:"max_bytes,omitempty"` // default: 5 MiB
}

// StorageConfig controls the optional job history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/history.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the intake API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"` // 0 so /v1/events can stream
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// HousekeepingConfig controls the periodic cleanup job.
type HousekeepingConfig struct {
	// Schedule is a cron spec (robfig/cron standard syntax or @every).
	Schedule string `json:"schedule,omitempty"` // default: "@every 10m"
	// JobRetention drops finished jobs from memory after this long.
	JobRetention string `json:"job_retention,omitempty"` // default: "24h"
	// HistoryRetention drops stored history records after this long.
	HistoryRetention string `json:"history_retention,omitempty"` // default: "720h"
	// MediaRetention removes unreferenced images older than this.
	MediaRetention string `json:"media_retention,omitempty"` // default: "72h"
}

// Defaults returns a config with every default filled in.
func Defaults() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Engine: EngineConfig{
			Workers:            4,
			MaxAttempts:        3,
			RetryBase:          "500ms",
			RetryMaxDelay:      "15s",
			RetryJitter:        0.2,
			PublishTimeout:     "30s",
			MaxJobsPerSchedule: 1000,
		},
		Publish: PublishConfig{
			DefaultProvider: "twitter",
			Burst:           1,
			Twitter:         TwitterConfig{Enabled: true, Timeout: "30s"},
			Telegram:        TelegramConfig{Timeout: "30s"},
		},
		Media: MediaConfig{Dir: "./data/media", MaxBytes: 5 << 20},
		HTTP: HTTPConfig{
			Addr:        "127.0.0.1:8080",
			ReadTimeout: "30s",
			IdleTimeout: "2m",
		},
		Housekeeping: HousekeepingConfig{
			Schedule:         "@every 10m",
			JobRetention:     "24h",
			HistoryRetention: "720h",
			MediaRetention:   "72h",
		},
	}
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c *Config) WithDefaults() *Config {
	d := Defaults()
	if c == nil {
		return d
	}
	out := *c
	if out.Logging.Level == "" {
		out.Logging.Level = d.Logging.Level
	}

	e, de := &out.Engine, d.Engine
	e.Workers = orInt(e.Workers, de.Workers)
	e.MaxAttempts = orInt(e.MaxAttempts, de.MaxAttempts)
	e.RetryBase = orStr(e.RetryBase, de.RetryBase)
	e.RetryMaxDelay = orStr(e.RetryMaxDelay, de.RetryMaxDelay)
	if e.RetryJitter == 0 {
		e.RetryJitter = de.RetryJitter
	}
	e.PublishTimeout = orStr(e.PublishTimeout, de.PublishTimeout)
	e.MaxJobsPerSchedule = orInt(e.MaxJobsPerSchedule, de.MaxJobsPerSchedule)

	p := &out.Publish
	p.DefaultProvider = orStr(p.DefaultProvider, d.Publish.DefaultProvider)
	p.Burst = orInt(p.Burst, d.Publish.Burst)
	if !p.Twitter.Enabled && !p.Telegram.Enabled {
		p.Twitter.Enabled = true
	}
	p.Twitter.Timeout = orStr(p.Twitter.Timeout, d.Publish.Twitter.Timeout)
	p.Telegram.Timeout = orStr(p.Telegram.Timeout, d.Publish.Telegram.Timeout)

	out.Media.Dir = orStr(out.Media.Dir, d.Media.Dir)
	if out.Media.MaxBytes <= 0 {
		out.Media.MaxBytes = d.Media.MaxBytes
	}

	h := &out.HTTP
	h.Addr = orStr(h.Addr, d.HTTP.Addr)
	h.ReadTimeout = orStr(h.ReadTimeout, d.HTTP.ReadTimeout)
	h.IdleTimeout = orStr(h.IdleTimeout, d.HTTP.IdleTimeout)

	hk := &out.Housekeeping
	hk.Schedule = orStr(hk.Schedule, d.Housekeeping.Schedule)
	hk.JobRetention = orStr(hk.JobRetention, d.Housekeeping.JobRetention)
	hk.HistoryRetention = orStr(hk.HistoryRetention, d.Housekeeping.HistoryRetention)
	hk.MediaRetention = orStr(hk.MediaRetention, d.Housekeeping.MediaRetention)

	if out.Storage != nil {
		st := *out.Storage
		out.Storage = &st
	}
	return &out
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
