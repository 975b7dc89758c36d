package config

import (
	"reflect"
	"strings"

	logx "postsched/pkg/logx"
)

// Change summarizes a config reload for logging.
type Change struct {
	// Sections lists every top-level section that differs.
	Sections []string
	// Restart lists the changed settings that only take effect after a restart.
	Restart []string
	// Attrs are safe structured log fields; tokens are never included.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs (defaults already applied).
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		ch.Sections = append(ch.Sections, "timezone")
		ch.Attrs = append(ch.Attrs, logx.String("timezone", newCfg.Timezone))
	}

	if oldCfg.Engine != newCfg.Engine {
		ch.Sections = append(ch.Sections, "engine")
		ch.Attrs = append(ch.Attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.max_attempts", newCfg.Engine.MaxAttempts),
			logx.String("engine.publish_timeout", newCfg.Engine.PublishTimeout),
		)
		if oldCfg.Engine.Workers != newCfg.Engine.Workers {
			ch.Restart = append(ch.Restart, "engine.workers")
		}
	}

	op, np := oldCfg.Publish, newCfg.Publish
	if op != np {
		ch.Sections = append(ch.Sections, "publish")
		ch.Attrs = append(ch.Attrs,
			logx.String("publish.default_provider", np.DefaultProvider),
			logx.Float64("publish.rate_per_sec", np.RatePerSec),
			logx.Int("publish.burst", np.Burst),
			logx.Int("publish.breaker.trip", np.Breaker.Trip),
		)
		if op.Twitter != np.Twitter {
			ch.Restart = append(ch.Restart, "publish.twitter")
		}
		if op.Telegram != np.Telegram {
			ch.Restart = append(ch.Restart, "publish.telegram")
		}
	}

	if oldCfg.Media != newCfg.Media {
		ch.Sections = append(ch.Sections, "media")
		ch.Restart = append(ch.Restart, "media")
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		ch.Sections = append(ch.Sections, "storage")
		ch.Restart = append(ch.Restart, "storage")
	}

	// Token changes are reported only as a boolean.
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh != nh {
		ch.Sections = append(ch.Sections, "http")
		ch.Restart = append(ch.Restart, "http")
		ch.Attrs = append(ch.Attrs,
			logx.String("http.addr", nh.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.token_changed", oh.Token != nh.Token),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		ch.Sections = append(ch.Sections, "housekeeping")
		ch.Attrs = append(ch.Attrs,
			logx.String("housekeeping.schedule", newCfg.Housekeeping.Schedule),
			logx.String("housekeeping.job_retention", newCfg.Housekeeping.JobRetention),
		)
	}

	return ch
}
