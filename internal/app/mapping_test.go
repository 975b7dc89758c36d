package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postsched/internal/config"
	logx "postsched/pkg/logx"
)

func TestMapEngineConfig(t *testing.T) {
	cfg := config.Defaults()
	ec, err := mapEngineConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, ec.Workers)
	assert.Equal(t, 500*time.Millisecond, ec.RetryBase)
	assert.Equal(t, 15*time.Second, ec.RetryMaxDelay)
	assert.Equal(t, 30*time.Second, ec.PublishTimeout)

	cfg.Engine.RetryBase = "later"
	_, err = mapEngineConfig(cfg)
	assert.ErrorContains(t, err, "engine.retry_base")
}

func TestMapStorageConfig(t *testing.T) {
	cfg := config.Defaults()
	_, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)

	cfg.Storage = &config.StorageConfig{Driver: "None"}
	_, enabled, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)

	cfg.Storage = &config.StorageConfig{Driver: "SQLite", Path: " ./h.db "}
	sc, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./h.db", sc.Path)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)

	cfg.Storage = &config.StorageConfig{Driver: "file"}
	_, _, err = mapStorageConfig(cfg)
	assert.ErrorContains(t, err, "storage.path")

	cfg.Storage = &config.StorageConfig{Driver: "bolt", Path: "x"}
	_, _, err = mapStorageConfig(cfg)
	assert.ErrorContains(t, err, "unknown storage.driver")
}

func TestMapHTTPAndHousekeeping(t *testing.T) {
	cfg := config.Defaults()
	cfg.HTTP.Token = " secret "
	hc, err := mapHTTPConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "secret", hc.Token)
	assert.Equal(t, 30*time.Second, hc.ReadTimeout)
	assert.Zero(t, hc.WriteTimeout)
	assert.Equal(t, 2*time.Minute, hc.IdleTimeout)

	spec, r, err := mapHousekeeping(cfg)
	require.NoError(t, err)
	assert.Equal(t, "@every 10m", spec)
	assert.Equal(t, retention{Jobs: 24 * time.Hour, History: 720 * time.Hour, Media: 72 * time.Hour}, r)
}

func TestLoadLocation(t *testing.T) {
	assert.Equal(t, time.UTC, loadLocation(""))
	assert.Equal(t, time.UTC, loadLocation("Nowhere/Special"))
	assert.Equal(t, "Europe/Berlin", loadLocation("Europe/Berlin").String())
}

func TestBuildPublishers(t *testing.T) {
	cfg := config.Defaults()
	cfg.Publish.Telegram.Enabled = true
	cfg.Publish.Telegram.ChatID = -100
	cfg.Publish.RatePerSec = 1
	cfg.Publish.Burst = 2

	ps, err := buildPublishers(cfg, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"telegram", "twitter"}, ps.router.Providers())
	assert.True(t, ps.router.Has(""))
	assert.Len(t, ps.breakers, 2)
	for _, l := range ps.limiters {
		assert.Equal(t, 2, l.Burst())
	}
	assert.Empty(t, ps.openCircuits())

	cfg.Publish.RatePerSec = 0
	cfg.Publish.Burst = 4
	require.NoError(t, ps.apply(cfg))
	for _, l := range ps.limiters {
		assert.Equal(t, 4, l.Burst())
	}

	cfg.Publish.Breaker.BaseDelay = "nope"
	assert.Error(t, ps.apply(cfg))
	_, err = mapBreakerConfig(cfg)
	assert.ErrorContains(t, err, "publish.breaker.base_delay")
}
