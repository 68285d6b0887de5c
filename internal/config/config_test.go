package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backstage/internal/config"
	"backstage/internal/model"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadNormalizesFeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
listen: ":9000"
timezone: UTC
cache_ttl: 1d
consolidate: false
feeds:
  - url: https://example.com/alice.ics
    name: Alice
    source_type: member
  - url: https://example.com/shows.ics
    id: shows
    event_type: show
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "*/15 * * * *", cfg.RefreshCron)
	assert.False(t, cfg.ConsolidateEnabled())

	ttl, err := cfg.CacheTTLDuration()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, ttl)

	require.Len(t, cfg.Feeds, 2)
	alice := cfg.Feeds[0]
	assert.Equal(t, "Alice", alice.ID)
	assert.Equal(t, "Alice", alice.SourceName)
	assert.Equal(t, model.EventTypeUnavailable, alice.EventType)

	shows := cfg.Feeds[1]
	assert.Equal(t, model.SourceTypeBand, shows.SourceType)
	assert.Equal(t, model.EventTypeShow, shows.EventType)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.DefaultConfig()
	cfg.Feeds = append(cfg.Feeds, config.FeedConfig{URL: "https://example.com/bob.ics", Name: "Bob", SourceType: model.SourceTypeMember})
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "band", Password: "secret"}

	require.NoError(t, cfg.Save(path))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*config.Config){
		"bad cron":     func(c *config.Config) { c.RefreshCron = "every minute" },
		"bad timezone": func(c *config.Config) { c.Timezone = "Mars/Olympus" },
		"bad ttl":      func(c *config.Config) { c.CacheTTL = "soon" },
		"feed no url":  func(c *config.Config) { c.Feeds = []config.FeedConfig{{ID: "x"}} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, config.DefaultConfig().Validate())
}

func TestLocation(t *testing.T) {
	cfg := config.DefaultConfig()
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	cfg.Timezone = "UTC"
	loc, err = cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := config.Load("")
	assert.Error(t, err)
}
