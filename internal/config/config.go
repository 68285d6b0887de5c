package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"backstage/internal/model"
)

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Local"
	defaultRefreshCron = "*/15 * * * *"
	defaultHorizonDays = 60
	defaultCacheTTL    = "30s"
	defaultCacheDir    = "./var/ics-cache"
	defaultLogLevel    = "info"
)

// FeedConfig describes one ICS subscription and how its events are tagged.
type FeedConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for caching and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`

	// SourceType is "member", "band" or "venue".
	SourceType string `yaml:"source_type" json:"source_type"`
	// SourceName is the member, band or venue name attached to every event.
	// Defaults to Name.
	SourceName string `yaml:"source_name" json:"source_name"`
	// EventType applies to events that carry no status of their own.
	// Member feeds default to "unavailable", others to "event".
	EventType string `yaml:"event_type" json:"event_type"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for day grouping (e.g. "Europe/Berlin").
	// "Local" uses the host zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a five-field cron schedule for feed refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays is the number of future days to load.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// BackfillDays is the number of past days to load.
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	// CacheTTL bounds how long /api/events responses are reused, e.g. "30s", "2m", "1d".
	CacheTTL string `yaml:"cache_ttl" json:"cache_ttl"`

	// CacheDir holds the on-disk ICS cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// LogLevel is "debug", "info" or "error".
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Consolidate turns same-day member availability into one marker per day.
	Consolidate *bool `yaml:"consolidate,omitempty" json:"consolidate,omitempty"`

	// Feeds is the list of subscribed calendars.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	consolidate := true
	return &Config{
		Listen:       defaultListen,
		Timezone:     defaultTimezone,
		RefreshCron:  defaultRefreshCron,
		HorizonDays:  defaultHorizonDays,
		BackfillDays: 1,
		CacheTTL:     defaultCacheTTL,
		CacheDir:     defaultCacheDir,
		LogLevel:     defaultLogLevel,
		Consolidate:  &consolidate,
		Feeds:        []FeedConfig{},
		BasicAuth:    nil,
	}
}

// Normalize fills in missing/zero values with defaults.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.CacheTTL == "" {
		c.CacheTTL = defaultCacheTTL
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Consolidate == nil {
		v := true
		c.Consolidate = &v
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	for i := range c.Feeds {
		c.Feeds[i].normalize()
	}
}

func (f *FeedConfig) normalize() {
	if f.ID == "" {
		switch {
		case f.Name != "":
			f.ID = f.Name
		default:
			f.ID = f.URL
		}
	}
	if f.SourceType == "" {
		f.SourceType = model.SourceTypeBand
	}
	if f.SourceName == "" {
		f.SourceName = f.Name
	}
	if f.EventType == "" {
		if f.SourceType == model.SourceTypeMember {
			f.EventType = model.EventTypeUnavailable
		} else {
			f.EventType = model.EventTypeEvent
		}
	}
}

// Validate reports the first setting that cannot be used at runtime.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("config: refresh %q: %w", c.RefreshCron, err)
	}
	if _, err := c.CacheTTLDuration(); err != nil {
		return err
	}
	for _, f := range c.Feeds {
		if f.URL == "" {
			return fmt.Errorf("config: feed %q has no url", f.ID)
		}
		if f.SourceType == model.SourceTypeMember && f.SourceName == "" {
			return fmt.Errorf("config: member feed %q needs source_name or name", f.ID)
		}
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// CacheTTLDuration parses CacheTTL. Day and week units are accepted.
func (c *Config) CacheTTLDuration() (time.Duration, error) {
	d, err := str2duration.ParseDuration(c.CacheTTL)
	if err != nil {
		return 0, fmt.Errorf("config: cache_ttl %q: %w", c.CacheTTL, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: cache_ttl %q is negative", c.CacheTTL)
	}
	return d, nil
}

// ConsolidateEnabled reports whether consolidation is on.
func (c *Config) ConsolidateEnabled() bool {
	return c.Consolidate == nil || *c.Consolidate
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     permissions and returned.
//   - If the file exists, it is unmarshaled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms,
// creating the parent directory with 0700 if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".backstage-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method that delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
