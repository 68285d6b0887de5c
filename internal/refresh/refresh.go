// Package refresh keeps an in-memory snapshot of all configured feeds,
// reloaded on a cron schedule.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"backstage/internal/config"
	"backstage/internal/ics"
	appLog "backstage/internal/log"
	"backstage/internal/model"
)

// Snapshot is the result of one refresh. It is never mutated after publish.
type Snapshot struct {
	Events          []model.CalendarEvent `json:"events"`
	TruncatedUIDs   []string              `json:"truncated_uids,omitempty"`
	RangeStart      time.Time             `json:"range_start"`
	RangeEnd        time.Time             `json:"range_end"`
	FeedCount       int                   `json:"feed_count"`
	FailedFeeds     int                   `json:"failed_feeds"`
	StaleFeeds      int                   `json:"stale_feeds"`
	UpdatedAt       time.Time             `json:"updated_at"`
	DisplayTimeZone string                `json:"display_timezone"`
}

// Refresher loads feeds into a Snapshot.
type Refresher struct {
	cfg     *config.Config
	loc     *time.Location
	fetcher *ics.Fetcher
	now     func() time.Time

	// serializes Refresh calls from cron and the API
	runMu sync.Mutex

	mu   sync.RWMutex
	snap *Snapshot
}

// New builds a Refresher for cfg. The config must have passed Validate.
func New(cfg *config.Config, fetcher *ics.Fetcher) (*Refresher, error) {
	if cfg == nil {
		return nil, errors.New("refresh: config is nil")
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if fetcher == nil {
		fetcher = ics.NewFetcher(cfg.CacheDir)
	}
	return &Refresher{
		cfg:     cfg,
		loc:     loc,
		fetcher: fetcher,
		now:     time.Now,
	}, nil
}

// WithClock overrides the time source, for tests.
func (r *Refresher) WithClock(now func() time.Time) *Refresher {
	r.now = now
	return r
}

// Location is the display zone used for expansion and day grouping.
func (r *Refresher) Location() *time.Location {
	return r.loc
}

// Snapshot returns the latest snapshot, or nil before the first refresh.
func (r *Refresher) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Sources converts the configured feeds into fetch sources.
func Sources(feeds []config.FeedConfig) []ics.Source {
	sources := make([]ics.Source, 0, len(feeds))
	for _, f := range feeds {
		if f.URL == "" {
			continue
		}
		sources = append(sources, ics.Source{
			ID:         f.ID,
			URL:        f.URL,
			SourceType: f.SourceType,
			SourceName: f.SourceName,
			EventType:  f.EventType,
		})
	}
	return sources
}

// Refresh fetches, parses and expands every feed and publishes a new
// snapshot. Individual feed failures are counted, not returned; a stale
// cached body is used where available.
func (r *Refresher) Refresh(ctx context.Context) (*Snapshot, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	now := r.now().In(r.loc)
	rangeStart := now.AddDate(0, 0, -r.cfg.BackfillDays)
	rangeEnd := now.AddDate(0, 0, r.cfg.HorizonDays)

	sources := Sources(r.cfg.Feeds)
	results, fetchErrs := r.fetcher.FetchAll(ctx, sources)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}

	failed, stale := len(fetchErrs), 0
	parsed := make([]ics.ParsedEvent, 0)
	for _, res := range results {
		if res.Stale {
			stale++
		}
		events, err := ics.ParseICS(res.Source, res.Body)
		if err != nil {
			failed++
			continue
		}
		parsed = append(parsed, events...)
	}

	expanded, err := ics.ExpandOccurrences(parsed, ics.ExpandConfig{
		DisplayLocation: r.loc,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
	})
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}

	snap := &Snapshot{
		Events:          expanded.Events,
		TruncatedUIDs:   expanded.TruncatedEvents,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		FeedCount:       len(sources),
		FailedFeeds:     failed,
		StaleFeeds:      stale,
		UpdatedAt:       r.now(),
		DisplayTimeZone: r.loc.String(),
	}

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()

	appLog.Info("refresh completed",
		"feeds", len(sources),
		"failed", failed,
		"stale", stale,
		"events", len(snap.Events),
		"range_start", rangeStart.Format(time.RFC3339),
		"range_end", rangeEnd.Format(time.RFC3339),
	)
	return snap, nil
}

// Start runs Refresh on the configured cron schedule until ctx is done.
// The returned channel is closed once the scheduler has stopped.
func (r *Refresher) Start(ctx context.Context) (<-chan struct{}, error) {
	c := cron.New(cron.WithLocation(r.loc))
	_, err := c.AddFunc(r.cfg.RefreshCron, func() {
		if _, err := r.Refresh(ctx); err != nil {
			appLog.Error("scheduled refresh failed", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("refresh: schedule %q: %w", r.cfg.RefreshCron, err)
	}

	c.Start()
	appLog.Info("refresh scheduler started", "cron", r.cfg.RefreshCron, "timezone", r.loc.String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		<-c.Stop().Done()
		appLog.Info("refresh scheduler stopped")
	}()
	return done, nil
}
