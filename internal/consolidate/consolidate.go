// Package consolidate collapses same-day member availability events into a
// single summary marker per day.
package consolidate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"backstage/internal/model"
)

// IDPrefix is prepended to the day key to form a summary event id.
const IDPrefix = "consolidated-members-"

var (
	// ErrMissingSourceName is returned for a groupable event without a name.
	ErrMissingSourceName = errors.New("consolidate: member event has no source name")
	// ErrMissingStart is returned for a groupable event with a zero start.
	ErrMissingStart = errors.New("consolidate: member event has no start time")
)

// Consolidator groups events by calendar day as seen in Location.
// A nil Location means time.Local.
type Consolidator struct {
	Location *time.Location
}

// Consolidate is Consolidator{}.Consolidate, keyed on local time.
func Consolidate(events []model.CalendarEvent) ([]model.CalendarEvent, error) {
	return Consolidator{}.Consolidate(events)
}

// IsGroupable reports whether ev takes part in consolidation: a member event
// marked unavailable or tentative.
func IsGroupable(ev model.CalendarEvent) bool {
	if ev.SourceType != model.SourceTypeMember {
		return false
	}
	return ev.EventType == model.EventTypeUnavailable || ev.EventType == model.EventTypeTentative
}

// DayKey returns the YYYY-MM-DD calendar date of t in loc (time.Local if nil).
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("2006-01-02")
}

// SyntheticID returns the summary event id for a day key.
func SyntheticID(dayKey string) string {
	return IDPrefix + dayKey
}

// Title returns the summary title for n distinct members.
func Title(n int) string {
	suffix := "s"
	if n == 1 {
		suffix = ""
	}
	return fmt.Sprintf("%d Member%s Unavailable/Tentative", n, suffix)
}

type bucket struct {
	key    string
	events []model.CalendarEvent
}

// Consolidate returns the non-groupable events in their original order
// followed by one summary event per day that had groupable events. Summary
// events appear in order of each day's first groupable event. If nothing is
// groupable, events is returned as is.
func (c Consolidator) Consolidate(events []model.CalendarEvent) ([]model.CalendarEvent, error) {
	passThrough := make([]model.CalendarEvent, 0, len(events))
	buckets := make([]*bucket, 0)
	byKey := make(map[string]*bucket)

	for _, ev := range events {
		if !IsGroupable(ev) {
			passThrough = append(passThrough, ev)
			continue
		}
		if ev.SourceName == "" {
			return nil, fmt.Errorf("%w: id=%q", ErrMissingSourceName, ev.ID)
		}
		if ev.Start.IsZero() {
			return nil, fmt.Errorf("%w: id=%q", ErrMissingStart, ev.ID)
		}

		key := DayKey(ev.Start, c.Location)
		b, ok := byKey[key]
		if !ok {
			b = &bucket{key: key}
			byKey[key] = b
			buckets = append(buckets, b)
		}
		b.events = append(b.events, ev)
	}

	if len(buckets) == 0 {
		return events, nil
	}

	out := passThrough
	for _, b := range buckets {
		out = append(out, summarize(b))
	}
	return out, nil
}

func summarize(b *bucket) model.CalendarEvent {
	names := make([]string, 0, len(b.events))
	seen := make(map[string]struct{}, len(b.events))
	for _, ev := range b.events {
		if _, dup := seen[ev.SourceName]; dup {
			continue
		}
		seen[ev.SourceName] = struct{}{}
		names = append(names, ev.SourceName)
	}

	// Unavailable wins over tentative.
	out := b.events[0]
	out.ID = SyntheticID(b.key)
	out.Title = Title(len(names))
	out.Description = strings.Join(names, ", ")
	out.EventType = model.EventTypeUnavailable
	return out
}
