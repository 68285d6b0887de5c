package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source kinds. Only SourceTypeMember takes part in consolidation.
const (
	SourceTypeMember = "member"
	SourceTypeBand   = "band"
	SourceTypeVenue  = "venue"
)

// Event kinds.
const (
	EventTypeUnavailable = "unavailable"
	EventTypeTentative   = "tentative"
	EventTypeShow        = "show"
	EventTypeRehearsal   = "rehearsal"
	EventTypeEvent       = "event"
)

// CalendarEvent is a single dated entry shown on the band calendar. Start and
// End are always normalized time.Time values; string parsing happens in
// RawEvent.Normalize.
type CalendarEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	SourceType  string    `json:"sourceType"`
	SourceName  string    `json:"sourceName"`
	EventType   string    `json:"eventType"`
}

// RawEvent is the wire form of CalendarEvent as posted by clients, with
// start/end still serialized.
type RawEvent struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Start       string `json:"start"`
	End         string `json:"end"`
	SourceType  string `json:"sourceType"`
	SourceName  string `json:"sourceName"`
	EventType   string `json:"eventType"`
}

// ErrInvalidTime is wrapped by Normalize when start or end cannot be parsed.
var ErrInvalidTime = errors.New("invalid time")

// Layouts accepted by ParseTime, tried in order. Layouts without an offset
// are interpreted in the location passed to ParseTime.
var timeLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339Nano, true},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02T15:04", false},
	{"2006-01-02", false},
}

// ParseTime parses a serialized point in time. Values without an explicit
// offset are read in loc (time.Local if nil).
func ParseTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: empty value", ErrInvalidTime)
	}
	if loc == nil {
		loc = time.Local
	}

	for _, l := range timeLayouts {
		var (
			t   time.Time
			err error
		)
		if l.zoned {
			t, err = time.Parse(l.layout, v)
		} else {
			t, err = time.ParseInLocation(l.layout, v, loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, v)
}

// Normalize converts r into a CalendarEvent, parsing start and end in loc.
func (r RawEvent) Normalize(loc *time.Location) (CalendarEvent, error) {
	start, err := ParseTime(r.Start, loc)
	if err != nil {
		return CalendarEvent{}, fmt.Errorf("model: event %q: start: %w", r.ID, err)
	}
	end, err := ParseTime(r.End, loc)
	if err != nil {
		return CalendarEvent{}, fmt.Errorf("model: event %q: end: %w", r.ID, err)
	}

	return CalendarEvent{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Start:       start,
		End:         end,
		SourceType:  r.SourceType,
		SourceName:  r.SourceName,
		EventType:   r.EventType,
	}, nil
}

// NormalizeAll normalizes every raw event, stopping at the first failure.
func NormalizeAll(raw []RawEvent, loc *time.Location) ([]CalendarEvent, error) {
	out := make([]CalendarEvent, 0, len(raw))
	for i, r := range raw {
		ev, err := r.Normalize(loc)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
