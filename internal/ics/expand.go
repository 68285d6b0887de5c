package ics

import (
	"errors"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "backstage/internal/log"
	"backstage/internal/model"
)

const defaultMaxOccurrencesPerEvent = 5000

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// DisplayLocation is the zone occurrences are converted to. Nil means time.Local.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd bound the occurrences that are produced.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single series. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// ExpandResult holds the expanded calendar events.
type ExpandResult struct {
	Events []model.CalendarEvent
	// TruncatedEvents records UIDs that hit MaxOccurrencesPerEvent.
	TruncatedEvents []string
}

// ExpandOccurrences turns parsed VEVENTs into one CalendarEvent per
// occurrence inside the configured range, applying RRULE, EXDATE and
// RECURRENCE-ID overrides. Output follows input order of the base events.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("ics: expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	overrides := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			key := ev.Source.ID + "\x00" + ev.UID
			overrides[key] = append(overrides[key], ev)
		}
	}

	out := make([]model.CalendarEvent, 0, len(events))
	truncated := make(map[string]bool)

	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			continue
		}
		ov := overrides[ev.Source.ID+"\x00"+ev.UID]

		var (
			occ    []model.CalendarEvent
			hitCap bool
		)
		if ev.RawRRule == "" {
			occ = expandSingleEvent(ev, ov, cfg)
		} else {
			occ, hitCap = expandRecurringEvent(ev, ov, cfg)
		}
		out = append(out, occ...)

		if hitCap && !truncated[ev.UID] {
			truncated[ev.UID] = true
			result.TruncatedEvents = append(result.TruncatedEvents, ev.UID)
			appLog.Error("ics expand: truncated occurrences", errors.New("max occurrences reached"),
				"uid", ev.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	result.Events = out
	return result, nil
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []model.CalendarEvent {
	inst := ev
	if o, ok := findOverrideForStart(overrides, ev.Start); ok {
		inst = o
	}
	ce := toCalendarEvent(ev, inst, ev.Start, inst.Start, inst.End, cfg.DisplayLocation)
	if !timeRangesOverlap(ce.Start, ce.End, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}
	return []model.CalendarEvent{ce}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.CalendarEvent, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("ics expand: bad RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Widen the lower bound by the event length so occurrences that started
	// before the range but are still running are included.
	dur := ev.End.Sub(ev.Start)
	loc := ev.Start.Location()
	occTimes := set.Between(cfg.RangeStart.Add(-dur).In(loc), cfg.RangeEnd.In(loc), true)

	hitCap := false
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	out := make([]model.CalendarEvent, 0, len(occTimes))
	for _, occStart := range occTimes {
		occEnd := occStart.Add(dur)
		if ev.AllDay {
			occEnd = occStart.AddDate(0, 0, 1)
		}

		inst, start, end := ev, occStart, occEnd
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			inst, start, end = o, o.Start, o.End
		}
		ce := toCalendarEvent(ev, inst, occStart, start, end, cfg.DisplayLocation)
		// An override may move the instance out of the window.
		if !timeRangesOverlap(ce.Start, ce.End, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		out = append(out, ce)
	}

	return out, hitCap
}

// findOverrideForStart returns the override whose RECURRENCE-ID equals
// start. When a feed carries several revisions the highest SEQUENCE wins.
func findOverrideForStart(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	var (
		best  ParsedEvent
		found bool
	)
	for _, ov := range overrides {
		if ov.Recurrence == nil || !ov.Recurrence.Equal(start) {
			continue
		}
		if !found || ov.Seq > best.Seq {
			best, found = ov, true
		}
	}
	return best, found
}

// toCalendarEvent tags an occurrence with its feed's source metadata. base is
// the series, inst the series or its override. The id is derived from the
// series start so it stays stable when an override moves the instance.
func toCalendarEvent(base, inst ParsedEvent, seriesStart, start, end time.Time, displayLoc *time.Location) model.CalendarEvent {
	if base.AllDay {
		seriesStart = floatingDate(seriesStart, displayLoc)
	}
	if inst.AllDay {
		// DATE values name a calendar day, not an instant. Keep the day
		// in the display zone instead of converting host-local midnight.
		start, end = floatingDate(start, displayLoc), floatingDate(end, displayLoc)
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		}
	}
	return model.CalendarEvent{
		ID:          inst.UID + "@" + seriesStart.In(displayLoc).Format(time.RFC3339),
		Title:       inst.Summary,
		Description: inst.Description,
		Start:       start.In(displayLoc),
		End:         end.In(displayLoc),
		SourceType:  inst.Source.SourceType,
		SourceName:  inst.Source.SourceName,
		EventType:   classify(inst),
	}
}

// floatingDate returns midnight in loc of the calendar date t has in its own zone.
func floatingDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// classify picks the event type: a matching CATEGORIES entry first, then
// STATUS:TENTATIVE, then the feed default.
func classify(ev ParsedEvent) string {
	for _, c := range ev.Categories {
		switch strings.ToLower(c) {
		case model.EventTypeUnavailable, model.EventTypeTentative,
			model.EventTypeShow, model.EventTypeRehearsal:
			return strings.ToLower(c)
		}
	}
	if ev.Status == "TENTATIVE" {
		return model.EventTypeTentative
	}
	if ev.Source.EventType != "" {
		return ev.Source.EventType
	}
	return model.EventTypeEvent
}

func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
