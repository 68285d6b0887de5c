package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"backstage/internal/model"
)

// Non-standard properties carrying the source tags.
const (
	PropertySourceType ical.ComponentProperty = "X-BACKSTAGE-SOURCE-TYPE"
	PropertySourceName ical.ComponentProperty = "X-BACKSTAGE-SOURCE-NAME"
)

// EncodeICS serializes events as a PUBLISH calendar. stamp is written as
// DTSTAMP on every VEVENT.
func EncodeICS(events []model.CalendarEvent, prodID string, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(prodID)

	for _, ev := range events {
		ve := cal.AddEvent(ev.ID)
		ve.SetDtStampTime(stamp.UTC())
		ve.SetStartAt(ev.Start.UTC())
		ve.SetEndAt(ev.End.UTC())
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.EventType == model.EventTypeTentative {
			ve.SetStatus(ical.ObjectStatusTentative)
		} else {
			ve.SetStatus(ical.ObjectStatusConfirmed)
		}
		if ev.EventType != "" {
			ve.AddProperty(ical.ComponentPropertyCategories, ev.EventType)
		}
		if ev.SourceType != "" {
			ve.AddProperty(PropertySourceType, ev.SourceType)
		}
		if ev.SourceName != "" {
			ve.AddProperty(PropertySourceName, ev.SourceName)
		}
	}

	return cal.Serialize()
}
