package caldav

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/emersion/go-ical"

	"calsync/internal/models"
	"calsync/internal/tz"
)

const productID = "-//calsync//EN"

var errNoEvent = errors.New("calendar object has no VEVENT")

// masterEvent returns the VEVENT without a RECURRENCE-ID, i.e. the series
// itself rather than an overridden instance.
func masterEvent(cal *ical.Calendar) (*ical.Component, error) {
	if cal == nil {
		return nil, errNoEvent
	}
	var first *ical.Component
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if first == nil {
			first = child
		}
		if child.Props.Get(ical.PropRecurrenceID) == nil {
			return child, nil
		}
	}
	if first == nil {
		return nil, errNoEvent
	}
	return first, nil
}

// toFields reads the canonical fields from a VEVENT.
func toFields(ve *ical.Component, norm *tz.Normalizer) (models.EventFields, error) {
	loc := norm.UserLocation()
	startProp := ve.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return models.EventFields{}, errors.New("VEVENT has no DTSTART")
	}
	start, err := startProp.DateTime(loc)
	if err != nil {
		return models.EventFields{}, fmt.Errorf("invalid DTSTART: %w", err)
	}

	var end time.Time
	if endProp := ve.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		if end, err = endProp.DateTime(loc); err != nil {
			return models.EventFields{}, fmt.Errorf("invalid DTEND: %w", err)
		}
	} else if durProp := ve.Props.Get(ical.PropDuration); durProp != nil {
		d, err := durProp.Duration()
		if err != nil {
			return models.EventFields{}, fmt.Errorf("invalid DURATION: %w", err)
		}
		end = start.Add(d)
	} else {
		end = start
	}

	zone := startProp.Params.Get(ical.ParamTimezoneID)
	f := models.EventFields{
		Title:       text(ve, ical.PropSummary),
		Description: text(ve, ical.PropDescription),
		Location:    text(ve, ical.PropLocation),
		Start:       start.UTC(),
		End:         end.UTC(),
		TimeZone:    zone,
	}
	if rule := ve.Props.Get(ical.PropRecurrenceRule); rule != nil {
		f.Recurrence = rule.Value
	}
	if zone != "" {
		if _, err := norm.Resolve(zone); err != nil {
			// Non-IANA TZIDs (e.g. Outlook names) fall back to the user zone.
			f.TimeZone = ""
		}
	}
	return norm.Normalize(f)
}

func text(ve *ical.Component, name string) string {
	p := ve.Props.Get(name)
	if p == nil {
		return ""
	}
	s, err := p.Text()
	if err != nil {
		return p.Value
	}
	return s
}

// applyFields writes the canonical fields onto a VEVENT, leaving properties
// it does not own (attendees, alarms) untouched.
func applyFields(ve *ical.Component, f models.EventFields, norm *tz.Normalizer) error {
	loc, err := norm.Resolve(f.TimeZone)
	if err != nil {
		return err
	}
	local, err := norm.Localize(f, loc.String())
	if err != nil {
		return err
	}

	ve.Props.SetText(ical.PropSummary, local.Title)
	setOptionalText(ve, ical.PropDescription, local.Description)
	setOptionalText(ve, ical.PropLocation, local.Location)
	ve.Props.SetDateTime(ical.PropDateTimeStart, local.Start)
	ve.Props.SetDateTime(ical.PropDateTimeEnd, local.End)
	ve.Props.Del(ical.PropDuration)

	if local.Recurrence != "" {
		rule := ical.NewProp(ical.PropRecurrenceRule)
		rule.Value = local.Recurrence
		ve.Props.Set(rule)
	} else {
		ve.Props.Del(ical.PropRecurrenceRule)
	}
	return nil
}

func setOptionalText(ve *ical.Component, name, value string) {
	if value == "" {
		ve.Props.Del(name)
		return
	}
	ve.Props.SetText(name, value)
}

// newCalendar builds a VCALENDAR holding one new VEVENT.
func newCalendar(uid string, f models.EventFields, norm *tz.Normalizer, now time.Time) (*ical.Calendar, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	ve := ical.NewEvent()
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	ve.Props.SetDateTime(ical.PropLastModified, now.UTC())
	ve.Props.SetText(ical.PropSequence, "0")
	if err := applyFields(ve.Component, f, norm); err != nil {
		return nil, err
	}
	cal.Children = append(cal.Children, ve.Component)
	return cal, nil
}

// bumpSequence increments SEQUENCE as RFC 5545 requires for significant changes.
func bumpSequence(ve *ical.Component) int {
	seq := 0
	if p := ve.Props.Get(ical.PropSequence); p != nil {
		if n, err := strconv.Atoi(p.Value); err == nil {
			seq = n
		}
	}
	seq++
	ve.Props.SetText(ical.PropSequence, strconv.Itoa(seq))
	return seq
}

// lastModified returns LAST-MODIFIED, or fallback when absent.
func lastModified(ve *ical.Component, fallback time.Time) time.Time {
	if p := ve.Props.Get(ical.PropLastModified); p != nil {
		if t, err := p.DateTime(time.UTC); err == nil {
			return t.UTC()
		}
	}
	return fallback.UTC()
}
