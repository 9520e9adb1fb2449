package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// ErrInvalidEvent is returned when an event fails validation.
var ErrInvalidEvent = errors.New("invalid event")

// EventFields holds the user-visible fields of an appointment.
type EventFields struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`                // UTC
	End         time.Time `json:"end"`                  // UTC
	TimeZone    string    `json:"timeZone,omitempty"`   // IANA zone the times were entered in
	Recurrence  string    `json:"recurrence,omitempty"` // RRULE value, e.g. FREQ=WEEKLY;BYDAY=MO
}

// EventRecord is the canonical, provider-agnostic representation of an event.
// Connectors translate to and from it; the local event store owns it.
type EventRecord struct {
	ID              string `json:"id"`
	ProviderEventID string `json:"providerEventId,omitempty"` // empty until first successful push
	AccountID       string `json:"accountId"`

	EventFields

	Version         int64     `json:"version"`                 // monotonic local revision
	RemoteVersion   string    `json:"remoteVersion,omitempty"` // provider etag
	UpdatedAt       time.Time `json:"updatedAt"`
	RemoteUpdatedAt time.Time `json:"remoteUpdatedAt,omitempty"`

	// SyncedAt is the last common sync point and Base the fields as they
	// were at that point.
	SyncedAt time.Time    `json:"syncedAt,omitempty"`
	Base     *EventFields `json:"base,omitempty"`

	Dirty   bool `json:"dirty,omitempty"`
	Deleted bool `json:"deleted,omitempty"`
}

// Fields returns a copy of the visible fields.
func (e *EventRecord) Fields() EventFields {
	return e.EventFields
}

// Clone returns a deep copy of the record.
func (e EventRecord) Clone() EventRecord {
	if e.Base != nil {
		b := *e.Base
		e.Base = &b
	}
	return e
}

// MarkSynced makes the record's current fields the new common baseline.
func (e *EventRecord) MarkSynced(at time.Time) {
	base := e.EventFields
	e.Base = &base
	e.SyncedAt = at
	e.Dirty = false
}

// Validate checks the fields a connector would reject anyway.
func (e *EventRecord) Validate() error {
	if e.Deleted {
		return nil
	}
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}
	if e.Start.IsZero() || e.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidEvent)
	}
	if !e.End.After(e.Start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidEvent, e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
	}
	if e.Recurrence != "" {
		if _, err := rrule.StrToRRule(e.Recurrence); err != nil {
			return fmt.Errorf("%w: recurrence %q: %v", ErrInvalidEvent, e.Recurrence, err)
		}
	}
	return nil
}

// Equal reports whether two field sets are identical for every user-visible field.
func (f EventFields) Equal(o EventFields) bool {
	return f.Title == o.Title &&
		f.Description == o.Description &&
		f.Location == o.Location &&
		f.SameSchedule(o)
}

// SameSchedule compares the time window, zone and recurrence as one unit.
func (f EventFields) SameSchedule(o EventFields) bool {
	return f.Start.Equal(o.Start) &&
		f.End.Equal(o.End) &&
		f.TimeZone == o.TimeZone &&
		f.Recurrence == o.Recurrence
}
