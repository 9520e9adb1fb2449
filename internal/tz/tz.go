// Package tz converts event times between a user's configured zone, UTC and
// the zone a remote calendar expresses them in.
package tz

import (
	"errors"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // hosts without a zone database

	"calsync/internal/models"
)

// ErrInvalidZone is returned for names the zone database does not know.
var ErrInvalidZone = errors.New("invalid timezone")

// Normalizer resolves IANA zone names against a default user zone.
type Normalizer struct {
	user *time.Location

	mu    sync.RWMutex
	cache map[string]*time.Location
}

// NewNormalizer creates a Normalizer for the user's configured zone.
// An empty name means UTC.
func NewNormalizer(userZone string) (*Normalizer, error) {
	n := &Normalizer{cache: make(map[string]*time.Location)}
	if userZone == "" {
		userZone = "UTC"
	}
	loc, err := n.load(userZone)
	if err != nil {
		return nil, err
	}
	n.user = loc
	return n, nil
}

// MustNormalizer is NewNormalizer for zones known to be valid.
func MustNormalizer(userZone string) *Normalizer {
	n, err := NewNormalizer(userZone)
	if err != nil {
		panic(err)
	}
	return n
}

// UserLocation returns the configured user zone.
func (n *Normalizer) UserLocation() *time.Location {
	return n.user
}

// Resolve returns the location for zone, falling back to the user zone when
// zone is empty.
func (n *Normalizer) Resolve(zone string) (*time.Location, error) {
	if zone == "" {
		return n.user, nil
	}
	return n.load(zone)
}

func (n *Normalizer) load(zone string) (*time.Location, error) {
	n.mu.RLock()
	loc, ok := n.cache[zone]
	n.mu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w '%s': %v", ErrInvalidZone, zone, err)
	}

	n.mu.Lock()
	n.cache[zone] = loc
	n.mu.Unlock()
	return loc, nil
}

// ToUTC interprets the wall clock of t (its own location is ignored) in zone
// and returns the UTC instant. It is used for times typed by a user.
func (n *Normalizer) ToUTC(t time.Time, zone string) (time.Time, error) {
	if t.IsZero() {
		return t, nil
	}
	loc, err := n.Resolve(zone)
	if err != nil {
		return time.Time{}, err
	}
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	return wall.UTC(), nil
}

// FromUTC expresses a UTC instant in zone.
func (n *Normalizer) FromUTC(t time.Time, zone string) (time.Time, error) {
	loc, err := n.Resolve(zone)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(loc), nil
}

// Normalize returns fields with UTC times. The source zone is retained in
// TimeZone (defaulting to the user zone) so it can be restored on the way out.
func (n *Normalizer) Normalize(f models.EventFields) (models.EventFields, error) {
	zone := f.TimeZone
	if zone == "" {
		if loc := f.Start.Location(); loc != time.UTC && loc != time.Local {
			zone = loc.String()
		} else {
			zone = n.user.String()
		}
	}
	if _, err := n.Resolve(zone); err != nil {
		return f, err
	}

	f.Start, f.End, f.TimeZone = f.Start.UTC(), f.End.UTC(), zone
	return f, nil
}

// Localize returns fields with times expressed in zone, or in the fields'
// own TimeZone when zone is empty.
func (n *Normalizer) Localize(f models.EventFields, zone string) (models.EventFields, error) {
	if zone == "" {
		zone = f.TimeZone
	}
	loc, err := n.Resolve(zone)
	if err != nil {
		return f, err
	}
	f.Start = f.Start.In(loc)
	f.End = f.End.In(loc)
	return f, nil
}
