package models

import (
	"fmt"
	"time"
)

// Provider identifies which remote calendar variant backs an account.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderCalDAV Provider = "caldav"
)

// ParseProvider converts a user-supplied string into a Provider.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderGoogle, ProviderCalDAV:
		return Provider(s), nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// Credentials is the opaque token handle a connector authenticates with.
// For CalDAV accounts AccessToken holds the (app-specific) password.
type Credentials struct {
	Username     string    `json:"username,omitempty"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Expired reports whether the access token can no longer be used.
// A zero expiry never expires.
func (c Credentials) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// CalendarAccount is a linked remote calendar.
type CalendarAccount struct {
	ID         string   `json:"id"`
	Provider   Provider `json:"provider"`
	Name       string   `json:"name"`
	CalendarID string   `json:"calendarId"`         // Google calendar id, or CalDAV calendar name/path
	Endpoint   string   `json:"endpoint,omitempty"` // CalDAV server URL
	TimeZone   string   `json:"timeZone,omitempty"`

	Credentials Credentials `json:"credentials"`
	SyncEnabled bool        `json:"syncEnabled"`

	LastSyncAt          time.Time `json:"lastSyncAt,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
	NextRetryAt         time.Time `json:"nextRetryAt,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

// BackingOff reports whether the account must not be synced before NextRetryAt.
func (a *CalendarAccount) BackingOff(now time.Time) bool {
	return !a.NextRetryAt.IsZero() && now.Before(a.NextRetryAt)
}
