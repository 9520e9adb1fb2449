package models

import (
	"fmt"
	"time"
)

// Resolution selects how a conflict is settled.
type Resolution string

const (
	ResolveLocal  Resolution = "local"
	ResolveRemote Resolution = "remote"
	ResolveMerge  Resolution = "merge"
)

// ParseResolution validates a resolution name.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case ResolveLocal, ResolveRemote, ResolveMerge:
		return Resolution(s), nil
	default:
		return "", fmt.Errorf("unknown resolution %q", s)
	}
}

// ConflictRecord captures an event edited on both sides since the last common sync.
type ConflictRecord struct {
	ID         string      `json:"id"`
	AccountID  string      `json:"accountId"`
	EventID    string      `json:"eventId"`
	Local      EventRecord `json:"local"`
	Remote     EventRecord `json:"remote"`
	DetectedAt time.Time   `json:"detectedAt"`
	Resolution *Resolution `json:"resolution"`
}

// RemoteDeleted reports whether the remote side of the conflict is a deletion.
func (c *ConflictRecord) RemoteDeleted() bool {
	return c.Remote.Deleted
}
