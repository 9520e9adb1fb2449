package state

import (
	"strings"
	"time"

	"calsync/internal/models"
)

const keyPrefix = "accounts/"

// Entry is everything persisted for one account.
type Entry struct {
	Account       models.CalendarAccount   `json:"account"`
	Cursor        string                   `json:"cursor"`
	Queue         []models.QueuedOperation `json:"queue"`
	CachedEvents  []models.EventRecord     `json:"cachedEvents"`
	Conflicts     []models.ConflictRecord  `json:"conflicts"`
	LastUpdatedAt time.Time                `json:"lastUpdatedAt"`
}

// Key returns the backend key for an account id.
func Key(accountID string) string { return keyPrefix + accountID }

func idFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, keyPrefix)
}

// Clone returns a deep copy that can be mutated without affecting e.
func (e *Entry) Clone() *Entry {
	out := *e
	out.Queue = make([]models.QueuedOperation, len(e.Queue))
	for i, op := range e.Queue {
		op.Payload = op.Payload.Clone()
		out.Queue[i] = op
	}
	out.CachedEvents = make([]models.EventRecord, len(e.CachedEvents))
	for i, ev := range e.CachedEvents {
		out.CachedEvents[i] = ev.Clone()
	}
	out.Conflicts = make([]models.ConflictRecord, len(e.Conflicts))
	for i, c := range e.Conflicts {
		c.Local = c.Local.Clone()
		c.Remote = c.Remote.Clone()
		if c.Resolution != nil {
			r := *c.Resolution
			c.Resolution = &r
		}
		out.Conflicts[i] = c
	}
	return &out
}

// EventIndex returns the position of the event with the given local id, or -1.
func (e *Entry) EventIndex(id string) int {
	for i := range e.CachedEvents {
		if e.CachedEvents[i].ID == id {
			return i
		}
	}
	return -1
}

// EventByProvider returns the position of the event with the given remote id, or -1.
func (e *Entry) EventByProvider(providerID string) int {
	if providerID == "" {
		return -1
	}
	for i := range e.CachedEvents {
		if e.CachedEvents[i].ProviderEventID == providerID {
			return i
		}
	}
	return -1
}

// OperationIndex returns the position of the queued operation, or -1.
func (e *Entry) OperationIndex(id string) int {
	for i := range e.Queue {
		if e.Queue[i].ID == id {
			return i
		}
	}
	return -1
}

// ConflictIndex returns the position of the conflict, or -1.
func (e *Entry) ConflictIndex(id string) int {
	for i := range e.Conflicts {
		if e.Conflicts[i].ID == id {
			return i
		}
	}
	return -1
}
