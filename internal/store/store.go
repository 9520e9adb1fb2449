// Package store is the local event store: the device's copy of every linked
// account, its events and its open conflicts.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"calsync/internal/models"
	"calsync/internal/state"
)

var (
	// ErrNotFound is returned for unknown accounts, events and conflicts.
	ErrNotFound = errors.New("not found")
	// ErrDeleted is returned when editing an event that has been deleted.
	ErrDeleted = errors.New("event is deleted")
)

// Store wraps the persisted state with event-level operations. Every
// mutation is one atomic write of the account entry.
type Store struct {
	state  *state.Store
	clock  clockwork.Clock
	logger *slog.Logger
}

// New creates a store over the persisted state.
func New(st *state.Store, clock clockwork.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{state: st, clock: clock, logger: logger}
}

// Clock returns the clock used for timestamps.
func (s *Store) Clock() clockwork.Clock { return s.clock }

func mapErr(err error) error {
	if errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// Tx gives a batch of mutations access to one account's entry. Changes made
// through a Tx become visible, and durable, together or not at all.
type Tx struct {
	entry *state.Entry
	now   time.Time
}

// Now is the transaction timestamp.
func (tx *Tx) Now() time.Time { return tx.now }

// Entry exposes the raw entry for packages that keep their own records in it
// (queue, conflicts).
func (tx *Tx) Entry() *state.Entry { return tx.entry }

// Account returns the account for in-place modification.
func (tx *Tx) Account() *models.CalendarAccount { return &tx.entry.Account }

func (tx *Tx) Cursor() string { return tx.entry.Cursor }

func (tx *Tx) SetCursor(c string) { tx.entry.Cursor = c }

// Event returns the record with the local id, including tombstones.
func (tx *Tx) Event(id string) (*models.EventRecord, bool) {
	i := tx.entry.EventIndex(id)
	if i < 0 {
		return nil, false
	}
	return &tx.entry.CachedEvents[i], true
}

// EventByProvider returns the record with the remote id.
func (tx *Tx) EventByProvider(providerID string) (*models.EventRecord, bool) {
	i := tx.entry.EventByProvider(providerID)
	if i < 0 {
		return nil, false
	}
	return &tx.entry.CachedEvents[i], true
}

// Events returns every record, tombstones included, for in-place modification.
func (tx *Tx) Events() []models.EventRecord { return tx.entry.CachedEvents }

// PutEvent inserts or replaces a record by local id.
func (tx *Tx) PutEvent(ev models.EventRecord) {
	if i := tx.entry.EventIndex(ev.ID); i >= 0 {
		tx.entry.CachedEvents[i] = ev
		return
	}
	tx.entry.CachedEvents = append(tx.entry.CachedEvents, ev)
}

// RemoveEvent purges a record.
func (tx *Tx) RemoveEvent(id string) {
	if i := tx.entry.EventIndex(id); i >= 0 {
		tx.entry.CachedEvents = append(tx.entry.CachedEvents[:i], tx.entry.CachedEvents[i+1:]...)
	}
}

// Tx runs fn against a copy of the account entry and commits it only if fn
// returns nil and the write succeeds.
func (s *Store) Tx(ctx context.Context, accountID string, fn func(*Tx) error) error {
	err := s.state.Update(ctx, accountID, func(e *state.Entry) error {
		return fn(&Tx{entry: e, now: s.clock.Now().UTC()})
	})
	return mapErr(err)
}

// View runs fn against the current entry without copying it. fn must not
// modify or retain anything it is given.
func (s *Store) View(accountID string, fn func(*Tx) error) error {
	err := s.state.View(accountID, func(e *state.Entry) error {
		return fn(&Tx{entry: e, now: s.clock.Now().UTC()})
	})
	return mapErr(err)
}

// CreateAccount stores a new account. An empty id is generated.
func (s *Store) CreateAccount(ctx context.Context, acc models.CalendarAccount) (models.CalendarAccount, error) {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if _, err := models.ParseProvider(string(acc.Provider)); err != nil {
		return models.CalendarAccount{}, err
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = s.clock.Now().UTC()
	}
	if err := s.state.Create(ctx, &state.Entry{Account: acc}); err != nil {
		return models.CalendarAccount{}, err
	}
	s.logger.Info("Linked account", "account", acc.ID, "provider", acc.Provider, "name", acc.Name)
	return acc, nil
}

// Account returns one account.
func (s *Store) Account(id string) (models.CalendarAccount, error) {
	var acc models.CalendarAccount
	err := s.View(id, func(tx *Tx) error {
		acc = *tx.Account()
		return nil
	})
	return acc, err
}

// Accounts returns all accounts ordered by creation time.
func (s *Store) Accounts() []models.CalendarAccount {
	var out []models.CalendarAccount
	for _, id := range s.state.IDs() {
		if acc, err := s.Account(id); err == nil {
			out = append(out, acc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// EnabledAccounts returns the accounts with sync enabled.
func (s *Store) EnabledAccounts() []models.CalendarAccount {
	var out []models.CalendarAccount
	for _, acc := range s.Accounts() {
		if acc.SyncEnabled {
			out = append(out, acc)
		}
	}
	return out
}

// UpdateAccount applies fn to the stored account.
func (s *Store) UpdateAccount(ctx context.Context, id string, fn func(*models.CalendarAccount)) error {
	return s.Tx(ctx, id, func(tx *Tx) error {
		fn(tx.Account())
		return nil
	})
}

// SetSyncEnabled toggles background sync for an account.
func (s *Store) SetSyncEnabled(ctx context.Context, id string, enabled bool) error {
	return s.UpdateAccount(ctx, id, func(a *models.CalendarAccount) {
		a.SyncEnabled = enabled
	})
}

// RemoveAccount deletes the account with its events, queue and conflicts.
func (s *Store) RemoveAccount(ctx context.Context, id string) error {
	if _, err := s.Account(id); err != nil {
		return err
	}
	return s.state.Delete(ctx, id)
}

// Cursor returns the last committed sync cursor.
func (s *Store) Cursor(accountID string) (string, error) {
	var c string
	err := s.View(accountID, func(tx *Tx) error {
		c = tx.Cursor()
		return nil
	})
	return c, err
}

// Event returns one record, tombstones included.
func (s *Store) Event(accountID, id string) (models.EventRecord, error) {
	var ev models.EventRecord
	err := s.View(accountID, func(tx *Tx) error {
		rec, ok := tx.Event(id)
		if !ok {
			return fmt.Errorf("event %s: %w", id, ErrNotFound)
		}
		ev = rec.Clone()
		return nil
	})
	return ev, err
}

// Events returns the live events of an account ordered by start time.
func (s *Store) Events(accountID string) ([]models.EventRecord, error) {
	var out []models.EventRecord
	err := s.View(accountID, func(tx *Tx) error {
		for _, ev := range tx.Events() {
			if !ev.Deleted {
				out = append(out, ev.Clone())
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, err
}

// touch records a local edit.
func touch(ev *models.EventRecord, now time.Time) {
	ev.Version++
	ev.UpdatedAt = now
	ev.Dirty = true
}

// CreateEvent adds a new local event.
func (s *Store) CreateEvent(ctx context.Context, accountID string, fields models.EventFields) (models.EventRecord, error) {
	ev := models.EventRecord{ID: uuid.NewString(), AccountID: accountID, EventFields: fields}
	if err := ev.Validate(); err != nil {
		return models.EventRecord{}, err
	}
	err := s.Tx(ctx, accountID, func(tx *Tx) error {
		touch(&ev, tx.Now())
		tx.PutEvent(ev)
		return nil
	})
	return ev, err
}

// UpdateEvent replaces the visible fields of an event.
func (s *Store) UpdateEvent(ctx context.Context, accountID, id string, fields models.EventFields) (models.EventRecord, error) {
	var out models.EventRecord
	err := s.Tx(ctx, accountID, func(tx *Tx) error {
		ev, ok := tx.Event(id)
		if !ok {
			return fmt.Errorf("event %s: %w", id, ErrNotFound)
		}
		if ev.Deleted {
			return fmt.Errorf("event %s: %w", id, ErrDeleted)
		}
		next := ev.Clone()
		next.EventFields = fields
		if err := next.Validate(); err != nil {
			return err
		}
		touch(&next, tx.Now())
		*ev = next
		out = next.Clone()
		return nil
	})
	return out, err
}

// DeleteEvent marks an event deleted. Events never pushed are purged since
// there is nothing to propagate.
func (s *Store) DeleteEvent(ctx context.Context, accountID, id string) (models.EventRecord, error) {
	var out models.EventRecord
	err := s.Tx(ctx, accountID, func(tx *Tx) error {
		ev, ok := tx.Event(id)
		if !ok {
			return fmt.Errorf("event %s: %w", id, ErrNotFound)
		}
		if ev.Deleted {
			out = ev.Clone()
			return nil
		}
		ev.Deleted = true
		touch(ev, tx.Now())
		out = ev.Clone()
		if ev.ProviderEventID == "" {
			tx.RemoveEvent(id)
		}
		return nil
	})
	return out, err
}

// Snapshot is a saved copy of an account's events.
type Snapshot struct {
	AccountID string
	events    map[string]models.EventRecord
}

// Snapshot captures the current events of an account.
func (s *Store) Snapshot(accountID string) (*Snapshot, error) {
	snap := &Snapshot{AccountID: accountID, events: make(map[string]models.EventRecord)}
	err := s.View(accountID, func(tx *Tx) error {
		for _, ev := range tx.Events() {
			snap.events[ev.ID] = ev.Clone()
		}
		return nil
	})
	return snap, err
}

// Rollback restores the given events to their snapshot state; events absent
// from the snapshot are removed. With no ids every event is restored.
func (s *Store) Rollback(ctx context.Context, snap *Snapshot, eventIDs ...string) error {
	return s.Tx(ctx, snap.AccountID, func(tx *Tx) error {
		if len(eventIDs) == 0 {
			restored := make([]models.EventRecord, 0, len(snap.events))
			for _, ev := range snap.events {
				restored = append(restored, ev.Clone())
			}
			sort.Slice(restored, func(i, j int) bool { return restored[i].ID < restored[j].ID })
			tx.entry.CachedEvents = restored
			return nil
		}
		for _, id := range eventIDs {
			if ev, ok := snap.events[id]; ok {
				tx.PutEvent(ev.Clone())
			} else {
				tx.RemoveEvent(id)
			}
		}
		return nil
	})
}
