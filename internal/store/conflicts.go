package store

import (
	"fmt"

	"calsync/internal/models"
)

// PendingConflict returns the unresolved conflict for an event, if any.
func (tx *Tx) PendingConflict(eventID string) (*models.ConflictRecord, bool) {
	for i := range tx.entry.Conflicts {
		c := &tx.entry.Conflicts[i]
		if c.EventID == eventID && c.Resolution == nil {
			return c, true
		}
	}
	return nil, false
}

// AddConflict records a new conflict.
func (tx *Tx) AddConflict(c models.ConflictRecord) {
	tx.entry.Conflicts = append(tx.entry.Conflicts, c)
}

// Conflict returns a conflict by id.
func (tx *Tx) Conflict(id string) (*models.ConflictRecord, bool) {
	i := tx.entry.ConflictIndex(id)
	if i < 0 {
		return nil, false
	}
	return &tx.entry.Conflicts[i], true
}

// PruneConflicts drops resolved conflicts and those whose event is gone.
func (tx *Tx) PruneConflicts() {
	kept := tx.entry.Conflicts[:0]
	for _, c := range tx.entry.Conflicts {
		if c.Resolution != nil {
			continue
		}
		if _, ok := tx.Event(c.EventID); !ok {
			continue
		}
		kept = append(kept, c)
	}
	tx.entry.Conflicts = kept
}

// Conflicts returns the unresolved conflicts of an account, oldest first.
func (s *Store) Conflicts(accountID string) ([]models.ConflictRecord, error) {
	var out []models.ConflictRecord
	err := s.View(accountID, func(tx *Tx) error {
		for _, c := range tx.entry.Conflicts {
			if c.Resolution == nil {
				c.Local = c.Local.Clone()
				c.Remote = c.Remote.Clone()
				out = append(out, c)
			}
		}
		return nil
	})
	return out, err
}

// FindConflict locates a conflict by id across all accounts.
func (s *Store) FindConflict(id string) (models.ConflictRecord, error) {
	for _, accountID := range s.state.IDs() {
		var found *models.ConflictRecord
		_ = s.View(accountID, func(tx *Tx) error {
			if c, ok := tx.Conflict(id); ok {
				cp := *c
				cp.Local = c.Local.Clone()
				cp.Remote = c.Remote.Clone()
				found = &cp
			}
			return nil
		})
		if found != nil {
			return *found, nil
		}
	}
	return models.ConflictRecord{}, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
}

// BlockedEvents returns the ids of events with an unresolved conflict.
func (tx *Tx) BlockedEvents() map[string]bool {
	out := make(map[string]bool)
	for _, c := range tx.entry.Conflicts {
		if c.Resolution == nil {
			out[c.EventID] = true
		}
	}
	return out
}
