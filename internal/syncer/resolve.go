package syncer

import (
	"context"
	"fmt"
	"time"

	"calsync/internal/conflict"
	"calsync/internal/models"
	"calsync/internal/queue"
	"calsync/internal/store"
)

// Resolve settles a pending conflict and applies the outcome to the local
// store. Whatever has to reach the remote is pushed by the next pass.
func (s *Syncer) Resolve(ctx context.Context, conflictID string, resolution models.Resolution) (models.ConflictRecord, error) {
	found, err := s.store.FindConflict(conflictID)
	if err != nil {
		return models.ConflictRecord{}, err
	}

	var out models.ConflictRecord
	err = s.store.Tx(ctx, found.AccountID, func(tx *store.Tx) error {
		c, ok := tx.Conflict(conflictID)
		if !ok {
			return fmt.Errorf("conflict %s: %w", conflictID, store.ErrNotFound)
		}
		outcome, err := conflict.Resolve(*c, resolution, s.tieBreak)
		if err != nil {
			return err
		}
		applyOutcome(tx, *c, outcome)
		res := resolution
		c.Resolution = &res
		out = *c
		out.Local, out.Remote = c.Local.Clone(), c.Remote.Clone()
		tx.PruneConflicts()
		return nil
	})
	if err != nil {
		return models.ConflictRecord{}, err
	}
	s.logger.Info("Resolved conflict", "account", out.AccountID, "event", out.EventID, "conflict", conflictID, "resolution", resolution)
	return out, nil
}

// applyOutcome rewrites the conflicted record. Queued operations for the
// event carry pre-resolution payloads, so they are dropped; the push phase
// sends the resolved state instead.
func applyOutcome(tx *store.Tx, c models.ConflictRecord, out conflict.Outcome) {
	queue.DropEvent(tx, c.EventID)
	rec, ok := tx.Event(c.EventID)
	if !ok {
		return
	}
	now := tx.Now()

	switch out.Action {
	case conflict.Purge:
		tx.RemoveEvent(rec.ID)

	case conflict.Recreate:
		rec.EventFields = out.Fields
		rec.ProviderEventID = ""
		rec.RemoteVersion = ""
		rec.RemoteUpdatedAt = time.Time{}
		rec.SyncedAt = time.Time{}
		rec.Base = nil
		rec.Deleted = false
		touch(rec, now)

	case conflict.DeleteRemote:
		acknowledge(rec, c.Remote)
		rec.Deleted = true
		touch(rec, now)

	case conflict.Keep:
		acknowledge(rec, c.Remote)
		rec.EventFields = out.Fields
		rec.Deleted = false
		rec.SyncedAt = now
		if out.Push {
			touch(rec, now)
			return
		}
		rec.Version++
		rec.UpdatedAt = now
		rec.Dirty = false
	}
}

// acknowledge makes the remote side of a conflict the new common baseline.
func acknowledge(rec *models.EventRecord, remote models.EventRecord) {
	rec.RemoteVersion = remote.RemoteVersion
	rec.RemoteUpdatedAt = remote.RemoteUpdatedAt
	base := remote.Fields()
	rec.Base = &base
}

func touch(rec *models.EventRecord, now time.Time) {
	rec.Version++
	rec.UpdatedAt = now
	rec.Dirty = true
}
