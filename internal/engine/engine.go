// Package engine is the consumer-facing service: account management, local
// edits with optimistic propagation, sync status and conflict handling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"calsync/internal/connectivity"
	"calsync/internal/connector"
	"calsync/internal/models"
	"calsync/internal/queue"
	"calsync/internal/scheduler"
	"calsync/internal/store"
	"calsync/internal/syncer"
	"calsync/internal/tz"
)

var (
	// ErrConflictNotFound is returned when resolving an unknown or already settled conflict.
	ErrConflictNotFound = errors.New("conflict not found")
	// ErrConflictPending is returned when editing an event held by an unresolved conflict.
	ErrConflictPending = errors.New("event has an unresolved conflict")
)

// Options wires an Engine.
type Options struct {
	Store      *store.Store
	Queue      *queue.Queue
	Syncer     *syncer.Syncer
	Scheduler  *scheduler.Scheduler
	Monitor    *connectivity.Monitor
	Normalizer *tz.Normalizer
	Logger     *slog.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	store     *store.Store
	queue     *queue.Queue
	syncer    *syncer.Syncer
	scheduler *scheduler.Scheduler
	monitor   *connectivity.Monitor
	tz        *tz.Normalizer
	logger    *slog.Logger
}

// New creates an engine. A reconnect forces a pass over every account.
func New(opts Options) *Engine {
	e := &Engine{
		store:     opts.Store,
		queue:     opts.Queue,
		syncer:    opts.Syncer,
		scheduler: opts.Scheduler,
		monitor:   opts.Monitor,
		tz:        opts.Normalizer,
		logger:    opts.Logger,
	}
	if e.tz == nil {
		e.tz = tz.MustNormalizer("UTC")
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.monitor.OnReconnect(func() {
		e.logger.Info("Back online, flushing queued changes")
		e.scheduler.ForceSyncAll(context.Background())
	})
	return e
}

// Start recovers operations interrupted by a crash, then starts the
// scheduler and the connectivity probe.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.queue.Recover(ctx); err != nil {
		return fmt.Errorf("recovering queue: %w", err)
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}
	go e.monitor.Run(ctx)
	return nil
}

// Stop stops the scheduler and waits for running passes to wind down.
func (e *Engine) Stop() {
	e.scheduler.Stop()
}

// Subscribe forwards sync state transitions to fn.
func (e *Engine) Subscribe(fn syncer.Observer) func() {
	return e.syncer.Subscribe(fn)
}

// ReportConnectivity records connectivity observed by the client.
func (e *Engine) ReportConnectivity(online bool) {
	e.monitor.Report(online)
}

// Online reports the current connectivity.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// LinkAccount stores a new account and schedules its first pass.
func (e *Engine) LinkAccount(ctx context.Context, acc models.CalendarAccount) (models.CalendarAccount, error) {
	if acc.TimeZone != "" {
		if _, err := e.tz.Resolve(acc.TimeZone); err != nil {
			return models.CalendarAccount{}, err
		}
	}
	created, err := e.store.CreateAccount(ctx, acc)
	if err != nil {
		return models.CalendarAccount{}, err
	}
	if created.SyncEnabled {
		e.scheduler.Request(created.ID)
	}
	return created, nil
}

// UnlinkAccount cancels any running pass and forgets the account.
func (e *Engine) UnlinkAccount(ctx context.Context, accountID string) error {
	e.syncer.Cancel(accountID)
	return e.store.RemoveAccount(ctx, accountID)
}

// SetSyncEnabled toggles background sync. Disabling cancels a running pass
// at its next state boundary.
func (e *Engine) SetSyncEnabled(ctx context.Context, accountID string, enabled bool) error {
	if err := e.store.SetSyncEnabled(ctx, accountID, enabled); err != nil {
		return err
	}
	if enabled {
		e.scheduler.Request(accountID)
		return nil
	}
	e.syncer.Cancel(accountID)
	return nil
}

func (e *Engine) Accounts() []models.CalendarAccount {
	return e.store.Accounts()
}

func (e *Engine) Events(accountID string) ([]models.EventRecord, error) {
	return e.store.Events(accountID)
}

// CreateEvent adds an event locally and propagates it.
func (e *Engine) CreateEvent(ctx context.Context, accountID string, fields models.EventFields) (models.EventRecord, syncer.PushOutcome, error) {
	fields, err := e.tz.Normalize(fields)
	if err != nil {
		return models.EventRecord{}, syncer.Queued, err
	}
	snap, err := e.store.Snapshot(accountID)
	if err != nil {
		return models.EventRecord{}, syncer.Queued, err
	}
	rec, err := e.store.CreateEvent(ctx, accountID, fields)
	if err != nil {
		return models.EventRecord{}, syncer.Queued, err
	}
	outcome, err := e.propagate(ctx, snap, rec.ID)
	if err != nil {
		return models.EventRecord{}, outcome, err
	}
	return e.current(accountID, rec), outcome, nil
}

// UpdateEvent replaces an event's fields locally and propagates the change.
func (e *Engine) UpdateEvent(ctx context.Context, accountID, eventID string, fields models.EventFields) (models.EventRecord, syncer.PushOutcome, error) {
	fields, err := e.tz.Normalize(fields)
	if err != nil {
		return models.EventRecord{}, syncer.Queued, err
	}
	if err := e.editable(accountID, eventID); err != nil {
		return models.EventRecord{}, syncer.Blocked, err
	}
	snap, err := e.store.Snapshot(accountID)
	if err != nil {
		return models.EventRecord{}, syncer.Queued, err
	}
	rec, err := e.store.UpdateEvent(ctx, accountID, eventID, fields)
	if err != nil {
		return models.EventRecord{}, syncer.Queued, err
	}
	outcome, err := e.propagate(ctx, snap, eventID)
	if err != nil {
		return models.EventRecord{}, outcome, err
	}
	return e.current(accountID, rec), outcome, nil
}

// DeleteEvent deletes an event locally and propagates the deletion. An event
// that never reached the remote is purged along with its queued operations.
func (e *Engine) DeleteEvent(ctx context.Context, accountID, eventID string) (syncer.PushOutcome, error) {
	if err := e.editable(accountID, eventID); err != nil {
		return syncer.Blocked, err
	}
	snap, err := e.store.Snapshot(accountID)
	if err != nil {
		return syncer.Queued, err
	}
	rec, err := e.store.DeleteEvent(ctx, accountID, eventID)
	if err != nil {
		return syncer.Queued, err
	}
	if rec.ProviderEventID == "" {
		if err := e.queue.DropForEvent(ctx, accountID, eventID); err != nil {
			return syncer.Queued, err
		}
		e.logger.Debug("Purged local-only event", "account", accountID, "event", eventID)
		return syncer.Pushed, nil
	}
	return e.propagate(ctx, snap, eventID)
}

func (e *Engine) editable(accountID, eventID string) error {
	return e.store.View(accountID, func(tx *store.Tx) error {
		if _, ok := tx.PendingConflict(eventID); ok {
			return fmt.Errorf("event %s: %w", eventID, ErrConflictPending)
		}
		return nil
	})
}

func (e *Engine) current(accountID string, fallback models.EventRecord) models.EventRecord {
	rec, err := e.store.Event(accountID, fallback.ID)
	if err != nil {
		return fallback
	}
	return rec
}

// propagate pushes the edited event when online and sync is enabled, and
// queues it otherwise. A permanent rejection restores the snapshot.
func (e *Engine) propagate(ctx context.Context, snap *store.Snapshot, eventID string) (syncer.PushOutcome, error) {
	acc, err := e.store.Account(snap.AccountID)
	if err != nil {
		return syncer.Queued, err
	}
	if !e.monitor.Online() || !acc.SyncEnabled {
		return e.syncer.QueueEvent(ctx, acc.ID, eventID)
	}

	outcome, err := e.syncer.PushEvent(ctx, acc.ID, eventID)
	if err == nil {
		return outcome, nil
	}
	var cerr *connector.Error
	if !errors.As(err, &cerr) {
		return outcome, err
	}
	if rerr := e.store.Rollback(context.WithoutCancel(ctx), snap, eventID); rerr != nil {
		return outcome, fmt.Errorf("rolling back event %s after %v: %w", eventID, err, rerr)
	}
	e.logger.Warn("Change rejected by remote, rolled back", "account", acc.ID, "event", eventID, "error", err)
	return outcome, fmt.Errorf("remote rejected change: %w", err)
}

// SyncStatus reports what the UI shows for an account.
func (e *Engine) SyncStatus(accountID string) (models.SyncStatus, error) {
	acc, err := e.store.Account(accountID)
	if err != nil {
		return models.SyncStatus{}, err
	}
	next, err := e.scheduler.NextSyncIn(accountID)
	if err != nil {
		return models.SyncStatus{}, err
	}
	conflicts, err := e.store.Conflicts(accountID)
	if err != nil {
		return models.SyncStatus{}, err
	}
	attention, err := e.queue.NeedsAttention(accountID)
	if err != nil {
		return models.SyncStatus{}, err
	}

	st := models.SyncStatus{
		AccountID:        accountID,
		IsOnline:         e.monitor.Online(),
		IsRunning:        e.syncer.IsRunning(accountID),
		State:            string(e.syncer.State(accountID)),
		NextSyncIn:       next,
		LastError:        acc.LastError,
		LastSyncAt:       acc.LastSyncAt,
		PendingConflicts: len(conflicts),
		QueueDepth:       e.queue.Depth(accountID),
		NeedsAttention:   len(attention),
	}
	switch {
	case !st.IsOnline:
		st.Badge = models.BadgeOffline
	case st.IsRunning:
		st.Badge = models.BadgeSyncing
	case st.State == string(syncer.StateFailed) || acc.ConsecutiveFailures > 0:
		st.Badge = models.BadgeFailed
	default:
		st.Badge = models.BadgeReady
	}
	return st, nil
}

// ForceSyncAll queues an immediate pass for every enabled account.
func (e *Engine) ForceSyncAll(ctx context.Context) int {
	return e.scheduler.ForceSyncAll(ctx)
}

// SyncAccount runs one pass for an account and waits for it.
func (e *Engine) SyncAccount(ctx context.Context, accountID string) (*syncer.Result, error) {
	return e.syncer.Run(ctx, accountID)
}

// RequestSync queues an out-of-cycle pass without waiting.
func (e *Engine) RequestSync(accountID string) error {
	if _, err := e.store.Account(accountID); err != nil {
		return err
	}
	e.scheduler.Request(accountID)
	return nil
}

func (e *Engine) ListConflicts(accountID string) ([]models.ConflictRecord, error) {
	return e.store.Conflicts(accountID)
}

// ResolveConflict settles a conflict and schedules a pass to push the result.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution models.Resolution) (models.ConflictRecord, error) {
	c, err := e.syncer.Resolve(ctx, conflictID, resolution)
	if errors.Is(err, store.ErrNotFound) {
		return models.ConflictRecord{}, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if err != nil {
		return models.ConflictRecord{}, err
	}
	if e.monitor.Online() {
		e.scheduler.Request(c.AccountID)
	}
	return c, nil
}

// NeedsAttention lists queued operations that stopped retrying.
func (e *Engine) NeedsAttention(accountID string) ([]models.QueuedOperation, error) {
	return e.queue.NeedsAttention(accountID)
}

// RetryOperation puts a failed operation back in line.
func (e *Engine) RetryOperation(ctx context.Context, operationID string) error {
	op, err := e.queue.Find(operationID)
	if err != nil {
		return err
	}
	if err := e.queue.Retry(ctx, op.AccountID, op.ID); err != nil {
		return err
	}
	e.logger.Info("Retrying operation", "account", op.AccountID, "op", op.ID, "event", op.EventID)
	if e.monitor.Online() {
		e.scheduler.Request(op.AccountID)
	}
	return nil
}

// DismissOperation discards a failed operation.
func (e *Engine) DismissOperation(ctx context.Context, operationID string) error {
	op, err := e.queue.Find(operationID)
	if err != nil {
		return err
	}
	if err := e.queue.Dismiss(ctx, op.AccountID, op.ID); err != nil {
		return err
	}
	err = e.store.Tx(ctx, op.AccountID, func(tx *store.Tx) error {
		if !queue.HasOperations(tx, op.EventID) {
			revert(tx, op.EventID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("Dismissed operation", "account", op.AccountID, "op", op.ID, "event", op.EventID)
	return nil
}

// revert drops an undeliverable local change: the record goes back to the
// last synced fields, or away entirely if it never reached the remote.
func revert(tx *store.Tx, eventID string) {
	rec, ok := tx.Event(eventID)
	if !ok || !rec.Dirty {
		return
	}
	if rec.ProviderEventID == "" {
		tx.RemoveEvent(rec.ID)
		return
	}
	if rec.Base == nil {
		return
	}
	now := tx.Now()
	rec.EventFields = *rec.Base
	rec.Deleted = false
	rec.Version++
	rec.UpdatedAt = now
	rec.MarkSynced(now)
}
