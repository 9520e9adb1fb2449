package syncer

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"calsync/internal/conflict"
	"calsync/internal/connector"
	"calsync/internal/models"
	"calsync/internal/queue"
	"calsync/internal/store"
)

// pass is one run over one account. It owns the connector, which is
// rebuilt once if the credentials are refreshed.
type pass struct {
	s         *Syncer
	r         *runner
	ctx       context.Context
	acc       models.CalendarAccount
	conn      connector.Connector
	refreshed bool
	res       *Result
}

func (p *pass) enter(to State) {
	p.s.transition(p.acc.ID, p.r, to, nil)
}

// boundary is where a cancelled run stops.
func (p *pass) boundary() error {
	return p.ctx.Err()
}

// bookkeeping is the context for store writes recording remote effects that
// already happened; they must land even when the run is being cancelled.
func (p *pass) bookkeeping() context.Context {
	return context.WithoutCancel(p.ctx)
}

func (p *pass) run() error {
	conn, err := p.s.factory.New(p.ctx, p.acc)
	if err != nil {
		return connector.NewError(connector.KindPermanent, "connect", err)
	}
	p.conn = conn

	p.enter(StatePulling)
	cs, err := p.pull()
	if err != nil {
		return err
	}
	if err := p.boundary(); err != nil {
		return err
	}

	p.enter(StateReconciling)
	if err := p.reconcile(cs); err != nil {
		return err
	}
	if err := p.boundary(); err != nil {
		return err
	}

	p.enter(StatePushing)
	if err := p.push(); err != nil {
		return err
	}
	if err := p.boundary(); err != nil {
		return err
	}

	p.enter(StateDraining)
	if err := p.drain(); err != nil {
		return err
	}
	if err := p.boundary(); err != nil {
		return err
	}
	return p.commit(cs.Cursor)
}

// call runs fn under the call timeout. An AuthExpired failure triggers one
// credential refresh, after which fn is retried once.
func (p *pass) call(fn func(ctx context.Context, conn connector.Connector) error) error {
	err := p.once(fn)
	if connector.KindOf(err) != connector.KindAuthExpired || p.refreshed || p.s.refresher == nil {
		return err
	}
	p.refreshed = true
	if rerr := p.refresh(); rerr != nil {
		return rerr
	}
	return p.once(fn)
}

func (p *pass) once(fn func(ctx context.Context, conn connector.Connector) error) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.s.timeout)
	defer cancel()
	err := fn(ctx, p.conn)
	if err != nil && p.ctx.Err() != nil {
		return p.ctx.Err()
	}
	return err
}

func (p *pass) refresh() error {
	p.s.logger.Info("Access token expired, refreshing", "account", p.acc.ID)
	creds, err := p.s.refresher.Refresh(p.ctx, p.acc)
	if err != nil {
		return err
	}
	if err := p.s.store.UpdateAccount(p.bookkeeping(), p.acc.ID, func(a *models.CalendarAccount) {
		a.Credentials = creds
	}); err != nil {
		return err
	}
	p.acc.Credentials = creds
	conn, err := p.s.factory.New(p.ctx, p.acc)
	if err != nil {
		return connector.NewError(connector.KindPermanent, "connect", err)
	}
	p.conn = conn
	p.s.logger.Info("Refreshed credentials", "account", p.acc.ID, "expiry", creds.Expiry)
	return nil
}

func (p *pass) wait(d time.Duration) error {
	t := p.s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

func (p *pass) list(cursor string) mo.Result[*connector.ChangeSet] {
	var cs *connector.ChangeSet
	err := p.call(func(ctx context.Context, conn connector.Connector) error {
		var err error
		cs, err = conn.ListChanges(ctx, cursor)
		return err
	})
	if err != nil {
		return mo.Err[*connector.ChangeSet](err)
	}
	return mo.Ok(cs)
}

func (p *pass) execute(op models.QueuedOperation) mo.Result[connector.Remote] {
	var remote connector.Remote
	err := p.call(func(ctx context.Context, conn connector.Connector) error {
		var err error
		remote, err = queue.Execute(ctx, conn, op, p.s.timeout)
		return err
	})
	if err != nil {
		return mo.Err[connector.Remote](err)
	}
	return mo.Ok(remote)
}

// pull lists remote changes since the committed cursor. Transient failures
// are retried with backoff; a rejected cursor falls back to a full listing.
func (p *pass) pull() (*connector.ChangeSet, error) {
	cursor, err := p.s.store.Cursor(p.acc.ID)
	if err != nil {
		return nil, err
	}
	failures := 0
	for {
		res := p.list(cursor)
		if res.IsOk() {
			cs := res.MustGet()
			p.res.Pulled = len(cs.Events)
			p.res.Full = cs.Full
			return cs, nil
		}
		err := res.Error()
		if ctxErr := p.ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		switch connector.KindOf(err) {
		case connector.KindInvalidCursor:
			if cursor == "" {
				return nil, err
			}
			p.s.logger.Warn("Sync cursor rejected, running a full resync", "account", p.acc.ID, "error", err)
			cursor = ""
		case connector.KindTransient:
			failures++
			if failures >= p.s.pullAttempts {
				return nil, err
			}
			delay := p.s.policy.DelayWithRetryAfter(failures-1, connector.RetryAfterOf(err))
			p.s.logger.Warn("Pull failed, retrying", "account", p.acc.ID, "attempt", failures, "delay", delay, "error", err)
			if err := p.wait(delay); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

// reconcile applies the pulled changes in one transaction.
func (p *pass) reconcile(cs *connector.ChangeSet) error {
	return p.s.store.Tx(p.ctx, p.acc.ID, func(tx *store.Tx) error {
		seen := make(map[string]bool, len(cs.Events)+len(cs.Skipped))
		for _, pid := range cs.Skipped {
			seen[pid] = true
		}
		for _, remote := range cs.Events {
			if remote.ProviderEventID == "" {
				continue
			}
			seen[remote.ProviderEventID] = true
			p.apply(tx, remote)
		}
		if cs.Full {
			// Anything we hold that a complete listing lacks was deleted remotely.
			var gone []string
			for _, ev := range tx.Events() {
				if ev.ProviderEventID != "" && !seen[ev.ProviderEventID] {
					gone = append(gone, ev.ProviderEventID)
				}
			}
			for _, pid := range gone {
				p.apply(tx, models.EventRecord{ProviderEventID: pid, Deleted: true})
			}
		}
		tx.PruneConflicts()
		return nil
	})
}

func (p *pass) apply(tx *store.Tx, remote models.EventRecord) {
	now := tx.Now()
	local, ok := tx.EventByProvider(remote.ProviderEventID)
	if !ok {
		if remote.Deleted {
			return
		}
		rec := remote.Clone()
		rec.ID = uuid.NewString()
		rec.AccountID = p.acc.ID
		rec.Version = 1
		rec.UpdatedAt = now
		rec.MarkSynced(now)
		tx.PutEvent(rec)
		p.res.Created++
		return
	}

	remote.ID, remote.AccountID = local.ID, local.AccountID
	if c, blocked := tx.PendingConflict(local.ID); blocked {
		// Held until resolved; keep the remote side current so the
		// resolution acknowledges the latest remote version.
		c.Remote = remote.Clone()
		return
	}

	switch conflict.Detect(local, remote) {
	case conflict.RemoteOnly:
		if remote.Deleted {
			queue.DropEvent(tx, local.ID)
			tx.RemoveEvent(local.ID)
			p.res.Deleted++
			return
		}
		local.EventFields = remote.EventFields
		local.RemoteVersion = remote.RemoteVersion
		local.RemoteUpdatedAt = remote.RemoteUpdatedAt
		local.Version++
		local.UpdatedAt = now
		local.MarkSynced(now)
		p.res.Updated++

	case conflict.Converged:
		queue.DropEvent(tx, local.ID)
		if remote.Deleted {
			tx.RemoveEvent(local.ID)
			p.res.Deleted++
			return
		}
		local.RemoteVersion = remote.RemoteVersion
		local.RemoteUpdatedAt = remote.RemoteUpdatedAt
		local.MarkSynced(now)

	case conflict.Conflict:
		c := models.ConflictRecord{
			ID:         uuid.NewString(),
			AccountID:  p.acc.ID,
			EventID:    local.ID,
			Local:      local.Clone(),
			Remote:     remote.Clone(),
			DetectedAt: now,
		}
		tx.AddConflict(c)
		p.res.Conflicts++
		p.s.logger.Info("Conflict detected",
			"account", p.acc.ID, "event", local.ID, "conflict", c.ID,
			"fields", conflict.Diff(local.Fields(), remote.Fields()), "remoteDeleted", remote.Deleted)
	}
}

// raiseRemoteDeleted records that a locally edited event no longer exists remotely.
func (p *pass) raiseRemoteDeleted(tx *store.Tx, eventID string) {
	if _, ok := tx.PendingConflict(eventID); ok {
		return
	}
	local, ok := tx.Event(eventID)
	if !ok {
		return
	}
	c := models.ConflictRecord{
		ID:        uuid.NewString(),
		AccountID: local.AccountID,
		EventID:   local.ID,
		Local:     local.Clone(),
		Remote: models.EventRecord{
			ID:              local.ID,
			AccountID:       local.AccountID,
			ProviderEventID: local.ProviderEventID,
			Deleted:         true,
		},
		DetectedAt: tx.Now(),
	}
	tx.AddConflict(c)
	p.res.Conflicts++
	p.s.logger.Info("Conflict detected, event deleted remotely", "account", local.AccountID, "event", local.ID, "conflict", c.ID)
}

// delivered applies a confirmed remote write to the local record.
func delivered(tx *store.Tx, op models.QueuedOperation, remote connector.Remote) {
	if op.Type == models.OpCreate && remote.ProviderEventID != "" {
		// A pull may have imported the event before its create was confirmed.
		if other, ok := tx.EventByProvider(remote.ProviderEventID); ok && other.ID != op.EventID {
			dup := other.ID
			queue.DropEvent(tx, dup)
			tx.RemoveEvent(dup)
		}
	}
	rec, ok := tx.Event(op.EventID)
	if !ok {
		return
	}
	if op.Type == models.OpDelete {
		if rec.Deleted {
			tx.RemoveEvent(rec.ID)
		}
		return
	}
	if remote.ProviderEventID != "" {
		rec.ProviderEventID = remote.ProviderEventID
	}
	if rec.Deleted {
		// Deleted while the write was in flight; the tombstone is pushed next.
		return
	}
	rec.RemoteVersion = remote.Version
	if !remote.UpdatedAt.IsZero() {
		rec.RemoteUpdatedAt = remote.UpdatedAt
	}
	if rec.Version == op.RecordVersion {
		rec.MarkSynced(tx.Now())
	}
}

// push delivers dirty records that are neither conflicted nor already queued.
func (p *pass) push() error {
	var dirty []models.EventRecord
	err := p.s.store.View(p.acc.ID, func(tx *store.Tx) error {
		blocked := tx.BlockedEvents()
		for _, ev := range tx.Events() {
			if ev.Dirty && !blocked[ev.ID] && !queue.HasOperations(tx, ev.ID) {
				dirty = append(dirty, ev.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.SliceStable(dirty, func(i, j int) bool { return dirty[i].UpdatedAt.Before(dirty[j].UpdatedAt) })

	for _, rec := range dirty {
		if err := p.boundary(); err != nil {
			return err
		}
		op := operationFor(rec)
		res := p.execute(op)
		if res.IsOk() {
			p.res.Pushed++
			if err := p.s.store.Tx(p.bookkeeping(), p.acc.ID, func(tx *store.Tx) error {
				delivered(tx, op, res.MustGet())
				return nil
			}); err != nil {
				return err
			}
			continue
		}

		cause := res.Error()
		kind := connector.KindOf(cause)
		if kind == connector.KindVersionMismatch {
			// Still dirty; the next pull sees the remote edit and raises a conflict.
			p.s.logger.Info("Remote changed since last pull, holding change", "account", p.acc.ID, "event", op.EventID)
			continue
		}
		err := p.s.store.Tx(p.bookkeeping(), p.acc.ID, func(tx *store.Tx) error {
			if kind == connector.KindNotFound && op.Type == models.OpUpdate {
				p.raiseRemoteDeleted(tx, op.EventID)
				return nil
			}
			p.s.enqueueFailed(tx, op, cause)
			p.res.Queued++
			return nil
		})
		if err != nil {
			return err
		}
		if aborts(p.ctx, cause) {
			return cause
		}
		p.s.logger.Info("Push failed, change queued", "account", p.acc.ID, "event", op.EventID, "kind", kind, "error", cause)
	}
	return nil
}

// aborts reports failures that end the run rather than a single operation.
func aborts(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch connector.KindOf(err) {
	case connector.KindAuthExpired, connector.KindRateLimited:
		return true
	}
	return false
}

// drain replays queued operations strictly in enqueue order. It stops at the
// first operation still waiting out its backoff, failing transiently or
// losing to a newer remote version, so later operations never overtake
// earlier ones.
func (p *pass) drain() error {
	pending, err := p.s.queue.Pending(p.acc.ID)
	if err != nil {
		return err
	}
	now := p.s.clock.Now()
	for _, op := range pending {
		if err := p.boundary(); err != nil {
			return err
		}
		if op.NextAttemptAt.After(now) {
			return nil
		}

		var blocked, gone bool
		err := p.s.store.View(p.acc.ID, func(tx *store.Tx) error {
			_, blocked = tx.PendingConflict(op.EventID)
			rec, ok := tx.Event(op.EventID)
			if !ok {
				gone = true
				return nil
			}
			if op.ProviderEventID == "" {
				op.ProviderEventID = rec.ProviderEventID
			}
			// Earlier deliveries advance the version the write is based on.
			op.Payload.RemoteVersion = rec.RemoteVersion
			return nil
		})
		if err != nil {
			return err
		}
		if blocked {
			continue
		}
		if gone {
			if err := p.s.queue.Complete(p.ctx, p.acc.ID, op.ID); err != nil {
				return err
			}
			continue
		}

		if err := p.s.queue.MarkInFlight(p.ctx, p.acc.ID, op.ID); err != nil {
			return err
		}
		res := p.execute(op)
		if res.IsOk() {
			p.res.Drained++
			if err := p.s.store.Tx(p.bookkeeping(), p.acc.ID, func(tx *store.Tx) error {
				queue.Remove(tx, op.ID)
				delivered(tx, op, res.MustGet())
				return nil
			}); err != nil {
				return err
			}
			continue
		}

		cause := res.Error()
		kind := connector.KindOf(cause)
		stop := false
		err = p.s.store.Tx(p.bookkeeping(), p.acc.ID, func(tx *store.Tx) error {
			i := tx.Entry().OperationIndex(op.ID)
			if i < 0 {
				return nil
			}
			switch {
			case p.ctx.Err() != nil, kind == connector.KindAuthExpired:
				tx.Entry().Queue[i].Status = models.OpPending
			case kind == connector.KindNotFound && op.Type == models.OpUpdate:
				tx.Entry().Queue[i].Status = models.OpPending
				p.raiseRemoteDeleted(tx, op.EventID)
			case kind == connector.KindVersionMismatch:
				tx.Entry().Queue[i].Status = models.OpPending
				stop = true
			case connector.IsRetryable(cause):
				p.s.queue.Fail(tx, op.ID, cause, true)
				stop = true
			default:
				p.s.queue.Fail(tx, op.ID, cause, false)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if aborts(p.ctx, cause) {
			return cause
		}
		if stop {
			p.s.logger.Info("Queued operation failed, will retry", "account", p.acc.ID, "op", op.ID, "error", cause)
			return nil
		}
	}
	return nil
}

// commit records a successful pass: the new cursor, the sync time, and a
// cleared failure history.
func (p *pass) commit(cursor string) error {
	return p.s.store.Tx(p.bookkeeping(), p.acc.ID, func(tx *store.Tx) error {
		tx.SetCursor(cursor)
		a := tx.Account()
		a.LastSyncAt = tx.Now()
		a.ConsecutiveFailures = 0
		a.LastError = ""
		a.NextRetryAt = time.Time{}
		tx.PruneConflicts()
		return nil
	})
}
