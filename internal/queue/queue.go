// Package queue is the offline operation queue: mutations that could not be
// delivered yet, replayed per account in the order they were made.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"calsync/internal/backoff"
	"calsync/internal/connector"
	"calsync/internal/models"
	"calsync/internal/store"
)

// DefaultRetryCeiling is the attempt count after which an operation needs attention.
const DefaultRetryCeiling = 8

// Queue persists operations inside each account's entry.
type Queue struct {
	store   *store.Store
	policy  backoff.Policy
	ceiling int
	logger  *slog.Logger
}

// New creates a queue over the local store.
func New(st *store.Store, policy backoff.Policy, retryCeiling int, logger *slog.Logger) *Queue {
	if retryCeiling <= 0 {
		retryCeiling = DefaultRetryCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: st, policy: policy, ceiling: retryCeiling, logger: logger}
}

// Append adds op to the transaction's queue. The idempotency key is kept if
// the caller already used it for a direct attempt.
func Append(tx *store.Tx, op models.QueuedOperation) models.QueuedOperation {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}
	if op.Entity == "" {
		op.Entity = models.EntityEvent
	}
	op.AccountID = tx.Account().ID
	op.CreatedAt = tx.Now()
	op.Status = models.OpPending
	op.Payload = op.Payload.Clone()
	e := tx.Entry()
	e.Queue = append(e.Queue, op)
	return op
}

// ordered returns live (pending or in-flight) operations in enqueue order.
func ordered(tx *store.Tx) []models.QueuedOperation {
	var out []models.QueuedOperation
	for _, op := range tx.Entry().Queue {
		if op.Status != models.OpFailed {
			out = append(out, op)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// HasPending reports whether a live operation exists for the event.
func HasPending(tx *store.Tx, eventID string) bool {
	for _, op := range tx.Entry().Queue {
		if op.EventID == eventID && op.Status != models.OpFailed {
			return true
		}
	}
	return false
}

// HasOperations reports whether any operation, failed ones included, exists
// for the event.
func HasOperations(tx *store.Tx, eventID string) bool {
	for _, op := range tx.Entry().Queue {
		if op.EventID == eventID {
			return true
		}
	}
	return false
}

// Remove deletes an operation from the transaction's queue.
func Remove(tx *store.Tx, id string) bool {
	e := tx.Entry()
	i := e.OperationIndex(id)
	if i < 0 {
		return false
	}
	e.Queue = append(e.Queue[:i], e.Queue[i+1:]...)
	return true
}

// DropEvent removes every operation, failed ones included, for an event.
func DropEvent(tx *store.Tx, eventID string) int {
	e := tx.Entry()
	kept := e.Queue[:0]
	dropped := 0
	for _, op := range e.Queue {
		if op.EventID == eventID {
			dropped++
			continue
		}
		kept = append(kept, op)
	}
	e.Queue = kept
	return dropped
}

// Enqueue persists a new operation.
func (q *Queue) Enqueue(ctx context.Context, op models.QueuedOperation) (models.QueuedOperation, error) {
	var out models.QueuedOperation
	err := q.store.Tx(ctx, op.AccountID, func(tx *store.Tx) error {
		out = Append(tx, op)
		return nil
	})
	if err != nil {
		return models.QueuedOperation{}, err
	}
	q.logger.Debug("Queued operation", "account", out.AccountID, "op", out.ID, "type", out.Type, "event", out.EventID)
	return out, nil
}

// Pending returns the live operations of an account in enqueue order.
func (q *Queue) Pending(accountID string) ([]models.QueuedOperation, error) {
	var out []models.QueuedOperation
	err := q.store.View(accountID, func(tx *store.Tx) error {
		out = ordered(tx)
		return nil
	})
	return out, err
}

// Due returns pending operations whose next attempt time has passed.
func (q *Queue) Due(accountID string, now time.Time) ([]models.QueuedOperation, error) {
	pending, err := q.Pending(accountID)
	if err != nil {
		return nil, err
	}
	var out []models.QueuedOperation
	for _, op := range pending {
		if op.Status == models.OpPending && !op.NextAttemptAt.After(now) {
			out = append(out, op)
		}
	}
	return out, nil
}

// Depth counts the live operations of an account.
func (q *Queue) Depth(accountID string) int {
	pending, _ := q.Pending(accountID)
	return len(pending)
}

// NeedsAttention returns operations that will not be retried automatically.
func (q *Queue) NeedsAttention(accountID string) ([]models.QueuedOperation, error) {
	var out []models.QueuedOperation
	err := q.store.View(accountID, func(tx *store.Tx) error {
		for _, op := range tx.Entry().Queue {
			if op.Status == models.OpFailed {
				out = append(out, op)
			}
		}
		return nil
	})
	return out, err
}

func (q *Queue) modify(ctx context.Context, accountID, id string, fn func(tx *store.Tx, op *models.QueuedOperation) error) error {
	return q.store.Tx(ctx, accountID, func(tx *store.Tx) error {
		i := tx.Entry().OperationIndex(id)
		if i < 0 {
			return fmt.Errorf("operation %s: %w", id, store.ErrNotFound)
		}
		return fn(tx, &tx.Entry().Queue[i])
	})
}

// MarkInFlight records that delivery has started.
func (q *Queue) MarkInFlight(ctx context.Context, accountID, id string) error {
	return q.modify(ctx, accountID, id, func(_ *store.Tx, op *models.QueuedOperation) error {
		op.Status = models.OpInFlight
		return nil
	})
}

// Complete removes a delivered operation.
func (q *Queue) Complete(ctx context.Context, accountID, id string) error {
	return q.store.Tx(ctx, accountID, func(tx *store.Tx) error {
		Remove(tx, id)
		return nil
	})
}

// Fail records a failed attempt inside a transaction. Retryable failures are
// rescheduled with backoff until the retry ceiling; anything else is parked
// for the user.
func (q *Queue) Fail(tx *store.Tx, id string, cause error, retryable bool) (models.QueuedOperation, bool) {
	i := tx.Entry().OperationIndex(id)
	if i < 0 {
		return models.QueuedOperation{}, false
	}
	op := &tx.Entry().Queue[i]
	op.AttemptCount++
	op.LastError = cause.Error()
	if retryable && op.AttemptCount < q.ceiling {
		op.Status = models.OpPending
		// Retry k (zero-based) waits base*2^k; the first retry waits base.
		op.NextAttemptAt = tx.Now().Add(q.policy.DelayWithRetryAfter(op.AttemptCount-1, connector.RetryAfterOf(cause)))
	} else {
		op.Status = models.OpFailed
		op.NextAttemptAt = time.Time{}
		q.logger.Warn("Operation needs attention", "account", op.AccountID, "op", op.ID, "type", op.Type, "attempts", op.AttemptCount, "error", cause)
	}
	return *op, true
}

// RecordFailure persists a failed attempt.
func (q *Queue) RecordFailure(ctx context.Context, accountID, id string, cause error, retryable bool) (models.QueuedOperation, error) {
	var out models.QueuedOperation
	err := q.store.Tx(ctx, accountID, func(tx *store.Tx) error {
		op, ok := q.Fail(tx, id, cause, retryable)
		if !ok {
			return fmt.Errorf("operation %s: %w", id, store.ErrNotFound)
		}
		out = op
		return nil
	})
	return out, err
}

// Retry puts a failed operation back in line with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, accountID, id string) error {
	return q.modify(ctx, accountID, id, func(_ *store.Tx, op *models.QueuedOperation) error {
		if op.Status != models.OpFailed {
			return fmt.Errorf("operation %s is %s, not failed", id, op.Status)
		}
		op.Status = models.OpPending
		op.AttemptCount = 0
		op.NextAttemptAt = time.Time{}
		return nil
	})
}

// Dismiss discards a failed operation.
func (q *Queue) Dismiss(ctx context.Context, accountID, id string) error {
	return q.modify(ctx, accountID, id, func(tx *store.Tx, op *models.QueuedOperation) error {
		if op.Status != models.OpFailed {
			return fmt.Errorf("operation %s is %s, not failed", id, op.Status)
		}
		Remove(tx, id)
		return nil
	})
}

// DropForEvent removes every operation for an event.
func (q *Queue) DropForEvent(ctx context.Context, accountID, eventID string) error {
	return q.store.Tx(ctx, accountID, func(tx *store.Tx) error {
		DropEvent(tx, eventID)
		return nil
	})
}

// Find locates an operation across all accounts.
func (q *Queue) Find(id string) (models.QueuedOperation, error) {
	for _, acc := range q.store.Accounts() {
		var found *models.QueuedOperation
		_ = q.store.View(acc.ID, func(tx *store.Tx) error {
			if i := tx.Entry().OperationIndex(id); i >= 0 {
				op := tx.Entry().Queue[i]
				found = &op
			}
			return nil
		})
		if found != nil {
			return *found, nil
		}
	}
	return models.QueuedOperation{}, fmt.Errorf("operation %s: %w", id, store.ErrNotFound)
}

// Recover resets operations left in flight by a crash so they are retried.
// The idempotency key makes the repeat harmless.
func (q *Queue) Recover(ctx context.Context) error {
	for _, acc := range q.store.Accounts() {
		err := q.store.Tx(ctx, acc.ID, func(tx *store.Tx) error {
			n := 0
			for i := range tx.Entry().Queue {
				if op := &tx.Entry().Queue[i]; op.Status == models.OpInFlight {
					op.Status = models.OpPending
					n++
				}
			}
			if n > 0 {
				q.logger.Info("Recovered in-flight operations", "account", acc.ID, "count", n)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
