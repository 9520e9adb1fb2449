// Package syncer orchestrates synchronization between the local store and
// each account's remote calendar.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"calsync/internal/backoff"
	"calsync/internal/conflict"
	"calsync/internal/connector"
	"calsync/internal/models"
	"calsync/internal/queue"
	"calsync/internal/store"
)

// State is a step of the per-account state machine.
type State string

const (
	StateIdle        State = "idle"
	StatePulling     State = "pulling"
	StateReconciling State = "reconciling"
	StatePushing     State = "pushing"
	StateDraining    State = "draining"
	StateFailed      State = "failed"
)

// DefaultPullAttempts bounds how often a transient pull failure is retried within one run.
const DefaultPullAttempts = 4

// ErrAlreadyRunning is returned when a run is requested for an account that
// already has one in flight. The request is dropped; the running pass picks
// up the same work.
var ErrAlreadyRunning = errors.New("sync already running for account")

// Transition is published to observers whenever an account changes state.
type Transition struct {
	AccountID string
	From      State
	To        State
	Err       error
	At        time.Time
}

// Observer receives state transitions. It must not block.
type Observer func(Transition)

// Result summarizes one run.
type Result struct {
	AccountID string
	State     State
	// Err is the connector failure that aborted the run, if any.
	Err  error
	Full bool

	Pulled    int
	Created   int
	Updated   int
	Deleted   int
	Conflicts int
	Pushed    int
	Queued    int
	Drained   int
}

// Options configures a Syncer.
type Options struct {
	Store     *store.Store
	Queue     *queue.Queue
	Factory   connector.Factory
	Refresher connector.TokenRefresher // defaults to Factory when it can refresh

	Backoff      backoff.Policy
	CallTimeout  time.Duration
	PullAttempts int
	TieBreak     conflict.TieBreak

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// runner is the per-account lock and state.
type runner struct {
	lock sync.Mutex // held for the duration of a pass

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
}

// Syncer runs sync passes. At most one pass per account is active at a time.
type Syncer struct {
	store        *store.Store
	queue        *queue.Queue
	factory      connector.Factory
	refresher    connector.TokenRefresher
	policy       backoff.Policy
	timeout      time.Duration
	pullAttempts int
	tieBreak     conflict.TieBreak
	clock        clockwork.Clock
	logger       *slog.Logger

	runners sync.Map // account id -> *runner

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

// New creates a Syncer.
func New(opts Options) *Syncer {
	s := &Syncer{
		store:        opts.Store,
		queue:        opts.Queue,
		factory:      opts.Factory,
		refresher:    opts.Refresher,
		policy:       opts.Backoff,
		timeout:      opts.CallTimeout,
		pullAttempts: opts.PullAttempts,
		tieBreak:     opts.TieBreak,
		clock:        opts.Clock,
		logger:       opts.Logger,
		observers:    make(map[int]Observer),
	}
	if s.refresher == nil {
		if r, ok := opts.Factory.(connector.TokenRefresher); ok {
			s.refresher = r
		}
	}
	if s.timeout <= 0 {
		s.timeout = connector.DefaultCallTimeout
	}
	if s.pullAttempts <= 0 {
		s.pullAttempts = DefaultPullAttempts
	}
	if s.tieBreak == "" {
		s.tieBreak = conflict.TieBreakLocal
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Syncer) runner(accountID string) *runner {
	r, _ := s.runners.LoadOrStore(accountID, &runner{state: StateIdle})
	return r.(*runner)
}

// Subscribe registers an observer and returns a function removing it.
func (s *Syncer) Subscribe(fn Observer) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Syncer) transition(accountID string, r *runner, to State, err error) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()
	if from == to {
		return
	}
	s.logger.Debug("Sync state changed", "account", accountID, "from", from, "to", to)

	t := Transition{AccountID: accountID, From: from, To: to, Err: err, At: s.clock.Now().UTC()}
	s.obsMu.RLock()
	obs := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		obs = append(obs, fn)
	}
	s.obsMu.RUnlock()
	for _, fn := range obs {
		fn(t)
	}
}

// State returns the current state of an account.
func (s *Syncer) State(accountID string) State {
	r, ok := s.runners.Load(accountID)
	if !ok {
		return StateIdle
	}
	rr := r.(*runner)
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.state
}

// IsRunning reports whether a pass holds the account lock.
func (s *Syncer) IsRunning(accountID string) bool {
	r, ok := s.runners.Load(accountID)
	if !ok {
		return false
	}
	rr := r.(*runner)
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.running
}

// Cancel stops the account's running pass at its next state boundary.
func (s *Syncer) Cancel(accountID string) bool {
	r, ok := s.runners.Load(accountID)
	if !ok {
		return false
	}
	rr := r.(*runner)
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if rr.cancel == nil {
		return false
	}
	s.logger.Info("Cancelling sync", "account", accountID)
	rr.cancel()
	return true
}

func (r *runner) begin(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
	r.cancel = cancel
}

func (r *runner) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.cancel = nil
}

// Run performs one sync pass for the account: Pulling, Reconciling, Pushing,
// Draining, back to Idle. Connector failures never escape as errors; they end
// the run in Failed and are reported in Result.Err. The returned error is
// reserved for ErrAlreadyRunning and local storage failures.
func (s *Syncer) Run(ctx context.Context, accountID string) (*Result, error) {
	r := s.runner(accountID)
	if !r.lock.TryLock() {
		s.logger.Debug("Sync already running, dropping request", "account", accountID)
		return nil, ErrAlreadyRunning
	}
	defer r.lock.Unlock()

	acc, err := s.store.Account(accountID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.begin(cancel)
	defer r.end()

	start := s.clock.Now()
	p := &pass{s: s, r: r, ctx: runCtx, acc: acc, res: &Result{AccountID: accountID}}
	s.logger.Info("Starting sync", "account", accountID, "provider", acc.Provider)

	err = p.run()
	res := p.res
	switch {
	case err == nil:
		res.State = StateIdle
		s.transition(accountID, r, StateIdle, nil)
		s.logger.Info("Sync finished",
			"account", accountID,
			"pulled", res.Pulled, "created", res.Created, "updated", res.Updated, "deleted", res.Deleted,
			"conflicts", res.Conflicts, "pushed", res.Pushed, "queued", res.Queued, "drained", res.Drained,
			"duration", s.clock.Since(start))
		return res, nil

	case runCtx.Err() != nil && errors.Is(err, runCtx.Err()):
		res.State = StateIdle
		res.Err = err
		s.transition(accountID, r, StateIdle, err)
		s.logger.Info("Sync cancelled", "account", accountID)
		return res, nil
	}

	res.State = StateFailed
	res.Err = err
	s.transition(accountID, r, StateFailed, err)
	failed, ferr := s.recordFailure(context.WithoutCancel(ctx), accountID, err)
	if ferr != nil {
		s.logger.Error("Failed to record sync failure", "account", accountID, "error", ferr)
	}
	s.logger.Warn("Sync failed",
		"account", accountID,
		"kind", connector.KindOf(err),
		"failures", failed.ConsecutiveFailures,
		"nextRetryAt", failed.NextRetryAt,
		"error", err)

	var cerr *connector.Error
	if !errors.As(err, &cerr) && !errors.Is(err, context.DeadlineExceeded) {
		return res, err
	}
	return res, nil
}

// recordFailure stores the error and schedules the next attempt. The delay
// after k consecutive failures is backoff(k-1), so the first retry waits the
// base delay.
func (s *Syncer) recordFailure(ctx context.Context, accountID string, cause error) (models.CalendarAccount, error) {
	var out models.CalendarAccount
	err := s.store.UpdateAccount(ctx, accountID, func(a *models.CalendarAccount) {
		a.ConsecutiveFailures++
		a.LastError = cause.Error()
		// Retry k (zero-based) waits base*2^k, so the k-th failure uses k-1.
		delay := s.policy.DelayWithRetryAfter(a.ConsecutiveFailures-1, connector.RetryAfterOf(cause))
		a.NextRetryAt = s.clock.Now().UTC().Add(delay)
		out = *a
	})
	return out, err
}

// PushOutcome says what happened to a directly pushed event.
type PushOutcome int

const (
	// Pushed means the remote now has the event.
	Pushed PushOutcome = iota
	// Queued means the change waits in the offline queue.
	Queued
	// Blocked means an unresolved conflict holds the event.
	Blocked
)

func (o PushOutcome) String() string {
	switch o {
	case Pushed:
		return "pushed"
	case Queued:
		return "queued"
	case Blocked:
		return "blocked"
	default:
		return fmt.Sprintf("push-outcome(%d)", int(o))
	}
}

// PushEvent delivers one locally edited event right away. When a pass holds
// the account, or earlier operations for the event are still queued, the
// change is queued instead so ordering is kept. A permanent rejection is
// returned as an error and nothing is queued, so the caller can roll back.
func (s *Syncer) PushEvent(ctx context.Context, accountID, eventID string) (PushOutcome, error) {
	r := s.runner(accountID)
	if !r.lock.TryLock() {
		return s.QueueEvent(ctx, accountID, eventID)
	}
	defer r.lock.Unlock()

	acc, err := s.store.Account(accountID)
	if err != nil {
		return Queued, err
	}

	var (
		rec     models.EventRecord
		found   bool
		blocked bool
		held    bool
	)
	err = s.store.View(accountID, func(tx *store.Tx) error {
		ev, ok := tx.Event(eventID)
		if !ok {
			return nil
		}
		found, rec = true, ev.Clone()
		_, blocked = tx.PendingConflict(eventID)
		held = queue.HasOperations(tx, eventID)
		return nil
	})
	switch {
	case err != nil:
		return Queued, err
	case !found:
		return Pushed, fmt.Errorf("event %s: %w", eventID, store.ErrNotFound)
	case blocked:
		return Blocked, nil
	case held:
		return s.QueueEvent(ctx, accountID, eventID)
	case !rec.Dirty:
		return Pushed, nil
	}

	conn, err := s.factory.New(ctx, acc)
	if err != nil {
		s.logger.Warn("Could not build connector, queueing change", "account", accountID, "error", err)
		return s.QueueEvent(ctx, accountID, eventID)
	}
	p := &pass{s: s, r: r, ctx: ctx, acc: acc, conn: conn, res: &Result{AccountID: accountID}}
	op := operationFor(rec)
	res := p.execute(op)
	if res.IsOk() {
		err := s.store.Tx(context.WithoutCancel(ctx), accountID, func(tx *store.Tx) error {
			delivered(tx, op, res.MustGet())
			return nil
		})
		return Pushed, err
	}

	cause := res.Error()
	switch kind := connector.KindOf(cause); {
	case kind == connector.KindNotFound && op.Type == models.OpUpdate:
		err := s.store.Tx(context.WithoutCancel(ctx), accountID, func(tx *store.Tx) error {
			p.raiseRemoteDeleted(tx, eventID)
			return nil
		})
		return Blocked, err
	case ctx.Err() == nil && !connector.IsRetryable(cause) && kind != connector.KindAuthExpired && kind != connector.KindVersionMismatch:
		s.logger.Warn("Remote rejected change", "account", accountID, "event", eventID, "error", cause)
		return Queued, cause
	}
	err = s.store.Tx(context.WithoutCancel(ctx), accountID, func(tx *store.Tx) error {
		s.enqueueFailed(tx, op, cause)
		return nil
	})
	s.logger.Info("Push failed, change queued", "account", accountID, "event", eventID, "error", cause)
	return Queued, err
}

// QueueEvent records the event's current state as a queued operation.
func (s *Syncer) QueueEvent(ctx context.Context, accountID, eventID string) (PushOutcome, error) {
	err := s.store.Tx(ctx, accountID, func(tx *store.Tx) error {
		rec, ok := tx.Event(eventID)
		if !ok {
			return fmt.Errorf("event %s: %w", eventID, store.ErrNotFound)
		}
		op := queue.Append(tx, operationFor(*rec))
		s.logger.Debug("Queued change", "account", accountID, "event", eventID, "op", op.ID, "type", op.Type)
		return nil
	})
	if err != nil {
		return Queued, err
	}
	return Queued, nil
}

// enqueueFailed turns a failed direct delivery into a queued operation that
// keeps the idempotency key already sent.
func (s *Syncer) enqueueFailed(tx *store.Tx, op models.QueuedOperation, cause error) {
	queued := queue.Append(tx, op)
	switch kind := connector.KindOf(cause); {
	case errors.Is(cause, context.Canceled), kind == connector.KindAuthExpired, kind == connector.KindVersionMismatch:
		// Not the operation's fault; leave it pending without using an attempt.
	default:
		s.queue.Fail(tx, queued.ID, cause, connector.IsRetryable(cause))
	}
}

func operationFor(rec models.EventRecord) models.QueuedOperation {
	op := models.QueuedOperation{
		AccountID:       rec.AccountID,
		Type:            models.OpUpdate,
		Entity:          models.EntityEvent,
		EventID:         rec.ID,
		ProviderEventID: rec.ProviderEventID,
		Payload:         rec.Clone(),
		RecordVersion:   rec.Version,
		IdempotencyKey:  uuid.NewString(),
	}
	switch {
	case rec.Deleted:
		op.Type = models.OpDelete
	case rec.ProviderEventID == "":
		op.Type = models.OpCreate
	}
	return op
}
