// Package scheduler drives periodic sync passes over every enabled account
// with a bounded pool of workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"calsync/internal/models"
	"calsync/internal/store"
	"calsync/internal/syncer"
)

const (
	DefaultInterval    = time.Minute
	DefaultMinInterval = 30 * time.Second
	DefaultWorkers     = 4
	DefaultQueueSize   = 256
)

// Runner performs one sync pass for an account.
type Runner interface {
	Run(ctx context.Context, accountID string) (*syncer.Result, error)
}

// OnlineChecker reports whether the device currently has connectivity.
type OnlineChecker interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Options configures a Scheduler.
type Options struct {
	Store  *store.Store
	Runner Runner
	Online OnlineChecker

	// Interval is the tick period. Schedule, when set, is a cron expression
	// and takes precedence.
	Interval    time.Duration
	Schedule    string
	MinInterval time.Duration
	Workers     int
	QueueSize   int

	Clock  clockwork.Clock
	Logger *slog.Logger
}

type slot int

const (
	queued slot = iota + 1
	running
)

// Scheduler publishes due accounts onto a work channel consumed by a fixed
// number of workers. An account is never queued twice.
type Scheduler struct {
	store       *store.Store
	runner      Runner
	online      OnlineChecker
	interval    time.Duration
	schedule    string
	minInterval time.Duration
	workers     int
	clock       clockwork.Clock
	logger      *slog.Logger

	work chan string

	mu       sync.Mutex
	slots    map[string]slot
	lastTick time.Time
	cron     *cron.Cron
	entry    cron.EntryID
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a scheduler. It does nothing until Start.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		store:       opts.Store,
		runner:      opts.Runner,
		online:      opts.Online,
		interval:    opts.Interval,
		schedule:    opts.Schedule,
		minInterval: opts.MinInterval,
		workers:     opts.Workers,
		clock:       opts.Clock,
		logger:      opts.Logger,
		slots:       make(map[string]slot),
	}
	if s.online == nil {
		s.online = alwaysOnline{}
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.minInterval < 0 {
		s.minInterval = 0
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	s.work = make(chan string, size)
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Scheduler) cronSpec() string {
	if s.schedule != "" {
		return s.schedule
	}
	return fmt.Sprintf("@every %s", s.interval)
}

// Start launches the workers and the recurring tick, then ticks once right away.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c := cron.New()
	entry, err := c.AddFunc(s.cronSpec(), func() { s.Tick(ctx) })
	if err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("invalid sync schedule %q: %w", s.cronSpec(), err)
	}
	s.cron, s.entry, s.cancel = c, entry, cancel
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	c.Start()
	s.logger.Info("Scheduler started", "schedule", s.cronSpec(), "workers", s.workers, "minInterval", s.minInterval)

	s.Tick(ctx)
	return nil
}

// Stop halts the tick, cancels running passes at their next boundary and
// waits for the workers to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.work:
			s.runOne(ctx, id)
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, id string) {
	s.mu.Lock()
	s.slots[id] = running
	s.mu.Unlock()

	res, err := s.runner.Run(ctx, id)
	switch {
	case errors.Is(err, syncer.ErrAlreadyRunning):
		s.logger.Debug("Sync already running elsewhere", "account", id)
	case err != nil:
		s.logger.Error("Sync run failed", "account", id, "error", err)
	case res != nil && res.State == syncer.StateFailed:
		s.logger.Debug("Sync pass failed", "account", id, "error", res.Err)
	}

	s.mu.Lock()
	delete(s.slots, id)
	s.mu.Unlock()
}

// enqueue publishes id unless it is already waiting or running. A request
// for a running account is dropped, not deferred.
func (s *Scheduler) enqueue(id string) bool {
	s.mu.Lock()
	if _, busy := s.slots[id]; busy {
		s.mu.Unlock()
		return false
	}
	s.slots[id] = queued
	s.mu.Unlock()

	select {
	case s.work <- id:
		return true
	default:
		s.mu.Lock()
		delete(s.slots, id)
		s.mu.Unlock()
		s.logger.Warn("Work queue full, dropping sync request", "account", id)
		return false
	}
}

// Request asks for an out-of-cycle pass for one account.
func (s *Scheduler) Request(accountID string) bool {
	return s.enqueue(accountID)
}

// Tick queues every account that is due: enabled, not backing off and not
// synced within the minimum interval. Nothing is queued while offline.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()

	if !s.online.Online() {
		s.logger.Debug("Offline, skipping scheduled sync")
		return 0
	}
	n := 0
	for _, acc := range s.store.EnabledAccounts() {
		if ctx.Err() != nil {
			break
		}
		if !s.due(acc, now) {
			continue
		}
		if s.enqueue(acc.ID) {
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("Queued scheduled syncs", "count", n)
	}
	return n
}

func (s *Scheduler) due(acc models.CalendarAccount, now time.Time) bool {
	if acc.BackingOff(now) {
		return false
	}
	if !acc.LastSyncAt.IsZero() && now.Sub(acc.LastSyncAt) < s.minInterval {
		return false
	}
	return true
}

// ForceSyncAll queues every enabled account, ignoring backoff and the
// minimum interval.
func (s *Scheduler) ForceSyncAll(ctx context.Context) int {
	if !s.online.Online() {
		s.logger.Info("Offline, forced sync skipped")
		return 0
	}
	n := 0
	for _, acc := range s.store.EnabledAccounts() {
		if ctx.Err() != nil {
			break
		}
		if s.enqueue(acc.ID) {
			n++
		}
	}
	s.logger.Info("Forced sync of all accounts", "count", n)
	return n
}

// Pending reports whether the account is queued or running.
func (s *Scheduler) Pending(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[accountID] != 0
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
			return next
		}
	}
	if s.lastTick.IsZero() {
		return now
	}
	return s.lastTick.Add(s.interval)
}

// NextSyncIn estimates how long until the account's next pass starts: the
// next tick, pushed back by backoff and the minimum interval.
func (s *Scheduler) NextSyncIn(accountID string) (time.Duration, error) {
	acc, err := s.store.Account(accountID)
	if err != nil {
		return 0, err
	}
	if !acc.SyncEnabled {
		return 0, nil
	}
	if s.Pending(accountID) {
		return 0, nil
	}
	now := s.clock.Now()
	next := s.nextTick(now)
	if acc.BackingOff(now) && acc.NextRetryAt.After(next) {
		next = acc.NextRetryAt
	}
	if !acc.LastSyncAt.IsZero() {
		if earliest := acc.LastSyncAt.Add(s.minInterval); earliest.After(next) {
			next = earliest
		}
	}
	if d := next.Sub(now); d > 0 {
		return d, nil
	}
	return 0, nil
}
