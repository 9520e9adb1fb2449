package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/models"
	"calsync/internal/state"
	"calsync/internal/store"
	"calsync/internal/syncer"
)

var t0 = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	calls  []string
	active int
	peak   int

	release chan struct{}
	ran     chan string
}

func newRecorder(block bool) *recorder {
	r := &recorder{ran: make(chan string, 64)}
	if block {
		r.release = make(chan struct{})
	}
	return r
}

func (r *recorder) Run(ctx context.Context, id string) (*syncer.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, id)
	r.active++
	r.peak = max(r.peak, r.active)
	r.mu.Unlock()

	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	r.ran <- id
	return &syncer.Result{AccountID: id, State: syncer.StateIdle}, nil
}

func (r *recorder) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *recorder) wait(t *testing.T, n int) []string {
	t.Helper()
	var out []string
	for range n {
		select {
		case id := <-r.ran:
			out = append(out, id)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d runs", len(out), n)
		}
	}
	return out
}

type switchable struct{ offline atomic.Bool }

func (s *switchable) Online() bool { return !s.offline.Load() }

type fixture struct {
	clock *clockwork.FakeClock
	store *store.Store
	ids   map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	st := store.New(state.NewStore(state.NewMemoryBackend(), nil, clock, nil), clock, nil)
	f := &fixture{clock: clock, store: st, ids: make(map[string]string)}
	for _, acc := range []models.CalendarAccount{
		{Name: "due", SyncEnabled: true},
		{Name: "backing-off", SyncEnabled: true, NextRetryAt: t0.Add(5 * time.Minute), ConsecutiveFailures: 3},
		{Name: "disabled", SyncEnabled: false},
		{Name: "recent", SyncEnabled: true, LastSyncAt: t0.Add(-10 * time.Second)},
	} {
		acc.Provider = models.ProviderGoogle
		created, err := st.CreateAccount(context.Background(), acc)
		require.NoError(t, err)
		f.ids[acc.Name] = created.ID
	}
	return f
}

func drain(s *Scheduler) []string {
	var out []string
	for {
		select {
		case id := <-s.work:
			out = append(out, id)
		default:
			return out
		}
	}
}

func TestTickQueuesDueAccounts(t *testing.T) {
	f := newFixture(t)
	online := &switchable{}
	s := New(Options{Store: f.store, Runner: newRecorder(false), Online: online, MinInterval: 30 * time.Second, Clock: f.clock})
	ctx := context.Background()

	assert.Equal(t, 1, s.Tick(ctx))
	assert.Zero(t, s.Tick(ctx), "a queued account is not queued again")
	assert.True(t, s.Pending(f.ids["due"]))
	assert.Equal(t, []string{f.ids["due"]}, drain(s))

	s = New(Options{Store: f.store, Runner: newRecorder(false), Online: online, MinInterval: 30 * time.Second, Clock: f.clock})
	online.offline.Store(true)
	assert.Zero(t, s.Tick(ctx))
	assert.Empty(t, drain(s))

	online.offline.Store(false)
	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, 3, s.Tick(ctx), "backoff and min interval have both elapsed")
	assert.ElementsMatch(t, []string{f.ids["due"], f.ids["backing-off"], f.ids["recent"]}, drain(s))
}

func TestForceSyncAllIgnoresBackoff(t *testing.T) {
	f := newFixture(t)
	online := &switchable{}
	s := New(Options{Store: f.store, Runner: newRecorder(false), Online: online, MinInterval: time.Hour, Clock: f.clock})

	online.offline.Store(true)
	assert.Zero(t, s.ForceSyncAll(context.Background()))

	online.offline.Store(false)
	assert.Equal(t, 3, s.ForceSyncAll(context.Background()))
	assert.ElementsMatch(t, []string{f.ids["due"], f.ids["backing-off"], f.ids["recent"]}, drain(s))
}

func TestRequestDeduplicates(t *testing.T) {
	f := newFixture(t)
	s := New(Options{Store: f.store, Runner: newRecorder(false), Clock: f.clock})

	assert.True(t, s.Request("a"))
	assert.False(t, s.Request("a"))
	assert.True(t, s.Request("b"))
	assert.Equal(t, []string{"a", "b"}, drain(s))
}

func TestFullQueueDropsRequest(t *testing.T) {
	f := newFixture(t)
	s := New(Options{Store: f.store, Runner: newRecorder(false), QueueSize: 1, Clock: f.clock})

	assert.True(t, s.Request("a"))
	assert.False(t, s.Request("b"))
	assert.False(t, s.Pending("b"), "a dropped request leaves no trace")
}

func TestWorkersAreBounded(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	st := store.New(state.NewStore(state.NewMemoryBackend(), nil, clock, nil), clock, nil)
	for range 4 {
		_, err := st.CreateAccount(context.Background(), models.CalendarAccount{Provider: models.ProviderCalDAV, SyncEnabled: true})
		require.NoError(t, err)
	}
	rec := newRecorder(true)
	s := New(Options{Store: st, Runner: rec, Workers: 2, Schedule: "@every 1h", Clock: clock})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Eventually(t, func() bool { return rec.activeCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	close(rec.release)
	ran := rec.wait(t, 4)
	assert.Len(t, ran, 4)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.peak)
}

func TestRequestDuringRunIsDropped(t *testing.T) {
	f := newFixture(t)
	rec := newRecorder(true)
	s := New(Options{Store: f.store, Runner: rec, Workers: 2, Schedule: "@every 1h", MinInterval: time.Minute, Clock: f.clock})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Eventually(t, func() bool { return rec.activeCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	id := f.ids["due"]
	assert.False(t, s.Request(id), "account is mid-pass")
	assert.True(t, s.Pending(id))

	close(rec.release)
	assert.Equal(t, []string{id}, rec.wait(t, 1))
	require.Eventually(t, func() bool { return !s.Pending(id) }, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(rec.ran) > 0 }, 200*time.Millisecond, 10*time.Millisecond,
		"the dropped request must not run later")

	assert.True(t, s.Request(id), "idle accounts accept requests again")
	assert.Equal(t, []string{id}, rec.wait(t, 1))
}

func TestNextSyncIn(t *testing.T) {
	f := newFixture(t)
	s := New(Options{Store: f.store, Runner: newRecorder(false), Interval: time.Minute, MinInterval: 2 * time.Minute, Clock: f.clock})
	s.Tick(context.Background())

	for _, tt := range []struct {
		name string
		want time.Duration
	}{
		{"due", 0},
		{"backing-off", 5 * time.Minute},
		{"recent", 110 * time.Second},
		{"disabled", 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.NextSyncIn(f.ids[tt.name])
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := s.NextSyncIn("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	s := New(Options{Store: f.store, Runner: newRecorder(false), Schedule: "every so often", Clock: f.clock})
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
}
