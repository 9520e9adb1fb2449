package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectFiresAfterSettle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := New(Options{StartOffline: true, SettleDelay: 3 * time.Second, Clock: clock})
	var calls atomic.Int32
	m.OnReconnect(func() { calls.Add(1) })

	assert.False(t, m.Online())
	m.Report(true)
	assert.True(t, m.Online())

	clock.Advance(2 * time.Second)
	assert.Never(t, func() bool { return calls.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestFlappingDoesNotReconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := New(Options{StartOffline: true, SettleDelay: 3 * time.Second, Clock: clock})
	var calls atomic.Int32
	m.OnReconnect(func() { calls.Add(1) })

	m.Report(true)
	clock.Advance(time.Second)
	m.Report(false)
	m.Report(true)

	clock.Advance(2 * time.Second)
	assert.Never(t, func() bool { return calls.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond,
		"the first transition was superseded")

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestReportWithoutChangeIsQuiet(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := New(Options{SettleDelay: time.Second, Clock: clock})
	var calls atomic.Int32
	m.OnReconnect(func() { calls.Add(1) })

	m.Report(true)
	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return calls.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	m := New(Options{ProbeURL: srv.URL, StartOffline: true, Clock: clockwork.NewFakeClock()})

	assert.True(t, m.Probe(context.Background()))
	assert.True(t, m.Online())

	srv.Close()
	assert.False(t, m.Probe(context.Background()))
	assert.False(t, m.Online())
}

func TestProbeCancelledKeepsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	m := New(Options{ProbeURL: srv.URL, Clock: clockwork.NewFakeClock()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, m.Probe(ctx))
	assert.True(t, m.Online(), "shutting down is not going offline")
}

func TestRunProbesOnInterval(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	clock := clockwork.NewFakeClock()
	m := New(Options{ProbeURL: srv.URL, ProbeInterval: 15 * time.Second, Clock: clock})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	srv.Close()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(15 * time.Second)
	require.Eventually(t, func() bool { return !m.Online() }, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRunWithoutProbeURLWaits(t *testing.T) {
	m := New(Options{Clock: clockwork.NewFakeClock()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, m.Online())
}
