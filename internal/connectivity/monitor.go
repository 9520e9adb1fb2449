// Package connectivity tracks whether the device can reach the network and
// announces offline to online transitions once they have settled.
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultSettleDelay   = 3 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Options configures a Monitor.
type Options struct {
	// ProbeURL is requested by Run; any HTTP response counts as online.
	// Without it the monitor only follows Report.
	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SettleDelay   time.Duration
	// StartOffline makes the monitor assume no connectivity until told otherwise.
	StartOffline bool

	Client *http.Client
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Monitor holds the current connectivity state.
type Monitor struct {
	probeURL string
	interval time.Duration
	timeout  time.Duration
	settle   time.Duration
	client   *http.Client
	clock    clockwork.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	online    bool
	gen       int
	callbacks []func()
}

// New creates a monitor.
func New(opts Options) *Monitor {
	m := &Monitor{
		probeURL: opts.ProbeURL,
		interval: opts.ProbeInterval,
		timeout:  opts.ProbeTimeout,
		settle:   opts.SettleDelay,
		client:   opts.Client,
		clock:    opts.Clock,
		logger:   opts.Logger,
		online:   !opts.StartOffline,
	}
	if m.interval <= 0 {
		m.interval = DefaultProbeInterval
	}
	if m.timeout <= 0 {
		m.timeout = DefaultProbeTimeout
	}
	if m.settle < 0 {
		m.settle = 0
	}
	if m.client == nil {
		m.client = &http.Client{}
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnReconnect registers fn to run after each settled offline to online transition.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Report records the observed state. Going online schedules the reconnect
// callbacks after the settle delay; they are skipped if the state changes
// again before then.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if online == m.online {
		return
	}
	m.online = online
	m.gen++
	if !online {
		m.logger.Warn("Connectivity lost")
		return
	}
	m.logger.Info("Connectivity restored", "settle", m.settle)
	gen := m.gen
	m.clock.AfterFunc(m.settle, func() { m.reconnected(gen) })
}

func (m *Monitor) reconnected(gen int) {
	m.mu.Lock()
	if gen != m.gen || !m.online {
		m.mu.Unlock()
		return
	}
	cbs := append([]func(){}, m.callbacks...)
	m.mu.Unlock()

	m.logger.Debug("Connectivity settled, running reconnect hooks", "hooks", len(cbs))
	for _, fn := range cbs {
		fn()
	}
}

// Probe checks the probe URL once and reports the outcome.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Error("Invalid connectivity probe URL", "url", m.probeURL, "error", err)
		return m.Online()
	}
	resp, err := m.client.Do(req)
	if err != nil {
		if !errors.Is(ctx.Err(), context.Canceled) {
			m.logger.Debug("Connectivity probe failed", "error", err)
			m.Report(false)
		}
		return false
	}
	resp.Body.Close()
	m.Report(true)
	return true
}

// Run probes on every interval until ctx is done. Without a probe URL it
// just waits.
func (m *Monitor) Run(ctx context.Context) {
	if m.probeURL == "" {
		<-ctx.Done()
		return
	}
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}
