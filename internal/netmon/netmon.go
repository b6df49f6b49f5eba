// Package netmon tracks backend reachability as a plain boolean and
// notifies on transitions.
//
// Connectivity is binary on purpose: either the backend answers the
// probe or it does not. Captive portals, DNS flakiness, and slow links
// all collapse into "offline"; the sync engine treats offline as a
// non-event and retries on the next transition.
package netmon

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Probe reports whether the backend is reachable right now.
type Probe func(ctx context.Context) bool

// Monitor polls a probe and tracks the online flag.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   *log.Logger

	// onReconnect fires on each offline-to-online transition, after the
	// subscribers. It runs on the monitor goroutine.
	onReconnect func(ctx context.Context)

	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextID int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a Monitor.
type Config struct {
	Probe    Probe
	Interval time.Duration

	// OnReconnect runs after each offline-to-online transition. The sync
	// engine hangs its snapshot-refresh-then-sync sequence here.
	OnReconnect func(ctx context.Context)

	Logger *log.Logger
}

// New creates a monitor. The initial state is offline until the first
// probe says otherwise.
func New(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	return &Monitor{
		probe:       cfg.Probe,
		interval:    interval,
		logger:      logger,
		onReconnect: cfg.OnReconnect,
		subs:        make(map[int]func(bool)),
	}
}

// Online returns the last observed connectivity.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a callback for connectivity transitions. The
// returned function cancels the subscription.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// SetOnline records a connectivity observation directly, bypassing the
// probe. Used when a remote call already revealed the answer.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.apply(ctx, online)
}

// SetOnReconnect replaces the reconnect hook. Must be called before
// Start.
func (m *Monitor) SetOnReconnect(fn func(ctx context.Context)) {
	m.onReconnect = fn
}

// Start begins polling. Call Stop to shut down.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		// Probe immediately so callers are not stuck offline for a full
		// interval at startup.
		m.apply(ctx, m.probe(ctx))

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.apply(ctx, m.probe(ctx))
			}
		}
	}()
}

// Stop halts polling and waits for the monitor goroutine to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// apply records an observation and fires transition callbacks.
func (m *Monitor) apply(ctx context.Context, online bool) {
	m.mu.Lock()
	changed := online != m.online
	m.online = online
	var fns []func(bool)
	if changed {
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	if online {
		m.logger.Printf("connectivity restored")
	} else {
		m.logger.Printf("connectivity lost")
	}

	for _, fn := range fns {
		fn(online)
	}
	if online && m.onReconnect != nil {
		m.onReconnect(ctx)
	}
}

// HTTPProbe probes a health endpoint with a short deadline. Any 2xx-4xx
// answer counts as reachable; only transport failures mean offline.
func HTTPProbe(url string) Probe {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < 500
	}
}
