// Package connection owns the backend reachability state machine: offline
// mode, reconnect scheduling with exponential backoff and jitter, a staleness
// heartbeat, and listener fan-out.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/signalpost/flagwire/internal/model"
	"github.com/signalpost/flagwire/internal/utils/log"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

// Listener receives connection status snapshots. Listeners are invoked off
// the mutating goroutine; a panic in one listener never blocks the others.
type Listener func(info model.ConnectionInfo)

// CheckFunc probes the backend. nil error means reachable.
type CheckFunc func(ctx context.Context) error

type Manager struct {
	cfg   model.ConnectionManagerConfig
	clock timeo.Clock
	check CheckFunc

	mu              sync.Mutex
	state           model.ConnectionState
	offline         bool
	lastError       string
	lastSuccessAt   time.Time
	failures        int
	nextReconnectAt time.Time
	listeners       []Listener
	reconnectCancel chan struct{}
	started         bool
	stopped         bool

	events chan model.ConnectionInfo
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(cfg model.ConnectionManagerConfig, check CheckFunc, clock timeo.Clock) *Manager {
	if clock == nil {
		clock = timeo.Real()
	}
	return &Manager{
		cfg:    cfg,
		clock:  clock,
		check:  check,
		state:  model.ConnectionStateDisconnected,
		events: make(chan model.ConnectionInfo, 64),
		stopCh: make(chan struct{}),
	}
}

// Start launches the dispatch and heartbeat loops and schedules the initial
// connect probe.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(2)
	go m.dispatchLoop()
	go m.heartbeatLoop()

	m.mu.Lock()
	m.transitionLocked(model.ConnectionStateConnecting)
	m.scheduleReconnectLocked(m.cfg.InitialReconnectDelay)
	m.mu.Unlock()
}

// Stop cancels pending reconnects and shuts down the loops. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancelReconnectLocked()
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Info returns the current snapshot.
func (m *Manager) Info() model.ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked()
}

// SetOfflineMode pauses (true) or resumes (false) all connection activity.
// Resuming schedules a delayed initial probe rather than connecting inline;
// a manager that was never offline but sits disconnected with no probe
// pending gets one scheduled too.
func (m *Manager) SetOfflineMode(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offline {
		if m.offline {
			return
		}
		m.offline = true
		m.cancelReconnectLocked()
		m.failures = 0
		m.nextReconnectAt = time.Time{}
		m.transitionLocked(model.ConnectionStateDisconnected)
		return
	}
	m.offline = false
	if m.stopped || m.state == model.ConnectionStateConnected || m.reconnectCancel != nil {
		return
	}
	m.transitionLocked(model.ConnectionStateConnecting)
	m.scheduleReconnectLocked(m.cfg.InitialReconnectDelay)
}

// RecordConnectionSuccess moves to connected and resets the failure count.
func (m *Manager) RecordConnectionSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	m.lastError = ""
	m.lastSuccessAt = m.clock.Now()
	m.nextReconnectAt = time.Time{}
	m.cancelReconnectLocked()
	m.transitionLocked(model.ConnectionStateConnected)
}

// RecordConnectionFailure counts the failure and schedules the next probe
// with exponential backoff and jitter. Past the attempt cap the manager
// parks in disconnected; the heartbeat keeps probing while online.
func (m *Manager) RecordConnectionFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastError = err.Error()
	}
	if m.offline {
		return
	}
	m.failures++
	if m.failures < m.cfg.MaxReconnectAttempts {
		m.transitionLocked(model.ConnectionStateConnecting)
		delay := timeo.BackoffDelay(m.cfg.InitialReconnectDelay, 2, m.failures, m.cfg.MaxReconnectDelay)
		delay = timeo.Jitter(delay, 0.8, 1.2)
		m.scheduleReconnectLocked(delay)
		return
	}
	log.Warnf("connection failed %d times, parking until heartbeat: %v", m.failures, err)
	m.cancelReconnectLocked()
	m.nextReconnectAt = time.Time{}
	m.transitionLocked(model.ConnectionStateDisconnected)
}

// CheckConnection runs the probe immediately and records the outcome.
func (m *Manager) CheckConnection(ctx context.Context) {
	m.mu.Lock()
	offline := m.offline
	check := m.check
	m.mu.Unlock()
	if offline || check == nil {
		return
	}
	if err := check(ctx); err != nil {
		m.RecordConnectionFailure(err)
		return
	}
	m.RecordConnectionSuccess()
}

// transitionLocked emits a status change only when the state actually
// differs. Snapshots are queued and dispatched after the mutation completes,
// so listeners never observe (or cause) re-entrant mutation.
func (m *Manager) transitionLocked(next model.ConnectionState) {
	if m.state == next {
		return
	}
	log.Debugf("connection state %s -> %s", m.state, next)
	m.state = next
	if m.stopped {
		return
	}
	select {
	case m.events <- m.infoLocked():
	default:
		log.Warnf("connection event queue full, dropping notification")
	}
}

func (m *Manager) infoLocked() model.ConnectionInfo {
	return model.ConnectionInfo{
		State:               m.state,
		OfflineMode:         m.offline,
		LastError:           m.lastError,
		LastSuccessAt:       m.lastSuccessAt,
		ConsecutiveFailures: m.failures,
		NextReconnectAt:     m.nextReconnectAt,
	}
}

func (m *Manager) scheduleReconnectLocked(delay time.Duration) {
	m.cancelReconnectLocked()
	if m.stopped {
		return
	}
	cancel := make(chan struct{})
	m.reconnectCancel = cancel
	m.nextReconnectAt = m.clock.Now().Add(delay)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.clock.After(delay):
		case <-cancel:
			return
		case <-m.stopCh:
			return
		}
		m.CheckConnection(context.Background())
	}()
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectCancel != nil {
		close(m.reconnectCancel)
		m.reconnectCancel = nil
	}
}

// heartbeatLoop probes when disconnected or stale while online. A healthy
// connection generates no background traffic.
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.clock.After(m.cfg.HeartbeatInterval):
		}

		m.mu.Lock()
		offline := m.offline
		state := m.state
		stale := m.lastSuccessAt.IsZero() || m.clock.Now().Sub(m.lastSuccessAt) > m.cfg.StalenessWindow
		m.mu.Unlock()

		if offline {
			continue
		}
		if state != model.ConnectionStateConnected || stale {
			m.CheckConnection(context.Background())
		}
	}
}

// dispatchLoop delivers each queued snapshot to a copy of the listener list.
// Listeners for a single transition run concurrently and are joined before
// the next transition is delivered, preserving transition order.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case info := <-m.events:
			m.mu.Lock()
			listeners := make([]Listener, len(m.listeners))
			copy(listeners, m.listeners)
			m.mu.Unlock()

			var wg sync.WaitGroup
			for _, l := range listeners {
				wg.Add(1)
				go func(l Listener) {
					defer wg.Done()
					defer func() {
						if r := recover(); r != nil {
							log.Errorf("connection listener panicked: %v", r)
						}
					}()
					l(info)
				}(l)
			}
			wg.Wait()
		}
	}
}
