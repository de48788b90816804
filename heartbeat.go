package stompy

import (
	"sync"
	"time"

	"github.com/relistan/go-director"
	"github.com/sirupsen/logrus"
)

// LooperFactory builds the looper that drives one heartbeat loop. immediate
// asks for a first iteration before the first interval has elapsed.
type LooperFactory func(interval time.Duration, immediate bool) director.Looper

// DefaultLooperFactory runs loops forever on a ticker.
func DefaultLooperFactory(interval time.Duration, immediate bool) director.Looper {
	if immediate {
		return director.NewImmediateTimedLooper(director.FOREVER, interval, make(chan error, 1))
	}
	return director.NewTimedLooper(director.FOREVER, interval, make(chan error, 1))
}

// HeartbeatConfig holds the negotiated intervals and the receive timeout.
// A zero interval disables that direction. A zero Timeout falls back to
// twice the receive interval.
type HeartbeatConfig struct {
	Send    time.Duration
	Receive time.Duration
	Timeout time.Duration
}

func (c HeartbeatConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 2 * c.Receive
}

// loopStopped ends a loop whose generation has been superseded.
type loopStopped struct{}

func (loopStopped) Error() string { return "heartbeat loop stopped" }

// HeartbeatMonitor runs two loops: one emitting heartbeats every Send
// interval, one checking every Receive interval that the peer has been
// heard from within Timeout. Both loops share lastReceived.
//
// Stop cancels both loops. A send or timeout notification already in flight
// completes before Stop returns and none starts afterwards. Neither onSend
// nor onTimeout may call Stop.
type HeartbeatMonitor struct {
	mu           sync.Mutex
	sendMu       sync.Mutex
	timeoutMu    sync.Mutex
	cfg          HeartbeatConfig
	onSend       func() error
	onTimeout    func(elapsed time.Duration)
	running      bool
	generation   uint64
	startedAt    time.Time
	lastReceived time.Time

	looper LooperFactory
	now    func() time.Time
	log    *logrus.Entry
}

func NewHeartbeatMonitor(cfg HeartbeatConfig, onSend func() error, onTimeout func(elapsed time.Duration)) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		cfg:       cfg,
		onSend:    onSend,
		onTimeout: onTimeout,
		looper:    DefaultLooperFactory,
		now:       time.Now,
		log:       logrus.WithField("pkg", "stompy").WithField("component", "heartbeat"),
	}
}

// Start launches the loops. Starting a running monitor is a no-op.
func (m *HeartbeatMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.generation++
	m.startedAt = m.now()
	gen := m.generation

	if m.cfg.Send > 0 && m.onSend != nil {
		l := m.looper(m.cfg.Send, true)
		go l.Loop(func() error { return m.sendTick(gen) })
	}
	if m.cfg.Receive > 0 {
		l := m.looper(m.cfg.Receive, false)
		go l.Loop(func() error { return m.receiveTick(gen) })
	}
	m.log.Debugf("started (send %s, receive %s, timeout %s)", m.cfg.Send, m.cfg.Receive, m.cfg.timeout())
}

// Stop is idempotent.
func (m *HeartbeatMonitor) Stop() {
	if m.halt() {
		m.log.Debug("stopped")
	}
	m.wait()
}

// halt retires the running loops without waiting for them.
func (m *HeartbeatMonitor) halt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false
	}
	m.running = false
	m.generation++
	return true
}

// wait blocks until a send or timeout that passed its generation check
// before halt has finished.
func (m *HeartbeatMonitor) wait() {
	m.sendMu.Lock()
	m.sendMu.Unlock()
	m.timeoutMu.Lock()
	m.timeoutMu.Unlock()
}

// OnHeartbeatReceived records that the peer is alive.
func (m *HeartbeatMonitor) OnHeartbeatReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReceived = m.now()
}

func (m *HeartbeatMonitor) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// TimeSinceLastHeartbeat returns false until a heartbeat has been received.
func (m *HeartbeatMonitor) TimeSinceLastHeartbeat() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastReceived.IsZero() {
		return 0, false
	}
	return m.now().Sub(m.lastReceived), true
}

func (m *HeartbeatMonitor) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && m.generation == gen
}

func (m *HeartbeatMonitor) sendTick(gen uint64) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if !m.current(gen) {
		return loopStopped{}
	}
	if err := m.onSend(); err != nil {
		m.log.Warnf("unable to send heartbeat: %s", err)
	}
	return nil
}

func (m *HeartbeatMonitor) receiveTick(gen uint64) error {
	m.timeoutMu.Lock()
	defer m.timeoutMu.Unlock()
	m.mu.Lock()
	if !m.running || m.generation != gen {
		m.mu.Unlock()
		return loopStopped{}
	}
	since := m.startedAt
	if m.lastReceived.After(since) {
		since = m.lastReceived
	}
	elapsed := m.now().Sub(since)
	timeout := m.cfg.timeout()
	m.mu.Unlock()

	if elapsed <= timeout {
		return nil
	}
	m.log.Errorf("no heartbeat for %s (timeout %s)", elapsed, timeout)
	if m.onTimeout != nil {
		m.onTimeout(elapsed)
	}
	// one notification per start
	return loopStopped{}
}
