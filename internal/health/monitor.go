package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"dev.c0redev.rclink/internal/link"
)

// RSSIFailureCap bounds the consecutive RSSI read failure counter.
const RSSIFailureCap = 10

// Callbacks: the policy the monitor reads. Must not block.
type Callbacks interface {
	CurrentState() link.State
	TransportType() link.DeviceType
	AutoReconnectArmed() bool
	HasSavedDevice() bool
}

// Listener receives what the monitor decided. Called outside the monitor
// lock, from Tick or from the call that triggered it.
type Listener interface {
	HeartbeatDue(seq byte)
	HeartbeatTimeout(silence time.Duration)
	MissedAckThreshold(missed int)
	ReconnectAttempt(attempt int, delay time.Duration)
	ReconnectDue(attempt int)
	CircuitBreakerTripped(attempts int)
}

// ConnectionHealth snapshot.
type ConnectionHealth struct {
	LastPacketAt     time.Time     `json:"last_packet_at"`
	RSSIFailureCount int           `json:"rssi_failure_count"`
	LastHeartbeatSeq byte          `json:"last_heartbeat_seq"`
	LastHeartbeatAt  time.Time     `json:"last_heartbeat_at"`
	LastRTT          time.Duration `json:"last_rtt"`
}

// Monitor is transport-agnostic; one per session.
type Monitor struct {
	cfg Config
	cb  Callbacks
	ls  Listener
	now func() time.Time
	log *zap.Logger

	mu          sync.Mutex
	health      ConnectionHealth
	ackPending  bool
	missedAcks  int
	missedFired bool
	timedOut    bool
	attempts    int
	tripped     bool
	reconnectAt time.Time
	pendingAt   int // attempt number waiting for reconnectAt; 0 = none

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor; zero Config fields take defaults.
func NewMonitor(cfg Config, cb Callbacks, ls Listener, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{cfg: cfg.withDefaults(), cb: cb, ls: ls, now: time.Now, log: log}
}

// SetClock replaces time.Now (tests).
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// BackoffDelay for attempt (0-based).
func (m *Monitor) BackoffDelay(attempt int) time.Duration { return m.cfg.BackoffDelay(attempt) }

// Health returns a snapshot.
func (m *Monitor) Health() ConnectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Attempts returns accumulated reconnect attempts.
func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// CircuitBreakerTripped reports whether auto-reconnect is disabled.
func (m *Monitor) CircuitBreakerTripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tripped
}

// ResetCircuitBreaker re-arms auto-reconnect and zeroes attempts.
func (m *Monitor) ResetCircuitBreaker() {
	m.mu.Lock()
	m.tripped = false
	m.attempts = 0
	m.pendingAt = 0
	m.mu.Unlock()
}

// ScheduleReconnect books the next attempt after BackoffDelay(attempts).
// The breaker trips when the booked attempt brings the total to the
// configured maximum; once tripped nothing more is scheduled.
func (m *Monitor) ScheduleReconnect() bool {
	if !m.cb.AutoReconnectArmed() || !m.cb.HasSavedDevice() {
		return false
	}
	m.mu.Lock()
	if m.tripped || m.pendingAt != 0 {
		m.mu.Unlock()
		return false
	}
	delay := m.cfg.BackoffDelay(m.attempts)
	m.attempts++
	attempt := m.attempts
	m.pendingAt = attempt
	m.reconnectAt = m.now().Add(delay)
	trip := m.attempts >= m.cfg.MaxReconnectAttempts
	m.tripped = trip
	m.mu.Unlock()

	m.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	m.ls.ReconnectAttempt(attempt, delay)
	if trip {
		m.log.Warn("circuit breaker tripped", zap.Int("attempts", attempt))
		m.ls.CircuitBreakerTripped(attempt)
	}
	return true
}

// CancelReconnect drops a booked but not yet due attempt.
func (m *Monitor) CancelReconnect() {
	m.mu.Lock()
	m.pendingAt = 0
	m.mu.Unlock()
}

// OnConnected starts liveness tracking for a fresh link.
func (m *Monitor) OnConnected() {
	m.mu.Lock()
	now := m.now()
	m.health = ConnectionHealth{LastPacketAt: now}
	m.ackPending = false
	m.missedAcks = 0
	m.missedFired = false
	m.timedOut = false
	m.pendingAt = 0
	m.mu.Unlock()
}

// OnPacketReceived: any inbound traffic is liveness. Resets reconnect
// attempts and missed ACKs.
func (m *Monitor) OnPacketReceived() {
	m.mu.Lock()
	m.health.LastPacketAt = m.now()
	m.attempts = 0
	m.missedAcks = 0
	m.missedFired = false
	m.timedOut = false
	m.ackPending = false
	m.mu.Unlock()
}

// OnHeartbeatAck matches seq against the last heartbeat and records RTT.
func (m *Monitor) OnHeartbeatAck(seq byte) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.health.LastHeartbeatAt.IsZero() || seq != m.health.LastHeartbeatSeq {
		return 0, false
	}
	rtt := m.now().Sub(m.health.LastHeartbeatAt)
	m.health.LastRTT = rtt
	m.ackPending = false
	m.missedAcks = 0
	return rtt, true
}

// OnRSSIResult counts consecutive read failures (capped).
func (m *Monitor) OnRSSIResult(err error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.health.RSSIFailureCount = 0
	} else if m.health.RSSIFailureCount < RSSIFailureCap {
		m.health.RSSIFailureCount++
	}
	return m.health.RSSIFailureCount
}

// Reset clears liveness, backoff and breaker state (disconnect, emergency stop).
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.health = ConnectionHealth{}
	m.ackPending = false
	m.missedAcks = 0
	m.missedFired = false
	m.timedOut = false
	m.attempts = 0
	m.tripped = false
	m.pendingAt = 0
	m.mu.Unlock()
}

type tickEvents struct {
	heartbeat   bool
	seq         byte
	timeout     time.Duration
	missed      int
	reconnectAt int
}

// Tick evaluates timers at now. Non-blocking; listener calls happen after
// the lock is released.
func (m *Monitor) Tick(now time.Time) {
	state := m.cb.CurrentState()
	prof := m.cfg.Profile(m.cb.TransportType())

	var ev tickEvents
	m.mu.Lock()
	if m.pendingAt != 0 && !now.Before(m.reconnectAt) {
		ev.reconnectAt = m.pendingAt
		m.pendingAt = 0
	}
	if state == link.StateConnected {
		if !m.timedOut && !m.health.LastPacketAt.IsZero() {
			if silence := now.Sub(m.health.LastPacketAt); silence >= prof.Timeout {
				m.timedOut = true
				ev.timeout = silence
			}
		}
		if m.health.LastHeartbeatAt.IsZero() || now.Sub(m.health.LastHeartbeatAt) >= prof.HeartbeatInterval {
			if m.ackPending {
				m.missedAcks++
				if m.missedAcks >= prof.MissedAckTolerance && !m.missedFired {
					m.missedFired = true
					ev.missed = m.missedAcks
				}
			}
			m.health.LastHeartbeatSeq++
			m.health.LastHeartbeatAt = now
			m.ackPending = true
			ev.heartbeat = true
			ev.seq = m.health.LastHeartbeatSeq
		}
	}
	m.mu.Unlock()

	if ev.timeout > 0 {
		m.log.Warn("heartbeat timeout", zap.Duration("silence", ev.timeout))
		m.ls.HeartbeatTimeout(ev.timeout)
	}
	if ev.missed > 0 {
		m.log.Warn("missed ack threshold", zap.Int("missed", ev.missed))
		m.ls.MissedAckThreshold(ev.missed)
	}
	if ev.heartbeat && ev.timeout == 0 && ev.missed == 0 {
		m.ls.HeartbeatDue(ev.seq)
	}
	if ev.reconnectAt != 0 {
		m.ls.ReconnectDue(ev.reconnectAt)
	}
}

// Start runs Tick every TickInterval until Stop or ctx ends. Restarting
// replaces the previous loop.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.stopLocked()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go func() {
		defer close(done)
		t := time.NewTicker(m.cfg.TickInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.mu.Lock()
				now := m.now
				m.mu.Unlock()
				m.Tick(now())
			}
		}
	}()
}

// Stop ends the tick loop and waits for it.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel, m.done = nil, nil
}
