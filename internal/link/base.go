package link

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"dev.c0redev.rclink/internal/queue"
)

// Base holds what every manager shares: state, the connect lock, the write
// queue and the emergency-stop gate. Managers embed it.
type Base struct {
	kind   DeviceType
	events Events
	stop   *EmergencyStop
	log    *zap.Logger

	connectMu sync.Mutex

	mu    sync.Mutex
	state State

	queue *queue.Queue[[]byte]

	writeMu sync.Mutex
	write   func([]byte) bool
}

// QueueOptions: write queue sizing and pacing for one transport.
type QueueOptions struct {
	Capacity     int
	WriteDelay   time.Duration
	InitialDelay time.Duration
}

// NewBase; nil events/stop/log are replaced by no-ops.
func NewBase(kind DeviceType, events Events, stop *EmergencyStop, capacity int, log *zap.Logger) *Base {
	if events == nil {
		events = NopEvents{}
	}
	if stop == nil {
		stop = &EmergencyStop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Base{
		kind:   kind,
		events: events,
		stop:   stop,
		log:    log,
		queue:  queue.New[[]byte](capacity, log.Named("queue")),
	}
}

// Type returns the transport kind.
func (b *Base) Type() DeviceType { return b.kind }

// Log returns the component logger.
func (b *Base) Log() *zap.Logger { return b.log }

// State returns the current link state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetState moves to s if the edge is legal and notifies Events. Returns
// false (no notification) for illegal edges and for s == current.
func (b *Base) SetState(s State, err error) bool {
	b.mu.Lock()
	from := b.state
	if from == s || !CanTransition(from, s) {
		b.mu.Unlock()
		if from != s {
			b.log.Debug("ignored state transition",
				zap.Stringer("from", from), zap.Stringer("to", s))
		}
		return false
	}
	b.state = s
	b.mu.Unlock()

	fields := []zap.Field{zap.Stringer("from", from), zap.Stringer("to", s)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	b.log.Info("state", fields...)
	b.events.OnStateChange(b.kind, s, err)
	return true
}

// BeginConnect gates a connect sequence: emergency stop first, then the
// single-flight lock. Call the returned func when the sequence ends.
func (b *Base) BeginConnect() (func(), error) {
	if b.stop.Engaged() {
		return nil, ErrEmergencyStop
	}
	if !b.connectMu.TryLock() {
		return nil, ErrConnectInProgress
	}
	return b.connectMu.Unlock, nil
}

// StartWriter installs write as the physical write and starts the drain loop.
// A new link starts with an empty queue.
func (b *Base) StartWriter(write func([]byte) bool, opts QueueOptions) {
	b.queue.Clear()
	b.writeMu.Lock()
	b.write = write
	b.writeMu.Unlock()
	b.queue.Start(b.locked, opts.WriteDelay, opts.InitialDelay)
}

// StopWriter stops the drain loop synchronously, drops the write func and
// discards commands queued for the old link. Counters survive.
func (b *Base) StopWriter() {
	b.queue.Stop()
	b.queue.Clear()
	b.writeMu.Lock()
	b.write = nil
	b.writeMu.Unlock()
}

func (b *Base) locked(data []byte) bool {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.write == nil {
		return false
	}
	return b.write(data)
}

// Send gates on emergency stop and link state, then enqueues a copy.
// Forced sends skip the queue so the stop frame goes out ahead of pending
// commands.
func (b *Base) Send(data []byte, force bool) bool {
	if !force && b.stop.Engaged() {
		b.queue.MarkDropped()
		return false
	}
	if b.State() != StateConnected {
		b.queue.MarkDropped()
		return false
	}
	buf := append([]byte(nil), data...)
	if force {
		return b.queue.Direct(buf, b.locked)
	}
	return b.queue.Enqueue(buf)
}

// Deliver hands inbound bytes to Events.
func (b *Base) Deliver(data []byte) {
	b.events.OnInbound(b.kind, data)
}

// PacketStats returns the write-queue counters.
func (b *Base) PacketStats() NetworkStats { return b.queue.Stats() }

// ClearQueue drops pending writes; counters untouched.
func (b *Base) ClearQueue() { b.queue.Clear() }

// ResetStats zeroes the counters.
func (b *Base) ResetStats() { b.queue.ResetMetrics() }

// QueueLen returns pending writes.
func (b *Base) QueueLen() int { return b.queue.Len() }

// StopGate returns the shared emergency stop.
func (b *Base) StopGate() *EmergencyStop { return b.stop }
