package link

import (
	"context"

	"dev.c0redev.rclink/internal/queue"
)

// NetworkStats: write-queue counters of one transport.
type NetworkStats = queue.Stats

// Transport is one connection manager per radio. Implementations are safe
// for concurrent use and run at most one connect sequence at a time.
type Transport interface {
	Type() DeviceType
	// Connect runs the full connect sequence. Refused under emergency stop;
	// a concurrent call fails with ErrConnectInProgress.
	Connect(ctx context.Context, dev Device) error
	// Disconnect stops the read and write tasks before returning.
	Disconnect() error
	// Send enqueues data. force bypasses the emergency-stop gate and is
	// reserved for the stop frame.
	Send(data []byte, force bool) bool
	PacketStats() NetworkStats
	State() State
	ReadRSSI(ctx context.Context) (int, error)
	ClearQueue()
}

// Events receives what a transport observes. Called without transport locks
// held; implementations must not block for long.
type Events interface {
	OnStateChange(t DeviceType, s State, err error)
	OnInbound(t DeviceType, data []byte)
}

// NopEvents discards everything.
type NopEvents struct{}

func (NopEvents) OnStateChange(DeviceType, State, error) {}
func (NopEvents) OnInbound(DeviceType, []byte)          {}
