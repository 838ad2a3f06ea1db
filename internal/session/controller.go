// Package session: the per-process link context. Owns the transports, the
// health monitor and the emergency stop, and exposes observable state plus
// the command surface (connect, disconnect, send, emergency stop).
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dev.c0redev.rclink/internal/health"
	"dev.c0redev.rclink/internal/link"
	"dev.c0redev.rclink/internal/proto"
	"dev.c0redev.rclink/internal/telemetry"
)

// RTTHistorySize: round trips kept for display.
const RTTHistorySize = 60

// Options for a Controller.
type Options struct {
	DeviceID       byte
	Health         health.Config
	RSSIInterval   time.Duration
	ReconnectLimit time.Duration // upper bound for one auto-reconnect attempt
	LogCapacity    int
	LogLevel       zapcore.Level
}

// DefaultOptions targets the first controller on the link.
func DefaultOptions() Options {
	return Options{
		DeviceID:       proto.DefaultDeviceID,
		Health:         health.DefaultConfig(),
		RSSIInterval:   2 * time.Second,
		ReconnectLimit: 30 * time.Second,
		LogCapacity:    link.DefaultLogCapacity,
		LogLevel:       zapcore.DebugLevel,
	}
}

// Controller is constructed once and passed to whoever needs it.
type Controller struct {
	opts    Options
	baseLog *zap.Logger
	log     *zap.Logger
	stop    *link.EmergencyStop
	monitor *health.Monitor

	mu            sync.Mutex
	transports    map[link.DeviceType]link.Transport
	active        link.Transport
	saved         *link.Device
	autoReconnect bool

	splitMu  sync.Mutex
	splitter proto.Splitter

	// Observable outputs; only the controller writes them.
	State           *link.Value[link.State]
	RSSI            *link.Value[int]
	ConnectedDevice *link.Value[*link.Device]
	Telemetry       *link.Value[*telemetry.Telemetry]
	Capabilities    *link.Value[telemetry.Capabilities]
	RTTHistory      *link.Value[[]time.Duration]
	LastError       *link.Value[string]
	BreakerTripped  *link.Value[bool]
	EmergencyStop   *link.Value[bool]
	Logs            *link.LogBuffer

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a controller with no transports; Register them next.
func New(opts Options, log *zap.Logger) *Controller {
	d := DefaultOptions()
	if opts.RSSIInterval <= 0 {
		opts.RSSIInterval = d.RSSIInterval
	}
	if opts.ReconnectLimit <= 0 {
		opts.ReconnectLimit = d.ReconnectLimit
	}
	if opts.DeviceID == 0 {
		opts.DeviceID = d.DeviceID
	}
	logs := link.NewLogBuffer(opts.LogCapacity)
	base := link.TeeLogger(log, logs, opts.LogLevel)
	c := &Controller{
		opts:            opts,
		baseLog:         base,
		log:             base.Named("session"),
		stop:            &link.EmergencyStop{},
		transports:      make(map[link.DeviceType]link.Transport),
		autoReconnect:   true,
		State:           link.NewValue(link.StateDisconnected),
		RSSI:            link.NewValue(0),
		ConnectedDevice: link.NewValue[*link.Device](nil),
		Telemetry:       link.NewValue[*telemetry.Telemetry](nil),
		Capabilities:    link.NewValue(telemetry.Capabilities{}),
		RTTHistory:      link.NewValue[[]time.Duration](nil),
		LastError:       link.NewValue(""),
		BreakerTripped:  link.NewValue(false),
		EmergencyStop:   link.NewValue(false),
		Logs:            logs,
	}
	c.monitor = health.NewMonitor(opts.Health, c, c, base.Named("health"))
	return c
}

// Logger returns the logger transports should use so their entries reach
// the debug log.
func (c *Controller) Logger() *zap.Logger { return c.baseLog }

// Stop returns the emergency stop shared with the transports.
func (c *Controller) Stop() *link.EmergencyStop { return c.stop }

// Monitor exposes the health monitor (read-only use).
func (c *Controller) Monitor() *health.Monitor { return c.monitor }

// Register adds a transport, replacing any previous one of the same type.
func (c *Controller) Register(t link.Transport) {
	c.mu.Lock()
	c.transports[t.Type()] = t
	c.mu.Unlock()
}

// Start runs the health tick and RSSI polling until Close or ctx ends.
func (c *Controller) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.monitor.Start(ctx)
	c.wg.Add(1)
	go c.pollRSSI(ctx)
}

// Close stops background work and disconnects.
func (c *Controller) Close() error {
	c.runMu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.runMu.Unlock()
	c.monitor.Stop()
	c.wg.Wait()
	return c.Disconnect()
}

func (c *Controller) pollRSSI(ctx context.Context) {
	defer c.wg.Done()
	t := time.NewTicker(c.opts.RSSIInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		tr := c.activeTransport()
		if tr == nil || tr.State() != link.StateConnected {
			continue
		}
		v, err := tr.ReadRSSI(ctx)
		if errors.Is(err, link.ErrRSSIUnavailable) {
			continue
		}
		if n := c.monitor.OnRSSIResult(err); err != nil {
			c.log.Debug("rssi read failed", zap.Int("failures", n), zap.Error(err))
			continue
		}
		c.RSSI.Set(v)
	}
}

func (c *Controller) activeTransport() link.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) isActive(t link.DeviceType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.Type() == t
}

// Connect is a manual connect: it re-arms the circuit breaker and saves dev
// as the auto-reconnect target.
func (c *Controller) Connect(ctx context.Context, dev link.Device) error {
	if c.stop.Engaged() {
		c.LastError.Set(link.UserMessage(link.ErrEmergencyStop))
		return link.ErrEmergencyStop
	}
	c.mu.Lock()
	t, ok := c.transports[dev.Type]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", link.ErrUnsupported, dev.Type)
	}
	prev := c.active
	c.active = t
	saved := dev
	c.saved = &saved
	c.mu.Unlock()

	if prev != nil && prev != t {
		prev.Disconnect()
	}
	c.monitor.CancelReconnect()
	c.ResetCircuitBreaker()

	c.log.Info("connect", zap.String("name", dev.Name), zap.String("address", dev.Address), zap.Stringer("type", dev.Type))
	if err := t.Connect(ctx, dev); err != nil {
		if !errors.Is(err, link.ErrConnectInProgress) {
			c.LastError.Set(link.UserMessage(err))
		}
		return err
	}
	return nil
}

// Disconnect tears the link down and forgets the auto-reconnect target.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	t := c.active
	c.saved = nil
	c.mu.Unlock()
	c.monitor.Reset()
	c.BreakerTripped.Set(false)
	var err error
	if t != nil {
		err = t.Disconnect()
	}
	c.clearLinkState(link.StateDisconnected)
	return err
}

func (c *Controller) clearLinkState(s link.State) {
	c.State.Set(s)
	c.ConnectedDevice.Set(nil)
	c.RSSI.Set(0)
}

// Send enqueues raw bytes on the active link. force is for the stop frame.
func (c *Controller) Send(data []byte, force bool) bool {
	t := c.activeTransport()
	if t == nil {
		return false
	}
	return t.Send(data, force)
}

// SendFrame sends f.
func (c *Controller) SendFrame(f proto.Frame) bool { return c.Send(f.Bytes(), false) }

// Drive sends a drive command.
func (c *Controller) Drive(throttle, steering, aux byte) bool {
	return c.SendFrame(proto.Encode(c.opts.DeviceID, proto.CmdDrive, [proto.PayloadSize]byte{throttle, steering, aux}))
}

// SetEmergencyStop engages or releases the stop. Engaging drops queued
// commands, sends the stop frame ahead of everything and forgets the
// auto-reconnect target.
func (c *Controller) SetEmergencyStop(on bool) {
	prev := c.stop.Set(on)
	c.EmergencyStop.Set(on)
	t := c.activeTransport()
	if on {
		c.mu.Lock()
		c.saved = nil
		c.mu.Unlock()
		c.monitor.Reset()
		c.BreakerTripped.Set(false)
		c.log.Warn("emergency stop engaged")
		if t != nil {
			t.ClearQueue()
			if !t.Send(proto.EmergencyStop(c.opts.DeviceID, true).Bytes(), true) {
				c.log.Warn("stop frame not sent", zap.Stringer("state", t.State()))
			}
		}
		return
	}
	if prev {
		c.log.Info("emergency stop released")
		if t != nil {
			t.Send(proto.EmergencyStop(c.opts.DeviceID, false).Bytes(), false)
		}
	}
}

// SetAutoReconnectEnabled arms or disarms health-driven reconnects.
func (c *Controller) SetAutoReconnectEnabled(on bool) {
	c.mu.Lock()
	c.autoReconnect = on
	c.mu.Unlock()
	if !on {
		c.monitor.CancelReconnect()
	}
}

// ResetCircuitBreaker re-enables auto-reconnect after a trip.
func (c *Controller) ResetCircuitBreaker() {
	c.monitor.ResetCircuitBreaker()
	c.BreakerTripped.Set(false)
}

// PacketStats of the active link.
func (c *Controller) PacketStats() link.NetworkStats {
	if t := c.activeTransport(); t != nil {
		return t.PacketStats()
	}
	return link.NetworkStats{}
}

// SavedDevice returns the auto-reconnect target.
func (c *Controller) SavedDevice() (link.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved == nil {
		return link.Device{}, false
	}
	return *c.saved, true
}
