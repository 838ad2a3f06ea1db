// Package sim is a WiFi controller simulator: it answers the UDP handshake,
// acknowledges heartbeats, announces capabilities and streams telemetry.
package sim

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"dev.c0redev.rclink/internal/crypto"
	"dev.c0redev.rclink/internal/proto"
	"dev.c0redev.rclink/internal/telemetry"
	"dev.c0redev.rclink/internal/transport"
)

// Options for a simulated controller.
type Options struct {
	PSK               []byte
	DeviceID          byte
	TelemetryInterval time.Duration
	Battery           byte // tenths of a volt
	Capabilities      telemetry.Capabilities
}

// DefaultOptions: an ESP32 board with drive, steering and encryption.
func DefaultOptions() Options {
	return Options{
		DeviceID:          proto.DefaultDeviceID,
		TelemetryInterval: time.Second,
		Battery:           84,
		Capabilities: telemetry.CapabilitiesOf(telemetry.BoardESP32,
			telemetry.FeatureDrive, telemetry.FeatureSteering, telemetry.FeatureEncryption,
			telemetry.FeatureBatterySense, telemetry.FeatureEmergencyStop, telemetry.FeatureCustomCounters),
	}
}

// Device serves one app at a time; a new hello replaces the session.
type Device struct {
	conn *net.UDPConn
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	engine   *crypto.Engine
	key      *crypto.SessionKey
	peer     *net.UDPAddr
	splitter proto.Splitter
	stopped  bool
	last     proto.Frame
	counters [3]byte
	sessions int
}

// New wraps a bound socket.
func New(conn *net.UDPConn, opts Options, log *zap.Logger) *Device {
	if opts.DeviceID == 0 {
		opts.DeviceID = proto.DefaultDeviceID
	}
	if opts.TelemetryInterval <= 0 {
		opts.TelemetryInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Device{conn: conn, opts: opts, log: log.Named("sim")}
}

// Serve runs until ctx ends or the socket closes.
func (d *Device) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.conn.Close()
	}()
	go d.stream(ctx)
	buf := make([]byte, transport.MaxDatagram)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		d.handle(append([]byte(nil), buf[:n]...), from)
	}
}

func (d *Device) handle(b []byte, from *net.UDPAddr) {
	if transport.IsHello(b) {
		d.hello(b, from)
		return
	}
	d.mu.Lock()
	e := d.engine
	d.mu.Unlock()
	if e == nil {
		d.log.Debug("datagram before handshake", zap.Stringer("from", from))
		return
	}
	plain, err := e.Decrypt(b)
	if err != nil {
		d.log.Warn("decrypt failed", zap.Error(err))
		return
	}
	d.mu.Lock()
	frames := d.splitter.Feed(plain, func(err error) {
		d.log.Debug("bad frame", zap.Error(err))
	})
	d.mu.Unlock()
	for _, f := range frames {
		d.frame(f)
	}
}

func (d *Device) hello(b []byte, from *net.UDPAddr) {
	appNonce, err := transport.DecodeHello(b)
	if err != nil {
		return
	}
	devNonce, sig, key, err := crypto.Respond(d.opts.PSK, appNonce)
	if err != nil {
		d.log.Error("respond", zap.Error(err))
		return
	}
	e, err := crypto.NewEngine(key)
	if err != nil {
		key.Destroy()
		return
	}
	d.mu.Lock()
	d.key.Destroy()
	d.key, d.engine, d.peer = key, e, from
	d.splitter.Reset()
	d.sessions++
	d.mu.Unlock()
	d.log.Info("session", zap.Stringer("peer", from))
	d.conn.WriteToUDP(transport.EncodeResponse(devNonce, sig), from)
}

func (d *Device) frame(f proto.Frame) {
	if id := f.DeviceID(); id != d.opts.DeviceID && id != proto.BroadcastDeviceID {
		return
	}
	d.mu.Lock()
	d.last = f
	d.mu.Unlock()
	p := f.Payload()
	switch f.Cmd() {
	case proto.CmdHeartbeat:
		d.send(proto.Encode(d.opts.DeviceID, proto.CmdHeartbeatAck, [proto.PayloadSize]byte{p[0]}))
	case proto.CmdCapabilityRequest:
		d.send(telemetry.EncodeCapability(d.opts.DeviceID, d.opts.Capabilities))
	case proto.CmdEmergencyStop:
		d.mu.Lock()
		d.stopped = p[0] == 1
		d.mu.Unlock()
		d.log.Warn("emergency stop", zap.Bool("engaged", p[0] == 1))
		d.send(f)
	case proto.CmdDrive:
		d.mu.Lock()
		d.counters[0]++
		d.mu.Unlock()
	}
}

func (d *Device) send(f proto.Frame) {
	d.mu.Lock()
	e, peer := d.engine, d.peer
	d.mu.Unlock()
	if e == nil || peer == nil {
		return
	}
	ct, err := e.Encrypt(f.Bytes())
	if err != nil {
		d.log.Warn("encrypt", zap.Error(err))
		return
	}
	if _, err := d.conn.WriteToUDP(ct, peer); err != nil {
		d.log.Debug("write", zap.Error(err))
	}
}

func (d *Device) stream(ctx context.Context) {
	t := time.NewTicker(d.opts.TelemetryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		d.mu.Lock()
		mode := telemetry.ModeActive
		if d.stopped {
			mode = telemetry.ModeSafeMode
		}
		counters := d.counters
		d.mu.Unlock()
		d.send(telemetry.EncodeTelemetry(d.opts.DeviceID, d.opts.Battery, mode, &counters))
	}
}

// Stopped reports whether the last stop frame engaged.
func (d *Device) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Sessions counts completed handshakes.
func (d *Device) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}

// LastFrame returns the last frame addressed to this device.
func (d *Device) LastFrame() proto.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Addr is the bound address.
func (d *Device) Addr() string { return d.conn.LocalAddr().String() }
