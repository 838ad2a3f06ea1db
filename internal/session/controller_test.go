package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"dev.c0redev.rclink/internal/health"
	"dev.c0redev.rclink/internal/link"
	"dev.c0redev.rclink/internal/proto"
	"dev.c0redev.rclink/internal/telemetry"
)

type fakeTransport struct {
	*link.Base
	mu         sync.Mutex
	connectErr error
	connects   int
	written    [][]byte
}

func (f *fakeTransport) Connect(ctx context.Context, dev link.Device) error {
	release, err := f.BeginConnect()
	if err != nil {
		return err
	}
	defer release()
	f.mu.Lock()
	f.connects++
	cerr := f.connectErr
	f.mu.Unlock()
	f.SetState(link.StateConnecting, nil)
	if cerr != nil {
		f.SetState(link.StateError, cerr)
		return cerr
	}
	f.StartWriter(func(b []byte) bool {
		f.mu.Lock()
		f.written = append(f.written, b)
		f.mu.Unlock()
		return true
	}, link.QueueOptions{})
	f.SetState(link.StateConnected, nil)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.StopWriter()
	f.SetState(link.StateDisconnected, nil)
	return nil
}

func (f *fakeTransport) ReadRSSI(context.Context) (int, error) { return -50, nil }

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) frames() []proto.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Frame
	for _, b := range f.written {
		if fr, err := proto.Decode(b); err == nil {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeTransport) hasCmd(cmd byte) bool {
	for _, fr := range f.frames() {
		if fr.Cmd() == cmd {
			return true
		}
	}
	return false
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) add(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func setup(t *testing.T, opts Options) (*Controller, *fakeTransport, *clock) {
	t.Helper()
	c := New(opts, zaptest.NewLogger(t))
	f := &fakeTransport{Base: link.NewBase(link.DeviceClassic, c, c.Stop(), 20, c.Logger())}
	c.Register(f)
	t.Cleanup(func() { c.Close() })
	clk := &clock{t: time.Unix(1700000000, 0)}
	c.Monitor().SetClock(clk.now)
	return c, f, clk
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

var dev = link.Device{Name: "HC-05", Address: "/dev/rfcomm0", Type: link.DeviceClassic}

func TestConnectPublishesState(t *testing.T) {
	c, f, _ := setup(t, DefaultOptions())
	if err := c.Connect(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
	if c.State.Get() != link.StateConnected {
		t.Fatalf("state %v", c.State.Get())
	}
	if d := c.ConnectedDevice.Get(); d == nil || d.Address != dev.Address {
		t.Fatalf("device %v", d)
	}
	eventually(t, func() bool { return f.hasCmd(proto.CmdCapabilityRequest) })
	if c.Logs.Len() == 0 {
		t.Fatal("debug log empty")
	}
}

func TestUnsupportedTransport(t *testing.T) {
	c, _, _ := setup(t, DefaultOptions())
	err := c.Connect(context.Background(), link.Device{Type: link.DeviceLE})
	if !errors.Is(err, link.ErrUnsupported) {
		t.Fatalf("got %v", err)
	}
}

func TestInboundTelemetryAndCapabilities(t *testing.T) {
	c, f, _ := setup(t, DefaultOptions())
	if err := c.Connect(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
	tf := telemetry.EncodeTelemetry(proto.DefaultDeviceID, 74, telemetry.ModeActive, &[3]byte{1, 2, 3}).Bytes()
	// split across reads, with noise in front
	f.Deliver(append([]byte{0x00, 0x13}, tf[:4]...))
	f.Deliver(tf[4:])
	tm := c.Telemetry.Get()
	if tm == nil || tm.BatteryVoltage != 7.4 || tm.Counters == nil {
		t.Fatalf("telemetry %+v", tm)
	}
	caps := telemetry.CapabilitiesOf(telemetry.BoardESP32, telemetry.FeatureDrive, telemetry.FeatureLights)
	f.Deliver(telemetry.EncodeCapability(proto.DefaultDeviceID, caps).Bytes())
	if got := c.Capabilities.Get(); got != caps {
		t.Fatalf("caps %+v", got)
	}
	// other device ids are ignored
	f.Deliver(telemetry.EncodeTelemetry(0x07, 10, telemetry.ModeActive, nil).Bytes())
	if c.Telemetry.Get().BatteryVoltage != 7.4 {
		t.Fatal("frame for another device applied")
	}
}

func TestHeartbeatRTT(t *testing.T) {
	c, f, clk := setup(t, DefaultOptions())
	if err := c.Connect(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
	c.Monitor().Tick(clk.now())
	eventually(t, func() bool { return f.hasCmd(proto.CmdHeartbeat) })
	clk.add(40 * time.Millisecond)
	f.Deliver(proto.Encode(proto.DefaultDeviceID, proto.CmdHeartbeatAck, [5]byte{1}).Bytes())
	h := c.RTTHistory.Get()
	if len(h) != 1 || h[0] != 40*time.Millisecond {
		t.Fatalf("rtt %v", h)
	}
}

func TestDeviceHeartbeatAcked(t *testing.T) {
	c, f, _ := setup(t, DefaultOptions())
	if err := c.Connect(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
	f.Deliver(proto.Heartbeat(proto.DefaultDeviceID, 9).Bytes())
	eventually(t, func() bool { return f.hasCmd(proto.CmdHeartbeatAck) })
}

func TestRTTHistoryCapped(t *testing.T) {
	c, _, _ := setup(t, DefaultOptions())
	for i := 1; i <= 70; i++ {
		c.recordRTT(time.Duration(i) * time.Millisecond)
	}
	h := c.RTTHistory.Get()
	if len(h) != RTTHistorySize || h[0] != 11*time.Millisecond || h[59] != 70*time.Millisecond {
		t.Fatalf("len %d first %v last %v", len(h), h[0], h[len(h)-1])
	}
}

func TestEmergencyStop(t *testing.T) {
	c, f, _ := setup(t, DefaultOptions())
	if err := c.Connect(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return f.hasCmd(proto.CmdCapabilityRequest) })
	c.SetEmergencyStop(true)
	frames := f.frames()
	last := frames[len(frames)-1]
	if last.Cmd() != proto.CmdEmergencyStop || last.Payload()[0] != 1 {
		t.Fatalf("last frame %v", last)
	}
	if c.Drive(100, 0, 0) {
		t.Fatal("drive accepted under emergency stop")
	}
	if _, ok := c.SavedDevice(); ok {
		t.Fatal("auto-reconnect target kept")
	}
	if err := c.Connect(context.Background(), dev); !errors.Is(err, link.ErrEmergencyStop) {
		t.Fatalf("connect: %v", err)
	}
	if !c.EmergencyStop.Get() {
		t.Fatal("observable")
	}
	c.SetEmergencyStop(false)
	eventually(t, func() bool {
		fs := f.frames()
		l := fs[len(fs)-1]
		return l.Cmd() == proto.CmdEmergencyStop && l.Payload()[0] == 0
	})
	if !c.Drive(100, 0, 0) {
		t.Fatal("drive refused after release")
	}
}

func TestLinkErrorSchedulesReconnect(t *testing.T) {
	c, f, clk := setup(t, DefaultOptions())
	if err := c.Connect(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
	f.StopWriter()
	f.SetState(link.StateError, link.ErrLinkLost)
	if c.State.Get() != link.StateReconnecting {
		t.Fatalf("state %v", c.State.Get())
	}
	if c.Monitor().Attempts() != 1 {
		t.Fatalf("attempts %d", c.Monitor().Attempts())
	}
	c.Monitor().Tick(clk.add(2 * time.Second))
	if f.connectCount() != 1 {
		t.Fatal("reconnected before backoff")
	}
	c.Monitor().Tick(clk.add(time.Second))
	eventually(t, func() bool { return c.State.Get() == link.StateConnected })
	if f.connectCount() != 2 {
		t.Fatalf("connects %d", f.connectCount())
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	c, f, _ := setup(t, DefaultOptions())
	f.setConnectErr(link.ErrDeviceNotFound)
	if err := c.Connect(context.Background(), dev); !errors.Is(err, link.ErrDeviceNotFound) {
		t.Fatalf("got %v", err)
	}
	if c.Monitor().Attempts() != 0 || c.State.Get() != link.StateError {
		t.Fatalf("attempts %d state %v", c.Monitor().Attempts(), c.State.Get())
	}
	if c.LastError.Get() != "Device not found" {
		t.Fatalf("message %q", c.LastError.Get())
	}
}

func TestCircuitBreakerStopsReconnects(t *testing.T) {
	opts := DefaultOptions()
	opts.Health = health.Config{MaxReconnectAttempts: 2}
	c, f, clk := setup(t, opts)
	f.setConnectErr(link.ErrLinkLost)
	c.Connect(context.Background(), dev)
	if c.Monitor().Attempts() != 1 {
		t.Fatalf("attempts %d", c.Monitor().Attempts())
	}
	c.Monitor().Tick(clk.add(time.Minute))
	eventually(t, func() bool { return c.BreakerTripped.Get() })
	if c.Monitor().Attempts() != 2 {
		t.Fatalf("attempts %d", c.Monitor().Attempts())
	}
	// the attempt booked when tripping still runs
	c.Monitor().Tick(clk.add(time.Minute))
	eventually(t, func() bool { return f.connectCount() == 3 && c.State.Get() == link.StateError })
	c.Monitor().Tick(clk.add(time.Minute))
	time.Sleep(20 * time.Millisecond)
	if f.connectCount() != 3 {
		t.Fatalf("connects %d", f.connectCount())
	}
	c.ResetCircuitBreaker()
	if c.BreakerTripped.Get() || c.Monitor().Attempts() != 0 {
		t.Fatal("reset")
	}
}

func TestAutoReconnectDisarmed(t *testing.T) {
	c, f, _ := setup(t, DefaultOptions())
	c.SetAutoReconnectEnabled(false)
	f.setConnectErr(link.ErrLinkLost)
	c.Connect(context.Background(), dev)
	if c.Monitor().Attempts() != 0 || c.State.Get() != link.StateError {
		t.Fatal("reconnect scheduled while disarmed")
	}
}

func TestDisconnectClearsTarget(t *testing.T) {
	c, f, _ := setup(t, DefaultOptions())
	if err := c.Connect(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.SavedDevice(); ok {
		t.Fatal("target kept")
	}
	if c.State.Get() != link.StateDisconnected || c.ConnectedDevice.Get() != nil {
		t.Fatal("observables not cleared")
	}
	if f.State() != link.StateDisconnected {
		t.Fatal("transport still up")
	}
	if c.Send([]byte{1}, false) {
		t.Fatal("send after disconnect")
	}
	if c.PacketStats().Dropped != 1 {
		t.Fatalf("stats %+v", c.PacketStats())
	}
}

func TestHeartbeatTimeoutDropsLink(t *testing.T) {
	c, f, clk := setup(t, DefaultOptions())
	if err := c.Connect(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
	c.Monitor().Tick(clk.add(21 * time.Second))
	eventually(t, func() bool { return c.State.Get() == link.StateReconnecting })
	if f.State() != link.StateDisconnected {
		t.Fatalf("transport %v", f.State())
	}
	if c.Monitor().Attempts() != 1 {
		t.Fatalf("attempts %d", c.Monitor().Attempts())
	}
}

func TestStartPollsRSSI(t *testing.T) {
	opts := DefaultOptions()
	opts.RSSIInterval = 5 * time.Millisecond
	c, _, _ := setup(t, opts)
	if err := c.Connect(context.Background(), dev); err != nil {
		t.Fatal(err)
	}
	c.Start(context.Background())
	eventually(t, func() bool { return c.RSSI.Get() == -50 })
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if c.State.Get() != link.StateDisconnected {
		t.Fatal("close should disconnect")
	}
}
