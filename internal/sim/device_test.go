package sim

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"dev.c0redev.rclink/internal/link"
	"dev.c0redev.rclink/internal/link/wifi"
	"dev.c0redev.rclink/internal/proto"
	"dev.c0redev.rclink/internal/session"
	"dev.c0redev.rclink/internal/telemetry"
	"dev.c0redev.rclink/internal/transport"
)

var psk = []byte("rclink-sim-test-pre-shared-key!!")

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func start(t *testing.T, key []byte) (*Device, Options) {
	t.Helper()
	conn, err := transport.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	opts := DefaultOptions()
	opts.PSK = key
	opts.TelemetryInterval = 20 * time.Millisecond
	d := New(conn, opts, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, opts
}

func controller(t *testing.T) *session.Controller {
	t.Helper()
	ctrl := session.New(session.DefaultOptions(), zaptest.NewLogger(t))
	wopts := wifi.DefaultOptions()
	wopts.PSK = psk
	ctrl.Register(wifi.New(transport.DialUDP, ctrl, ctrl.Stop(), wopts, ctrl.Logger()))
	t.Cleanup(func() { ctrl.Close() })
	return ctrl
}

func TestSessionAgainstSimulator(t *testing.T) {
	d, opts := start(t, psk)
	ctrl := controller(t)
	target := link.Device{Name: "sim", Address: d.Addr(), Type: link.DeviceWiFi}
	if err := ctrl.Connect(context.Background(), target); err != nil {
		t.Fatal(err)
	}
	if d.Sessions() != 1 {
		t.Fatalf("sessions %d", d.Sessions())
	}
	eventually(t, "capabilities", func() bool { return ctrl.Capabilities.Get() == opts.Capabilities })
	if !ctrl.Capabilities.Get().Has(telemetry.FeatureEncryption) {
		t.Fatal("feature bits")
	}
	eventually(t, "telemetry", func() bool {
		tm := ctrl.Telemetry.Get()
		return tm != nil && tm.BatteryVoltage == 8.4 && strings.HasPrefix(tm.Status, "Active | C1:")
	})

	if !ctrl.Drive(120, 90, 0) {
		t.Fatal("drive refused")
	}
	eventually(t, "drive frame", func() bool { return d.LastFrame().Cmd() == proto.CmdDrive })

	ctrl.SetEmergencyStop(true)
	eventually(t, "stop", d.Stopped)
	eventually(t, "safe mode", func() bool {
		tm := ctrl.Telemetry.Get()
		return tm != nil && tm.Mode == telemetry.ModeSafeMode
	})
	if ctrl.Drive(120, 90, 0) {
		t.Fatal("drive accepted while stopped")
	}
}

func TestSimulatorRejectsWrongKey(t *testing.T) {
	d, _ := start(t, []byte("a-different-pre-shared-key-value"))
	ctrl := controller(t)
	err := ctrl.Connect(context.Background(), link.Device{Address: d.Addr(), Type: link.DeviceWiFi})
	if !link.IsSecurity(err) {
		t.Fatalf("got %v", err)
	}
	if ctrl.State.Get() != link.StateError || ctrl.Monitor().Attempts() != 0 {
		t.Fatalf("state %v attempts %d", ctrl.State.Get(), ctrl.Monitor().Attempts())
	}
}
