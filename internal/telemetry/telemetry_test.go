package telemetry

import (
	"strings"
	"testing"

	"dev.c0redev.rclink/internal/proto"
)

func TestParseTelemetryWrongCommand(t *testing.T) {
	f := proto.Encode(1, proto.CmdHeartbeat, [5]byte{120, 0x80, 1, 2, 3})
	if _, ok := ParseTelemetry(f); ok {
		t.Fatal("non-telemetry frame parsed")
	}
}

func TestParseTelemetryBatteryRange(t *testing.T) {
	for _, c := range []struct {
		raw  byte
		want float64
	}{{0, 0.0}, {255, 25.5}, {74, 7.4}} {
		tm, ok := ParseTelemetry(proto.Encode(1, proto.CmdTelemetry, [5]byte{c.raw}))
		if !ok {
			t.Fatal("not parsed")
		}
		if tm.BatteryVoltage != c.want {
			t.Fatalf("raw %d: got %v want %v", c.raw, tm.BatteryVoltage, c.want)
		}
		if tm.BatteryTenths() != c.raw {
			t.Fatalf("raw %d: tenths %d", c.raw, tm.BatteryTenths())
		}
	}
}

func TestParseTelemetryStatus(t *testing.T) {
	tm, _ := ParseTelemetry(proto.Encode(1, proto.CmdTelemetry, [5]byte{100, 0x00, 9, 9, 9}))
	if tm.Status != "Active" || tm.Counters != nil {
		t.Fatalf("got %+v", tm)
	}
	tm, _ = ParseTelemetry(proto.Encode(1, proto.CmdTelemetry, [5]byte{100, 0x01}))
	if tm.Mode != ModeSafeMode || tm.Status != "Safe Mode" {
		t.Fatalf("got %+v", tm)
	}
	// unknown modes read as Active
	tm, _ = ParseTelemetry(proto.Encode(1, proto.CmdTelemetry, [5]byte{100, 0x07}))
	if tm.Mode != ModeActive {
		t.Fatalf("got %+v", tm)
	}
	tm, _ = ParseTelemetry(proto.Encode(1, proto.CmdTelemetry, [5]byte{100, 0x81, 11, 22, 33}))
	for _, s := range []string{"Safe Mode", "11", "22", "33"} {
		if !strings.Contains(tm.Status, s) {
			t.Fatalf("status %q missing %q", tm.Status, s)
		}
	}
	if tm.Counters == nil || *tm.Counters != [3]byte{11, 22, 33} {
		t.Fatalf("counters %v", tm.Counters)
	}
}

func TestEncodeTelemetryRoundTrip(t *testing.T) {
	f := EncodeTelemetry(3, 126, ModeSafeMode, &[3]byte{1, 2, 3})
	tm, ok := ParseTelemetry(f)
	if !ok || tm.BatteryVoltage != 12.6 || tm.Mode != ModeSafeMode || *tm.Counters != [3]byte{1, 2, 3} {
		t.Fatalf("got %+v", tm)
	}
}

func TestParseCapability(t *testing.T) {
	f := proto.Encode(1, proto.CmdCapability, [5]byte{0x05, 0x80, 0x04})
	c, ok := ParseCapability(f)
	if !ok {
		t.Fatal("not parsed")
	}
	if !c.Has(FeatureDrive) || !c.Has(FeatureLights) || c.Has(FeatureSteering) {
		t.Fatalf("mask0 %+v", c)
	}
	if !c.Has(FeatureEmergencyStop) || c.Has(FeatureIMU) {
		t.Fatalf("mask1 %+v", c)
	}
	if c.Board != BoardESP32 {
		t.Fatalf("board %v", c.Board)
	}
	if _, ok := ParseCapability(proto.Encode(1, proto.CmdTelemetry, [5]byte{})); ok {
		t.Fatal("telemetry parsed as capability")
	}
}

func TestParseCapabilityShortAndUnknown(t *testing.T) {
	if c := ParseCapabilityPayload([]byte{0xFF, 0xFF}); c != (Capabilities{}) || len(c.Features()) != 0 {
		t.Fatalf("short payload: %+v", c)
	}
	c := ParseCapabilityPayload([]byte{0, 0, 0xEE})
	if c.Board != BoardUnknown || c.Board.String() != "unknown" {
		t.Fatalf("board %v", c.Board)
	}
}

func TestCapabilitiesOf(t *testing.T) {
	c := CapabilitiesOf(BoardRP2040, FeatureDrive, FeatureOTA)
	got, _ := ParseCapability(EncodeCapability(1, c))
	if got != c || len(got.Features()) != 2 {
		t.Fatalf("got %+v want %+v", got, c)
	}
	if got.String() != "rp2040 [drive,ota]" {
		t.Fatalf("string %q", got.String())
	}
}
