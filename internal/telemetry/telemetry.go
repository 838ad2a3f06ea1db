// Package telemetry decodes the telemetry and capability announcement frames.
package telemetry

import (
	"fmt"

	"dev.c0redev.rclink/internal/proto"
)

// Mode: low nibble of the status byte.
type Mode byte

const (
	ModeActive   Mode = 0
	ModeSafeMode Mode = 1
)

func (m Mode) String() string {
	if m == ModeSafeMode {
		return "Safe Mode"
	}
	return "Active"
}

const (
	statusCountersBit = 0x80
	statusModeMask    = 0x0F
)

// Telemetry: one decoded report. Replaced wholesale per frame.
type Telemetry struct {
	BatteryVoltage float64  `json:"battery_voltage"`
	Mode           Mode     `json:"mode"`
	Status         string   `json:"status"`
	Counters       *[3]byte `json:"counters,omitempty"`
}

// BatteryTenths returns the raw battery byte.
func (t Telemetry) BatteryTenths() byte { return byte(t.BatteryVoltage*10 + 0.5) }

// ParseTelemetry decodes a CmdTelemetry frame; false for any other command.
// D1 battery in 0.1V, D2 status (bit7 counters present, low nibble mode),
// D3..D5 counters.
func ParseTelemetry(f proto.Frame) (Telemetry, bool) {
	if f.Cmd() != proto.CmdTelemetry {
		return Telemetry{}, false
	}
	p := f.Payload()
	status := p[1]
	mode := ModeActive
	if Mode(status&statusModeMask) == ModeSafeMode {
		mode = ModeSafeMode
	}
	t := Telemetry{
		BatteryVoltage: float64(p[0]) / 10,
		Mode:           mode,
		Status:         mode.String(),
	}
	if status&statusCountersBit != 0 {
		c := [3]byte{p[2], p[3], p[4]}
		t.Counters = &c
		t.Status = fmt.Sprintf("%s | C1:%d C2:%d C3:%d", t.Status, c[0], c[1], c[2])
	}
	return t, true
}

// EncodeTelemetry builds the frame a controller would send.
func EncodeTelemetry(deviceID byte, tenths byte, mode Mode, counters *[3]byte) proto.Frame {
	var p [proto.PayloadSize]byte
	p[0] = tenths
	p[1] = byte(mode) & statusModeMask
	if counters != nil {
		p[1] |= statusCountersBit
		p[2], p[3], p[4] = counters[0], counters[1], counters[2]
	}
	return proto.Encode(deviceID, proto.CmdTelemetry, p)
}
