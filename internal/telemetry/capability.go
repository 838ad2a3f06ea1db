package telemetry

import (
	"strings"

	"dev.c0redev.rclink/internal/proto"
)

// Feature: one bit of the 16-bit capability mask (D1 low byte, D2 high byte).
type Feature uint16

const (
	FeatureDrive Feature = 1 << iota
	FeatureSteering
	FeatureLights
	FeatureHorn
	FeatureServo
	FeatureUltrasonic
	FeatureLineSensor
	FeatureBatterySense

	FeatureIMU
	FeatureEncoders
	FeatureCamera
	FeatureGPS
	FeatureEncryption
	FeatureOTA
	FeatureCustomCounters
	FeatureEmergencyStop
)

var featureNames = []string{
	"drive", "steering", "lights", "horn", "servo", "ultrasonic", "line_sensor", "battery_sense",
	"imu", "encoders", "camera", "gps", "encryption", "ota", "custom_counters", "emergency_stop",
}

func (f Feature) String() string {
	for i, n := range featureNames {
		if f == 1<<i {
			return n
		}
	}
	return "unknown"
}

// Board type announced in D3.
type Board byte

const (
	BoardUnknown Board = iota
	BoardArduinoUno
	BoardArduinoNano
	BoardArduinoMega
	BoardESP32
	BoardESP8266
	BoardRP2040
	BoardSTM32
	boardCount
)

var boardNames = [...]string{"unknown", "arduino_uno", "arduino_nano", "arduino_mega", "esp32", "esp8266", "rp2040", "stm32"}

// BoardFromByte maps unrecognized codes to BoardUnknown.
func BoardFromByte(b byte) Board {
	if Board(b) >= boardCount {
		return BoardUnknown
	}
	return Board(b)
}

func (b Board) String() string {
	if b >= boardCount {
		return boardNames[0]
	}
	return boardNames[b]
}

// Capabilities: one announcement snapshot. Zero value is the all-false default.
type Capabilities struct {
	Mask0 byte  `json:"mask0"`
	Mask1 byte  `json:"mask1"`
	Board Board `json:"board"`
}

// Has reports whether f is announced.
func (c Capabilities) Has(f Feature) bool {
	return (uint16(c.Mask1)<<8|uint16(c.Mask0))&uint16(f) != 0
}

// Features lists announced features in bit order.
func (c Capabilities) Features() []Feature {
	var out []Feature
	for i := 0; i < 16; i++ {
		if f := Feature(1 << i); c.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (c Capabilities) String() string {
	fs := c.Features()
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.String()
	}
	return c.Board.String() + " [" + strings.Join(names, ",") + "]"
}

// ParseCapability decodes a CmdCapability frame.
func ParseCapability(f proto.Frame) (Capabilities, bool) {
	if f.Cmd() != proto.CmdCapability {
		return Capabilities{}, false
	}
	p := f.Payload()
	return ParseCapabilityPayload(p[:]), true
}

// ParseCapabilityPayload: fewer than 3 bytes yields the all-false default.
func ParseCapabilityPayload(p []byte) Capabilities {
	if len(p) < 3 {
		return Capabilities{}
	}
	return Capabilities{Mask0: p[0], Mask1: p[1], Board: BoardFromByte(p[2])}
}

// EncodeCapability builds an announcement frame.
func EncodeCapability(deviceID byte, c Capabilities) proto.Frame {
	return proto.Encode(deviceID, proto.CmdCapability, [proto.PayloadSize]byte{c.Mask0, c.Mask1, byte(c.Board)})
}

// CapabilitiesOf builds a snapshot from features.
func CapabilitiesOf(board Board, features ...Feature) Capabilities {
	var m uint16
	for _, f := range features {
		m |= uint16(f)
	}
	return Capabilities{Mask0: byte(m), Mask1: byte(m >> 8), Board: board}
}
