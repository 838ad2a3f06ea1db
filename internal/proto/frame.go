package proto

import "fmt"

// Frame: one validated 10-byte packet. Array value, so copies never alias.
type Frame [FrameSize]byte

// DeviceID returns DEV_ID.
func (f Frame) DeviceID() byte { return f[1] }

// Cmd returns CMD.
func (f Frame) Cmd() byte { return f[2] }

// Payload returns D1..D5.
func (f Frame) Payload() [PayloadSize]byte {
	var p [PayloadSize]byte
	copy(p[:], f[3:3+PayloadSize])
	return p
}

// Checksum returns the stored XOR byte.
func (f Frame) Checksum() byte { return f[checksumIndex] }

// Bytes returns a fresh copy for writing to a transport.
func (f Frame) Bytes() []byte {
	b := make([]byte, FrameSize)
	copy(b, f[:])
	return b
}

func (f Frame) String() string {
	return fmt.Sprintf("frame dev=%02x cmd=%02x data=% x", f.DeviceID(), f.Cmd(), f[3:3+PayloadSize])
}

// Heartbeat builds a heartbeat frame carrying seq.
func Heartbeat(deviceID, seq byte) Frame {
	return Encode(deviceID, CmdHeartbeat, [PayloadSize]byte{seq})
}

// EmergencyStop builds the stop (engaged=true) or release frame.
func EmergencyStop(deviceID byte, engaged bool) Frame {
	var p [PayloadSize]byte
	if engaged {
		p[0] = 1
	}
	return Encode(deviceID, CmdEmergencyStop, p)
}

// CapabilityRequest asks the controller to announce its capabilities.
func CapabilityRequest(deviceID byte) Frame {
	return Encode(deviceID, CmdCapabilityRequest, [PayloadSize]byte{})
}
