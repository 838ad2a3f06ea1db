package proto

// Wire delimiters and sizes for the fixed control frame.
const (
	StartByte byte = 0xAA
	EndByte   byte = 0x55

	// FrameSize: start + dev + cmd + 5 data + checksum + end.
	FrameSize = 10
	// PayloadSize D1..D5.
	PayloadSize = 5

	checksumIndex = 8
)

// DefaultDeviceID addresses the first (usually only) controller on the link.
const DefaultDeviceID byte = 0x01

// BroadcastDeviceID reaches every controller sharing the link.
const BroadcastDeviceID byte = 0xFF

// Command: 1-byte CMD on wire.
const (
	CmdHeartbeat         byte = 0x01 // D1 = seq
	CmdHeartbeatAck      byte = 0x02 // D1 = echoed seq
	CmdDrive             byte = 0x10 // D1 throttle, D2 steering, D3 aux, D4..D5 reserved
	CmdTelemetry         byte = 0x20 // D1 battery, D2 status, D3..D5 counters
	CmdCapability        byte = 0x21 // D1 caps0, D2 caps1, D3 board type
	CmdCapabilityRequest byte = 0x22
	CmdEmergencyStop     byte = 0xE0 // D1 = 1 engage, 0 release
)
