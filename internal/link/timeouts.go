package link

import "time"

// Timeouts for the connect path. Zero timeouts and attempt counts fall back
// to defaults; settle/retry delays and retry counts may be zero.
type Timeouts struct {
	Connect           time.Duration
	GattOp            time.Duration
	Handshake         time.Duration
	HandshakeAttempts int
	ServiceSettle     time.Duration
	DiscoveryAttempts int
	TransientRetries  int
	TransientDelay    time.Duration
}

// DefaultTimeouts: 15s connect, 4s GATT op, 5s handshake x3.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:           15 * time.Second,
		GattOp:            4 * time.Second,
		Handshake:         5 * time.Second,
		HandshakeAttempts: 3,
		ServiceSettle:     650 * time.Millisecond,
		DiscoveryAttempts: 3,
		TransientRetries:  3,
		TransientDelay:    300 * time.Millisecond,
	}
}

// WithDefaults fills zero fields.
func (t Timeouts) WithDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Connect <= 0 {
		t.Connect = d.Connect
	}
	if t.GattOp <= 0 {
		t.GattOp = d.GattOp
	}
	if t.Handshake <= 0 {
		t.Handshake = d.Handshake
	}
	if t.HandshakeAttempts <= 0 {
		t.HandshakeAttempts = d.HandshakeAttempts
	}
	if t.ServiceSettle < 0 {
		t.ServiceSettle = 0
	}
	if t.DiscoveryAttempts <= 0 {
		t.DiscoveryAttempts = d.DiscoveryAttempts
	}
	if t.TransientRetries < 0 {
		t.TransientRetries = 0
	}
	if t.TransientDelay < 0 {
		t.TransientDelay = 0
	}
	return t
}
