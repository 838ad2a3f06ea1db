// Package health: heartbeat/RTT tracking, reconnect backoff and the circuit
// breaker. Never performs I/O; it only tells a Listener what is due.
package health

import (
	"time"

	"dev.c0redev.rclink/internal/link"
)

// Config of backoff and circuit breaking.
type Config struct {
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
	TickInterval         time.Duration
	Profiles             map[link.DeviceType]Profile
}

// Profile: liveness policy for one transport.
type Profile struct {
	HeartbeatInterval  time.Duration
	Timeout            time.Duration
	MissedAckTolerance int
}

// DefaultConfig: 3s base, 24s max (3/6/12/24 then hold), 10 attempts.
func DefaultConfig() Config {
	return Config{
		BaseDelay:            3 * time.Second,
		MaxDelay:             24 * time.Second,
		MaxReconnectAttempts: 10,
		TickInterval:         time.Second,
		Profiles:             DefaultProfiles(),
	}
}

// CeilingPreset keeps the 30s ceiling variant. With a 3s base the doubling
// still holds at 24s; the ceiling only bites for larger bases.
func CeilingPreset() Config {
	c := DefaultConfig()
	c.MaxDelay = 30 * time.Second
	return c
}

// DefaultProfiles: Classic drops cleanly so fails fast; BLE connection
// intervals legitimately delay packets.
func DefaultProfiles() map[link.DeviceType]Profile {
	return map[link.DeviceType]Profile{
		link.DeviceClassic: {HeartbeatInterval: 4 * time.Second, Timeout: 20 * time.Second, MissedAckTolerance: 5},
		link.DeviceLE:      {HeartbeatInterval: 5 * time.Second, Timeout: 5 * time.Minute, MissedAckTolerance: 60},
		link.DeviceWiFi:    {HeartbeatInterval: 4 * time.Second, Timeout: 20 * time.Second, MissedAckTolerance: 5},
	}
}

// Profile returns the profile for t, falling back to Classic.
func (c Config) Profile(t link.DeviceType) Profile {
	if p, ok := c.Profiles[t]; ok {
		return p
	}
	if p, ok := DefaultProfiles()[t]; ok {
		return p
	}
	return DefaultProfiles()[link.DeviceClassic]
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.Profiles == nil {
		c.Profiles = d.Profiles
	}
	return c
}

// BackoffDelay = base * 2^min(attempt,3), clamped to MaxDelay.
func (c Config) BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := c.BaseDelay << uint(min(attempt, 3))
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}
