// Package config reads rclink settings from RCLINK_* environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"

	"dev.c0redev.rclink/internal/crypto"
	"dev.c0redev.rclink/internal/health"
	"dev.c0redev.rclink/internal/link"
	"dev.c0redev.rclink/internal/proto"
	"dev.c0redev.rclink/internal/session"
)

const envPrefix = "RCLINK_"

// Config: everything a CLI needs to build a session. Zero queue fields keep
// the per-transport defaults.
type Config struct {
	PSK        []byte
	UDPAddr    string
	SerialPort string
	Baud       int
	BLEAddress string
	DeviceID   byte

	Health        health.Config
	QueueCapacity int
	WriteDelay    time.Duration
	LogLevel      zapcore.Level
}

// Default has no link targets and no PSK.
func Default() Config {
	return Config{
		UDPAddr:  "192.168.4.1:4210",
		Baud:     9600,
		DeviceID: proto.DefaultDeviceID,
		Health:   health.DefaultConfig(),
		LogLevel: zapcore.InfoLevel,
	}
}

// FromEnv reads the process environment over Default.
func FromEnv() (Config, error) { return fromLookup(os.LookupEnv) }

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	get := func(k string) (string, bool) {
		v, ok := lookup(envPrefix + k)
		return v, ok && v != ""
	}
	if v, ok := get("PSK"); ok {
		psk, err := hex.DecodeString(v)
		if err != nil {
			return c, fmt.Errorf("%sPSK: %w", envPrefix, err)
		}
		if len(psk) < crypto.MinPSKSize {
			return c, fmt.Errorf("%sPSK: need at least %d bytes, got %d", envPrefix, crypto.MinPSKSize, len(psk))
		}
		c.PSK = psk
	}
	if v, ok := get("UDP_ADDR"); ok {
		c.UDPAddr = v
	}
	if v, ok := get("SERIAL_PORT"); ok {
		c.SerialPort = v
	}
	if v, ok := get("BLE_ADDRESS"); ok {
		c.BLEAddress = v
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"BAUD", &c.Baud},
		{"MAX_RECONNECT_ATTEMPTS", &c.Health.MaxReconnectAttempts},
		{"QUEUE_CAPACITY", &c.QueueCapacity},
	}
	for _, f := range ints {
		v, ok := get(f.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c, fmt.Errorf("%s%s: invalid positive integer %q", envPrefix, f.key, v)
		}
		*f.dst = n
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"BACKOFF_BASE", &c.Health.BaseDelay},
		{"BACKOFF_MAX", &c.Health.MaxDelay},
		{"WRITE_DELAY", &c.WriteDelay},
	}
	for _, f := range durations {
		v, ok := get(f.key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return c, fmt.Errorf("%s%s: invalid duration %q", envPrefix, f.key, v)
		}
		*f.dst = d
	}
	if c.Health.MaxDelay < c.Health.BaseDelay {
		return c, fmt.Errorf("%sBACKOFF_MAX %v below BACKOFF_BASE %v", envPrefix, c.Health.MaxDelay, c.Health.BaseDelay)
	}
	if v, ok := get("DEVICE_ID"); ok {
		n, err := strconv.ParseUint(v, 0, 8)
		if err != nil || n == 0 {
			return c, fmt.Errorf("%sDEVICE_ID: invalid id %q", envPrefix, v)
		}
		c.DeviceID = byte(n)
	}
	if v, ok := get("LOG_LEVEL"); ok {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return c, fmt.Errorf("%sLOG_LEVEL: %w", envPrefix, err)
		}
	}
	return c, nil
}

// Queue overlays the configured capacity and delay on a transport default.
func (c Config) Queue(def link.QueueOptions) link.QueueOptions {
	if c.QueueCapacity > 0 {
		def.Capacity = c.QueueCapacity
	}
	if c.WriteDelay > 0 {
		def.WriteDelay = c.WriteDelay
	}
	return def
}

// Session builds controller options.
func (c Config) Session() session.Options {
	o := session.DefaultOptions()
	o.DeviceID = c.DeviceID
	o.Health = c.Health
	return o
}
