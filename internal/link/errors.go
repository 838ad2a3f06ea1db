package link

import (
	"context"
	"errors"
)

// Permanent transport errors: fail fast, never retried.
var (
	ErrBluetoothOff     = errors.New("bluetooth is off")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnsupported      = errors.New("transport not supported")
)

// Command surface errors.
var (
	ErrEmergencyStop       = errors.New("emergency stop active")
	ErrConnectInProgress   = errors.New("connect already in progress")
	ErrNotConnected        = errors.New("not connected")
	ErrNoCompatibleService = errors.New("no compatible service")
	ErrRSSIUnavailable     = errors.New("rssi unavailable")
)

// ErrLinkLost: radio dropped an established link. Transient.
var ErrLinkLost = transientError("link lost")

// ErrSecurity: handshake or decrypt failure. Callers only ever see this text.
var ErrSecurity = errors.New("secure session failed")

type transientError string

func (e transientError) Error() string   { return string(e) }
func (e transientError) Transient() bool { return true }

// IsTransient: eligible for bounded retry then backoff reconnect.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Transient() bool }
	return errors.As(err, &t) && t.Transient()
}

// IsPermanent: adapter off, device gone or missing permission.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrBluetoothOff) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrUnsupported)
}

// IsSecurity: link must stay blocked until a fresh handshake.
func IsSecurity(err error) bool { return errors.Is(err, ErrSecurity) }

// UserMessage maps err to a short, actionable string. Security failures
// never expose the underlying text.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsSecurity(err):
		return "Secure connection failed. Reconnect to retry."
	case errors.Is(err, ErrBluetoothOff):
		return "Bluetooth is off"
	case errors.Is(err, ErrPermissionDenied):
		return "Bluetooth permission denied"
	case errors.Is(err, ErrDeviceNotFound):
		return "Device not found"
	case errors.Is(err, ErrEmergencyStop):
		return "Emergency stop is active"
	case errors.Is(err, ErrConnectInProgress):
		return "Already connecting"
	case errors.Is(err, ErrNotConnected):
		return "Not connected"
	case errors.Is(err, ErrNoCompatibleService):
		return "Device is not a supported controller"
	case errors.Is(err, ErrUnsupported):
		return "Connection type not supported"
	case errors.Is(err, context.DeadlineExceeded):
		return "Connection timed out"
	case IsTransient(err):
		return "Connection lost, retrying"
	}
	return "Connection failed"
}
