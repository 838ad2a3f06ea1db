// Package tinyble backs the BLE link manager with tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux).
package tinyble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"dev.c0redev.rclink/internal/link"
	"dev.c0redev.rclink/internal/link/ble"
)

// BlueZ reports failures as D-Bus error names or HCI reason strings.
var (
	offMarkers       = []string{"org.bluez.Error.NotReady", "not powered", "no such adapter"}
	notFoundMarkers  = []string{"org.bluez.Error.DoesNotExist", "device not found", "no such device"}
	permMarkers      = []string{"org.bluez.Error.NotPermitted", "org.bluez.Error.NotAuthorized", "access denied"}
	transientMarkers = []string{
		"le-connection-abort-by-local", "connection timed out", "org.bluez.Error.InProgress",
		"org.bluez.Error.Failed", "software caused connection abort", "br-connection-page-timeout",
	}
)

func containsAny(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Classify maps a stack error for op onto the link taxonomy.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	msg := err.Error()
	switch {
	case containsAny(msg, offMarkers):
		return fmt.Errorf("%s: %w: %v", op, link.ErrBluetoothOff, err)
	case containsAny(msg, notFoundMarkers):
		return fmt.Errorf("%s: %w", op, &ble.GattError{Op: op, Status: ble.StatusDeviceNotFound})
	case containsAny(msg, permMarkers):
		return fmt.Errorf("%s: %w: %v", op, link.ErrPermissionDenied, err)
	case containsAny(msg, transientMarkers):
		return fmt.Errorf("%s: %w", op, &ble.GattError{Op: op, Status: ble.StatusVendorGattError})
	}
	return fmt.Errorf("%s: %w", op, err)
}

type charKey struct {
	service, char uuid.UUID
}

// parseUUID converts the stack's textual UUID.
func parseUUID(s string) (uuid.UUID, bool) {
	u, err := uuid.Parse(s)
	return u, err == nil
}
