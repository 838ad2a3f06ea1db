// Package ble: GATT connection manager. Talks to the radio through Adapter,
// so platform stacks stay outside the protocol engine.
package ble

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"dev.c0redev.rclink/internal/link"
)

// GATT status codes seen from peripheral stacks.
const (
	StatusDeviceNotFound    byte = 0x02
	StatusConnTimeout       byte = 0x08
	StatusLinkLoss          byte = 0x22
	StatusInternalError     byte = 0x81
	StatusVendorGattError   byte = 0x85 // 133, clone firmware catch-all
	StatusInsufficientAuth  byte = 0x05
	StatusWriteNotPermitted byte = 0x03
)

// GattError carries a raw GATT status.
type GattError struct {
	Op     string
	Status byte
}

func (e *GattError) Error() string {
	return fmt.Sprintf("gatt %s: status 0x%02x", e.Op, e.Status)
}

// Transient: timeout, internal error, link loss, vendor 133.
func (e *GattError) Transient() bool {
	switch e.Status {
	case StatusConnTimeout, StatusInternalError, StatusLinkLoss, StatusVendorGattError:
		return true
	}
	return false
}

// Is maps device-not-found onto link.ErrDeviceNotFound.
func (e *GattError) Is(target error) bool {
	return target == link.ErrDeviceNotFound && e.Status == StatusDeviceNotFound
}

// Classification of an error returned by the platform.
type Classification int

const (
	ClassOther Classification = iota
	ClassTransient
	ClassPermanent
)

// Classify: transient codes retry, permanent fail fast, others surface as-is.
func Classify(err error) Classification {
	switch {
	case err == nil:
		return ClassOther
	case link.IsPermanent(err):
		return ClassPermanent
	case link.IsTransient(err):
		return ClassTransient
	}
	return ClassOther
}

// Service: discovered service with the characteristics it exposes.
type Service struct {
	UUID            uuid.UUID
	Characteristics []uuid.UUID
}

// Adapter is the local radio.
type Adapter interface {
	Enabled() bool
	// Connect opens a GATT connection. onLost fires at most once if the link
	// drops without Disconnect being called.
	Connect(ctx context.Context, address string, onLost func(error)) (Peripheral, error)
}

// Peripheral is one connected GATT server.
type Peripheral interface {
	DiscoverServices(ctx context.Context) ([]Service, error)
	// Subscribe enables notifications on char (writes the CCCD).
	Subscribe(ctx context.Context, service, char uuid.UUID, onNotify func([]byte)) error
	Write(service, char uuid.UUID, data []byte) error
	ReadRSSI(ctx context.Context) (int, error)
	Disconnect() error
}
