// Package rfcomm dials Bluetooth Classic SPP links through the kernel's
// bound RFCOMM tty (/dev/rfcommN) using go.bug.st/serial.
package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"dev.c0redev.rclink/internal/link"
)

// DefaultBaud: RFCOMM ignores line settings but the tty wants one.
const DefaultBaud = 9600

// Dialer implements classic.Dialer. The address is the tty path.
type Dialer struct {
	baud int
	log  *zap.Logger
}

// New dialer; baud <= 0 uses DefaultBaud.
func New(baud int, log *zap.Logger) *Dialer {
	if baud <= 0 {
		baud = DefaultBaud
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dialer{baud: baud, log: log.Named("rfcomm")}
}

// Dial opens the port. Close unblocks a pending Read.
func (d *Dialer) Dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := serial.Open(address, &serial.Mode{
		BaudRate: d.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", address, Classify(err))
	}
	d.log.Debug("port open", zap.String("port", address), zap.Int("baud", d.baud))
	return port, nil
}

// Classify maps serial and OS errors onto the link taxonomy. Errors it does
// not recognise are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if code, ok := portErrorCode(err); ok {
		switch code {
		case serial.PortNotFound, serial.InvalidSerialPort:
			return fmt.Errorf("%w: %v", link.ErrDeviceNotFound, err)
		case serial.PermissionDenied:
			return fmt.Errorf("%w: %v", link.ErrPermissionDenied, err)
		case serial.PortBusy:
			return fmt.Errorf("%w: %v", link.ErrLinkLost, err)
		}
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", link.ErrDeviceNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", link.ErrPermissionDenied, err)
	}
	return err
}

// serial returns both value and pointer PortErrors depending on platform.
func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var pv serial.PortError
	if errors.As(err, &pv) {
		return pv.Code(), true
	}
	var pp *serial.PortError
	if errors.As(err, &pp) && pp != nil {
		return pp.Code(), true
	}
	return 0, false
}

// Ports lists bound RFCOMM ttys as Classic devices.
func Ports() ([]link.Device, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, Classify(err)
	}
	var out []link.Device
	for _, n := range names {
		if !strings.Contains(n, "rfcomm") {
			continue
		}
		out = append(out, link.Device{Name: n[strings.LastIndex(n, "/")+1:], Address: n, Type: link.DeviceClassic})
	}
	return out, nil
}
