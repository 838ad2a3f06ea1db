//go:build linux

package tinyble

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"dev.c0redev.rclink/internal/link"
	"dev.c0redev.rclink/internal/link/ble"
)

// Adapter wraps the default BlueZ adapter. One per process.
type Adapter struct {
	a   *bluetooth.Adapter
	log *zap.Logger

	enableOnce sync.Once
	enableErr  error

	mu   sync.Mutex
	lost map[string]func(error) // by MAC string
}

// NewAdapter wraps bluetooth.DefaultAdapter.
func NewAdapter(log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{a: bluetooth.DefaultAdapter, log: log.Named("tinyble"), lost: make(map[string]func(error))}
}

func (ad *Adapter) enable() error {
	ad.enableOnce.Do(func() {
		ad.enableErr = ad.a.Enable()
		if ad.enableErr != nil {
			return
		}
		ad.a.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if connected {
				return
			}
			key := d.Address.String()
			ad.mu.Lock()
			fn := ad.lost[key]
			delete(ad.lost, key)
			ad.mu.Unlock()
			if fn != nil {
				ad.log.Info("peripheral dropped", zap.String("address", key))
				fn(link.ErrLinkLost)
			}
		})
	})
	return ad.enableErr
}

// Enabled reports whether BlueZ accepted the adapter.
func (ad *Adapter) Enabled() bool {
	if err := ad.enable(); err != nil {
		ad.log.Warn("adapter unavailable", zap.Error(err))
		return false
	}
	return true
}

// Connect dials address (a MAC). The stack call has no context, so a
// connection that completes after ctx ends is torn down.
func (ad *Adapter) Connect(ctx context.Context, address string, onLost func(error)) (ble.Peripheral, error) {
	if err := ad.enable(); err != nil {
		return nil, fmt.Errorf("%w: %v", link.ErrBluetoothOff, err)
	}
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", link.ErrDeviceNotFound, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	type result struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := ad.a.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{d, err}
	}()
	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		go func() {
			if late := <-ch; late.err == nil {
				late.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, Classify("connect", r.err)
	}
	key := addr.String()
	ad.mu.Lock()
	ad.lost[key] = onLost
	ad.mu.Unlock()
	return &peripheral{ad: ad, key: key, dev: r.dev, chars: make(map[charKey]bluetooth.DeviceCharacteristic)}, nil
}

type peripheral struct {
	ad  *Adapter
	key string
	dev bluetooth.Device

	mu    sync.Mutex
	chars map[charKey]bluetooth.DeviceCharacteristic
}

func (p *peripheral) DiscoverServices(ctx context.Context) ([]ble.Service, error) {
	var out []ble.Service
	err := run(ctx, func() error {
		svcs, err := p.dev.DiscoverServices(nil)
		if err != nil {
			return Classify("discover", err)
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, s := range svcs {
			su, ok := parseUUID(s.UUID().String())
			if !ok {
				continue
			}
			chars, err := s.DiscoverCharacteristics(nil)
			if err != nil {
				return Classify("discover characteristics", err)
			}
			svc := ble.Service{UUID: su}
			for _, c := range chars {
				cu, ok := parseUUID(c.UUID().String())
				if !ok {
					continue
				}
				svc.Characteristics = append(svc.Characteristics, cu)
				p.chars[charKey{su, cu}] = c
			}
			out = append(out, svc)
		}
		return nil
	})
	return out, err
}

func (p *peripheral) char(service, char uuid.UUID) (bluetooth.DeviceCharacteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chars[charKey{service, char}]
	if !ok {
		return c, fmt.Errorf("%w: %s/%s", link.ErrNoCompatibleService, service, char)
	}
	return c, nil
}

func (p *peripheral) Subscribe(ctx context.Context, service, char uuid.UUID, onNotify func([]byte)) error {
	c, err := p.char(service, char)
	if err != nil {
		return err
	}
	return run(ctx, func() error {
		return Classify("subscribe", c.EnableNotifications(func(b []byte) {
			onNotify(append([]byte(nil), b...))
		}))
	})
}

func (p *peripheral) Write(service, char uuid.UUID, data []byte) error {
	c, err := p.char(service, char)
	if err != nil {
		return err
	}
	if _, err := c.WriteWithoutResponse(data); err != nil {
		return Classify("write", err)
	}
	return nil
}

// ReadRSSI: BlueZ only reports RSSI while scanning.
func (p *peripheral) ReadRSSI(context.Context) (int, error) {
	return 0, link.ErrRSSIUnavailable
}

func (p *peripheral) Disconnect() error {
	p.ad.mu.Lock()
	delete(p.ad.lost, p.key)
	p.ad.mu.Unlock()
	return p.dev.Disconnect()
}

// run bounds a context-free stack call by ctx.
func run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
