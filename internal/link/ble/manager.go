package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dev.c0redev.rclink/internal/blevariant"
	"dev.c0redev.rclink/internal/link"
)

var errSuperseded = errors.New("connect superseded by disconnect")

// Options for one BLE manager.
type Options struct {
	Timeouts link.Timeouts
	Queue    link.QueueOptions
}

// DefaultOptions: 20ms between writes keeps cheap UART bridges from
// overrunning their buffer.
func DefaultOptions() Options {
	return Options{
		Timeouts: link.DefaultTimeouts(),
		Queue:    link.QueueOptions{Capacity: 100, WriteDelay: 20 * time.Millisecond},
	}
}

// Manager owns one GATT link.
type Manager struct {
	*link.Base
	adapter Adapter
	opts    Options

	// gen invalidates callbacks from a previous connection.
	gen atomic.Uint64

	mu      sync.Mutex
	periph  Peripheral
	service uuid.UUID
	rx, tx  uuid.UUID
	variant string
}

var _ link.Transport = (*Manager)(nil)

// New builds a BLE manager.
func New(adapter Adapter, events link.Events, stop *link.EmergencyStop, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	opts.Timeouts = opts.Timeouts.WithDefaults()
	return &Manager{
		Base:    link.NewBase(link.DeviceLE, events, stop, opts.Queue.Capacity, log.Named("ble")),
		adapter: adapter,
		opts:    opts,
	}
}

// Negotiated returns the service, notify and write characteristics of the
// current link, and the matched variant id.
func (m *Manager) Negotiated() (service, rx, tx uuid.UUID, variant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.service, m.rx, m.tx, m.variant
}

// Connect: adapter check, GATT connect with transient retry, service
// discovery with settle delay, characteristic probing.
func (m *Manager) Connect(ctx context.Context, dev link.Device) error {
	release, err := m.BeginConnect()
	if err != nil {
		return err
	}
	defer release()
	if !m.adapter.Enabled() {
		return link.ErrBluetoothOff
	}

	m.teardown()
	gen := m.gen.Add(1)
	m.SetState(link.StateConnecting, nil)

	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeouts.Connect)
	defer cancel()

	p, err := m.dial(ctx, dev.Address, gen)
	if err != nil {
		return m.fail(gen, fmt.Errorf("connect %s: %w", dev.Address, err))
	}
	svc, err := m.discover(ctx, p)
	if err != nil {
		p.Disconnect()
		return m.fail(gen, fmt.Errorf("discover: %w", err))
	}
	rx, err := m.negotiate(ctx, p, svc, gen)
	if err != nil {
		p.Disconnect()
		return m.fail(gen, fmt.Errorf("negotiate: %w", err))
	}
	exposed := svc.Characteristics
	if len(exposed) == 0 {
		exposed = nil
	}
	tx := blevariant.WriteCharacteristicFor(svc.UUID, rx, exposed)
	variant := ""
	if vs := blevariant.FindByServiceUUID(svc.UUID); len(vs) > 0 {
		variant = vs[0].ID
	}

	if m.gen.Load() != gen {
		p.Disconnect()
		return errSuperseded
	}
	if m.StopGate().Engaged() {
		p.Disconnect()
		return m.fail(gen, link.ErrEmergencyStop)
	}

	m.mu.Lock()
	m.periph, m.service, m.rx, m.tx, m.variant = p, svc.UUID, rx, tx, variant
	m.mu.Unlock()

	m.StartWriter(func(b []byte) bool {
		if err := p.Write(svc.UUID, tx, b); err != nil {
			m.Log().Debug("write failed", zap.Error(err))
			return false
		}
		return true
	}, m.opts.Queue)

	if !m.SetState(link.StateConnected, nil) {
		// link dropped between negotiation and here
		m.teardown()
		return link.ErrLinkLost
	}
	m.Log().Info("connected",
		zap.String("address", dev.Address),
		zap.String("variant", variant),
		zap.Stringer("service", svc.UUID),
		zap.Stringer("rx", rx),
		zap.Stringer("tx", tx))
	return nil
}

func (m *Manager) fail(gen uint64, err error) error {
	if m.gen.Load() != gen {
		return errSuperseded
	}
	m.SetState(link.StateError, err)
	return err
}

func (m *Manager) dial(ctx context.Context, address string, gen uint64) (Peripheral, error) {
	t := m.opts.Timeouts
	var lastErr error
	for attempt := 0; attempt <= t.TransientRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, t.TransientDelay); err != nil {
				return nil, fmt.Errorf("%w (last: %v)", err, lastErr)
			}
		}
		p, err := m.adapter.Connect(ctx, address, func(err error) { m.onLost(gen, err) })
		if err == nil {
			return p, nil
		}
		lastErr = err
		if Classify(err) != ClassTransient || ctx.Err() != nil {
			return nil, err
		}
		m.Log().Warn("transient connect error, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

// discover waits for the peripheral stack to settle before each attempt and
// picks the highest-priority known service.
func (m *Manager) discover(ctx context.Context, p Peripheral) (Service, error) {
	t := m.opts.Timeouts
	var lastErr error
	for attempt := 0; attempt < t.DiscoveryAttempts; attempt++ {
		if err := sleep(ctx, t.ServiceSettle); err != nil {
			return Service{}, err
		}
		opCtx, cancel := context.WithTimeout(ctx, t.GattOp)
		services, err := p.DiscoverServices(opCtx)
		cancel()
		if err != nil {
			lastErr = err
			if Classify(err) == ClassPermanent {
				return Service{}, err
			}
			m.Log().Debug("service discovery failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if svc, ok := pickService(services); ok {
			return svc, nil
		}
		lastErr = link.ErrNoCompatibleService
	}
	if errors.Is(lastErr, link.ErrNoCompatibleService) {
		return Service{}, lastErr
	}
	return Service{}, fmt.Errorf("%w: %v", link.ErrNoCompatibleService, lastErr)
}

func pickService(services []Service) (Service, bool) {
	for _, known := range blevariant.KnownServices() {
		for _, s := range services {
			if s.UUID == known {
				return s, true
			}
		}
	}
	return Service{}, false
}

// negotiate probes candidates until one accepts a subscription. Exposed
// candidates go first; the rest are still tried because clone stacks often
// hide characteristics from discovery.
func (m *Manager) negotiate(ctx context.Context, p Peripheral, svc Service, gen uint64) (uuid.UUID, error) {
	candidates := blevariant.CharacteristicCandidates(svc.UUID)
	ordered := make([]uuid.UUID, 0, len(candidates))
	for _, c := range candidates {
		if containsUUID(svc.Characteristics, c) {
			ordered = append(ordered, c)
		}
	}
	for _, c := range candidates {
		if !containsUUID(ordered, c) {
			ordered = append(ordered, c)
		}
	}
	onNotify := func(b []byte) {
		if m.gen.Load() != gen {
			return
		}
		m.Deliver(append([]byte(nil), b...))
	}
	var lastErr error
	for _, c := range ordered {
		opCtx, cancel := context.WithTimeout(ctx, m.opts.Timeouts.GattOp)
		err := p.Subscribe(opCtx, svc.UUID, c, onNotify)
		cancel()
		if err == nil {
			return c, nil
		}
		lastErr = err
		m.Log().Debug("subscribe rejected", zap.Stringer("char", c), zap.Error(err))
		if ctx.Err() != nil {
			return uuid.Nil, ctx.Err()
		}
	}
	if lastErr == nil {
		return uuid.Nil, link.ErrNoCompatibleService
	}
	return uuid.Nil, fmt.Errorf("%w: %v", link.ErrNoCompatibleService, lastErr)
}

func (m *Manager) onLost(gen uint64, err error) {
	if m.gen.Load() != gen {
		return
	}
	m.Log().Warn("link lost", zap.Error(err))
	go func() {
		m.StopWriter()
		m.mu.Lock()
		m.periph = nil
		m.mu.Unlock()
		m.SetState(link.StateError, fmt.Errorf("%w: %v", link.ErrLinkLost, err))
	}()
}

// teardown drops any previous link without reporting an error.
func (m *Manager) teardown() {
	m.gen.Add(1)
	m.mu.Lock()
	p := m.periph
	m.periph = nil
	m.mu.Unlock()
	if p != nil {
		p.Disconnect()
	}
	m.StopWriter()
	if m.State() == link.StateConnected {
		m.SetState(link.StateDisconnected, nil)
	}
}

// Disconnect stops the writer, ignores further notifications and closes
// the GATT connection.
func (m *Manager) Disconnect() error {
	m.gen.Add(1)
	m.mu.Lock()
	p := m.periph
	m.periph = nil
	m.mu.Unlock()
	var err error
	if p != nil {
		err = p.Disconnect()
	}
	m.StopWriter()
	m.SetState(link.StateDisconnected, nil)
	return err
}

// ReadRSSI reads the signal strength of the current link.
func (m *Manager) ReadRSSI(ctx context.Context) (int, error) {
	m.mu.Lock()
	p := m.periph
	m.mu.Unlock()
	if p == nil || m.State() != link.StateConnected {
		return 0, link.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeouts.GattOp)
	defer cancel()
	return p.ReadRSSI(ctx)
}

func containsUUID(list []uuid.UUID, u uuid.UUID) bool {
	for _, v := range list {
		if v == u {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
