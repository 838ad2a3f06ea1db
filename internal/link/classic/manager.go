// Package classic: Bluetooth Classic SPP link. The socket comes from a
// platform Dialer; one goroutine owns the blocking read loop.
package classic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dev.c0redev.rclink/internal/link"
)

// Dialer opens an SPP stream to address.
type Dialer interface {
	Dial(ctx context.Context, address string) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a func to Dialer.
type DialerFunc func(ctx context.Context, address string) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	return f(ctx, address)
}

// RSSIReader is implemented by sockets that can report signal strength.
type RSSIReader interface {
	ReadRSSI(ctx context.Context) (int, error)
}

// Options for one Classic manager. Fallback, if set, is tried once when the
// primary dialer fails with a non-permanent error (vendor stacks that only
// accept an alternate channel).
type Options struct {
	Timeouts   link.Timeouts
	Queue      link.QueueOptions
	Fallback   Dialer
	ReadBuffer int
}

// DefaultOptions for SPP modules (HC-05/HC-06 class).
func DefaultOptions() Options {
	return Options{
		Timeouts:   link.DefaultTimeouts(),
		Queue:      link.QueueOptions{Capacity: 100, WriteDelay: 10 * time.Millisecond},
		ReadBuffer: 256,
	}
}

// Manager owns one SPP socket.
type Manager struct {
	*link.Base
	dialer Dialer
	opts   Options

	gen atomic.Uint64

	mu       sync.Mutex
	conn     io.ReadWriteCloser
	readDone chan struct{}
}

var _ link.Transport = (*Manager)(nil)

// New builds a Classic manager.
func New(dialer Dialer, events link.Events, stop *link.EmergencyStop, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	opts.Timeouts = opts.Timeouts.WithDefaults()
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = 256
	}
	return &Manager{
		Base:   link.NewBase(link.DeviceClassic, events, stop, opts.Queue.Capacity, log.Named("classic")),
		dialer: dialer,
		opts:   opts,
	}
}

// Connect dials, starts the read worker and the write drain.
func (m *Manager) Connect(ctx context.Context, dev link.Device) error {
	release, err := m.BeginConnect()
	if err != nil {
		return err
	}
	defer release()

	m.teardown()
	gen := m.gen.Add(1)
	m.SetState(link.StateConnecting, nil)

	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeouts.Connect)
	defer cancel()

	conn, err := m.dial(ctx, dev.Address)
	if err != nil {
		return m.fail(gen, fmt.Errorf("connect %s: %w", dev.Address, err))
	}
	if m.gen.Load() != gen {
		conn.Close()
		return errors.New("connect superseded by disconnect")
	}
	if m.StopGate().Engaged() {
		conn.Close()
		return m.fail(gen, link.ErrEmergencyStop)
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.conn = conn
	m.readDone = done
	m.mu.Unlock()

	go m.readLoop(gen, conn, done)
	m.StartWriter(func(b []byte) bool {
		if _, err := conn.Write(b); err != nil {
			m.Log().Debug("write failed", zap.Error(err))
			return false
		}
		return true
	}, m.opts.Queue)

	if !m.SetState(link.StateConnected, nil) {
		m.teardown()
		return link.ErrLinkLost
	}
	m.Log().Info("connected", zap.String("address", dev.Address))
	return nil
}

func (m *Manager) dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	conn, err := m.dialer.Dial(ctx, address)
	if err == nil {
		return conn, nil
	}
	if m.opts.Fallback == nil || link.IsPermanent(err) || ctx.Err() != nil {
		return nil, err
	}
	m.Log().Warn("primary socket failed, trying fallback", zap.Error(err))
	conn, ferr := m.opts.Fallback.Dial(ctx, address)
	if ferr != nil {
		return nil, fmt.Errorf("%w (fallback: %v)", err, ferr)
	}
	return conn, nil
}

func (m *Manager) fail(gen uint64, err error) error {
	if m.gen.Load() != gen {
		return err
	}
	m.SetState(link.StateError, err)
	return err
}

func (m *Manager) readLoop(gen uint64, conn io.Reader, done chan struct{}) {
	defer close(done)
	buf := make([]byte, m.opts.ReadBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 && m.gen.Load() == gen {
			m.Deliver(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if m.gen.Load() != gen {
				return
			}
			// lost must not wait on this goroutine
			go m.lost(gen, err)
			return
		}
	}
}

func (m *Manager) lost(gen uint64, err error) {
	if !m.gen.CompareAndSwap(gen, gen+1) {
		return
	}
	m.Log().Warn("socket lost", zap.Error(err))
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	m.StopWriter()
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	m.SetState(link.StateError, fmt.Errorf("%w: %v", link.ErrLinkLost, err))
}

// teardown closes the socket first so a blocked write or read returns, then
// waits for both workers.
func (m *Manager) teardown() {
	m.gen.Add(1)
	m.mu.Lock()
	conn, done := m.conn, m.readDone
	m.conn, m.readDone = nil, nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	m.StopWriter()
	if done != nil {
		<-done
	}
	if m.State() == link.StateConnected {
		m.SetState(link.StateDisconnected, nil)
	}
}

// Disconnect stops both workers before returning.
func (m *Manager) Disconnect() error {
	m.teardown()
	m.SetState(link.StateDisconnected, nil)
	return nil
}

// ReadRSSI is only available when the socket supports it.
func (m *Manager) ReadRSSI(ctx context.Context) (int, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || m.State() != link.StateConnected {
		return 0, link.ErrNotConnected
	}
	r, ok := conn.(RSSIReader)
	if !ok {
		return 0, link.ErrRSSIUnavailable
	}
	return r.ReadRSSI(ctx)
}
