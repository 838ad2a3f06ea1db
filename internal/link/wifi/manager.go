// Package wifi: UDP link to a WiFi controller. A PSK challenge-response
// handshake yields the session key; every frame after that travels as
// IV || ChaCha20-Poly1305 ciphertext.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dev.c0redev.rclink/internal/crypto"
	"dev.c0redev.rclink/internal/link"
	"dev.c0redev.rclink/internal/transport"
)

// Options for one WiFi manager.
type Options struct {
	Timeouts link.Timeouts
	Queue    link.QueueOptions
	PSK      []byte
}

// DefaultOptions without a PSK; set one before connecting.
func DefaultOptions() Options {
	return Options{
		Timeouts: link.DefaultTimeouts(),
		Queue:    link.QueueOptions{Capacity: 100, WriteDelay: 5 * time.Millisecond},
	}
}

// DialFunc opens the datagram socket.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Manager owns one UDP session.
type Manager struct {
	*link.Base
	opts Options
	dial DialFunc

	gen atomic.Uint64

	mu       sync.Mutex
	conn     net.Conn
	key      *crypto.SessionKey
	engine   *crypto.Engine
	neg      *crypto.Negotiator
	readDone chan struct{}
}

var _ link.Transport = (*Manager)(nil)

// New builds a WiFi manager; dial nil uses transport.DialUDP.
func New(dial DialFunc, events link.Events, stop *link.EmergencyStop, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if dial == nil {
		dial = transport.DialUDP
	}
	opts.Timeouts = opts.Timeouts.WithDefaults()
	opts.PSK = append([]byte(nil), opts.PSK...)
	return &Manager{
		Base: link.NewBase(link.DeviceWiFi, events, stop, opts.Queue.Capacity, log.Named("wifi")),
		opts: opts,
		dial: dial,
	}
}

// Connect dials, runs the handshake (each attempt bounded by the handshake
// timeout) and starts the encrypted read/write tasks.
func (m *Manager) Connect(ctx context.Context, dev link.Device) error {
	release, err := m.BeginConnect()
	if err != nil {
		return err
	}
	defer release()

	neg, err := crypto.NewNegotiator(m.opts.PSK)
	if err != nil {
		return fmt.Errorf("wifi: %w", err)
	}

	m.teardown()
	gen := m.gen.Add(1)
	m.SetState(link.StateConnecting, nil)

	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeouts.Connect)
	defer cancel()

	conn, err := m.dial(ctx, dev.Address)
	if err != nil {
		return m.fail(gen, fmt.Errorf("dial %s: %w", dev.Address, err))
	}
	key, err := m.negotiate(ctx, conn, neg)
	if err != nil {
		neg.Abort()
		conn.Close()
		return m.fail(gen, err)
	}
	engine, err := crypto.NewEngine(key)
	if err != nil {
		neg.Abort()
		key.Destroy()
		conn.Close()
		m.Log().Debug("engine setup failed", zap.Error(err))
		return m.fail(gen, link.ErrSecurity)
	}
	if m.gen.Load() != gen {
		neg.Abort()
		key.Destroy()
		conn.Close()
		return errors.New("connect superseded by disconnect")
	}
	if m.StopGate().Engaged() {
		neg.Abort()
		key.Destroy()
		conn.Close()
		return m.fail(gen, link.ErrEmergencyStop)
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.conn, m.key, m.engine, m.neg, m.readDone = conn, key, engine, neg, done
	m.mu.Unlock()

	go m.readLoop(gen, conn, engine, neg, done)
	m.StartWriter(func(b []byte) bool {
		ct, err := engine.Encrypt(b)
		if err != nil {
			m.Log().Debug("encrypt failed", zap.Error(err))
			return false
		}
		if _, err := conn.Write(ct); err != nil {
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

// negotiate retries only on timeouts; a bad signature is final. Every nonce
// issued here stays known to neg so late answers to earlier attempts are
// recognised instead of failing verification.
func (m *Manager) negotiate(ctx context.Context, conn net.Conn, neg *crypto.Negotiator) (*crypto.SessionKey, error) {
	t := m.opts.Timeouts
	var lastErr error
	for attempt := 1; attempt <= t.HandshakeAttempts; attempt++ {
		key, err := m.handshake(ctx, conn, neg, t.Handshake)
		if err == nil {
			return key, nil
		}
		if errors.Is(err, crypto.ErrHandshakeFailed) {
			m.Log().Warn("handshake rejected", zap.Int("attempt", attempt))
			return nil, link.ErrSecurity
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("handshake: %w", ctx.Err())
		}
		m.Log().Debug("handshake attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, fmt.Errorf("handshake: %w", lastErr)
}

var errHandshakeTimeout = timeoutError("handshake timed out")

type timeoutError string

func (e timeoutError) Error() string   { return string(e) }
func (e timeoutError) Transient() bool { return true }

func (m *Manager) handshake(ctx context.Context, conn net.Conn, neg *crypto.Negotiator, timeout time.Duration) (*crypto.SessionKey, error) {
	appNonce, err := neg.StartHandshake()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(transport.EncodeHello(appNonce)); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	buf := make([]byte, transport.MaxDatagram)
	for {
		n, err := transport.ReadWithDeadline(conn, buf, deadline)
		if err != nil {
			if transport.IsTimeout(err) {
				return nil, errHandshakeTimeout
			}
			return nil, err
		}
		devNonce, sig, err := transport.DecodeResponse(buf[:n])
		if err != nil {
			// stray datagram from a previous session
			continue
		}
		key, err := neg.CompleteHandshake(devNonce, sig)
		if errors.Is(err, crypto.ErrStaleResponse) {
			m.Log().Debug("late response to an earlier hello, ignored")
			continue
		}
		return key, err
	}
}

func (m *Manager) fail(gen uint64, err error) error {
	if m.gen.Load() != gen {
		return err
	}
	m.SetState(link.StateError, err)
	return err
}

func (m *Manager) readLoop(gen uint64, conn net.Conn, engine *crypto.Engine, neg *crypto.Negotiator, done chan struct{}) {
	defer close(done)
	buf := make([]byte, transport.MaxDatagram)
	for {
		n, err := conn.Read(buf)
		if m.gen.Load() != gen {
			return
		}
		if err != nil {
			go m.broken(gen, fmt.Errorf("%w: %v", link.ErrLinkLost, err))
			return
		}
		pt, err := engine.Decrypt(buf[:n])
		if err != nil {
			if devNonce, sig, derr := transport.DecodeResponse(buf[:n]); derr == nil && neg.Stale(devNonce, sig) {
				m.Log().Debug("late handshake response, dropped")
				continue
			}
			m.Log().Warn("decrypt failed, blocking link", zap.Error(err))
			go m.broken(gen, link.ErrSecurity)
			return
		}
		m.Deliver(pt)
	}
}

// broken tears the session down and destroys the key; a fresh handshake is
// needed before data flows again.
func (m *Manager) broken(gen uint64, err error) {
	if !m.gen.CompareAndSwap(gen, gen+1) {
		return
	}
	m.closeSession()
	m.SetState(link.StateError, err)
}

func (m *Manager) closeSession() chan struct{} {
	m.mu.Lock()
	conn, key, neg, done := m.conn, m.key, m.neg, m.readDone
	m.conn, m.key, m.engine, m.neg, m.readDone = nil, nil, nil, nil, nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if neg != nil {
		neg.Abort()
	}
	m.StopWriter()
	key.Destroy()
	return done
}

func (m *Manager) teardown() {
	m.gen.Add(1)
	if done := m.closeSession(); done != nil {
		<-done
	}
	if m.State() == link.StateConnected {
		m.SetState(link.StateDisconnected, nil)
	}
}

// Disconnect stops both tasks and destroys the session key.
func (m *Manager) Disconnect() error {
	m.teardown()
	m.SetState(link.StateDisconnected, nil)
	return nil
}

// HasSessionKey reports whether a live key is held.
func (m *Manager) HasSessionKey() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key != nil && m.key.Len() == crypto.KeySize
}

// ReadRSSI: UDP carries no per-link signal strength.
func (m *Manager) ReadRSSI(context.Context) (int, error) {
	if m.State() != link.StateConnected {
		return 0, link.ErrNotConnected
	}
	return 0, link.ErrRSSIUnavailable
}
