package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	// ChallengeSize app and device nonce length.
	ChallengeSize = 16
	// SignatureSize HMAC-SHA256 output.
	SignatureSize = sha256.Size
	// MinPSKSize shortest accepted pre-shared key.
	MinPSKSize = 16
)

// ErrHandshakeFailed is returned for every handshake failure; no detail about
// which check failed leaves this package.
var ErrHandshakeFailed = errors.New("handshake failed")

// ErrStaleResponse: a correctly signed answer to an earlier challenge of the
// same sequence. The current challenge stays pending.
var ErrStaleResponse = errors.New("handshake response to a superseded challenge")

var sessionInfo = []byte("rclink session key v1")

// SessionKey: 32-byte secret living only in memory.
type SessionKey struct {
	mu sync.Mutex
	b  []byte
}

// NewSessionKey copies b (KeySize bytes).
func NewSessionKey(b []byte) (*SessionKey, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("session key must be %d bytes", KeySize)
	}
	return &SessionKey{b: append([]byte(nil), b...)}, nil
}

// Len returns key length (0 after Destroy).
func (k *SessionKey) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.b)
}

// Destroy zeroes and forgets the key. Engines built from it keep their own
// cipher state; drop them too.
func (k *SessionKey) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.b {
		k.b[i] = 0
	}
	k.b = nil
}

// Negotiator runs the app side of the PSK challenge-response handshake for
// one connect sequence. Each StartHandshake retires the pending nonce; answers to
// retired nonces are recognised as stale until Abort ends the sequence.
type Negotiator struct {
	mu       sync.Mutex
	psk      []byte
	appNonce []byte
	retired  [][]byte
	rand     io.Reader
}

// NewNegotiator copies psk.
func NewNegotiator(psk []byte) (*Negotiator, error) {
	if len(psk) < MinPSKSize {
		return nil, fmt.Errorf("psk must be at least %d bytes", MinPSKSize)
	}
	return &Negotiator{psk: append([]byte(nil), psk...), rand: rand.Reader}, nil
}

// StartHandshake returns a fresh random app nonce to send to the device.
func (n *Negotiator) StartHandshake() ([]byte, error) {
	nonce := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(n.rand, nonce); err != nil {
		return nil, err
	}
	n.mu.Lock()
	if n.appNonce != nil {
		n.retired = append(n.retired, n.appNonce)
	}
	n.appNonce = nonce
	n.mu.Unlock()
	return append([]byte(nil), nonce...), nil
}

// CompleteHandshake verifies deviceSignature = HMAC-SHA256(PSK, appNonce ||
// deviceNonce) against the pending nonce and derives the session key. A
// valid answer to a retired nonce returns ErrStaleResponse and leaves the
// pending nonce alone; any other outcome consumes it.
func (n *Negotiator) CompleteHandshake(deviceNonce, deviceSignature []byte) (*SessionKey, error) {
	if len(deviceNonce) != ChallengeSize || len(deviceSignature) != SignatureSize {
		n.consume(false)
		return nil, ErrHandshakeFailed
	}
	n.mu.Lock()
	appNonce := n.appNonce
	n.mu.Unlock()

	if appNonce != nil && hmac.Equal(Sign(n.psk, appNonce, deviceNonce), deviceSignature) {
		n.consume(true)
		key, err := deriveKey(n.psk, appNonce, deviceNonce)
		if err != nil {
			return nil, ErrHandshakeFailed
		}
		return key, nil
	}
	if n.Stale(deviceNonce, deviceSignature) {
		return nil, ErrStaleResponse
	}
	n.consume(false)
	return nil, ErrHandshakeFailed
}

// consume clears the pending nonce; only a completed one is retired, a
// failed one is forgotten.
func (n *Negotiator) consume(retire bool) {
	n.mu.Lock()
	if retire && n.appNonce != nil {
		n.retired = append(n.retired, n.appNonce)
	}
	n.appNonce = nil
	n.mu.Unlock()
}

// Stale reports whether sig is a valid answer to a nonce issued earlier in
// this sequence (including the one that completed).
func (n *Negotiator) Stale(deviceNonce, deviceSignature []byte) bool {
	if len(deviceNonce) != ChallengeSize || len(deviceSignature) != SignatureSize {
		return false
	}
	n.mu.Lock()
	retired := n.retired
	n.mu.Unlock()
	for _, a := range retired {
		if hmac.Equal(Sign(n.psk, a, deviceNonce), deviceSignature) {
			return true
		}
	}
	return false
}

// Pending true between StartHandshake and CompleteHandshake.
func (n *Negotiator) Pending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.appNonce != nil
}

// Abort ends the sequence: the pending and retired nonces are forgotten.
func (n *Negotiator) Abort() {
	n.mu.Lock()
	n.appNonce = nil
	n.retired = nil
	n.mu.Unlock()
}

// Sign computes HMAC-SHA256(psk, appNonce || deviceNonce).
func Sign(psk, appNonce, deviceNonce []byte) []byte {
	mac := hmac.New(sha256.New, psk)
	mac.Write(appNonce)
	mac.Write(deviceNonce)
	return mac.Sum(nil)
}

// Respond is the device side: picks a nonce, signs the challenge and derives
// the same session key. Used by the simulator and tests.
func Respond(psk, appNonce []byte) (deviceNonce, signature []byte, key *SessionKey, err error) {
	if len(appNonce) != ChallengeSize {
		return nil, nil, nil, ErrHandshakeFailed
	}
	deviceNonce = make([]byte, ChallengeSize)
	if _, err = rand.Read(deviceNonce); err != nil {
		return nil, nil, nil, err
	}
	signature = Sign(psk, appNonce, deviceNonce)
	key, err = deriveKey(psk, appNonce, deviceNonce)
	return deviceNonce, signature, key, err
}

// deriveKey: HKDF-SHA256, secret = PSK, salt = appNonce || deviceNonce.
func deriveKey(psk, appNonce, deviceNonce []byte) (*SessionKey, error) {
	salt := make([]byte, 0, len(appNonce)+len(deviceNonce))
	salt = append(salt, appNonce...)
	salt = append(salt, deviceNonce...)
	r := hkdf.New(sha256.New, psk, salt, sessionInfo)
	b := make([]byte, KeySize)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return &SessionKey{b: b}, nil
}
