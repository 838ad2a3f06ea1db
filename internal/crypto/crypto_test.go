package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

var testPSK = []byte("0123456789abcdef0123456789abcdef")

func handshake(t *testing.T, appPSK, devicePSK []byte) (*SessionKey, *SessionKey, error) {
	t.Helper()
	n, err := NewNegotiator(appPSK)
	if err != nil {
		t.Fatal(err)
	}
	appNonce, err := n.StartHandshake()
	if err != nil {
		t.Fatal(err)
	}
	devNonce, sig, devKey, err := Respond(devicePSK, appNonce)
	if err != nil {
		t.Fatal(err)
	}
	key, err := n.CompleteHandshake(devNonce, sig)
	return key, devKey, err
}

func TestHandshakeMatchingPSK(t *testing.T) {
	for i := 0; i < 20; i++ {
		key, devKey, err := handshake(t, testPSK, testPSK)
		if err != nil {
			t.Fatal(err)
		}
		if key.Len() != KeySize {
			t.Fatalf("key len %d", key.Len())
		}
		if !bytes.Equal(key.b, devKey.b) {
			t.Fatal("app and device keys differ")
		}
	}
}

func TestHandshakeMismatchedPSK(t *testing.T) {
	other := []byte("fedcba9876543210fedcba9876543210")
	for i := 0; i < 10; i++ {
		key, _, err := handshake(t, testPSK, other)
		if !errors.Is(err, ErrHandshakeFailed) {
			t.Fatalf("got %v", err)
		}
		if key != nil {
			t.Fatal("key must not be returned on failure")
		}
	}
}

func TestHandshakeCorruptedSignature(t *testing.T) {
	n, _ := NewNegotiator(testPSK)
	appNonce, _ := n.StartHandshake()
	devNonce, sig, _, _ := Respond(testPSK, appNonce)
	for bit := 0; bit < SignatureSize*8; bit += 7 {
		n.appNonce = append([]byte(nil), appNonce...)
		bad := append([]byte(nil), sig...)
		bad[bit/8] ^= 1 << (bit % 8)
		if key, err := n.CompleteHandshake(devNonce, bad); !errors.Is(err, ErrHandshakeFailed) || key != nil {
			t.Fatalf("bit %d: key=%v err=%v", bit, key, err)
		}
	}
}

func TestHandshakeNotStartedAndBadLengths(t *testing.T) {
	n, _ := NewNegotiator(testPSK)
	if _, err := n.CompleteHandshake(make([]byte, 16), make([]byte, 32)); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("not started: %v", err)
	}
	appNonce, _ := n.StartHandshake()
	devNonce, sig, _, _ := Respond(testPSK, appNonce)
	if _, err := n.CompleteHandshake(devNonce[:15], sig); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("short nonce: %v", err)
	}
	// nonce consumed by the failed attempt: replaying the valid response fails
	if _, err := n.CompleteHandshake(devNonce, sig); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("replay: %v", err)
	}
}

func TestHandshakeFreshNonces(t *testing.T) {
	n, _ := NewNegotiator(testPSK)
	a, _ := n.StartHandshake()
	b, _ := n.StartHandshake()
	if len(a) != ChallengeSize || bytes.Equal(a, b) {
		t.Fatal("nonces must be 16 bytes and unique")
	}
	// a late answer to the superseded nonce is stale, not a failure
	devNonce, sig, _, _ := Respond(testPSK, a)
	if !n.Stale(devNonce, sig) {
		t.Fatal("answer to superseded nonce not recognised")
	}
	if _, err := n.CompleteHandshake(devNonce, sig); !errors.Is(err, ErrStaleResponse) {
		t.Fatalf("stale response: %v", err)
	}
	if !n.Pending() {
		t.Fatal("stale response consumed the pending nonce")
	}
	devNonce, sig, devKey, _ := Respond(testPSK, b)
	key, err := n.CompleteHandshake(devNonce, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key.b, devKey.b) {
		t.Fatal("keys differ")
	}
	// a duplicate of the completing answer is stale too
	if !n.Stale(devNonce, sig) {
		t.Fatal("completed nonce not retired")
	}
	n.Abort()
	if n.Stale(devNonce, sig) {
		t.Fatal("abort kept retired nonces")
	}
}

func TestHandshakeStaleNeedsIssuedNonce(t *testing.T) {
	n, _ := NewNegotiator(testPSK)
	a, _ := n.StartHandshake()
	n.StartHandshake()
	// signed for a nonce never issued, or with the wrong key
	devNonce, sig, _, _ := Respond(testPSK, make([]byte, ChallengeSize))
	if n.Stale(devNonce, sig) {
		t.Fatal("unknown nonce treated as stale")
	}
	other := []byte("fedcba9876543210fedcba9876543210")
	devNonce, sig, _, _ = Respond(other, a)
	if _, err := n.CompleteHandshake(devNonce, sig); !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("wrong key: %v", err)
	}
	if n.Pending() {
		t.Fatal("failed verification left a nonce pending")
	}
}

func TestNewNegotiatorShortPSK(t *testing.T) {
	if _, err := NewNegotiator([]byte("short")); err == nil {
		t.Fatal("short psk should be rejected")
	}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	b := make([]byte, KeySize)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	k, err := NewSessionKey(b)
	if err != nil {
		t.Fatal(err)
	}
	e, err := NewEngine(k)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestEncryptDecryptSizes(t *testing.T) {
	e := newEngine(t)
	for _, n := range []int{0, 1, 10, 255, 1024, 10 * 1024} {
		msg := make([]byte, n)
		rand.Read(msg)
		c, err := e.Encrypt(msg)
		if err != nil {
			t.Fatal(err)
		}
		if len(c) != NonceSize+n+TagSize {
			t.Fatalf("len %d: ciphertext %d", n, len(c))
		}
		got, err := e.Decrypt(c)
		if err != nil {
			t.Fatalf("len %d: %v", n, err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("len %d: mismatch", n)
		}
	}
}

func TestEncryptFreshIV(t *testing.T) {
	e := newEngine(t)
	a, _ := e.Encrypt([]byte("same"))
	b, _ := e.Encrypt([]byte("same"))
	if bytes.Equal(a[:NonceSize], b[:NonceSize]) {
		t.Fatal("iv reused")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a, b := newEngine(t), newEngine(t)
	c, _ := a.Encrypt([]byte("drive forward"))
	pt, err := b.Decrypt(c)
	if !errors.Is(err, ErrEncryptionFailed) || pt != nil {
		t.Fatalf("got %v %v", pt, err)
	}
}

func TestDecryptTampered(t *testing.T) {
	e := newEngine(t)
	c, _ := e.Encrypt([]byte("emergency stop"))
	for i := 0; i < len(c); i++ {
		bad := append([]byte(nil), c...)
		bad[i] ^= 0x01
		if pt, err := e.Decrypt(bad); !errors.Is(err, ErrEncryptionFailed) || pt != nil {
			t.Fatalf("byte %d: %v %v", i, pt, err)
		}
	}
	if _, err := e.Decrypt(c[:NonceSize+TagSize-1]); !errors.Is(err, ErrEncryptionFailed) {
		t.Fatalf("short: %v", err)
	}
}

func TestSessionKeyDestroy(t *testing.T) {
	k, _ := NewSessionKey(make([]byte, KeySize))
	k.Destroy()
	if k.Len() != 0 {
		t.Fatal("destroyed key should be empty")
	}
	if _, err := NewEngine(k); !errors.Is(err, ErrEncryptionFailed) {
		t.Fatalf("engine from destroyed key: %v", err)
	}
}
