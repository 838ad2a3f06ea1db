// Package transport: UDP datagram plumbing for the WiFi link. Handshake
// messages carry a 1-byte type; after the handshake every datagram is
// IV || AEAD ciphertext.
package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"dev.c0redev.rclink/internal/crypto"
)

// Handshake message types.
const (
	MsgHello    byte = 0xA1 // app -> device: type || appNonce
	MsgResponse byte = 0xA2 // device -> app: type || deviceNonce || HMAC
)

const (
	// HelloSize on the wire.
	HelloSize = 1 + crypto.ChallengeSize
	// ResponseSize on the wire.
	ResponseSize = 1 + crypto.ChallengeSize + crypto.SignatureSize
	// MaxDatagram read buffer; frames are tiny.
	MaxDatagram = 1500
)

// ErrMalformed: datagram is not the expected handshake message.
var ErrMalformed = errors.New("malformed handshake datagram")

// EncodeHello builds the app challenge.
func EncodeHello(appNonce []byte) []byte {
	b := make([]byte, 0, HelloSize)
	b = append(b, MsgHello)
	return append(b, appNonce...)
}

// DecodeHello extracts appNonce.
func DecodeHello(b []byte) ([]byte, error) {
	if len(b) != HelloSize || b[0] != MsgHello {
		return nil, ErrMalformed
	}
	return append([]byte(nil), b[1:]...), nil
}

// EncodeResponse builds the device answer.
func EncodeResponse(deviceNonce, sig []byte) []byte {
	b := make([]byte, 0, ResponseSize)
	b = append(b, MsgResponse)
	b = append(b, deviceNonce...)
	return append(b, sig...)
}

// DecodeResponse splits deviceNonce and signature.
func DecodeResponse(b []byte) (deviceNonce, sig []byte, err error) {
	if len(b) != ResponseSize || b[0] != MsgResponse {
		return nil, nil, ErrMalformed
	}
	n := 1 + crypto.ChallengeSize
	return append([]byte(nil), b[1:n]...), append([]byte(nil), b[n:]...), nil
}

// IsHello reports whether b looks like a hello (device side).
func IsHello(b []byte) bool { return len(b) == HelloSize && b[0] == MsgHello }

// DialUDP returns a connected UDP socket to addr.
func DialUDP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "udp", addr)
}

// ListenUDP binds addr (device simulator).
func ListenUDP(addr string) (*net.UDPConn, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", ua)
}

// IsTimeout reports a read/write deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ReadWithDeadline reads one datagram, giving up at deadline.
func ReadWithDeadline(conn net.Conn, buf []byte, deadline time.Time) (int, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err := conn.Read(buf)
	conn.SetReadDeadline(time.Time{})
	return n, err
}
