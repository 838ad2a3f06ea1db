package proto

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrProtocolViolation wraps every decode failure; callers drop and log.
var ErrProtocolViolation = errors.New("protocol violation")

var (
	ErrInvalidLength    = fmt.Errorf("%w: invalid length", ErrProtocolViolation)
	ErrInvalidDelimiter = fmt.Errorf("%w: invalid delimiter", ErrProtocolViolation)
	ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrProtocolViolation)
)

// Checksum XORs bytes 1..7 of b (DEV_ID through D5).
func Checksum(b []byte) byte {
	var c byte
	for _, v := range b[1:checksumIndex] {
		c ^= v
	}
	return c
}

// Encode builds a frame; total and deterministic.
func Encode(deviceID, cmd byte, payload [PayloadSize]byte) Frame {
	var f Frame
	f[0] = StartByte
	f[1] = deviceID
	f[2] = cmd
	copy(f[3:3+PayloadSize], payload[:])
	f[checksumIndex] = Checksum(f[:])
	f[FrameSize-1] = EndByte
	return f
}

// Decode validates length, delimiters, checksum (in that order).
func Decode(b []byte) (Frame, error) {
	var f Frame
	if len(b) != FrameSize {
		return f, ErrInvalidLength
	}
	if b[0] != StartByte || b[FrameSize-1] != EndByte {
		return f, ErrInvalidDelimiter
	}
	if Checksum(b) != b[checksumIndex] {
		return f, ErrChecksumMismatch
	}
	copy(f[:], b)
	return f, nil
}

// Splitter reassembles frames from a byte stream (notifications and socket
// reads split and merge frames freely). Not safe for concurrent use; each
// transport's read task owns one.
type Splitter struct {
	buf        []byte
	violations uint64
}

// Feed appends data and returns every complete valid frame. After a bad
// candidate it resyncs on the next StartByte; onViolation opt.
func (s *Splitter) Feed(data []byte, onViolation func(error)) []Frame {
	s.buf = append(s.buf, data...)
	var out []Frame
	for {
		i := bytes.IndexByte(s.buf, StartByte)
		if i < 0 {
			s.buf = s.buf[:0]
			return out
		}
		s.buf = s.buf[i:]
		if len(s.buf) < FrameSize {
			return out
		}
		f, err := Decode(s.buf[:FrameSize])
		if err != nil {
			s.violations++
			if onViolation != nil {
				onViolation(err)
			}
			s.buf = s.buf[1:]
			continue
		}
		out = append(out, f)
		s.buf = s.buf[FrameSize:]
	}
}

// Violations returns how many candidates were rejected.
func (s *Splitter) Violations() uint64 { return s.violations }

// Reset drops buffered partial data (new link).
func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
}

