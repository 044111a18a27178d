// Legacy framing spoken by OBC firmware before the CRC-32 revision.
// Payload bytes are regrouped 7 -> 8 as base-254 digits and shifted so no
// digit equals 0x00 or 0x0D, leaving those values free for delimiters.

package adapter

import (
	"bytes"
	"fmt"

	"github.com/utat-ss/test-software/internal/protocol"
)

const (
	LegacyDelimiter byte = 0x0D
	legacyMarker    byte = 0x00
	legacyLenOffset      = 0x10

	// marker | len+0x10 | marker | digits | marker
	legacyOverhead = 4

	// 209 bytes encode to 239 digits, the most the length field can count
	LegacyMaxPayloadSize = 209

	FramingLegacy = "legacy"
)

var pow254 = func() [9]uint64 {
	var p [9]uint64
	p[0] = 1
	for i := 1; i < len(p); i++ {
		p[i] = p[i-1] * 254
	}
	return p
}()

// LegacyAdapter implements protocol.FrameCodec for the base-254 framing.
// On the wire each message is bracketed by carriage returns.
type LegacyAdapter struct{}

// NewLegacyAdapter creates a new legacy adapter
func NewLegacyAdapter() *LegacyAdapter {
	return &LegacyAdapter{}
}

// Framing returns framing identifier
func (a *LegacyAdapter) Framing() string {
	return FramingLegacy
}

// MaxPayload returns the largest payload whose digit count fits the
// length field (0xFF - 0x10 digits)
func (a *LegacyAdapter) MaxPayload() int {
	return LegacyMaxPayloadSize
}

// Encode converts payload to mapped base-254 digits and brackets the
// message with carriage returns.
func (a *LegacyAdapter) Encode(payload []byte) ([]byte, error) {
	if err := checkPayloadSize(a, payload); err != nil {
		return nil, err
	}

	digits := a.toDigits(payload)
	frame := make([]byte, 0, len(digits)+legacyOverhead+2)
	frame = append(frame, LegacyDelimiter, legacyMarker, byte(len(digits)+legacyLenOffset), legacyMarker)
	for _, d := range digits {
		frame = append(frame, mapDigit(d))
	}
	frame = append(frame, legacyMarker, LegacyDelimiter)

	return frame, nil
}

// Decode validates the marker layout and converts the digits back to bytes.
// Carriage-return brackets are optional.
func (a *LegacyAdapter) Decode(frame []byte) ([]byte, error) {
	msg := bytes.TrimPrefix(frame, []byte{LegacyDelimiter})
	msg = bytes.TrimSuffix(msg, []byte{LegacyDelimiter})

	if len(msg) < legacyOverhead {
		return nil, fmt.Errorf("%w: %d bytes", protocol.ErrFrameTooShort, len(msg))
	}
	if msg[0] != legacyMarker || msg[2] != legacyMarker || msg[len(msg)-1] != legacyMarker {
		return nil, protocol.ErrBadDelimiter
	}

	encLen := int(msg[1]) - legacyLenOffset
	if encLen != len(msg)-legacyOverhead {
		return nil, fmt.Errorf("%w: declared %d digits, carried %d", protocol.ErrLengthMismatch, encLen, len(msg)-legacyOverhead)
	}
	if encLen%8 == 1 {
		return nil, fmt.Errorf("%w: dangling digit", protocol.ErrLengthMismatch)
	}

	digits := make([]uint64, encLen)
	for i, b := range msg[3 : 3+encLen] {
		d, ok := unmapDigit(b)
		if !ok {
			return nil, fmt.Errorf("%w: reserved value 0x%02x at digit %d", protocol.ErrInvalidEncoding, b, i)
		}
		digits[i] = d
	}

	return a.fromDigits(digits)
}

// Scan returns the bytes between the first two carriage returns once the
// markers inside them line up.
func (a *LegacyAdapter) Scan(buffer []byte) ([]byte, []byte, error) {
	start := bytes.IndexByte(buffer, LegacyDelimiter)
	if start == -1 {
		return nil, nil, nil
	}
	buf := buffer[start:]

	end := bytes.IndexByte(buf[1:], LegacyDelimiter)
	if end == -1 {
		return nil, buf, nil
	}
	end++

	msg := buf[1:end]
	if len(msg) < legacyOverhead ||
		msg[0] != legacyMarker || msg[2] != legacyMarker || msg[len(msg)-1] != legacyMarker ||
		int(msg[1])-legacyLenOffset != len(msg)-legacyOverhead {
		// The closing CR may open the next message
		return nil, buf[end:], fmt.Errorf("%w: %d bytes between carriage returns", protocol.ErrBadDelimiter, len(msg))
	}

	return buf[:end+1], buf[end+1:], nil
}

func (a *LegacyAdapter) toDigits(payload []byte) []uint64 {
	groups := len(payload) / 7
	remainder := len(payload) % 7
	digits := make([]uint64, 0, legacyEncodedLen(len(payload)))

	for g := 0; g < groups; g++ {
		var v uint64
		for _, b := range payload[g*7 : g*7+7] {
			v = v<<8 | uint64(b)
		}
		for i := 0; i < 8; i++ {
			digits = append(digits, (v/pow254[7-i])%254)
		}
	}

	if remainder > 0 {
		var v uint64
		for _, b := range payload[groups*7:] {
			v = v<<8 | uint64(b)
		}
		for i := 0; i <= remainder; i++ {
			digits = append(digits, (v/pow254[remainder-i])%254)
		}
	}

	return digits
}

func (a *LegacyAdapter) fromDigits(digits []uint64) ([]byte, error) {
	groups := len(digits) / 8
	remainder := len(digits) % 8
	out := make([]byte, 0, groups*7+remainder)

	convert := func(ds []uint64, nbytes int) error {
		var v uint64
		for i, d := range ds {
			v += d * pow254[len(ds)-1-i]
		}
		if nbytes < 8 && v>>(8*uint(nbytes)) != 0 {
			return fmt.Errorf("%w: digit group overflows %d bytes", protocol.ErrInvalidEncoding, nbytes)
		}
		for i := nbytes - 1; i >= 0; i-- {
			out = append(out, byte(v>>(8*uint(i))))
		}
		return nil
	}

	for g := 0; g < groups; g++ {
		if err := convert(digits[g*8:g*8+8], 7); err != nil {
			return nil, err
		}
	}
	if remainder > 1 {
		if err := convert(digits[groups*8:], remainder-1); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func legacyEncodedLen(n int) int {
	if n%7 == 0 {
		return n / 7 * 8
	}
	return n/7*8 + n%7 + 1
}

// 0-11 -> 1-12, 12-253 -> 14-255
func mapDigit(d uint64) byte {
	if d <= 11 {
		return byte(d + 1)
	}
	return byte(d + 2)
}

func unmapDigit(b byte) (uint64, bool) {
	switch {
	case b >= 1 && b <= 12:
		return uint64(b - 1), true
	case b >= 14:
		return uint64(b - 2), true
	default:
		return 0, false
	}
}
