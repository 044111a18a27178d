package adapter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/utat-ss/test-software/internal/protocol"
)

const (
	// OBC frame constants
	OBCDelimiter byte = 0x55

	// Layout: DELIM | LEN | DELIM | PAYLOAD(LEN) | DELIM | CRC32(4, BE) | DELIM
	OBCFrameOverhead  = 9
	OBCMaxPayloadSize = 0xFF

	FramingCRC32 = "crc32"
)

// OBCAdapter implements protocol.FrameCodec for the length + CRC-32 framing
// spoken by current OBC firmware.
type OBCAdapter struct{}

// NewOBCAdapter creates a new OBC adapter
func NewOBCAdapter() *OBCAdapter {
	return &OBCAdapter{}
}

// Framing returns framing identifier
func (a *OBCAdapter) Framing() string {
	return FramingCRC32
}

// MaxPayload returns the limit of the one-byte length field
func (a *OBCAdapter) MaxPayload() int {
	return OBCMaxPayloadSize
}

// Encode wraps payload into a frame
func (a *OBCAdapter) Encode(payload []byte) ([]byte, error) {
	if err := checkPayloadSize(a, payload); err != nil {
		return nil, err
	}
	n := len(payload)

	frame := make([]byte, n+OBCFrameOverhead)
	frame[0] = OBCDelimiter
	frame[1] = byte(n)
	frame[2] = OBCDelimiter
	copy(frame[3:3+n], payload)
	frame[3+n] = OBCDelimiter
	binary.BigEndian.PutUint32(frame[4+n:8+n], a.checksum(byte(n), payload))
	frame[8+n] = OBCDelimiter

	return frame, nil
}

// Decode validates a frame and returns a copy of its payload
func (a *OBCAdapter) Decode(frame []byte) ([]byte, error) {
	if len(frame) < OBCFrameOverhead {
		return nil, fmt.Errorf("%w: %d bytes", protocol.ErrFrameTooShort, len(frame))
	}

	n := int(frame[1])
	if n != len(frame)-OBCFrameOverhead {
		return nil, fmt.Errorf("%w: declared %d, carried %d", protocol.ErrLengthMismatch, n, len(frame)-OBCFrameOverhead)
	}

	if frame[0] != OBCDelimiter || frame[2] != OBCDelimiter || frame[3+n] != OBCDelimiter || frame[8+n] != OBCDelimiter {
		return nil, protocol.ErrBadDelimiter
	}

	payload := frame[3 : 3+n]
	received := binary.BigEndian.Uint32(frame[4+n : 8+n])
	if calculated := a.checksum(byte(n), payload); received != calculated {
		return nil, fmt.Errorf("%w: received 0x%08x, calculated 0x%08x", protocol.ErrChecksumMismatch, received, calculated)
	}

	return append([]byte(nil), payload...), nil
}

// Scan carves the first frame whose four delimiters line up with its
// declared length. Noise before the first delimiter is dropped; a misaligned
// candidate costs one byte and scanning resumes at the next delimiter.
func (a *OBCAdapter) Scan(buffer []byte) ([]byte, []byte, error) {
	start := bytes.IndexByte(buffer, OBCDelimiter)
	if start == -1 {
		// No start delimiter, discard all
		return nil, nil, nil
	}
	buf := buffer[start:]

	if len(buf) < 3 {
		return nil, buf, nil
	}
	if buf[2] != OBCDelimiter {
		return nil, buf[1:], fmt.Errorf("%w: no delimiter after length byte", protocol.ErrBadDelimiter)
	}

	n := int(buf[1])
	total := n + OBCFrameOverhead
	if len(buf) < total {
		// Incomplete frame
		return nil, buf, nil
	}
	if buf[3+n] != OBCDelimiter || buf[8+n] != OBCDelimiter {
		return nil, buf[1:], fmt.Errorf("%w: declared length %d", protocol.ErrBadDelimiter, n)
	}

	return buf[:total], buf[total:], nil
}

// checksum is CRC-32/IEEE (reflected 0xEDB88320, init and final XOR
// 0xFFFFFFFF) over the length byte followed by the payload.
func (a *OBCAdapter) checksum(length byte, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte{length})
	h.Write(payload)
	return h.Sum32()
}
