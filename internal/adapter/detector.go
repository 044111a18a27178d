package adapter

import (
	"fmt"
	"strings"

	"github.com/utat-ss/test-software/internal/protocol"
)

// ByName returns the codec for a framing identifier
func ByName(framing string) (protocol.FrameCodec, error) {
	switch strings.ToLower(strings.TrimSpace(framing)) {
	case FramingCRC32, "":
		return NewOBCAdapter(), nil
	case FramingLegacy:
		return NewLegacyAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported framing: %s", framing)
	}
}

func checkPayloadSize(codec protocol.FrameCodec, payload []byte) error {
	if len(payload) > codec.MaxPayload() {
		return &protocol.PreconditionError{
			Field:  "payload",
			Reason: fmt.Sprintf("%d bytes exceeds the %s limit of %d", len(payload), codec.Framing(), codec.MaxPayload()),
		}
	}
	return nil
}

// FramingDetector implements protocol detection across the supported framings
type FramingDetector struct {
	obc    *OBCAdapter
	legacy *LegacyAdapter
}

// NewFramingDetector creates a new detector
func NewFramingDetector() *FramingDetector {
	return &FramingDetector{
		obc:    NewOBCAdapter(),
		legacy: NewLegacyAdapter(),
	}
}

// Match detects framing from header bytes. Leading noise is skipped up to
// the first byte that can open a frame.
func (d *FramingDetector) Match(headerBytes []byte) (protocol.FrameCodec, bool) {
	for _, b := range headerBytes {
		switch b {
		case OBCDelimiter:
			return d.obc, true
		case LegacyDelimiter:
			return d.legacy, true
		}
	}
	return nil, false
}
