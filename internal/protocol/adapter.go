package protocol

// PacketScanner handles frame boundary detection from a serial byte stream
type PacketScanner interface {
	// Scan carves one candidate frame out of buffer.
	// frame: the candidate with delimiters and checksum still attached, nil if
	// the buffer does not yet hold a complete frame
	// rest: bytes after the candidate, or the retained tail when incomplete
	// err: non-nil when bytes were discarded to resynchronize; rest is then the
	// buffer to continue scanning from
	Scan(buffer []byte) (frame []byte, rest []byte, err error)
}

// FrameCodec translates between decoded payloads and on-wire frames
type FrameCodec interface {
	PacketScanner

	// Encode wraps a decoded payload into a complete wire frame. Payloads
	// longer than MaxPayload are a precondition violation.
	Encode(payload []byte) ([]byte, error)

	// MaxPayload is the largest payload the framing can carry
	MaxPayload() int

	// Decode validates a candidate frame and returns its payload
	Decode(frame []byte) ([]byte, error)

	// Framing returns the framing identifier
	Framing() string
}

// Detector identifies the framing from the first bytes of a stream
type Detector interface {
	// Match returns the codec whose framing the header bytes belong to
	Match(headerBytes []byte) (FrameCodec, bool)
}
