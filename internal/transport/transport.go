package transport

import "errors"

// ErrClosed is returned by reads and writes on a closed link.
var ErrClosed = errors.New("transport closed")

// Transport is the byte link to the OBC. ReadAvailable returns whatever is
// buffered, waiting at most the backend's read timeout when nothing is;
// an empty result with a nil error means no bytes arrived.
type Transport interface {
	ReadAvailable(max int) ([]byte, error)
	Write(p []byte) error
	// Flush discards buffered inbound bytes.
	Flush() error
	Close() error
}
