package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// TCPBridge reaches the OBC through a serial-to-TCP bridge. The stream
// carries raw UART bytes in both directions.
type TCPBridge struct {
	conn        net.Conn
	addr        string
	readTimeout time.Duration
	mu          sync.Mutex
}

// DialBridge connects to a bridge at addr.
func DialBridge(ctx context.Context, addr string, readTimeout time.Duration) (*TCPBridge, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge %s: %w", addr, err)
	}
	log.Printf("[Bridge] Connected to %s", addr)
	return NewTCPBridge(conn, readTimeout), nil
}

// NewTCPBridge wraps an established connection.
func NewTCPBridge(conn net.Conn, readTimeout time.Duration) *TCPBridge {
	return &TCPBridge{
		conn:        conn,
		addr:        conn.RemoteAddr().String(),
		readTimeout: readTimeout,
	}
}

// ReadAvailable implements Transport.
func (b *TCPBridge) ReadAvailable(max int) ([]byte, error) {
	if max <= 0 {
		return nil, nil
	}
	return b.read(max, b.readTimeout)
}

func (b *TCPBridge) read(max int, wait time.Duration) ([]byte, error) {
	buf := make([]byte, max)
	b.conn.SetReadDeadline(time.Now().Add(wait))
	n, err := b.conn.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return buf[:n], nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return buf[:n], ErrClosed
		}
		return nil, fmt.Errorf("bridge read from %s: %w", b.addr, err)
	}
	return buf[:n], nil
}

// Write implements Transport.
func (b *TCPBridge) Write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := b.conn.Write(p); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("bridge write to %s: %w", b.addr, err)
	}
	return nil
}

// Flush implements Transport by draining whatever the socket already holds.
func (b *TCPBridge) Flush() error {
	for {
		data, err := b.read(4096, time.Millisecond)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
	}
}

// Close implements Transport.
func (b *TCPBridge) Close() error {
	log.Printf("[Bridge] Closing connection to %s", b.addr)
	return b.conn.Close()
}
