package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPipeDeliversBytes(t *testing.T) {
	ground, obc := NewPipe(20 * time.Millisecond)

	require.NoError(t, ground.Write([]byte{1, 2, 3}))
	require.NoError(t, ground.Write([]byte{4}))

	got, err := obc.ReadAvailable(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)

	got, err = obc.ReadAvailable(64)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4}, got)

	// Nothing buffered: returns empty after the read timeout
	start := time.Now()
	got, err = obc.ReadAvailable(64)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestPipeReadWakesOnWrite(t *testing.T) {
	ground, obc := NewPipe(time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		obc.Write([]byte{0x55})
	}()

	start := time.Now()
	got, err := ground.ReadAvailable(8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55}, got)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPipeFlushAndClose(t *testing.T) {
	ground, obc := NewPipe(5 * time.Millisecond)

	require.NoError(t, obc.Write([]byte{9, 9, 9}))
	require.NoError(t, ground.Flush())
	got, err := ground.ReadAvailable(8)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, obc.Close())
	_, err = ground.ReadAvailable(8)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, ground.Write([]byte{1}), ErrClosed)
}

func TestTCPBridge(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bridge, err := DialBridge(ctx, ln.Addr().String(), 20*time.Millisecond)
	require.NoError(t, err)
	defer bridge.Close()

	peer := <-accepted
	defer peer.Close()

	// Silence is not an error
	got, err := bridge.ReadAvailable(16)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, bridge.Write([]byte("ping")))
	buf := make([]byte, 4)
	peer.SetReadDeadline(time.Now().Add(time.Second))
	_, err = peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = peer.Write([]byte{0xAA, 0xBB})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err = bridge.ReadAvailable(16)
		return err == nil && len(got) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{0xAA, 0xBB}, got)

	_, err = peer.Write([]byte{0x01})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bridge.Flush())
	got, err = bridge.ReadAvailable(16)
	require.NoError(t, err)
	assert.Empty(t, got)

	peer.Close()
	require.Eventually(t, func() bool {
		_, err = bridge.ReadAvailable(16)
		return err != nil
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

// fakePort implements the serial.Port methods Serial uses.
type fakePort struct {
	serial.Port
	rx     []byte
	tx     []byte
	resets int
	chunk  int
	closed bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	n := copy(p, f.rx)
	f.rx = f.rx[n:]
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	n := min(len(p), f.chunk)
	f.tx = append(f.tx, p[:n]...)
	return n, nil
}

func (f *fakePort) ResetInputBuffer() error {
	f.resets++
	f.rx = nil
	return nil
}

func (f *fakePort) Close() error {
	f.closed = true
	return nil
}

func TestSerialWritesEverything(t *testing.T) {
	port := &fakePort{chunk: 3, rx: []byte{0x55, 0x00}}
	s := newSerial(port, "fake")

	require.NoError(t, s.Write([]byte{1, 2, 3, 4, 5, 6, 7}))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7}, port.tx)

	got, err := s.ReadAvailable(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55}, got)

	require.NoError(t, s.Flush())
	assert.Equal(t, 1, port.resets)
	got, err = s.ReadAvailable(8)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Close())
	assert.True(t, port.closed)
}
