package transport

import (
	"sync"
	"time"
)

// PipeEnd is one side of an in-memory link. Bytes written on one end are
// readable on the other. Used by the simulator backend and in tests.
type PipeEnd struct {
	in          *pipeBuffer
	out         *pipeBuffer
	readTimeout time.Duration
}

type pipeBuffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
	notify chan struct{}
}

func newPipeBuffer() *pipeBuffer {
	return &pipeBuffer{notify: make(chan struct{}, 1)}
}

func (b *pipeBuffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// NewPipe returns two connected ends. readTimeout is how long ReadAvailable
// waits on an empty buffer, as a serial port would.
func NewPipe(readTimeout time.Duration) (*PipeEnd, *PipeEnd) {
	a2b := newPipeBuffer()
	b2a := newPipeBuffer()
	return &PipeEnd{in: b2a, out: a2b, readTimeout: readTimeout},
		&PipeEnd{in: a2b, out: b2a, readTimeout: readTimeout}
}

// ReadAvailable implements Transport.
func (p *PipeEnd) ReadAvailable(max int) ([]byte, error) {
	if max <= 0 {
		return nil, nil
	}

	deadline := time.Now().Add(p.readTimeout)
	for {
		p.in.mu.Lock()
		if len(p.in.data) > 0 {
			n := min(max, len(p.in.data))
			out := append([]byte(nil), p.in.data[:n]...)
			p.in.data = p.in.data[n:]
			if len(p.in.data) > 0 {
				p.in.signal()
			}
			p.in.mu.Unlock()
			return out, nil
		}
		closed := p.in.closed
		p.in.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-p.in.notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

// Write implements Transport.
func (p *PipeEnd) Write(data []byte) error {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()

	if p.out.closed {
		return ErrClosed
	}
	p.out.data = append(p.out.data, data...)
	p.out.signal()
	return nil
}

// Flush implements Transport.
func (p *PipeEnd) Flush() error {
	p.in.mu.Lock()
	defer p.in.mu.Unlock()
	p.in.data = nil
	return nil
}

// Close implements Transport. Both directions are closed.
func (p *PipeEnd) Close() error {
	for _, b := range []*pipeBuffer{p.in, p.out} {
		b.mu.Lock()
		b.closed = true
		b.signal()
		b.mu.Unlock()
	}
	return nil
}
