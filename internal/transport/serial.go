package transport

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Serial drives the OBC over a UART at 8N1.
type Serial struct {
	port serial.Port
	name string
	mu   sync.Mutex
}

// OpenSerial opens portName at baud. readTimeout bounds every
// ReadAvailable call and is the engine's polling granularity.
func OpenSerial(portName string, baud int, readTimeout time.Duration) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}
	log.Printf("[Serial] Opened %s at %d baud", portName, baud)
	return newSerial(port, portName), nil
}

func newSerial(port serial.Port, name string) *Serial {
	return &Serial{port: port, name: name}
}

// ReadAvailable implements Transport.
func (s *Serial) ReadAvailable(max int) ([]byte, error) {
	if max <= 0 {
		return nil, nil
	}
	buf := make([]byte, max)
	n, err := s.port.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return buf[:n], nil
		}
		return nil, fmt.Errorf("serial read on %s: %w", s.name, err)
	}
	return buf[:n], nil
}

// Write implements Transport.
func (s *Serial) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return fmt.Errorf("serial write on %s: %w", s.name, err)
		}
		p = p[n:]
	}
	return nil
}

// Flush implements Transport.
func (s *Serial) Flush() error {
	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("serial flush on %s: %w", s.name, err)
	}
	return nil
}

// Close implements Transport.
func (s *Serial) Close() error {
	log.Printf("[Serial] Closing %s", s.name)
	return s.port.Close()
}
