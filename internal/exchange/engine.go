package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/utat-ss/test-software/internal/protocol"
	"github.com/utat-ss/test-software/internal/transport"
)

const (
	DefaultTimeout      = 5 * time.Second
	DefaultMaxAttempts  = 3
	DefaultPollInterval = 10 * time.Millisecond
	defaultReadChunk    = 4096
)

// ErrNoResponse is returned when the OBC acknowledged a request but the
// response that was awaited never arrived. It is not retried, since a
// resend would execute the command a second time.
var ErrNoResponse = errors.New("acknowledged but no response received")

// Options tune a single exchange. Zero fields take the engine defaults.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	// AwaitResponse keeps polling after a positive ACK until the response
	// frame for the same command ID arrives. Nil takes the engine default.
	AwaitResponse *bool
}

// Await returns an AwaitResponse setting.
func Await(v bool) *bool { return &v }

func (o Options) awaitResponse() bool {
	return o.AwaitResponse != nil && *o.AwaitResponse
}

// Config wires an Engine.
type Config struct {
	Codec            protocol.FrameCodec
	Password         []byte
	PollInterval     time.Duration
	InFlightCapacity int
	Defaults         Options
	// Loss may be nil to disable drop simulation.
	Loss *LossSimulator
	// OnAnomaly receives replies that cannot be correlated. It is called
	// from the goroutine running the exchange.
	OnAnomaly func(err error)
	Logger    *log.Logger
}

// Result is a completed exchange.
type Result struct {
	// Request is the outbound packet recovered from the in-flight table
	// by the reply's command ID.
	Request *protocol.TXPacket
	// Reply is the final frame: the ACK, or the response when awaited.
	Reply *protocol.RXPacket
	// Ack is set when a response was awaited.
	Ack      *protocol.RXPacket
	Attempts int
}

// Opcode is the opcode of the correlated request.
func (r *Result) Opcode() protocol.Opcode { return r.Request.Opcode() }

// EngineStats is a snapshot of engine counters.
type EngineStats struct {
	Loss       Stats              `json:"loss"`
	CommandID  protocol.CommandID `json:"command_id"`
	InFlight   int                `json:"in_flight"`
	Anomalies  uint64             `json:"anomalies"`
	Resyncs    uint64             `json:"resyncs"`
	Exchanges  uint64             `json:"exchanges"`
	Exhausted  uint64             `json:"exhausted"`
	Rejected   uint64             `json:"rejected"`
	Corruption uint64             `json:"checksum_aborts"`
}

// Engine runs send-one-wait-one exchanges over a Transport. It owns the
// command ID counter and the in-flight table and is not safe for
// concurrent use.
type Engine struct {
	transport    transport.Transport
	codec        protocol.FrameCodec
	password     [protocol.PasswordSize]byte
	counter      protocol.CommandID
	inflight     *inFlight
	loss         *LossSimulator
	defaults     Options
	pollInterval time.Duration
	onAnomaly    func(error)
	logger       *log.Logger

	anomalies  uint64
	resyncs    uint64
	exchanges  uint64
	exhausted  uint64
	rejected   uint64
	corruption uint64
}

// NewEngine validates cfg and returns an engine whose counter starts at 1.
func NewEngine(t transport.Transport, cfg Config) (*Engine, error) {
	if t == nil {
		return nil, &protocol.PreconditionError{Field: "transport", Reason: "required"}
	}
	if cfg.Codec == nil {
		return nil, &protocol.PreconditionError{Field: "codec", Reason: "required"}
	}
	if err := protocol.ValidatePassword(cfg.Password); err != nil {
		return nil, err
	}

	e := &Engine{
		transport:    t,
		codec:        cfg.Codec,
		counter:      1,
		inflight:     newInFlight(cfg.InFlightCapacity),
		loss:         cfg.Loss,
		defaults:     cfg.Defaults,
		pollInterval: cfg.PollInterval,
		onAnomaly:    cfg.OnAnomaly,
		logger:       cfg.Logger,
	}
	copy(e.password[:], cfg.Password)

	if e.defaults.Timeout <= 0 {
		e.defaults.Timeout = DefaultTimeout
	}
	if e.defaults.MaxAttempts <= 0 {
		e.defaults.MaxAttempts = DefaultMaxAttempts
	}
	if e.pollInterval <= 0 {
		e.pollInterval = DefaultPollInterval
	}
	if e.logger == nil {
		e.logger = log.Default()
	}
	return e, nil
}

// CommandID returns the ID the next exchange will use.
func (e *Engine) CommandID() protocol.CommandID { return e.counter }

// Framing returns the codec's framing identifier.
func (e *Engine) Framing() string { return e.codec.Framing() }

// SetPassword replaces the password used for subsequent requests.
func (e *Engine) SetPassword(password []byte) error {
	if err := protocol.ValidatePassword(password); err != nil {
		return err
	}
	copy(e.password[:], password)
	e.logger.Printf("[Engine] Password updated")
	return nil
}

// Stats returns the loss counters and engine counters.
func (e *Engine) Stats() EngineStats {
	s := EngineStats{
		CommandID:  e.counter,
		InFlight:   e.inflight.len(),
		Anomalies:  e.anomalies,
		Resyncs:    e.resyncs,
		Exchanges:  e.exchanges,
		Exhausted:  e.exhausted,
		Rejected:   e.rejected,
		Corruption: e.corruption,
	}
	if e.loss != nil {
		s.Loss = e.loss.Stats()
	}
	return s
}

// SendAndReceive sends a command with the current command ID and waits for
// the correlated reply, retrying silence up to MaxAttempts times. The
// counter advances by exactly one once the request has been built,
// whatever the outcome.
//
// Rejections come back as *NegativeAckError, exhaustion as ErrExhausted and
// a corrupt reply as protocol.ErrChecksumMismatch, all wrapped in
// *ExchangeError. A password precondition failure is returned before any I/O
// and leaves the counter untouched.
func (e *Engine) SendAndReceive(ctx context.Context, opcode protocol.Opcode, arg1, arg2 uint32, opts Options) (*Result, error) {
	opts = e.withDefaults(opts)

	tx, err := protocol.NewTXPacket(e.codec, e.counter, opcode, arg1, arg2, e.password[:])
	if err != nil {
		return nil, err
	}
	defer e.advance()

	e.exchanges++
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := e.transmit(tx, attempt); err != nil {
			return nil, &ExchangeError{CommandID: tx.CommandID(), Opcode: opcode, Attempts: attempt, Err: err}
		}

		res, err := e.awaitReply(ctx, tx, opts)
		if err == nil {
			res.Attempts = attempt
			e.logger.Printf("[Engine] Command %d (%s) acknowledged on attempt %d: %s",
				tx.CommandID(), opcode, attempt, res.Reply)
			return res, nil
		}
		if errors.Is(err, ErrTimeout) {
			e.logger.Printf("[Engine] Attempt %d/%d for command %d (%s): %v",
				attempt, opts.MaxAttempts, tx.CommandID(), opcode, err)
			continue
		}

		var nack *NegativeAckError
		switch {
		case errors.As(err, &nack):
			e.rejected++
			e.logger.Printf("[Engine] %v", nack)
		case errors.Is(err, protocol.ErrChecksumMismatch):
			e.corruption++
			e.logger.Printf("[Engine] Aborting command %d: %v", tx.CommandID(), err)
		}
		return nil, &ExchangeError{CommandID: tx.CommandID(), Opcode: opcode, Attempts: attempt, Err: err}
	}

	e.exhausted++
	e.logger.Printf("[Engine] Command %d (%s) exhausted %d attempts", tx.CommandID(), opcode, opts.MaxAttempts)
	return nil, &ExchangeError{CommandID: tx.CommandID(), Opcode: opcode, Attempts: opts.MaxAttempts, Err: ErrExhausted}
}

// ResetCommandID asks the OBC to reset its command ID expectation. The
// request goes out with command ID 0 and no reply is awaited; the local
// counter restarts at 1.
func (e *Engine) ResetCommandID() error {
	tx, err := protocol.NewTXPacket(e.codec, protocol.ResetCommandID, protocol.OpPingOBC, 0, 0, e.password[:])
	if err != nil {
		return err
	}
	if err := e.transmit(tx, 1); err != nil {
		return err
	}
	e.counter = 1
	e.logger.Printf("[Engine] Command ID reset requested")
	return nil
}

// SendRaw writes bytes verbatim, bypassing the loss simulator and the
// counter, and returns the first well-formed reply seen within timeout.
func (e *Engine) SendRaw(ctx context.Context, raw []byte, timeout time.Duration) (*protocol.RXPacket, error) {
	if timeout <= 0 {
		timeout = e.defaults.Timeout
	}
	if err := e.transport.Flush(); err != nil {
		return nil, fmt.Errorf("flush before raw send: %w", err)
	}
	if err := e.transport.Write(raw); err != nil {
		return nil, fmt.Errorf("raw send: %w", err)
	}
	e.logger.Printf("[Engine] Sent %d raw bytes: % x", len(raw), raw)

	var buf []byte
	deadline := time.Now().Add(timeout)
	for {
		chunk, err := e.read(ctx)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)

		for {
			frame, rest, err := e.codec.Scan(buf)
			buf = rest
			if err != nil {
				e.resyncs++
				continue
			}
			if frame == nil {
				break
			}
			payload, err := e.codec.Decode(frame)
			if err != nil {
				return nil, err
			}
			rx, err := protocol.ParseRXPacket(payload)
			if err != nil {
				continue
			}
			return rx, nil
		}

		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}
	}
}

func (e *Engine) withDefaults(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = e.defaults.Timeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = e.defaults.MaxAttempts
	}
	if opts.AwaitResponse == nil {
		opts.AwaitResponse = e.defaults.AwaitResponse
	}
	return opts
}

// advance moves the counter on within 15 bits. ID 0 is reserved for reset
// requests, so after 0x7FFF the counter goes to 1.
func (e *Engine) advance() {
	e.counter = e.counter.Next()
	if e.counter == protocol.ResetCommandID {
		e.counter = e.counter.Next()
	}
}

// transmit flushes stale input, applies the uplink drop decision and records
// the packet as in flight whether or not it reached the wire.
func (e *Engine) transmit(tx *protocol.TXPacket, attempt int) error {
	if err := e.transport.Flush(); err != nil {
		return fmt.Errorf("flush before send: %w", err)
	}

	if e.loss != nil && e.loss.DropUplink() {
		e.logger.Printf("[Engine] Dropped uplink %s (attempt %d)", tx, attempt)
	} else if err := e.transport.Write(tx.Frame()); err != nil {
		return fmt.Errorf("send %s: %w", tx, err)
	}

	e.inflight.put(tx)
	return nil
}

// awaitReply polls the transport until a reply correlated with tx settles
// the attempt or the attempt window closes.
func (e *Engine) awaitReply(ctx context.Context, tx *protocol.TXPacket, opts Options) (*Result, error) {
	var buf []byte
	var ack *protocol.RXPacket
	deadline := time.Now().Add(opts.Timeout)

	for {
		chunk, err := e.read(ctx)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)

		for {
			frame, rest, err := e.codec.Scan(buf)
			buf = rest
			if err != nil {
				e.resyncs++
				e.logger.Printf("[Engine] Resynchronizing: %v", err)
				continue
			}
			if frame == nil {
				break
			}

			payload, err := e.codec.Decode(frame)
			if err != nil {
				if errors.Is(err, protocol.ErrChecksumMismatch) {
					return nil, err
				}
				e.resyncs++
				e.logger.Printf("[Engine] Discarding frame: %v", err)
				continue
			}

			if e.loss != nil && e.loss.DropDownlink() {
				e.logger.Printf("[Engine] Dropped downlink frame (%d bytes)", len(frame))
				// Once acknowledged the command has run, so the attempt
				// must not end in a resend.
				if ack != nil {
					continue
				}
				return nil, fmt.Errorf("%w: downlink frame dropped", ErrTimeout)
			}

			rx, err := protocol.ParseRXPacket(payload)
			if err != nil {
				e.logger.Printf("[Engine] Discarding reply: %v", err)
				continue
			}

			sent, ok := e.inflight.get(rx.CommandID())
			if !ok {
				e.anomaly(fmt.Errorf("%w: %s", ErrUnrecognizedCommandID, rx))
				continue
			}
			if sent.CommandID() != tx.CommandID() {
				e.logger.Printf("[Engine] Ignoring late reply to command %d (%s): %s",
					sent.CommandID(), sent.Opcode(), rx)
				continue
			}

			if rx.Status().Rejected() {
				return nil, &NegativeAckError{
					CommandID: sent.CommandID(),
					Opcode:    sent.Opcode(),
					Status:    rx.Status(),
					Reply:     rx,
				}
			}
			if !opts.awaitResponse() {
				return &Result{Request: sent, Reply: rx}, nil
			}
			if rx.IsResponse() {
				return &Result{Request: sent, Reply: rx, Ack: ack}, nil
			}
			ack = rx
		}

		if !time.Now().Before(deadline) {
			if ack != nil {
				return nil, ErrNoResponse
			}
			return nil, ErrTimeout
		}
	}
}

// read fetches available bytes, sleeping one poll interval when idle.
func (e *Engine) read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chunk, err := e.transport.ReadAvailable(defaultReadChunk)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	if len(chunk) > 0 {
		return chunk, nil
	}

	timer := time.NewTimer(e.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

func (e *Engine) anomaly(err error) {
	e.anomalies++
	e.logger.Printf("[Engine] %v", err)
	if e.onAnomaly != nil {
		e.onAnomaly(err)
	}
}
