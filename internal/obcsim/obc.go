// Package obcsim answers uplink frames the way OBC firmware does, so the
// ground station can run without hardware.
package obcsim

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/utat-ss/test-software/internal/adapter"
	"github.com/utat-ss/test-software/internal/protocol"
	"github.com/utat-ss/test-software/internal/transport"
)

// HandlerFunc executes an accepted command and returns the response data.
type HandlerFunc func(arg1, arg2 uint32) (protocol.Status, []byte)

// OBC is a simulated on-board computer. It replies in whichever framing the
// first uplink frame used.
type OBC struct {
	mu       sync.Mutex
	password [protocol.PasswordSize]byte
	detector *adapter.FramingDetector
	codec    protocol.FrameCodec
	handlers map[protocol.Opcode]HandlerFunc

	// respond sends a response frame after every positive ACK.
	respond bool
	lastID  protocol.CommandID
	haveID  bool
	lastAck [][]byte

	received int
	executed map[protocol.Opcode]int
}

// New creates a simulated OBC accepting password.
func New(password []byte, respond bool) (*OBC, error) {
	if err := protocol.ValidatePassword(password); err != nil {
		return nil, err
	}
	o := &OBC{
		detector: adapter.NewFramingDetector(),
		handlers: make(map[protocol.Opcode]HandlerFunc),
		respond:  respond,
		executed: make(map[protocol.Opcode]int),
	}
	copy(o.password[:], password)
	return o, nil
}

// Handle overrides the behaviour for an opcode. Unhandled catalogue opcodes
// succeed with no data.
func (o *OBC) Handle(op protocol.Opcode, fn HandlerFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[op] = fn
}

// Executed reports how many times op has been run.
func (o *OBC) Executed(op protocol.Opcode) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executed[op]
}

// Received reports the number of uplink frames accepted.
func (o *OBC) Received() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.received
}

// Serve answers frames arriving on t until ctx is done or t closes.
func (o *OBC) Serve(ctx context.Context, t transport.Transport) error {
	var buf []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := t.ReadAvailable(1024)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		buf = append(buf, chunk...)

		for len(buf) > 0 {
			codec := o.framing(buf)
			if codec == nil {
				buf = nil
				break
			}
			frame, rest, err := codec.Scan(buf)
			buf = rest
			if err != nil {
				continue
			}
			if frame == nil {
				break
			}
			for _, reply := range o.HandleFrame(frame) {
				if err := t.Write(reply); err != nil {
					return err
				}
			}
		}
	}
}

func (o *OBC) framing(buf []byte) protocol.FrameCodec {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.codec == nil {
		if codec, ok := o.detector.Match(buf); ok {
			o.codec = codec
			log.Printf("[OBC] Speaking %s framing", codec.Framing())
		}
	}
	return o.codec
}

// HandleFrame processes one uplink frame and returns the encoded replies.
// Corrupt frames get no reply.
func (o *OBC) HandleFrame(frame []byte) [][]byte {
	codec := o.framing(frame)
	if codec == nil {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	tx, err := protocol.ParseTXPacket(codec, frame)
	if err != nil {
		if errors.Is(err, protocol.ErrTruncatedPayload) {
			if payload, derr := codec.Decode(frame); derr == nil && len(payload) >= protocol.CommandIDSize {
				id := protocol.CommandID(payload[0]&0x7F)<<8 | protocol.CommandID(payload[1])
				return o.encode(codec, id, false, protocol.StatusInvalidPacket, nil)
			}
		}
		log.Printf("[OBC] Ignoring frame: %v", err)
		return nil
	}
	o.received++

	id := tx.CommandID()
	if id == protocol.ResetCommandID {
		o.haveID = false
		o.lastAck = nil
		log.Printf("[OBC] Command ID reset")
		return nil
	}

	// A resend of the last command is acknowledged again, not re-executed.
	if o.haveID && id == o.lastID && o.lastAck != nil {
		return o.lastAck
	}

	var status protocol.Status
	switch {
	case string(tx.Password()) != string(o.password[:]):
		status = protocol.StatusInvalidPassword
	case !tx.Opcode().Known():
		status = protocol.StatusInvalidOpcode
	}
	if status.Rejected() {
		return o.encode(codec, id, false, status, nil)
	}

	replies := o.encode(codec, id, false, protocol.StatusOK, nil)
	o.executed[tx.Opcode()]++

	respStatus, data := protocol.StatusOK, []byte(nil)
	if fn, ok := o.handlers[tx.Opcode()]; ok {
		respStatus, data = fn(tx.Arg1(), tx.Arg2())
	}
	if limit := MaxResponseData(codec); len(data) > limit {
		log.Printf("[OBC] %s response of %d bytes exceeds %d, reporting INVALID_PACKET",
			tx.Opcode(), len(data), limit)
		respStatus, data = protocol.StatusInvalidPacket, nil
	}
	if o.respond {
		replies = append(replies, o.encode(codec, id, true, respStatus, data)...)
	}

	o.lastID, o.haveID, o.lastAck = id, true, replies
	return replies
}

// MaxResponseData is the most response data a single frame can carry.
func MaxResponseData(codec protocol.FrameCodec) int {
	return codec.MaxPayload() - protocol.RXHeaderSize
}

func (o *OBC) encode(codec protocol.FrameCodec, id protocol.CommandID, isResponse bool, status protocol.Status, data []byte) [][]byte {
	frame, err := codec.Encode(protocol.NewRXPacket(id, isResponse, status, data).Payload())
	if err != nil {
		log.Printf("[OBC] Dropping reply to command %d: %v", id, err)
		return nil
	}
	return [][]byte{frame}
}
