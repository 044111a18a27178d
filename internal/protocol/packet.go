package protocol

import (
	"encoding/binary"
	"fmt"
)

// Decoded payload layouts.
//
// Outbound: CommandID(2, top bit reserved) | Opcode(1) | Arg1(4) | Arg2(4) | Password(4)
// Inbound:  CommandID(2, top bit = is_response) | Status(1) | Data(0-n)
//
// Multi-byte fields are big-endian.
const (
	CommandIDSize   = 2
	PasswordSize    = 4
	TXPayloadSize   = CommandIDSize + 1 + 4 + 4 + PasswordSize // 15 bytes
	RXHeaderSize    = CommandIDSize + 1                        // 3 bytes
	MaxCommandID    = 0x7FFF
	ResetCommandID  = CommandID(0)
	isResponseFlag  = 0x80
	commandIDHiMask = 0x7F
)

// CommandID is the 15-bit sequence number correlating a request with its replies.
type CommandID uint16

// Next returns the following ID, wrapping within 15 bits.
func (id CommandID) Next() CommandID { return (id + 1) & MaxCommandID }

// TXPacket is an outbound command. It is immutable once built.
type TXPacket struct {
	commandID CommandID
	opcode    Opcode
	arg1      uint32
	arg2      uint32
	password  [PasswordSize]byte
	payload   []byte
	frame     []byte
}

// NewTXPacket serializes a command and frames it with codec.
// The only failure is a precondition violation, reported before any I/O.
func NewTXPacket(codec FrameCodec, id CommandID, opcode Opcode, arg1, arg2 uint32, password []byte) (*TXPacket, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	if id > MaxCommandID {
		return nil, &PreconditionError{
			Field:  "command_id",
			Reason: fmt.Sprintf("%d exceeds 15 bits", id),
		}
	}

	p := &TXPacket{
		commandID: id,
		opcode:    opcode,
		arg1:      arg1,
		arg2:      arg2,
	}
	copy(p.password[:], password)

	payload := make([]byte, TXPayloadSize)
	payload[0] = byte(id>>8) & commandIDHiMask
	payload[1] = byte(id)
	payload[2] = byte(opcode)
	binary.BigEndian.PutUint32(payload[3:7], arg1)
	binary.BigEndian.PutUint32(payload[7:11], arg2)
	copy(payload[11:15], password)

	frame, err := codec.Encode(payload)
	if err != nil {
		return nil, err
	}
	p.payload = payload
	p.frame = frame
	return p, nil
}

// ParseTXPacket recovers an outbound command from a wire frame. It is the
// OBC side of NewTXPacket and is used by the simulator.
func ParseTXPacket(codec FrameCodec, frame []byte) (*TXPacket, error) {
	payload, err := codec.Decode(frame)
	if err != nil {
		return nil, err
	}
	if len(payload) != TXPayloadSize {
		return nil, fmt.Errorf("%w: command payload is %d bytes, want %d",
			ErrTruncatedPayload, len(payload), TXPayloadSize)
	}

	p := &TXPacket{
		commandID: CommandID(payload[0]&commandIDHiMask)<<8 | CommandID(payload[1]),
		opcode:    Opcode(payload[2]),
		arg1:      binary.BigEndian.Uint32(payload[3:7]),
		arg2:      binary.BigEndian.Uint32(payload[7:11]),
		payload:   append([]byte(nil), payload...),
		frame:     append([]byte(nil), frame...),
	}
	copy(p.password[:], payload[11:15])
	return p, nil
}

func (p *TXPacket) CommandID() CommandID { return p.commandID }
func (p *TXPacket) Opcode() Opcode       { return p.opcode }
func (p *TXPacket) Arg1() uint32         { return p.arg1 }
func (p *TXPacket) Arg2() uint32         { return p.arg2 }

// Password returns a copy of the password bytes.
func (p *TXPacket) Password() []byte { return append([]byte(nil), p.password[:]...) }

// Payload returns a copy of the decoded payload.
func (p *TXPacket) Payload() []byte { return append([]byte(nil), p.payload...) }

// Frame returns a copy of the encoded wire frame.
func (p *TXPacket) Frame() []byte { return append([]byte(nil), p.frame...) }

func (p *TXPacket) String() string {
	return fmt.Sprintf("TX{id=%d op=%s arg1=0x%x arg2=0x%x}", p.commandID, p.opcode, p.arg1, p.arg2)
}

// RXPacket is an inbound ACK or response. It does not carry the opcode;
// the opcode is recovered from the TXPacket sent with the same command ID.
type RXPacket struct {
	commandID  CommandID
	isResponse bool
	status     Status
	data       []byte
}

// NewRXPacket builds an inbound packet from its fields.
func NewRXPacket(id CommandID, isResponse bool, status Status, data []byte) *RXPacket {
	return &RXPacket{
		commandID:  id & MaxCommandID,
		isResponse: isResponse,
		status:     status,
		data:       append([]byte(nil), data...),
	}
}

// ParseRXPacket extracts fields from a payload that already passed frame
// verification. Checksum verification is not repeated here.
func ParseRXPacket(payload []byte) (*RXPacket, error) {
	if len(payload) < RXHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncatedPayload, len(payload), RXHeaderSize)
	}
	return &RXPacket{
		commandID:  CommandID(payload[0]&commandIDHiMask)<<8 | CommandID(payload[1]),
		isResponse: payload[0]&isResponseFlag != 0,
		status:     Status(payload[2]),
		data:       append([]byte(nil), payload[RXHeaderSize:]...),
	}, nil
}

func (p *RXPacket) CommandID() CommandID { return p.commandID }
func (p *RXPacket) IsResponse() bool     { return p.isResponse }
func (p *RXPacket) Status() Status       { return p.status }

// Data returns a copy of the data field.
func (p *RXPacket) Data() []byte { return append([]byte(nil), p.data...) }

// Payload serializes the packet back into its decoded payload form.
func (p *RXPacket) Payload() []byte {
	payload := make([]byte, RXHeaderSize+len(p.data))
	payload[0] = byte(p.commandID>>8) & commandIDHiMask
	if p.isResponse {
		payload[0] |= isResponseFlag
	}
	payload[1] = byte(p.commandID)
	payload[2] = byte(p.status)
	copy(payload[RXHeaderSize:], p.data)
	return payload
}

func (p *RXPacket) String() string {
	kind := "ACK"
	if p.isResponse {
		kind = "RESP"
	}
	return fmt.Sprintf("RX{%s id=%d status=%s data=% x}", kind, p.commandID, p.status, p.data)
}
