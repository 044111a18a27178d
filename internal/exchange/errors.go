package exchange

import (
	"errors"
	"fmt"

	"github.com/utat-ss/test-software/internal/protocol"
)

var (
	ErrTimeout               = errors.New("no reply within attempt window")
	ErrExhausted             = errors.New("exchange attempts exhausted")
	ErrNegativeAck           = errors.New("request rejected by OBC")
	ErrUnrecognizedCommandID = errors.New("reply carries unrecognized command id")
	ErrEngineClosed          = errors.New("engine closed")
)

// NegativeAckError carries the rejecting reply. It matches ErrNegativeAck.
type NegativeAckError struct {
	CommandID protocol.CommandID
	Opcode    protocol.Opcode
	Status    protocol.Status
	Reply     *protocol.RXPacket
}

func (e *NegativeAckError) Error() string {
	return fmt.Sprintf("command %d (%s) rejected: %s", e.CommandID, e.Opcode, e.Status)
}

func (e *NegativeAckError) Unwrap() error { return ErrNegativeAck }

// ExchangeError reports a failed exchange with the attempts it took.
type ExchangeError struct {
	CommandID protocol.CommandID
	Opcode    protocol.Opcode
	Attempts  int
	Err       error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange %d (%s) failed after %d attempt(s): %v", e.CommandID, e.Opcode, e.Attempts, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Outcome labels used in events and history.
const (
	OutcomeSuccess      = "success"
	OutcomeRejected     = "rejected"
	OutcomeExhausted    = "exhausted"
	OutcomeNoResponse   = "no_response"
	OutcomeCorrupt      = "corrupt"
	OutcomePrecondition = "precondition"
	OutcomeError        = "error"
)

// OutcomeOf classifies the error returned by SendAndReceive.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrNegativeAck):
		return OutcomeRejected
	case errors.Is(err, ErrExhausted):
		return OutcomeExhausted
	case errors.Is(err, ErrNoResponse):
		return OutcomeNoResponse
	case errors.Is(err, protocol.ErrChecksumMismatch):
		return OutcomeCorrupt
	case errors.Is(err, protocol.ErrPrecondition):
		return OutcomePrecondition
	default:
		return OutcomeError
	}
}
