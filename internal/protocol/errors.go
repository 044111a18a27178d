package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrLengthMismatch   = errors.New("frame length mismatch")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
	ErrBadDelimiter     = errors.New("frame delimiter out of place")
	ErrInvalidEncoding  = errors.New("invalid frame encoding")
	ErrTruncatedPayload = errors.New("payload truncated")
	ErrPrecondition     = errors.New("precondition violated")
)

// PreconditionError reports a caller mistake detected before any I/O.
type PreconditionError struct {
	Field  string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrPrecondition, e.Field, e.Reason)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// ValidatePassword checks that a password fits the 4-byte payload field.
func ValidatePassword(password []byte) error {
	if len(password) != PasswordSize {
		return &PreconditionError{
			Field:  "password",
			Reason: fmt.Sprintf("must be %d bytes, got %d", PasswordSize, len(password)),
		}
	}
	return nil
}
