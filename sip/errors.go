package sip

import "github.com/ghettovoice/sipcore/internal/errorutil"

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// Common errors.
const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument
	// ErrMalformedMessage is returned for messages that can not be parsed
	// or lack headers needed to match them to a transaction.
	ErrMalformedMessage Error = "malformed message"
	// ErrMessageTooLarge is returned when a message exceeds the read limit.
	ErrMessageTooLarge Error = "message too large"
)

// NewMalformedMessageError creates an error that matches both [ErrMalformedMessage]
// and [ErrInvalidArgument].
func NewMalformedMessageError(args ...any) error {
	return errorutil.NewWrapperError(ErrMalformedMessage, errorutil.NewInvalidArgumentError(args...)) //errtrace:skip
}
