package transaction

import (
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/sip"
)

// Error is a transaction error, see [errorutil.Error].
type Error = errorutil.Error

// Transaction errors.
const (
	ErrInvalidArgument  = errorutil.ErrInvalidArgument
	ErrMalformedMessage = sip.ErrMalformedMessage
	// ErrTransportFailure is the termination reason of a transaction that failed to send a message.
	ErrTransportFailure Error = "transport failure"
	// ErrFlowFailed is the termination reason of a transaction whose flow was closed.
	ErrFlowFailed Error = "flow failed"
	// ErrTransactionTimedOut is the termination reason of a transaction that did not get
	// a response or an ACK in time.
	ErrTransactionTimedOut Error = "transaction timed out"
	// ErrTransactionTerminated is the reason of a forced termination.
	ErrTransactionTerminated Error = "transaction terminated"
	// ErrDoubleEmit is a panic reason of a state machine that emitted two events in one direction.
	ErrDoubleEmit Error = "double emit"
	// ErrActionNotAllowed is returned when the transaction user action is not allowed in the current state.
	ErrActionNotAllowed Error = "action not allowed"
	// ErrTransactionLayerClosed is returned when a closed layer is asked to create a transaction.
	ErrTransactionLayerClosed Error = "transaction layer closed"
)
