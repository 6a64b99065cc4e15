package flow

import "github.com/ghettovoice/sipcore/internal/errorutil"

// Error is a flow error, see [errorutil.Error].
type Error = errorutil.Error

// Flow errors.
const (
	// ErrFlowClosed is returned when sending over a closing or closed flow.
	ErrFlowClosed Error = "flow closed"
	// ErrKeepAliveFailed is the close reason of a flow that missed too many pongs.
	ErrKeepAliveFailed Error = "keep-alive failed"
	// ErrFlowIdle is the close reason of a flow that had no traffic for too long.
	ErrFlowIdle Error = "flow idle timeout"
	// ErrConnectionLost is the close reason of a flow whose connection was closed by the network layer.
	ErrConnectionLost Error = "connection lost"
	// ErrSendFailed wraps write errors of the underlying connection.
	ErrSendFailed Error = "send failed"
	// ErrInvalidFlowToken is returned for tokens that fail authentication or decoding.
	ErrInvalidFlowToken Error = "invalid flow token"
	// ErrNoTarget is returned when no resolved target of the host could be connected.
	ErrNoTarget Error = "no reachable target"
	// ErrFlowNotFound is returned when no open flow matches the lookup.
	ErrFlowNotFound Error = "flow not found"
	// ErrStorageClosed is returned by a closed [Storage].
	ErrStorageClosed Error = "flow storage closed"
)
