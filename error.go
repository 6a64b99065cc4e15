package sipcore

import "github.com/ghettovoice/sipcore/internal/errorutil"

// Error is a stack error, see [errorutil.Error].
type Error = errorutil.Error

// ErrServerClosed is returned by a shut down [Server].
const ErrServerClosed Error = "server closed"
