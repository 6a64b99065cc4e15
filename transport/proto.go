// Package transport implements the network layer: listeners, dialers and connections
// for UDP, TCP, TLS and WebSocket transports.
package transport

import (
	"log/slog"

	"github.com/ghettovoice/sipcore/internal/util"
)

// Proto is a transport protocol name.
type Proto string

// Supported transport protocols.
const (
	UDP Proto = "UDP"
	TCP Proto = "TCP"
	TLS Proto = "TLS"
	WS  Proto = "WS"
	WSS Proto = "WSS"
)

// ParseProto parses transport name case-insensitively.
func ParseProto(s string) (Proto, bool) {
	p := Proto(util.UCase(s))
	return p, p.IsValid()
}

func (p Proto) IsValid() bool {
	switch p {
	case UDP, TCP, TLS, WS, WSS:
		return true
	default:
		return false
	}
}

// Reliable reports whether the transport guarantees delivery.
func (p Proto) Reliable() bool { return p != UDP }

// Streamed reports whether messages must be framed by Content-Length.
func (p Proto) Streamed() bool { return p == TCP || p == TLS }

// Secured reports whether the transport is encrypted.
func (p Proto) Secured() bool { return p == TLS || p == WSS }

// Network returns name of the underlying network for the net package.
func (p Proto) Network() string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

// DefaultPort returns the well-known port of the transport.
func (p Proto) DefaultPort() uint16 {
	switch p {
	case TLS:
		return 5061
	case WS:
		return 80
	case WSS:
		return 443
	default:
		return 5060
	}
}

func (p Proto) String() string { return string(p) }

func (p Proto) LogValue() slog.Value { return slog.StringValue(string(p)) }
