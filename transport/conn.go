package transport

import (
	"context"
	"log/slog"
	"net/netip"
	"strconv"
	"sync/atomic"

	"github.com/ghettovoice/sipcore/sip"
)

// ConnID identifies a connection for the lifetime of the process.
type ConnID uint64

var lastConnID atomic.Uint64

func nextConnID() ConnID { return ConnID(lastConnID.Add(1)) }

func (id ConnID) String() string { return "conn-" + strconv.FormatUint(uint64(id), 10) }

// Connection is a single transport level endpoint owned by the [Layer].
// UDP connections are pseudo-connections sharing the listener socket.
type Connection interface {
	ID() ConnID
	Proto() Proto
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	// Write sends a complete frame to the remote side.
	// Context deadline is used as a write deadline.
	Write(ctx context.Context, p []byte) error
	// Close closes the connection, the handler receives HandleClosed once.
	Close() error
}

// InboundKind is the kind of inbound traffic.
type InboundKind int

const (
	// InboundMessage carries a parsed SIP message.
	InboundMessage InboundKind = iota
	// InboundPing is a double CRLF keep-alive ping.
	InboundPing
	// InboundPong is a single CRLF keep-alive pong.
	InboundPong
	// InboundSTUN is a STUN message, Raw holds it.
	InboundSTUN
)

func (k InboundKind) String() string {
	switch k {
	case InboundMessage:
		return "message"
	case InboundPing:
		return "crlf_ping"
	case InboundPong:
		return "crlf_pong"
	case InboundSTUN:
		return "stun"
	default:
		return "unknown"
	}
}

// Inbound is a unit of received traffic.
type Inbound struct {
	Kind    InboundKind
	Message sip.Message
	Raw     []byte
}

func (in Inbound) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", in.Kind.String())}
	if in.Message != nil {
		attrs = append(attrs, slog.Any("message", in.Message))
	}
	return slog.GroupValue(attrs...)
}

// Keep-alive payloads defined by RFC 5626 section 3.5.1.
var (
	CRLFPing = []byte("\r\n\r\n")
	CRLFPong = []byte("\r\n")
)

// Handler receives traffic and connection close notifications from the [Layer].
// Calls for a single connection are sequential.
type Handler interface {
	HandleInbound(ctx context.Context, conn Connection, in Inbound)
	HandleClosed(ctx context.Context, conn Connection, err error)
}

// Dialer opens outbound connections.
type Dialer interface {
	Dial(ctx context.Context, proto Proto, raddr netip.AddrPort) (Connection, error)
}

// DialerFunc is an adapter to use ordinary functions as [Dialer].
type DialerFunc func(ctx context.Context, proto Proto, raddr netip.AddrPort) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, proto Proto, raddr netip.AddrPort) (Connection, error) {
	return f(ctx, proto, raddr) //errtrace:skip
}

func connLogValue(c Connection) slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID().String()),
		slog.Any("proto", c.Proto()),
		slog.String("local_addr", c.LocalAddr().String()),
		slog.String("remote_addr", c.RemoteAddr().String()),
	)
}
