package sipcore

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/flow"
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/transaction"
	"github.com/ghettovoice/sipcore/transport"
)

// Server is a SIP core stack.
// The transport layer delivers connections to the flow storage, the flow storage passes
// SIP messages to the transaction layer and the transaction layer calls the [transaction.User].
type Server struct {
	tx    *transaction.Layer
	flows *flow.Storage
	tp    *transport.Layer
	log   *slog.Logger

	unwatch func()
	closed  atomic.Bool
}

// NewServer creates a new [Server] serving user.
// Options are optional, listeners are started with [Server.Listen].
func NewServer(user transaction.User, opts *ServerOptions) (*Server, error) {
	srv := &Server{log: opts.log()}
	srv.tx = transaction.NewLayer(user, opts.txOptions())

	fopts := opts.flowOptions()
	fopts.Upstream = flow.UpstreamFunc(srv.onUpstream)
	fopts.Dialer = transport.DialerFunc(srv.dial)
	flows, err := flow.NewStorage(fopts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	srv.flows = flows
	srv.unwatch = flows.OnFlowClosed(srv.onFlowClosed)

	srv.tp = transport.NewLayer(flows, &transport.LayerOptions{
		TLSConfig: opts.tlsConfig(),
		Log:       srv.log,
	})
	return srv, nil
}

func (srv *Server) onUpstream(ctx context.Context, f *flow.Flow, msg sip.Message) error {
	return errtrace.Wrap(srv.tx.OnUpstream(ctx, f, msg))
}

func (srv *Server) dial(ctx context.Context, proto transport.Proto, raddr netip.AddrPort) (transport.Connection, error) {
	return errtrace.Wrap2(srv.tp.Dial(ctx, proto, raddr))
}

func (srv *Server) onFlowClosed(ctx context.Context, f *flow.Flow, err error) {
	if err == nil {
		err = flow.ErrFlowClosed
	}
	srv.tx.FlowFailed(ctx, f, err)
}

// Listen starts a listener of the protocol on addr (host:port) and returns the bound address.
func (srv *Server) Listen(ctx context.Context, proto transport.Proto, addr string) (netip.AddrPort, error) {
	if srv.closed.Load() {
		return netip.AddrPort{}, errtrace.Wrap(ErrServerClosed)
	}
	laddr, err := srv.tp.Listen(ctx, proto, addr)
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(err)
	}
	srv.log.LogAttrs(ctx, slog.LevelInfo, "listener started",
		slog.String("transport", string(proto)),
		slog.String("local_addr", laddr.String()),
	)
	return laddr, nil
}

// CreateFlow starts building an outbound flow to the host.
func (srv *Server) CreateFlow(host string) *flow.Builder { return srv.flows.CreateFlow(host) }

// Request starts a client transaction over the flow.
func (srv *Server) Request(ctx context.Context, f *flow.Flow, req *sip.Request) (*transaction.Transaction, error) {
	if srv.closed.Load() {
		return nil, errtrace.Wrap(ErrServerClosed)
	}
	if f == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("nil flow"))
	}
	return errtrace.Wrap2(srv.tx.Request(ctx, f, req))
}

// Respond sends the response through the server transaction.
func (srv *Server) Respond(ctx context.Context, tx *transaction.Transaction, res *sip.Response) error {
	return errtrace.Wrap(srv.tx.Respond(ctx, tx, res))
}

// SendStateless sends the message over the flow without a transaction, e.g. ACK to 2xx.
func (srv *Server) SendStateless(ctx context.Context, f *flow.Flow, msg sip.Message) error {
	if f == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil flow"))
	}
	return errtrace.Wrap(srv.tx.SendStateless(ctx, f, msg))
}

// Transactions returns the transaction layer.
func (srv *Server) Transactions() *transaction.Layer { return srv.tx }

// Flows returns the flow storage.
func (srv *Server) Flows() *flow.Storage { return srv.flows }

// Transport returns the transport layer.
func (srv *Server) Transport() *transport.Layer { return srv.tp }

// Shutdown terminates all transactions, closes listeners, connections and flows.
func (srv *Server) Shutdown(ctx context.Context) error {
	if !srv.closed.CompareAndSwap(false, true) {
		return errtrace.Wrap(ErrServerClosed)
	}

	var errs []error
	if err := srv.tx.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	srv.unwatch()
	if err := srv.tp.Close(); err != nil && !errors.Is(err, transport.ErrLayerClosed) {
		errs = append(errs, err)
	}
	if err := srv.flows.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to shutdown server:", errs...))
}
