package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/internal/syncutil"
)

// Transport errors.
const (
	// ErrLayerClosed is returned when the [Layer] is already closed.
	ErrLayerClosed errorutil.Error = "transport layer closed"
	// ErrUnsupportedProto is returned for unknown transport protocols.
	ErrUnsupportedProto errorutil.Error = "unsupported transport protocol"
)

// LayerOptions are options of the [Layer].
type LayerOptions struct {
	// TLSConfig is used by TLS and WSS listeners and dialers.
	// Listeners require at least one certificate.
	TLSConfig *tls.Config
	// UpgradeTimeout limits the WebSocket handshake.
	// Default is 10s.
	UpgradeTimeout time.Duration
	// DialTimeout limits connection establishment when context has no deadline.
	// Default is 30s.
	DialTimeout time.Duration
	// CRLFWait is how long a single CRLF on a stream waits for a second one
	// before it is taken for a pong.
	// Default is 500ms.
	CRLFWait time.Duration
	// Workers is the number of goroutines processing inbound UDP traffic.
	// Default is GOMAXPROCS.
	Workers int
	// WorkerQueueSize is the queue depth of each UDP worker, datagrams beyond it are dropped.
	// Default is 1024.
	WorkerQueueSize int
	// Log is a logger used to log transport events.
	// If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *LayerOptions) tlsConfig() *tls.Config {
	if o == nil {
		return nil
	}
	return o.TLSConfig
}

func (o *LayerOptions) upgradeTimeout() time.Duration {
	if o == nil || o.UpgradeTimeout == 0 {
		return 10 * time.Second
	}
	return o.UpgradeTimeout
}

func (o *LayerOptions) dialTimeout() time.Duration {
	if o == nil || o.DialTimeout == 0 {
		return 30 * time.Second
	}
	return o.DialTimeout
}

func (o *LayerOptions) crlfWait() time.Duration {
	if o == nil || o.CRLFWait <= 0 {
		return 500 * time.Millisecond
	}
	return o.CRLFWait
}

func (o *LayerOptions) workers() int {
	if o == nil || o.Workers <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return o.Workers
}

func (o *LayerOptions) workerQueueSize() int {
	if o == nil || o.WorkerQueueSize <= 0 {
		return 1024
	}
	return o.WorkerQueueSize
}

func (o *LayerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Layer owns listeners and connections of all transports
// and delivers inbound traffic to the [Handler].
// Each connection is read by its own goroutine.
type Layer struct {
	handler        Handler
	tlsCfg         *tls.Config
	upgradeTimeout time.Duration
	dialTimeout    time.Duration
	crlfWait       time.Duration
	workers        int
	queueSize      int
	log            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	lsnrs    []io.Closer
	udpSocks []*udpSocket
	pool     *inboundPool

	conns *syncutil.ShardMap[ConnID, Connection]
	wg    sync.WaitGroup
}

// NewLayer creates a new [Layer] delivering traffic to h.
func NewLayer(h Handler, opts *LayerOptions) *Layer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Layer{
		handler:        h,
		tlsCfg:         opts.tlsConfig(),
		upgradeTimeout: opts.upgradeTimeout(),
		dialTimeout:    opts.dialTimeout(),
		crlfWait:       opts.crlfWait(),
		workers:        opts.workers(),
		queueSize:      opts.workerQueueSize(),
		log:            opts.log(),
		ctx:            ctx,
		cancel:         cancel,
		conns:          syncutil.NewShardMap[ConnID, Connection](),
	}
}

// Listen starts listening on addr (host:port) with the protocol.
// It returns the actual bound address.
func (l *Layer) Listen(ctx context.Context, proto Proto, addr string) (netip.AddrPort, error) {
	if !proto.IsValid() {
		return netip.AddrPort{}, errtrace.Wrap(errorutil.NewWrapperError(ErrUnsupportedProto, string(proto)))
	}
	if proto.Secured() && (l.tlsCfg == nil || len(l.tlsCfg.Certificates) == 0 && l.tlsCfg.GetCertificate == nil) {
		return netip.AddrPort{}, errtrace.Wrap(errorutil.NewInvalidArgumentError("%s listener requires TLS certificates", proto))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return netip.AddrPort{}, errtrace.Wrap(ErrLayerClosed)
	}

	var lc net.ListenConfig
	if proto == UDP {
		pc, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			return netip.AddrPort{}, errtrace.Wrap(err)
		}
		sock := l.startUDPSocket(pc.(*net.UDPConn)) //nolint:forcetypeassert
		return sock.laddr, nil
	}

	ls, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(err)
	}
	if proto.Secured() {
		ls = tls.NewListener(ls, l.tlsCfg)
	}
	l.lsnrs = append(l.lsnrs, ls)
	l.wg.Go(func() {
		if err := l.serve(ls, proto); err != nil && !errors.Is(err, ErrLayerClosed) {
			l.log.LogAttrs(l.ctx, slog.LevelWarn, "failed to serve the listener",
				slog.Any("listener", ls),
				slog.Any("error", err),
			)
		}
	})
	return addrPortOf(ls.Addr()), nil
}

func (l *Layer) serve(ls net.Listener, proto Proto) error {
	defer ls.Close()

	l.log.LogAttrs(l.ctx, slog.LevelDebug, "begin serving the listener", slog.Any("listener", ls), slog.Any("proto", proto))
	defer l.log.LogAttrs(l.ctx, slog.LevelDebug, "serving the listener finished", slog.Any("listener", ls))

	var tempDelay time.Duration
	for {
		conn, err := ls.Accept()
		if err != nil {
			if errorutil.IsTemporaryErr(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if v := time.Second; tempDelay > v {
					tempDelay = v
				}

				l.log.LogAttrs(l.ctx, slog.LevelDebug,
					"failed to accept connection due to the temporary error, continue serving after delay...",
					slog.Any("error", err),
					slog.Duration("delay", tempDelay),
				)

				tmr := time.NewTimer(tempDelay)
				select {
				case <-l.ctx.Done():
					tmr.Stop()
					return errtrace.Wrap(ErrLayerClosed)
				case <-tmr.C:
				}
				continue
			}

			select {
			case <-l.ctx.Done():
				return errtrace.Wrap(ErrLayerClosed)
			default:
				return errtrace.Wrap(err)
			}
		}
		tempDelay = 0

		if proto == WS || proto == WSS {
			l.wg.Go(func() {
				upgraded, err := l.upgradeWS(conn)
				if err != nil {
					l.log.LogAttrs(l.ctx, slog.LevelDebug, "websocket upgrade failed",
						slog.Any("connection", conn),
						slog.Any("error", err),
					)
					conn.Close()
					return
				}
				l.startStreamConn(upgraded, proto, true) //nolint:errcheck
			})
			continue
		}
		l.startStreamConn(conn, proto, false) //nolint:errcheck
	}
}

// Dial opens a connection to raddr.
// UDP connections reuse a listening socket of the same address family when one exists.
func (l *Layer) Dial(ctx context.Context, proto Proto, raddr netip.AddrPort) (Connection, error) {
	if !proto.IsValid() {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrUnsupportedProto, string(proto)))
	}
	if !raddr.IsValid() {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid remote address"))
	}
	raddr = unmapAddrPort(raddr)

	if err := l.ctx.Err(); err != nil {
		return nil, errtrace.Wrap(ErrLayerClosed)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.dialTimeout)
		defer cancel()
	}

	switch proto {
	case UDP:
		sock, err := l.udpSocketFor(ctx, raddr)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		c, _ := sock.conn(raddr)
		return c, nil
	case WS, WSS:
		conn, err := l.dialWS(ctx, proto, raddr)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		c, err := l.startStreamConn(conn, proto, true)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return c, nil
	default:
		var (
			conn net.Conn
			err  error
		)
		if proto == TLS {
			d := &tls.Dialer{Config: l.tlsCfg}
			conn, err = d.DialContext(ctx, "tcp", raddr.String())
		} else {
			var d net.Dialer
			conn, err = d.DialContext(ctx, "tcp", raddr.String())
		}
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		c, err := l.startStreamConn(conn, proto, false)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return c, nil
	}
}

// Conn returns tracked connection by id.
func (l *Layer) Conn(id ConnID) (Connection, bool) { return l.conns.Get(id) }

// Len returns number of open connections.
func (l *Layer) Len() int { return l.conns.Size() }

// Close closes all listeners and connections and waits for reader goroutines.
// Handler receives HandleClosed for every open connection.
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errtrace.Wrap(ErrLayerClosed)
	}
	l.closed = true
	lsnrs, socks, pool := l.lsnrs, l.udpSocks, l.pool
	l.lsnrs, l.udpSocks, l.pool = nil, nil, nil
	l.mu.Unlock()

	l.cancel()

	var errs []error
	for _, ls := range lsnrs {
		if err := ls.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, s := range socks {
		if err := s.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, c := range l.conns.Items() {
		c.Close()
	}
	l.wg.Wait()
	if pool != nil {
		pool.stop()
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close transport layer:", errs...))
}

func (l *Layer) track(c Connection) {
	l.conns.Set(c.ID(), c)
	l.log.LogAttrs(l.ctx, slog.LevelDebug, "connection opened", slog.Any("connection", c))
}

func (l *Layer) untrack(c Connection, err error) {
	l.conns.Del(c.ID())
	l.log.LogAttrs(l.ctx, slog.LevelDebug, "connection closed", slog.Any("connection", c), slog.Any("error", err))
	if l.handler != nil {
		l.handler.HandleClosed(l.ctx, c, err)
	}
}

func (l *Layer) deliver(c Connection, in Inbound) {
	if l.handler == nil {
		return
	}
	l.handler.HandleInbound(l.ctx, c, in)
}

// deliverTracked drops traffic queued before the connection was closed.
func (l *Layer) deliverTracked(c Connection, in Inbound) {
	if _, ok := l.conns.Get(c.ID()); !ok {
		return
	}
	l.deliver(c, in)
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return unmapAddrPort(a.AddrPort())
	case *net.UDPAddr:
		return unmapAddrPort(a.AddrPort())
	default:
		ap, _ := netip.ParseAddrPort(addr.String())
		return unmapAddrPort(ap)
	}
}

func unmapAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
