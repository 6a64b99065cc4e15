package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/internal/util"
)

const maxDatagramSize = 65535

// udpSocket is a UDP socket shared by pseudo-connections, one per remote address.
type udpSocket struct {
	l     *Layer
	pc    *net.UDPConn
	laddr netip.AddrPort
	conns *syncutil.ShardMap[netip.AddrPort, *udpConn]
	pool  *inboundPool
}

// startUDPSocket must be called with l.mu held.
func (l *Layer) startUDPSocket(pc *net.UDPConn) *udpSocket {
	s := &udpSocket{
		l:     l,
		pc:    pc,
		laddr: addrPortOf(pc.LocalAddr()),
		conns: syncutil.NewShardMap[netip.AddrPort, *udpConn](),
	}
	if l.pool == nil {
		l.pool = newInboundPool(l.workers, l.queueSize, l.deliverTracked)
	}
	s.pool = l.pool
	l.udpSocks = append(l.udpSocks, s)
	l.wg.Go(s.serve)
	return s
}

func (l *Layer) udpSocketFor(ctx context.Context, raddr netip.AddrPort) (*udpSocket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errtrace.Wrap(ErrLayerClosed)
	}

	for _, s := range l.udpSocks {
		if s.laddr.Addr().Is4() == raddr.Addr().Is4() {
			return s, nil
		}
	}

	network := "udp6"
	if raddr.Addr().Is4() {
		network = "udp4"
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, network, ":0")
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return l.startUDPSocket(pc.(*net.UDPConn)), nil //nolint:forcetypeassert
}

func (s *udpSocket) conn(raddr netip.AddrPort) (*udpConn, bool) {
	c, loaded, _ := s.conns.LoadOrCompute(raddr, func() (*udpConn, error) {
		return &udpConn{id: nextConnID(), sock: s, raddr: raddr}, nil
	})
	if !loaded {
		s.l.track(c)
	}
	return c, !loaded
}

func (s *udpSocket) serve() {
	l := s.l
	l.log.LogAttrs(l.ctx, slog.LevelDebug, "begin serving the UDP socket", slog.Any("socket", s.pc))
	defer l.log.LogAttrs(l.ctx, slog.LevelDebug, "serving the UDP socket finished", slog.Any("socket", s.pc))

	buf := make([]byte, maxDatagramSize)
	for {
		n, raddr, err := s.pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errorutil.IsTemporaryErr(err) {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				l.log.LogAttrs(l.ctx, slog.LevelWarn, "failed to read from the UDP socket",
					slog.Any("socket", s.pc),
					slog.Any("error", err),
				)
			}
			break
		}
		if n == 0 {
			continue
		}

		c, _ := s.conn(unmapAddrPort(raddr))
		in, err := Classify(buf[:n], true)
		if err != nil {
			l.log.LogAttrs(l.ctx, slog.LevelDebug, "discard malformed datagram",
				slog.Any("connection", c),
				slog.String("data", util.Ellipsis(string(buf[:n]), 256)),
				slog.Any("error", err),
			)
			continue
		}
		if !s.pool.submit(c, in) {
			l.log.LogAttrs(l.ctx, slog.LevelWarn, "drop datagram, inbound queue is full",
				slog.Any("connection", c),
				slog.Any("inbound", in),
			)
		}
	}

	for _, c := range s.conns.Items() {
		c.Close()
	}
}

func (s *udpSocket) close() error {
	return errtrace.Wrap(s.pc.Close())
}

// udpConn is a pseudo-connection bound to the remote address.
type udpConn struct {
	id    ConnID
	sock  *udpSocket
	raddr netip.AddrPort
	once  sync.Once
}

func (c *udpConn) ID() ConnID { return c.id }

func (*udpConn) Proto() Proto { return UDP }

func (c *udpConn) LocalAddr() netip.AddrPort { return c.sock.laddr }

func (c *udpConn) RemoteAddr() netip.AddrPort { return c.raddr }

func (c *udpConn) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return errtrace.Wrap(err)
	}
	if _, err := c.sock.pc.WriteToUDPAddrPort(p, c.raddr); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

// Close forgets the pseudo-connection, the shared socket stays open.
func (c *udpConn) Close() error {
	c.once.Do(func() {
		c.sock.conns.DelFunc(c.raddr, func(v *udpConn) bool { return v == c })
		c.sock.l.untrack(c, nil)
	})
	return nil
}

func (c *udpConn) LogValue() slog.Value { return connLogValue(c) }
