package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/sip"
)

// streamConn is a connection oriented transport: TCP, TLS or WebSocket.
type streamConn struct {
	id    ConnID
	proto Proto
	l     *Layer
	conn  net.Conn
	laddr netip.AddrPort
	raddr netip.AddrPort

	// ws is set for WebSocket connections, every WebSocket message is a single frame.
	ws *wsConn

	wmu  *sync.Mutex
	once sync.Once
}

func (l *Layer) startStreamConn(conn net.Conn, proto Proto, isWS bool) (*streamConn, error) {
	c := &streamConn{
		id:    nextConnID(),
		proto: proto,
		l:     l,
		conn:  conn,
		laddr: addrPortOf(conn.LocalAddr()),
		raddr: addrPortOf(conn.RemoteAddr()),
		wmu:   new(sync.Mutex),
	}
	if isWS {
		if wc, ok := conn.(*wsConn); ok {
			c.ws = wc
			c.wmu = &wc.wmu
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		conn.Close()
		return nil, errtrace.Wrap(ErrLayerClosed)
	}
	l.track(c)
	l.wg.Go(c.serve)
	return c, nil
}

func (c *streamConn) ID() ConnID { return c.id }

func (c *streamConn) Proto() Proto { return c.proto }

func (c *streamConn) LocalAddr() netip.AddrPort { return c.laddr }

func (c *streamConn) RemoteAddr() netip.AddrPort { return c.raddr }

func (c *streamConn) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return errtrace.Wrap(err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if d, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(d); err != nil {
			return errtrace.Wrap(err)
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	if c.ws != nil {
		return errtrace.Wrap(c.ws.writeFrame(p))
	}
	if _, err := c.conn.Write(p); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

func (c *streamConn) Close() error {
	return errtrace.Wrap(c.closeWithErr(nil))
}

func (c *streamConn) closeWithErr(cause error) error {
	var err error
	c.once.Do(func() {
		err = c.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		c.l.untrack(c, cause)
	})
	return errtrace.Wrap(err)
}

func (c *streamConn) LogValue() slog.Value { return connLogValue(c) }

func (c *streamConn) serve() {
	var err error
	if c.ws != nil {
		err = c.readFrames()
	} else {
		err = c.readStream(bufio.NewReaderSize(c.conn, 4096))
	}
	if err != nil && (errorutil.IsClosedConnErr(err) || errors.Is(err, io.ErrUnexpectedEOF)) {
		err = nil
	}
	var closedErr wsutil.ClosedError
	if errors.As(err, &closedErr) {
		err = nil
	}
	c.closeWithErr(err)
}

func (c *streamConn) readStream(br *bufio.Reader) error {
	for {
		b, err := br.Peek(2)
		if err != nil {
			return errtrace.Wrap(err)
		}
		if bytes.Equal(b, CRLFPong) {
			kind, err := c.readCRLF(br)
			if err != nil {
				return errtrace.Wrap(err)
			}
			c.l.deliver(c, Inbound{Kind: kind})
			continue
		}

		msg, err := sip.ReadMessage(br)
		if err != nil {
			if errors.Is(err, sip.ErrMalformedMessage) || errors.Is(err, sip.ErrMessageTooLarge) {
				c.l.log.LogAttrs(c.l.ctx, slog.LevelDebug, "drop connection with broken framing",
					slog.Any("connection", c),
					slog.Any("error", err),
				)
			}
			return errtrace.Wrap(err)
		}
		c.l.deliver(c, Inbound{Kind: InboundMessage, Message: msg})
	}
}

// readCRLF consumes a double CRLF ping or a single CRLF pong.
// A lone CRLF waits up to crlfWait for the second half of a ping split across segments,
// otherwise it is a pong.
func (c *streamConn) readCRLF(br *bufio.Reader) (InboundKind, error) {
	if br.Buffered() < len(CRLFPing) {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.l.crlfWait)); err != nil {
			return 0, errtrace.Wrap(err)
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}

	kind, n := InboundPong, len(CRLFPong)
	// read errors other than the deadline surface on the next peek
	if b, err := br.Peek(len(CRLFPing)); err == nil && bytes.Equal(b, CRLFPing) {
		kind, n = InboundPing, len(CRLFPing)
	}
	if _, err := br.Discard(n); err != nil {
		return 0, errtrace.Wrap(err)
	}
	return kind, nil
}

func (c *streamConn) readFrames() error {
	for {
		data, op, err := c.ws.readFrame()
		if err != nil {
			return errtrace.Wrap(err)
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		in, err := Classify(data, false)
		if err != nil {
			c.l.log.LogAttrs(c.l.ctx, slog.LevelDebug, "discard malformed websocket message",
				slog.Any("connection", c),
				slog.String("data", util.Ellipsis(string(data), 256)),
				slog.Any("error", err),
			)
			continue
		}
		c.l.deliver(c, in)
	}
}
