package transport

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/ghettovoice/sipcore/internal/util"
)

// wsProtocol is the WebSocket sub-protocol defined by RFC 7118.
const wsProtocol = "sip"

// wsConn is an upgraded WebSocket connection.
type wsConn struct {
	net.Conn
	state ws.State
	rw    io.ReadWriter
	wmu   sync.Mutex
}

// lockedWriter serializes control frames written by the reader with data frames.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errtrace.Wrap2(w.w.Write(p))
}

func (c *wsConn) readFrame() ([]byte, ws.OpCode, error) {
	if c.state.ClientSide() {
		return errtrace.Wrap3(wsutil.ReadServerData(c.rw))
	}
	return errtrace.Wrap3(wsutil.ReadClientData(c.rw))
}

// writeFrame must be called with the connection write lock held.
func (c *wsConn) writeFrame(p []byte) error {
	if c.state.ClientSide() {
		return errtrace.Wrap(wsutil.WriteClientMessage(c.Conn, ws.OpText, p))
	}
	return errtrace.Wrap(wsutil.WriteServerMessage(c.Conn, ws.OpText, p))
}

func newWSConn(conn net.Conn, state ws.State, r io.Reader) *wsConn {
	c := &wsConn{Conn: conn, state: state}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{&c.wmu, conn}}
	return c
}

func (l *Layer) upgradeWS(conn net.Conn) (net.Conn, error) {
	stop := context.AfterFunc(l.ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(l.upgradeTimeout)); err != nil {
		return nil, errtrace.Wrap(err)
	}
	u := ws.Upgrader{
		Protocol: func(b []byte) bool { return util.EqFold(string(b), wsProtocol) },
	}
	if _, err := u.Upgrade(conn); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return newWSConn(conn, ws.StateServerSide, conn), nil
}

func (l *Layer) dialWS(ctx context.Context, proto Proto, raddr netip.AddrPort) (net.Conn, error) {
	scheme := "ws"
	if proto == WSS {
		scheme = "wss"
	}
	d := ws.Dialer{
		Protocols: []string{wsProtocol},
		TLSConfig: l.tlsCfg,
		Timeout:   l.upgradeTimeout,
	}
	conn, br, _, err := d.Dial(ctx, scheme+"://"+raddr.String()+"/")
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return newWSConn(conn, ws.StateClientSide, r), nil
}
