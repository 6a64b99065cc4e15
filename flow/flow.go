// Package flow implements RFC 5626 flows: connection lifecycle, keep-alive and flow storage.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/pion/stun/v3"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/timing"
	"github.com/ghettovoice/sipcore/transport"
)

// Key identifies a flow by its local and remote addresses and the transport.
type Key struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
	Proto  transport.Proto
}

// Endpoint returns the remote endpoint of the flow.
func (k Key) Endpoint() Endpoint { return Endpoint{Remote: k.Remote, Proto: k.Proto} }

func (k Key) String() string {
	return string(k.Proto) + ":" + k.Local.String() + "->" + k.Remote.String()
}

// Endpoint is a remote peer reachable over a transport.
type Endpoint struct {
	Remote netip.AddrPort
	Proto  transport.Proto
}

func (e Endpoint) String() string { return string(e.Proto) + ":" + e.Remote.String() }

// State is a flow state.
type State string

// Flow states.
const (
	StateInit     State = "init"
	StateReady    State = "ready"
	StateActive   State = "active"
	StateWaitPong State = "wait_pong"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
)

// maxPingCallIDs bounds the number of OPTIONS ping Call-IDs remembered for late responses.
const maxPingCallIDs = 8

const (
	evtStart       = "start"
	evtTraffic     = "traffic"
	evtIdle        = "idle"
	evtPong        = "pong"
	evtWaitExpired = "wait_expired"
	evtClose       = "close"
	evtClosed      = "closed"
)

type flowOptions struct {
	cfg      KeepAliveConfig
	clock    timing.Clock
	log      *slog.Logger
	metrics  Metrics
	async    func(func())
	onClosed func(ctx context.Context, f *Flow, err error)
}

// Flow is a logical channel to a peer backed by a single connection.
// All state changes happen under the flow mutex, listeners are called without it.
type Flow struct {
	key      Key
	conn     transport.Connection
	cfg      KeepAliveConfig
	clock    timing.Clock
	log      *slog.Logger
	metrics  Metrics
	async    func(func())
	onClosed func(ctx context.Context, f *Flow, err error)
	ctx      context.Context //nolint:containedctx
	done     chan struct{}
	inflight atomic.Int64

	mu           sync.Mutex
	state        State
	fsm          *stateless.StateMachine
	tmr          timing.Handle
	gen          uint64
	failures     int
	lastActivity time.Time
	pingMethod   PingMethod
	pingToken    string
	// pingCallIDs are Call-IDs of the recent OPTIONS pings, oldest first.
	pingCallIDs []string
	closeErr     error
	pendingErr   error
}

func newFlow(ctx context.Context, conn transport.Connection, opts flowOptions) *Flow {
	f := &Flow{
		key: Key{
			Local:  conn.LocalAddr(),
			Remote: conn.RemoteAddr(),
			Proto:  conn.Proto(),
		},
		conn:     conn,
		cfg:      opts.cfg,
		clock:    opts.clock,
		log:      opts.log,
		metrics:  opts.metrics,
		async:    opts.async,
		onClosed: opts.onClosed,
		ctx:      context.WithoutCancel(ctx),
		done:     make(chan struct{}),
		state:    StateInit,
	}
	if f.clock == nil {
		f.clock = timing.SystemClock{}
	}
	if f.log == nil {
		f.log = log.Default()
	}
	if f.metrics == nil {
		f.metrics = noopMetrics{}
	}
	if f.async == nil {
		f.async = func(fn func()) { go fn() }
	}
	f.lastActivity = f.clock.Now()
	f.initFSM()
	return f
}

func (f *Flow) initFSM() {
	f.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return f.state, nil },
		func(_ context.Context, s stateless.State) error {
			f.state = s.(State) //nolint:forcetypeassert
			return nil
		},
		stateless.FiringImmediate,
	)

	f.fsm.Configure(StateInit).
		Permit(evtStart, StateReady).
		Ignore(evtTraffic).
		Ignore(evtIdle).
		Ignore(evtPong).
		Ignore(evtWaitExpired).
		Permit(evtClose, StateClosing)

	f.fsm.Configure(StateReady).
		OnEntry(f.actReady).
		Permit(evtTraffic, StateActive).
		Permit(evtIdle, StateClosing).
		Ignore(evtPong).
		Ignore(evtWaitExpired).
		Permit(evtClose, StateClosing)

	f.fsm.Configure(StateActive).
		OnEntryFrom(evtPong, f.actPong).
		OnEntry(f.actArmIdle).
		InternalTransition(evtTraffic, f.actArmIdle).
		Permit(evtIdle, StateWaitPong, f.guardWaitPong).
		InternalTransition(evtIdle, f.actPingNoWait, f.guardPingNoWait).
		Permit(evtIdle, StateClosing, f.guardIdleClose).
		Ignore(evtPong).
		Ignore(evtWaitExpired).
		Permit(evtClose, StateClosing)

	f.fsm.Configure(StateWaitPong).
		OnEntry(f.actWaitPong).
		Permit(evtPong, StateActive).
		PermitReentry(evtWaitExpired, f.guardRetry).
		Permit(evtWaitExpired, StateClosing, f.guardGiveUp).
		Ignore(evtTraffic).
		Ignore(evtIdle).
		Permit(evtClose, StateClosing)

	f.fsm.Configure(StateClosing).
		OnEntryFrom(evtClose, f.actCloseRequested).
		OnEntryFrom(evtIdle, f.actIdleExpired).
		OnEntryFrom(evtWaitExpired, f.actKeepAliveFailed).
		OnEntry(f.actClosing).
		Permit(evtClosed, StateClosed).
		Ignore(evtTraffic).
		Ignore(evtIdle).
		Ignore(evtPong).
		Ignore(evtWaitExpired).
		Ignore(evtClose)

	f.fsm.Configure(StateClosed).
		Ignore(evtTraffic).
		Ignore(evtIdle).
		Ignore(evtPong).
		Ignore(evtWaitExpired).
		Ignore(evtClose).
		Ignore(evtClosed)
}

// fire must be called with f.mu held.
func (f *Flow) fire(ctx context.Context, trig string, args ...any) {
	if err := f.fsm.FireCtx(ctx, trig, args...); err != nil {
		panic(fmt.Errorf("fire %q in flow state %q: %w", trig, f.state, err))
	}
}

// isOpen must be called with f.mu held.
func (f *Flow) isOpen() bool { return f.state != StateClosing && f.state != StateClosed }

func (f *Flow) open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isOpen()
}

// update runs fn under the flow lock and finishes closing
// if fn moved the flow into closing state.
func (f *Flow) update(ctx context.Context, fn func()) {
	f.mu.Lock()
	wasOpen := f.isOpen()
	fn()
	if err := f.pendingErr; err != nil {
		f.pendingErr = nil
		if f.isOpen() {
			f.fire(ctx, evtClose, err)
		}
	}
	closing := wasOpen && f.state == StateClosing
	f.mu.Unlock()

	if closing {
		f.finishClose(ctx)
	}
}

func (f *Flow) finishClose(ctx context.Context) {
	if err := f.conn.Close(); err != nil {
		f.log.LogAttrs(ctx, slog.LevelDebug, "failed to close flow connection", slog.Any("flow", f), slog.Any("error", err))
	}

	f.mu.Lock()
	f.fire(ctx, evtClosed)
	err := f.closeErr
	f.mu.Unlock()

	f.log.LogAttrs(ctx, slog.LevelDebug, "flow closed", slog.Any("flow", f), slog.Any("reason", err))

	if f.onClosed != nil {
		f.onClosed(ctx, f, err)
	}
	close(f.done)
}

func (f *Flow) start(ctx context.Context) {
	f.update(ctx, func() { f.fire(ctx, evtStart) })
}

// arm must be called with f.mu held, it replaces the pending timer.
func (f *Flow) arm(d time.Duration, trig string) {
	f.disarm()
	gen := f.gen
	f.tmr = f.clock.AfterFunc(d, func() { f.timerFired(gen, trig) })
}

// disarm must be called with f.mu held.
func (f *Flow) disarm() {
	f.gen++
	if f.tmr != nil {
		f.tmr.Stop()
		f.tmr = nil
	}
}

func (f *Flow) timerFired(gen uint64, trig string) {
	ctx := f.ctx
	f.update(ctx, func() {
		if gen != f.gen || !f.isOpen() {
			return
		}
		f.tmr = nil

		f.log.LogAttrs(ctx, slog.LevelDebug, "flow timer expired",
			slog.Any("flow", f),
			slog.String("timer", trig),
			slog.String("state", string(f.state)),
		)

		if trig == evtWaitExpired {
			f.failures++
			f.metrics.KeepAliveFailure(string(f.key.Proto))
		}
		f.fire(ctx, trig)
	})
}

func (f *Flow) actReady(context.Context, ...any) error {
	if d := f.cfg.InitialIdleTimeout; d > 0 {
		f.arm(d, evtIdle)
	}
	return nil
}

func (f *Flow) actArmIdle(context.Context, ...any) error {
	if d := f.cfg.IdleTimeout; d > 0 {
		f.arm(d, evtIdle)
	} else {
		f.disarm()
	}
	return nil
}

func (f *Flow) actPong(ctx context.Context, _ ...any) error {
	f.log.LogAttrs(ctx, slog.LevelDebug, "keep-alive pong received", slog.Any("flow", f), slog.Int("failures", f.failures))
	f.failures = 0
	return nil
}

func (f *Flow) actWaitPong(ctx context.Context, _ ...any) error {
	f.sendPing(ctx)
	f.arm(f.cfg.pingInterval(), evtWaitExpired)
	return nil
}

func (f *Flow) actPingNoWait(ctx context.Context, _ ...any) error {
	f.sendPing(ctx)
	return f.actArmIdle(ctx)
}

func (f *Flow) actCloseRequested(_ context.Context, args ...any) error {
	if len(args) > 0 {
		f.closeErr, _ = args[0].(error)
	}
	return nil
}

func (f *Flow) actIdleExpired(context.Context, ...any) error {
	f.closeErr = errtrace.Wrap(ErrFlowIdle)
	return nil
}

func (f *Flow) actKeepAliveFailed(context.Context, ...any) error {
	f.closeErr = errtrace.Wrap(errorutil.NewWrapperError(ErrKeepAliveFailed, "%d pongs missed", f.failures))
	return nil
}

func (f *Flow) actClosing(ctx context.Context, _ ...any) error {
	f.disarm()
	f.log.LogAttrs(ctx, slog.LevelDebug, "flow closing", slog.Any("flow", f), slog.Any("reason", f.closeErr))
	return nil
}

func (f *Flow) guardWaitPong(context.Context, ...any) bool {
	return f.cfg.Mode == ModeActive && f.cfg.EnforcePong
}

func (f *Flow) guardPingNoWait(context.Context, ...any) bool {
	return f.cfg.Mode == ModeActive && !f.cfg.EnforcePong
}

func (f *Flow) guardIdleClose(context.Context, ...any) bool { return f.cfg.Mode != ModeActive }

func (f *Flow) guardRetry(context.Context, ...any) bool { return f.failures < f.cfg.maxFailed() }

func (f *Flow) guardGiveUp(context.Context, ...any) bool { return f.failures >= f.cfg.maxFailed() }

// sendPing must be called with f.mu held.
func (f *Flow) sendPing(ctx context.Context) {
	method := f.cfg.method(f.key.Proto)

	var data []byte
	switch method {
	case PingOptions:
		req := f.newOptionsPing()
		f.pingToken = sip.CallID(req)
		f.pingCallIDs = append(f.pingCallIDs, f.pingToken)
		if n := len(f.pingCallIDs) - maxPingCallIDs; n > 0 {
			f.pingCallIDs = slices.Delete(f.pingCallIDs, 0, n)
		}
		data = req.Render()
	case PingSTUN:
		msg, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
		if err != nil {
			f.pendingErr = errtrace.Wrap(err)
			return
		}
		f.pingToken = string(msg.TransactionID[:])
		data = msg.Raw
	default:
		f.pingToken = ""
		data = transport.CRLFPing
	}
	f.pingMethod = method
	f.metrics.KeepAlivePing(string(f.key.Proto), string(method))

	f.log.LogAttrs(ctx, slog.LevelDebug, "send keep-alive ping",
		slog.Any("flow", f),
		slog.String("method", string(method)),
		slog.Int("failures", f.failures),
	)

	f.reply(ctx, data)
}

func (f *Flow) newOptionsPing() *sip.Request {
	req := sip.NewRequest(sip.OPTIONS, "sip:"+f.key.Remote.String())
	via := sip.Via{
		Transport: string(f.key.Proto),
		Host:      f.key.Local.Addr().String(),
		Port:      f.key.Local.Port(),
		Params:    map[string]string{"branch": sip.NewBranch()},
	}
	req.Header.Add("Via", via.String())
	req.Header.Add("Max-Forwards", "0")
	req.Header.Add("From", "<sip:"+f.key.Local.String()+">;tag="+util.RandString(10))
	req.Header.Add("To", "<sip:"+f.key.Remote.String()+">")
	req.Header.Add("Call-ID", sip.NewCallID())
	req.Header.Add("CSeq", "1 OPTIONS")
	return req
}

// reply must be called with f.mu held, write failure closes the flow after the lock is released.
func (f *Flow) reply(ctx context.Context, data []byte) {
	if err := f.conn.Write(ctx, data); err != nil {
		f.pendingErr = errtrace.Wrap(errorutil.NewWrapperError(ErrSendFailed, err))
	}
}

// pong must be called with f.mu held.
func (f *Flow) pong(ctx context.Context) {
	f.pingToken = ""
	if f.state == StateWaitPong {
		f.fire(ctx, evtPong)
	}
}

// recv runs keep-alive logic for the inbound traffic.
// It returns the message that must be passed to the transaction layer.
func (f *Flow) recv(ctx context.Context, in transport.Inbound) (sip.Message, bool) {
	var fwd sip.Message
	f.update(ctx, func() {
		if !f.isOpen() {
			return
		}
		f.lastActivity = f.clock.Now()
		f.fire(ctx, evtTraffic)

		switch in.Kind {
		case transport.InboundPing:
			if f.cfg.accepts(PingCRLF) {
				f.reply(ctx, transport.CRLFPong)
			}
		case transport.InboundPong:
			if f.pingMethod == PingCRLF {
				f.pong(ctx)
			}
		case transport.InboundSTUN:
			f.recvSTUN(ctx, in.Raw)
		case transport.InboundMessage:
			if !f.recvKeepAliveMsg(ctx, in.Message) {
				fwd = in.Message
			}
		}
	})
	return fwd, fwd != nil
}

func (f *Flow) recvKeepAliveMsg(ctx context.Context, msg sip.Message) bool {
	switch m := msg.(type) {
	case *sip.Request:
		if m.Method != sip.OPTIONS {
			return false
		}
		if mf, ok := sip.MaxForwards(m); !ok || mf != 0 {
			return false
		}
		if f.cfg.Mode == ModeNone {
			return true
		}
		if !f.cfg.accepts(PingOptions) {
			return false
		}
		f.reply(ctx, sip.NewResponse(m, 200, "").Render())
		return true
	case *sip.Response:
		// responses to retried or already answered pings are absorbed too
		if !slices.Contains(f.pingCallIDs, sip.CallID(m)) {
			return false
		}
		if m.IsFinal() {
			f.pong(ctx)
		}
		return true
	default:
		return false
	}
}

func (f *Flow) recvSTUN(ctx context.Context, raw []byte) {
	msg := &stun.Message{Raw: raw}
	if err := msg.Decode(); err != nil {
		f.log.LogAttrs(ctx, slog.LevelDebug, "discard malformed STUN message", slog.Any("flow", f), slog.Any("error", err))
		return
	}

	switch msg.Type {
	case stun.BindingRequest:
		if !f.cfg.accepts(PingSTUN) {
			return
		}
		res, err := stun.Build(
			stun.NewTransactionIDSetter(msg.TransactionID),
			stun.BindingSuccess,
			&stun.XORMappedAddress{
				IP:   net.IP(f.key.Remote.Addr().AsSlice()),
				Port: int(f.key.Remote.Port()),
			},
			stun.Fingerprint,
		)
		if err != nil {
			f.log.LogAttrs(ctx, slog.LevelWarn, "failed to build STUN response", slog.Any("flow", f), slog.Any("error", err))
			return
		}
		f.reply(ctx, res.Raw)
	case stun.BindingSuccess:
		if f.pingMethod == PingSTUN && f.pingToken != "" && string(msg.TransactionID[:]) == f.pingToken {
			f.pong(ctx)
		}
	}
}

// Send renders and writes the message over the flow connection.
// Write failure is returned and closes the flow asynchronously,
// so close listeners never run inside the caller's locks.
func (f *Flow) Send(ctx context.Context, msg sip.Message) error {
	return errtrace.Wrap(f.write(ctx, msg.Render()))
}

func (f *Flow) write(ctx context.Context, data []byte) error {
	f.inflight.Add(1)
	defer f.inflight.Add(-1)

	f.mu.Lock()
	if !f.isOpen() {
		f.mu.Unlock()
		return errtrace.Wrap(ErrFlowClosed)
	}
	err := f.conn.Write(ctx, data)
	if err == nil {
		f.lastActivity = f.clock.Now()
		f.fire(ctx, evtTraffic)
	}
	f.mu.Unlock()

	if err != nil {
		err = errorutil.NewWrapperError(ErrSendFailed, err)
		f.async(func() { f.closeWith(f.ctx, err) })
		return errtrace.Wrap(err)
	}
	return nil
}

// closeWith moves the flow into closing state with the reason, it is a no-op for closed flows.
func (f *Flow) closeWith(ctx context.Context, err error) {
	f.update(ctx, func() {
		if f.isOpen() {
			f.fire(ctx, evtClose, err)
		}
	})
}

// Close closes the flow and its connection.
func (f *Flow) Close(ctx context.Context) error {
	f.closeWith(ctx, nil)
	return nil
}

// Key returns the flow key.
func (f *Flow) Key() Key { return f.key }

// Endpoint returns the remote endpoint.
func (f *Flow) Endpoint() Endpoint { return f.key.Endpoint() }

// Conn returns the underlying connection.
func (f *Flow) Conn() transport.Connection { return f.conn }

// Reliable reports whether the flow transport is reliable.
func (f *Flow) Reliable() bool { return f.key.Proto.Reliable() }

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Failures returns number of consecutive missed pongs.
func (f *Flow) Failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

// LastActivity returns the time of the last observed traffic.
func (f *Flow) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

// Err returns the close reason, it is nil for open flows and normally closed ones.
func (f *Flow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeErr
}

// Done is closed once the flow is closed and close listeners have returned.
func (f *Flow) Done() <-chan struct{} { return f.done }

// InFlight returns number of sends in progress.
func (f *Flow) InFlight() int64 { return f.inflight.Load() }

func (f *Flow) String() string {
	if f == nil {
		return "<nil>"
	}
	return f.conn.ID().String() + "(" + f.key.String() + ")"
}

// LogValue must not take the flow lock, it is used inside FSM actions.
func (f *Flow) LogValue() slog.Value {
	if f == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("conn", f.conn.ID().String()),
		slog.String("proto", string(f.key.Proto)),
		slog.String("local_addr", f.key.Local.String()),
		slog.String("remote_addr", f.key.Remote.String()),
	)
}
