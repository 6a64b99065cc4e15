package flow_test

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pion/stun/v3"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/ghettovoice/sipcore/flow"
	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/internal/mocks"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/timing"
	"github.com/ghettovoice/sipcore/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	localAddr  = netip.MustParseAddrPort("192.0.2.10:5060")
	remoteAddr = netip.MustParseAddrPort("192.0.2.20:5060")
)

type wire struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	closed   int
}

func (w *wire) write(_ context.Context, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	w.frames = append(w.frames, slices.Clone(p))
	return nil
}

func (w *wire) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func (w *wire) written() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.frames)
}

func (w *wire) closes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func newConn(
	ctrl *gomock.Controller,
	id transport.ConnID,
	proto transport.Proto,
	laddr, raddr netip.AddrPort,
	w *wire,
) *mocks.MockConnection {
	conn := mocks.NewMockConnection(ctrl)
	conn.EXPECT().ID().Return(id).AnyTimes()
	conn.EXPECT().Proto().Return(proto).AnyTimes()
	conn.EXPECT().LocalAddr().Return(laddr).AnyTimes()
	conn.EXPECT().RemoteAddr().Return(raddr).AnyTimes()
	conn.EXPECT().Write(gomock.Any(), gomock.Any()).DoAndReturn(w.write).AnyTimes()
	conn.EXPECT().Close().DoAndReturn(w.close).AnyTimes()
	return conn
}

type closedRec struct {
	flow *flow.Flow
	err  error
}

type closedRecs struct {
	mu   sync.Mutex
	recs []closedRec
}

func (r *closedRecs) add(_ context.Context, f *flow.Flow, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, closedRec{f, err})
}

func (r *closedRecs) all() []closedRec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.recs)
}

func newStorage(t *testing.T, opts *flow.StorageOptions) (*flow.Storage, *closedRecs) {
	t.Helper()

	if opts.Log == nil {
		opts.Log = log.Noop
	}
	s, err := flow.NewStorage(opts)
	if err != nil {
		t.Fatalf("flow.NewStorage() error = %v, want nil", err)
	}
	recs := new(closedRecs)
	s.OnFlowClosed(recs.add)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, recs
}

func newRequest(method string, maxForwards string) *sip.Request {
	req := sip.NewRequest(method, "sip:"+localAddr.String())
	req.Header.Add("Via", "SIP/2.0/TCP "+remoteAddr.String()+";branch="+sip.NewBranch())
	req.Header.Add("Max-Forwards", maxForwards)
	req.Header.Add("From", "<sip:alice@example.com>;tag=a1")
	req.Header.Add("To", "<sip:bob@example.com>")
	req.Header.Add("Call-ID", sip.NewCallID())
	req.Header.Add("CSeq", "1 "+method)
	return req
}

func inboundMsg(m sip.Message) transport.Inbound {
	return transport.Inbound{Kind: transport.InboundMessage, Message: m}
}

func activeTCP() *flow.KeepAliveSet {
	ka := flow.DefaultKeepAlive()
	ka.TCP = flow.KeepAliveConfig{
		Mode:         flow.ModeActive,
		Method:       flow.PingCRLF,
		IdleTimeout:  10 * time.Second,
		PingInterval: 5 * time.Second,
		MaxFailed:    3,
		EnforcePong:  true,
	}
	return &ka
}

func TestFlow_KeepAlive_MaxFailed(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	clock := timing.NewFakeClock(time.Now())
	s, recs := newStorage(t, &flow.StorageOptions{KeepAlive: activeTCP(), Clock: clock})

	w := new(wire)
	conn := newConn(ctrl, 1, transport.TCP, localAddr, remoteAddr, w)
	s.HandleInbound(t.Context(), conn, inboundMsg(newRequest(sip.OPTIONS, "70")))

	f, ok := s.GetByConn(1)
	if !ok {
		t.Fatal("s.GetByConn(1) = false, want true")
	}
	if got, want := f.State(), flow.StateActive; got != want {
		t.Fatalf("f.State() = %q, want %q", got, want)
	}

	clock.Advance(10 * time.Second)
	if got, want := f.State(), flow.StateWaitPong; got != want {
		t.Fatalf("f.State() = %q, want %q", got, want)
	}
	clock.Advance(5 * time.Second)
	clock.Advance(5 * time.Second)
	if got, want := f.Failures(), 2; got != want {
		t.Errorf("f.Failures() = %d, want %d", got, want)
	}
	if got, want := f.State(), flow.StateWaitPong; got != want {
		t.Fatalf("f.State() = %q, want %q", got, want)
	}
	clock.Advance(5 * time.Second)

	if got, want := f.State(), flow.StateClosed; got != want {
		t.Fatalf("f.State() = %q, want %q", got, want)
	}
	if err := f.Err(); !errors.Is(err, flow.ErrKeepAliveFailed) {
		t.Errorf("f.Err() = %v, want %v", err, flow.ErrKeepAliveFailed)
	}
	select {
	case <-f.Done():
	default:
		t.Error("f.Done() is not closed")
	}

	want := [][]byte{transport.CRLFPing, transport.CRLFPing, transport.CRLFPing}
	if diff := cmp.Diff(w.written(), want); diff != "" {
		t.Errorf("written frames mismatch\ndiff (-got +want):\n%v", diff)
	}
	if got := w.closes(); got != 1 {
		t.Errorf("conn.Close() calls = %d, want 1", got)
	}

	got := recs.all()
	if len(got) != 1 || got[0].flow != f || !errors.Is(got[0].err, flow.ErrKeepAliveFailed) {
		t.Errorf("closed listener calls = %v, want one call with %v", got, flow.ErrKeepAliveFailed)
	}
	if got := s.Len(); got != 0 {
		t.Errorf("s.Len() = %d, want 0", got)
	}
	if _, ok := s.Get(f.Endpoint()); ok {
		t.Error("s.Get() = true, want false")
	}
}

func TestFlow_KeepAlive_Pong(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	clock := timing.NewFakeClock(time.Now())
	s, _ := newStorage(t, &flow.StorageOptions{KeepAlive: activeTCP(), Clock: clock})

	w := new(wire)
	conn := newConn(ctrl, 1, transport.TCP, localAddr, remoteAddr, w)
	s.HandleInbound(t.Context(), conn, inboundMsg(newRequest(sip.OPTIONS, "70")))
	f, _ := s.GetByConn(1)

	clock.Advance(10 * time.Second)
	clock.Advance(5 * time.Second)
	if got, want := f.Failures(), 1; got != want {
		t.Fatalf("f.Failures() = %d, want %d", got, want)
	}

	s.HandleInbound(t.Context(), conn, transport.Inbound{Kind: transport.InboundPong})
	if got, want := f.State(), flow.StateActive; got != want {
		t.Fatalf("f.State() = %q, want %q", got, want)
	}
	if got := f.Failures(); got != 0 {
		t.Errorf("f.Failures() = %d, want 0", got)
	}

	clock.Advance(5 * time.Second)
	if got, want := f.State(), flow.StateActive; got != want {
		t.Errorf("f.State() = %q, want %q", got, want)
	}
	clock.Advance(5 * time.Second)
	if got, want := f.State(), flow.StateWaitPong; got != want {
		t.Errorf("f.State() = %q, want %q", got, want)
	}
	if got, want := len(w.written()), 3; got != want {
		t.Errorf("written frames = %d, want %d", got, want)
	}
}

func TestFlow_KeepAlive_FireAndForget(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	clock := timing.NewFakeClock(time.Now())
	ka := activeTCP()
	ka.TCP.EnforcePong = false
	s, _ := newStorage(t, &flow.StorageOptions{KeepAlive: ka, Clock: clock})

	w := new(wire)
	conn := newConn(ctrl, 1, transport.TCP, localAddr, remoteAddr, w)
	s.HandleInbound(t.Context(), conn, inboundMsg(newRequest(sip.OPTIONS, "70")))
	f, _ := s.GetByConn(1)

	for range 5 {
		clock.Advance(10 * time.Second)
	}
	if got, want := f.State(), flow.StateActive; got != want {
		t.Errorf("f.State() = %q, want %q", got, want)
	}
	if got, want := len(w.written()), 5; got != want {
		t.Errorf("written frames = %d, want %d", got, want)
	}
}

func TestFlow_KeepAlive_OptionsPing(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	clock := timing.NewFakeClock(time.Now())
	ka := activeTCP()
	ka.TCP.Method = flow.PingOptions
	var upstream int
	s, _ := newStorage(t, &flow.StorageOptions{
		KeepAlive: ka,
		Clock:     clock,
		Upstream: flow.UpstreamFunc(func(context.Context, *flow.Flow, sip.Message) error {
			upstream++
			return nil
		}),
	})

	w := new(wire)
	conn := newConn(ctrl, 1, transport.TCP, localAddr, remoteAddr, w)
	s.HandleInbound(t.Context(), conn, inboundMsg(newRequest(sip.INVITE, "70")))
	f, _ := s.GetByConn(1)

	clock.Advance(10 * time.Second)
	frames := w.written()
	if len(frames) != 1 {
		t.Fatalf("written frames = %d, want 1", len(frames))
	}
	msg, err := sip.Parse(frames[0])
	if err != nil {
		t.Fatalf("sip.Parse() error = %v, want nil", err)
	}
	ping, ok := msg.(*sip.Request)
	if !ok || ping.Method != sip.OPTIONS {
		t.Fatalf("ping = %v, want OPTIONS request", msg)
	}
	if mf, _ := sip.MaxForwards(ping); mf != 0 {
		t.Errorf("ping Max-Forwards = %d, want 0", mf)
	}

	s.HandleInbound(t.Context(), conn, inboundMsg(sip.NewResponse(ping, 200, "")))
	if got, want := f.State(), flow.StateActive; got != want {
		t.Errorf("f.State() = %q, want %q", got, want)
	}
	if upstream != 1 {
		t.Errorf("upstream calls = %d, want 1", upstream)
	}
}

func parseOptionsPing(t *testing.T, frame []byte) *sip.Request {
	t.Helper()

	msg, err := sip.Parse(frame)
	if err != nil {
		t.Fatalf("sip.Parse() error = %v, want nil", err)
	}
	ping, ok := msg.(*sip.Request)
	if !ok || ping.Method != sip.OPTIONS {
		t.Fatalf("ping = %v, want OPTIONS request", msg)
	}
	return ping
}

func TestFlow_KeepAlive_OptionsLatePong(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	clock := timing.NewFakeClock(time.Now())
	ka := activeTCP()
	ka.TCP.Method = flow.PingOptions
	var upstream int
	s, _ := newStorage(t, &flow.StorageOptions{
		KeepAlive: ka,
		Clock:     clock,
		Upstream: flow.UpstreamFunc(func(context.Context, *flow.Flow, sip.Message) error {
			upstream++
			return nil
		}),
	})

	w := new(wire)
	conn := newConn(ctrl, 1, transport.TCP, localAddr, remoteAddr, w)
	s.HandleInbound(t.Context(), conn, inboundMsg(newRequest(sip.INVITE, "70")))
	f, _ := s.GetByConn(1)

	// first ping goes unanswered and is retried
	clock.Advance(10 * time.Second)
	clock.Advance(5 * time.Second)
	frames := w.written()
	if len(frames) != 2 {
		t.Fatalf("written frames = %d, want 2", len(frames))
	}
	first, second := parseOptionsPing(t, frames[0]), parseOptionsPing(t, frames[1])
	if sip.CallID(first) == sip.CallID(second) {
		t.Fatalf("retried ping reuses Call-ID %q", sip.CallID(first))
	}

	s.HandleInbound(t.Context(), conn, inboundMsg(sip.NewResponse(first, 200, "")))
	if got, want := f.State(), flow.StateActive; got != want {
		t.Errorf("f.State() = %q, want %q", got, want)
	}
	s.HandleInbound(t.Context(), conn, inboundMsg(sip.NewResponse(second, 200, "")))
	if got, want := f.State(), flow.StateActive; got != want {
		t.Errorf("f.State() = %q, want %q", got, want)
	}
	if upstream != 1 {
		t.Errorf("upstream calls = %d, want 1", upstream)
	}
}

func TestFlow_PassiveAnswering(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	clock := timing.NewFakeClock(time.Now())
	var upstream []sip.Message
	s, _ := newStorage(t, &flow.StorageOptions{
		Clock: clock,
		Upstream: flow.UpstreamFunc(func(_ context.Context, _ *flow.Flow, msg sip.Message) error {
			upstream = append(upstream, msg)
			return nil
		}),
	})

	t.Run("crlf", func(t *testing.T) {
		w := new(wire)
		conn := newConn(ctrl, 1, transport.TCP, localAddr, remoteAddr, w)
		s.HandleInbound(t.Context(), conn, transport.Inbound{Kind: transport.InboundPing})

		if diff := cmp.Diff(w.written(), [][]byte{transport.CRLFPong}); diff != "" {
			t.Errorf("written frames mismatch\ndiff (-got +want):\n%v", diff)
		}
	})

	t.Run("options", func(t *testing.T) {
		w := new(wire)
		conn := newConn(ctrl, 2, transport.TCP, localAddr, remoteAddr, w)
		ping := newRequest(sip.OPTIONS, "0")
		s.HandleInbound(t.Context(), conn, inboundMsg(ping))

		frames := w.written()
		if len(frames) != 1 {
			t.Fatalf("written frames = %d, want 1", len(frames))
		}
		msg, err := sip.Parse(frames[0])
		if err != nil {
			t.Fatalf("sip.Parse() error = %v, want nil", err)
		}
		res, ok := msg.(*sip.Response)
		if !ok || res.Status != 200 || sip.CallID(res) != sip.CallID(ping) {
			t.Errorf("pong = %v, want 200 response to the ping", msg)
		}
		if len(upstream) != 0 {
			t.Errorf("upstream calls = %d, want 0", len(upstream))
		}

		req := newRequest(sip.OPTIONS, "70")
		s.HandleInbound(t.Context(), conn, inboundMsg(req))
		if len(upstream) != 1 || upstream[0] != sip.Message(req) {
			t.Errorf("upstream = %v, want [%v]", upstream, req)
		}
		if got := len(w.written()); got != 1 {
			t.Errorf("written frames = %d, want 1", got)
		}
	})

	t.Run("stun", func(t *testing.T) {
		w := new(wire)
		conn := newConn(ctrl, 3, transport.UDP, localAddr, remoteAddr, w)
		req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
		if err != nil {
			t.Fatalf("stun.Build() error = %v, want nil", err)
		}
		s.HandleInbound(t.Context(), conn, transport.Inbound{Kind: transport.InboundSTUN, Raw: req.Raw})

		frames := w.written()
		if len(frames) != 1 {
			t.Fatalf("written frames = %d, want 1", len(frames))
		}
		res := &stun.Message{Raw: frames[0]}
		if err := res.Decode(); err != nil {
			t.Fatalf("res.Decode() error = %v, want nil", err)
		}
		if res.Type != stun.BindingSuccess || res.TransactionID != req.TransactionID {
			t.Errorf("response = %v, want binding success for %x", res, req.TransactionID)
		}
		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err != nil {
			t.Fatalf("xor.GetFrom() error = %v, want nil", err)
		}
		if got, _ := netip.AddrFromSlice(xor.IP); got.Unmap() != remoteAddr.Addr() || xor.Port != int(remoteAddr.Port()) {
			t.Errorf("XOR-MAPPED-ADDRESS = %v, want %v", xor, remoteAddr)
		}
	})
}

func TestFlow_ModeNone(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	ka := flow.DefaultKeepAlive()
	ka.TCP = flow.KeepAliveConfig{Mode: flow.ModeNone}
	var upstream int
	s, _ := newStorage(t, &flow.StorageOptions{
		KeepAlive: &ka,
		Clock:     timing.NewFakeClock(time.Now()),
		Upstream: flow.UpstreamFunc(func(context.Context, *flow.Flow, sip.Message) error {
			upstream++
			return nil
		}),
	})

	w := new(wire)
	conn := newConn(ctrl, 1, transport.TCP, localAddr, remoteAddr, w)
	s.HandleInbound(t.Context(), conn, transport.Inbound{Kind: transport.InboundPing})
	s.HandleInbound(t.Context(), conn, inboundMsg(newRequest(sip.OPTIONS, "0")))

	if got := len(w.written()); got != 0 {
		t.Errorf("written frames = %d, want 0", got)
	}
	if upstream != 0 {
		t.Errorf("upstream calls = %d, want 0", upstream)
	}
}

func TestFlow_IdleClose(t *testing.T) {
	t.Parallel()

	t.Run("initial", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		clock := timing.NewFakeClock(time.Now())
		s, recs := newStorage(t, &flow.StorageOptions{Clock: clock})

		f, err := s.EnsureFlow(t.Context(), newConn(ctrl, 1, transport.TCP, localAddr, remoteAddr, new(wire)))
		if err != nil {
			t.Fatalf("s.EnsureFlow() error = %v, want nil", err)
		}
		if got, want := f.State(), flow.StateReady; got != want {
			t.Fatalf("f.State() = %q, want %q", got, want)
		}

		clock.Advance(31 * time.Second)
		if got, want := f.State(), flow.StateReady; got != want {
			t.Fatalf("f.State() = %q, want %q", got, want)
		}
		clock.Advance(time.Second)
		if got, want := f.State(), flow.StateClosed; got != want {
			t.Fatalf("f.State() = %q, want %q", got, want)
		}
		if err := f.Err(); !errors.Is(err, flow.ErrFlowIdle) {
			t.Errorf("f.Err() = %v, want %v", err, flow.ErrFlowIdle)
		}
		if got := len(recs.all()); got != 1 {
			t.Errorf("closed listener calls = %d, want 1", got)
		}
	})

	t.Run("passive", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		clock := timing.NewFakeClock(time.Now())
		s, _ := newStorage(t, &flow.StorageOptions{Clock: clock})

		conn := newConn(ctrl, 1, transport.TCP, localAddr, remoteAddr, new(wire))
		s.HandleInbound(t.Context(), conn, inboundMsg(newRequest(sip.OPTIONS, "70")))
		f, _ := s.GetByConn(1)

		clock.Advance(4 * time.Minute)
		s.HandleInbound(t.Context(), conn, inboundMsg(newRequest(sip.OPTIONS, "70")))
		clock.Advance(4 * time.Minute)
		if got, want := f.State(), flow.StateActive; got != want {
			t.Fatalf("f.State() = %q, want %q", got, want)
		}
		clock.Advance(time.Minute)
		if got, want := f.State(), flow.StateClosed; got != want {
			t.Fatalf("f.State() = %q, want %q", got, want)
		}
		if err := f.Err(); !errors.Is(err, flow.ErrFlowIdle) {
			t.Errorf("f.Err() = %v, want %v", err, flow.ErrFlowIdle)
		}
	})
}

func TestFlow_Send(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	s, recs := newStorage(t, &flow.StorageOptions{Clock: timing.NewFakeClock(time.Now())})

	w := new(wire)
	f, err := s.EnsureFlow(t.Context(), newConn(ctrl, 1, transport.TCP, localAddr, remoteAddr, w))
	if err != nil {
		t.Fatalf("s.EnsureFlow() error = %v, want nil", err)
	}

	req := newRequest(sip.OPTIONS, "70")
	if err := f.Send(t.Context(), req); err != nil {
		t.Fatalf("f.Send() error = %v, want nil", err)
	}
	if diff := cmp.Diff(w.written(), [][]byte{req.Render()}); diff != "" {
		t.Errorf("written frames mismatch\ndiff (-got +want):\n%v", diff)
	}
	if got, want := f.State(), flow.StateActive; got != want {
		t.Errorf("f.State() = %q, want %q", got, want)
	}

	w.mu.Lock()
	w.writeErr = io.ErrClosedPipe
	w.mu.Unlock()

	if err := f.Send(t.Context(), req); !errors.Is(err, flow.ErrSendFailed) || !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("f.Send() error = %v, want %v", err, flow.ErrSendFailed)
	}
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for flow close")
	}
	if err := f.Err(); !errors.Is(err, flow.ErrSendFailed) {
		t.Errorf("f.Err() = %v, want %v", err, flow.ErrSendFailed)
	}
	if got := recs.all(); len(got) != 1 || !errors.Is(got[0].err, flow.ErrSendFailed) {
		t.Errorf("closed listener calls = %v, want one call with %v", got, flow.ErrSendFailed)
	}
	if err := f.Send(t.Context(), req); !errors.Is(err, flow.ErrFlowClosed) {
		t.Errorf("f.Send() error = %v, want %v", err, flow.ErrFlowClosed)
	}
}

func TestStorage_HandleClosed(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	s, recs := newStorage(t, &flow.StorageOptions{Clock: timing.NewFakeClock(time.Now())})

	conn := newConn(ctrl, 1, transport.TCP, localAddr, remoteAddr, new(wire))
	f, err := s.EnsureFlow(t.Context(), conn)
	if err != nil {
		t.Fatalf("s.EnsureFlow() error = %v, want nil", err)
	}
	s.HandleClosed(t.Context(), conn, io.EOF)

	if got, want := f.State(), flow.StateClosed; got != want {
		t.Fatalf("f.State() = %q, want %q", got, want)
	}
	if err := f.Err(); !errors.Is(err, flow.ErrConnectionLost) || !errors.Is(err, io.EOF) {
		t.Errorf("f.Err() = %v, want %v", err, flow.ErrConnectionLost)
	}
	if got := len(recs.all()); got != 1 {
		t.Errorf("closed listener calls = %d, want 1", got)
	}
	if _, ok := s.GetByConn(1); ok {
		t.Error("s.GetByConn(1) = true, want false")
	}
}

func TestStorage_Buckets(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	s, _ := newStorage(t, &flow.StorageOptions{
		Clock:    timing.NewFakeClock(time.Now()),
		Selector: new(flow.RoundRobinSelector),
	})

	f1, err := s.EnsureFlow(t.Context(), newConn(ctrl, 1, transport.TCP, localAddr, remoteAddr, new(wire)))
	if err != nil {
		t.Fatalf("s.EnsureFlow() error = %v, want nil", err)
	}
	f2, err := s.EnsureFlow(t.Context(), newConn(ctrl, 2, transport.TCP, netip.MustParseAddrPort("192.0.2.10:5070"), remoteAddr, new(wire)))
	if err != nil {
		t.Fatalf("s.EnsureFlow() error = %v, want nil", err)
	}
	if again, _ := s.EnsureFlow(t.Context(), f1.Conn()); again != f1 {
		t.Errorf("s.EnsureFlow() = %v, want %v", again, f1)
	}
	if got, want := s.Len(), 2; got != want {
		t.Errorf("s.Len() = %d, want %d", got, want)
	}

	ep := flow.Endpoint{Remote: remoteAddr, Proto: transport.TCP}
	g1, _ := s.Get(ep)
	g2, _ := s.Get(ep)
	if g1 != f1 || g2 != f2 {
		t.Errorf("s.Get() = %v, %v, want %v, %v", g1, g2, f1, f2)
	}
	if _, ok := s.Get(flow.Endpoint{Remote: remoteAddr, Proto: transport.UDP}); ok {
		t.Error("s.Get(udp) = true, want false")
	}

	if !s.Remove(t.Context(), 1) {
		t.Fatal("s.Remove(1) = false, want true")
	}
	for range 3 {
		if got, ok := s.Get(ep); !ok || got != f2 {
			t.Errorf("s.Get() = %v, %v, want %v, true", got, ok, f2)
		}
	}

	if !s.Remove(t.Context(), 2) {
		t.Fatal("s.Remove(2) = false, want true")
	}
	if _, ok := s.Get(ep); ok {
		t.Error("s.Get() = true, want false")
	}
	if s.Remove(t.Context(), 2) {
		t.Error("s.Remove(2) = true, want false")
	}
	if got := s.Len(); got != 0 {
		t.Errorf("s.Len() = %d, want 0", got)
	}
}

func TestStorage_Token(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	s, _ := newStorage(t, &flow.StorageOptions{Clock: timing.NewFakeClock(time.Now())})

	f, err := s.EnsureFlow(t.Context(), newConn(ctrl, 1, transport.WS, localAddr, remoteAddr, new(wire)))
	if err != nil {
		t.Fatalf("s.EnsureFlow() error = %v, want nil", err)
	}

	token := s.Token(f)
	got, err := s.GetByToken(token)
	if err != nil {
		t.Fatalf("s.GetByToken() error = %v, want nil", err)
	}
	if got != f {
		t.Errorf("s.GetByToken() = %v, want %v", got, f)
	}

	tampered := []byte(token)
	i := len(tampered) / 2
	if tampered[i] == 'A' {
		tampered[i] = 'B'
	} else {
		tampered[i] = 'A'
	}
	if _, err := s.GetByToken(string(tampered)); !errors.Is(err, flow.ErrInvalidFlowToken) {
		t.Errorf("s.GetByToken(tampered) error = %v, want %v", err, flow.ErrInvalidFlowToken)
	}
	if _, err := s.GetByToken("!!"); !errors.Is(err, flow.ErrInvalidFlowToken) {
		t.Errorf("s.GetByToken(garbage) error = %v, want %v", err, flow.ErrInvalidFlowToken)
	}

	other, err := flow.NewStorage(&flow.StorageOptions{Log: log.Noop})
	if err != nil {
		t.Fatalf("flow.NewStorage() error = %v, want nil", err)
	}
	if _, err := other.GetByToken(token); !errors.Is(err, flow.ErrInvalidFlowToken) {
		t.Errorf("other.GetByToken() error = %v, want %v", err, flow.ErrInvalidFlowToken)
	}

	_ = f.Close(t.Context())
	if _, err := s.GetByToken(token); !errors.Is(err, flow.ErrFlowNotFound) {
		t.Errorf("s.GetByToken(closed) error = %v, want %v", err, flow.ErrFlowNotFound)
	}
}

func TestStorage_Close(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	s, err := flow.NewStorage(&flow.StorageOptions{Clock: timing.NewFakeClock(time.Now()), Log: log.Noop})
	if err != nil {
		t.Fatalf("flow.NewStorage() error = %v, want nil", err)
	}

	w := new(wire)
	f, err := s.EnsureFlow(t.Context(), newConn(ctrl, 1, transport.TCP, localAddr, remoteAddr, w))
	if err != nil {
		t.Fatalf("s.EnsureFlow() error = %v, want nil", err)
	}
	if err := s.Close(t.Context()); err != nil {
		t.Fatalf("s.Close() error = %v, want nil", err)
	}
	if got, want := f.State(), flow.StateClosed; got != want {
		t.Errorf("f.State() = %q, want %q", got, want)
	}
	if got := w.closes(); got != 1 {
		t.Errorf("conn.Close() calls = %d, want 1", got)
	}

	w2 := new(wire)
	if _, err := s.EnsureFlow(t.Context(), newConn(ctrl, 2, transport.TCP, localAddr, remoteAddr, w2)); !errors.Is(err, flow.ErrStorageClosed) {
		t.Errorf("s.EnsureFlow() error = %v, want %v", err, flow.ErrStorageClosed)
	}
	s.HandleInbound(t.Context(), newConn(ctrl, 3, transport.TCP, localAddr, remoteAddr, w2), transport.Inbound{Kind: transport.InboundPing})
	if got := w2.closes(); got != 1 {
		t.Errorf("conn.Close() calls = %d, want 1", got)
	}
}

func TestSelectors(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	s, _ := newStorage(t, &flow.StorageOptions{Clock: timing.NewFakeClock(time.Now())})

	var flows []*flow.Flow
	for i := range 3 {
		laddr := netip.AddrPortFrom(localAddr.Addr(), localAddr.Port()+uint16(i))
		f, err := s.EnsureFlow(t.Context(), newConn(ctrl, transport.ConnID(i+1), transport.TCP, laddr, remoteAddr, new(wire)))
		if err != nil {
			t.Fatalf("s.EnsureFlow() error = %v, want nil", err)
		}
		flows = append(flows, f)
	}

	if got := (flow.RandomSelector{}).Select(flows); !slices.Contains(flows, got) {
		t.Errorf("RandomSelector.Select() = %v, want one of %v", got, flows)
	}
	if got := (flow.LeastBusySelector{}).Select(flows); got != flows[0] {
		t.Errorf("LeastBusySelector.Select() = %v, want %v", got, flows[0])
	}
	rr := new(flow.RoundRobinSelector)
	var got []*flow.Flow
	for range 4 {
		got = append(got, rr.Select(flows))
	}
	if want := []*flow.Flow{flows[0], flows[1], flows[2], flows[0]}; !slices.Equal(got, want) {
		t.Errorf("RoundRobinSelector.Select() = %v, want %v", got, want)
	}
}
