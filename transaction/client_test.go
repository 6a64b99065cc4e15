package transaction_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/timing"
	"github.com/ghettovoice/sipcore/transaction"
)

func TestClientInvite_Rejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, clock, rec := newLayer(t, false)
	f := &testFlow{}

	inv := newRequest(sip.INVITE, "z9hG4bKc1")
	tx, err := l.Request(ctx, f, inv)
	if err != nil {
		t.Fatalf("l.Request(INVITE) error = %v, want nil", err)
	}
	if got, want := tx.State(), transaction.StateCalling; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}

	clock.Advance(timing.T1)
	if err := l.OnUpstream(ctx, f, sip.NewResponse(inv, 180, "")); err != nil {
		t.Fatalf("l.OnUpstream(180) error = %v, want nil", err)
	}
	if got, want := tx.State(), transaction.StateProceeding; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}
	clock.Advance(10 * timing.T1)

	res := sip.NewResponse(inv, 486, "")
	if err := l.OnUpstream(ctx, f, res); err != nil {
		t.Fatalf("l.OnUpstream(486) error = %v, want nil", err)
	}
	if got, want := tx.State(), transaction.StateCompleted; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}
	ack, ok := f.last().(*sip.Request)
	if !ok || ack.Method != sip.ACK {
		t.Fatalf("last sent message = %v, want ACK", f.last())
	}
	if id, err := transaction.IDOf(ack); err != nil || id != tx.ID() {
		t.Errorf("transaction.IDOf(ACK) = %q, %v, want %q, nil", id, err, tx.ID())
	}

	// retransmitted final response is answered with the same ACK
	if err := l.OnUpstream(ctx, f, res.Clone()); err != nil {
		t.Fatalf("l.OnUpstream(486) error = %v, want nil", err)
	}
	if diff := cmp.Diff([]string{sip.INVITE, sip.INVITE, sip.ACK, sip.ACK}, f.lines()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
	if _, ress, _, _ := rec.counts(); ress != 2 {
		t.Errorf("upstream responses = %d, want 2", ress)
	}

	clock.Advance(timing.TimeD)
	if !isDone(tx) {
		t.Fatal("tx.Done() is not closed, want closed")
	}
	if err := tx.Err(); err != nil {
		t.Errorf("tx.Err() = %v, want nil", err)
	}
}

func TestClientInvite_Accepted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _, rec := newLayer(t, false)
	f := &testFlow{reliable: true}

	inv := newRequest(sip.INVITE, "z9hG4bKc1")
	tx, err := l.Request(ctx, f, inv)
	if err != nil {
		t.Fatalf("l.Request(INVITE) error = %v, want nil", err)
	}
	res := sip.NewResponse(inv, 200, "")
	if err := l.OnUpstream(ctx, f, res); err != nil {
		t.Fatalf("l.OnUpstream(200) error = %v, want nil", err)
	}
	if !isDone(tx) {
		t.Fatal("tx.Done() is not closed, want closed")
	}
	if got := rec.lastResponse(); got != res {
		t.Errorf("last upstream response = %v, want %v", got, res)
	}

	// 2xx retransmissions belong to the transaction user
	if err := l.OnUpstream(ctx, f, res.Clone()); err != nil {
		t.Fatalf("l.OnUpstream(200) error = %v, want nil", err)
	}
	if _, ress, strays, _ := rec.counts(); ress != 1 || strays != 1 {
		t.Errorf("responses, strays = %d, %d, want 1, 1", ress, strays)
	}
	if diff := cmp.Diff([]string{sip.INVITE}, f.lines()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
}

func TestClientInvite_TimerB(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, clock, rec := newLayer(t, false)
	f := &testFlow{}

	tx, err := l.Request(ctx, f, newRequest(sip.INVITE, "z9hG4bKc1"))
	if err != nil {
		t.Fatalf("l.Request(INVITE) error = %v, want nil", err)
	}
	clock.Advance(64 * timing.T1)

	// A fires at 0.5, 1.5, 3.5, 7.5, 15.5 and 31.5 seconds
	want := make([]string, 7)
	for i := range want {
		want[i] = sip.INVITE
	}
	if diff := cmp.Diff(want, f.lines()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
	if err := tx.Err(); !errors.Is(err, transaction.ErrTransactionTimedOut) {
		t.Errorf("tx.Err() = %v, want %v", err, transaction.ErrTransactionTimedOut)
	}
	if _, _, _, terms := rec.counts(); terms != 1 {
		t.Errorf("terminated = %d, want 1", terms)
	}
}

func TestClientNonInvite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, clock, rec := newLayer(t, false)
	f := &testFlow{}

	req := newRequest(sip.OPTIONS, "z9hG4bKc2")
	tx, err := l.Request(ctx, f, req)
	if err != nil {
		t.Fatalf("l.Request(OPTIONS) error = %v, want nil", err)
	}
	clock.Advance(3 * timing.T1)
	if err := l.OnUpstream(ctx, f, sip.NewResponse(req, 100, "")); err != nil {
		t.Fatalf("l.OnUpstream(100) error = %v, want nil", err)
	}
	if got, want := tx.State(), transaction.StateProceeding; got != want {
		t.Errorf("tx.State() = %q, want %q", got, want)
	}
	// E is still due at 3.5s, in proceeding it fires again after T2
	clock.Advance(timing.T2 + 4*timing.T1)

	res := sip.NewResponse(req, 200, "")
	if err := l.OnUpstream(ctx, f, res); err != nil {
		t.Fatalf("l.OnUpstream(200) error = %v, want nil", err)
	}
	if err := l.OnUpstream(ctx, f, res.Clone()); err != nil {
		t.Fatalf("l.OnUpstream(200) error = %v, want nil", err)
	}
	if diff := cmp.Diff([]string{sip.OPTIONS, sip.OPTIONS, sip.OPTIONS, sip.OPTIONS, sip.OPTIONS}, f.lines()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
	if _, ress, _, _ := rec.counts(); ress != 2 {
		t.Errorf("upstream responses = %d, want 2", ress)
	}

	clock.Advance(timing.T4)
	if !isDone(tx) {
		t.Fatal("tx.Done() is not closed, want closed")
	}
	if err := tx.Err(); err != nil {
		t.Errorf("tx.Err() = %v, want nil", err)
	}
}

func TestClientNonInvite_TimerF(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, clock, _ := newLayer(t, false)
	f := &testFlow{reliable: true}

	tx, err := l.Request(ctx, f, newRequest(sip.BYE, "z9hG4bKc2"))
	if err != nil {
		t.Fatalf("l.Request(BYE) error = %v, want nil", err)
	}
	clock.Advance(64*timing.T1 - 1)
	if isDone(tx) {
		t.Fatal("tx.Done() is closed before Timer F, want open")
	}
	clock.Advance(1)
	if err := tx.Err(); !errors.Is(err, transaction.ErrTransactionTimedOut) {
		t.Errorf("tx.Err() = %v, want %v", err, transaction.ErrTransactionTimedOut)
	}
	if diff := cmp.Diff([]string{sip.BYE}, f.lines()); diff != "" {
		t.Errorf("sent messages mismatch (-want +got):\n%s", diff)
	}
}

func TestLayer_Request_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _, _ := newLayer(t, false)
	f := &testFlow{}

	inv := newRequest(sip.INVITE, "z9hG4bKc1")
	if _, err := l.Request(ctx, f, sip.NewAck(inv, sip.NewResponse(inv, 486, ""))); !errors.Is(err, transaction.ErrInvalidArgument) {
		t.Errorf("l.Request(ACK) error = %v, want %v", err, transaction.ErrInvalidArgument)
	}
	if _, err := l.Request(ctx, f, inv); err != nil {
		t.Fatalf("l.Request(INVITE) error = %v, want nil", err)
	}
	if _, err := l.Request(ctx, f, inv); !errors.Is(err, transaction.ErrInvalidArgument) {
		t.Errorf("l.Request(INVITE) twice error = %v, want %v", err, transaction.ErrInvalidArgument)
	}

	f.setErr(io.ErrClosedPipe)
	if _, err := l.Request(ctx, f, newRequest(sip.BYE, "z9hG4bKc2")); !errors.Is(err, transaction.ErrTransportFailure) {
		t.Errorf("l.Request(BYE) error = %v, want %v", err, transaction.ErrTransportFailure)
	}
	if _, ok := l.Store().Get("z9hG4bKc2"); ok {
		t.Error("l.Store().Get() ok = true, want false")
	}
	if err := l.SendStateless(ctx, f, newRequest(sip.OPTIONS, "z9hG4bKc3")); !errors.Is(err, transaction.ErrTransportFailure) {
		t.Errorf("l.SendStateless() error = %v, want %v", err, transaction.ErrTransportFailure)
	}

	if err := l.Close(ctx); err != nil {
		t.Fatalf("l.Close() error = %v, want nil", err)
	}
	if _, err := l.Request(ctx, f, newRequest(sip.BYE, "z9hG4bKc4")); !errors.Is(err, transaction.ErrTransactionLayerClosed) {
		t.Errorf("l.Request(after close) error = %v, want %v", err, transaction.ErrTransactionLayerClosed)
	}
}

func TestLayer_Terminate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l, _, _ := newLayer(t, false)
	f := &testFlow{}

	tx, err := l.Request(ctx, f, newRequest(sip.INVITE, "z9hG4bKc1"))
	if err != nil {
		t.Fatalf("l.Request(INVITE) error = %v, want nil", err)
	}
	if err := l.Terminate(ctx, tx); err != nil {
		t.Fatalf("l.Terminate() error = %v, want nil", err)
	}
	if err := tx.Err(); !errors.Is(err, transaction.ErrTransactionTerminated) {
		t.Errorf("tx.Err() = %v, want %v", err, transaction.ErrTransactionTerminated)
	}
	if err := l.Terminate(ctx, tx); !errors.Is(err, transaction.ErrActionNotAllowed) {
		t.Errorf("l.Terminate() twice error = %v, want %v", err, transaction.ErrActionNotAllowed)
	}
}
