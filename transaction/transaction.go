// Package transaction implements the RFC 3261 section 17 transaction layer:
// server and client state machines, the transaction store and the dispatch layer.
package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/timing"
)

// Type is a transaction type.
type Type string

// Transaction types.
const (
	TypeServerInvite    Type = "server_invite"
	TypeServerNonInvite Type = "server_non_invite"
	TypeClientInvite    Type = "client_invite"
	TypeClientNonInvite Type = "client_non_invite"
)

// IsServer reports whether the type is a server transaction type.
func (t Type) IsServer() bool { return t == TypeServerInvite || t == TypeServerNonInvite }

// IsInvite reports whether the type is an INVITE transaction type.
func (t Type) IsInvite() bool { return t == TypeServerInvite || t == TypeClientInvite }

// State is a transaction state.
type State string

// Transaction states.
// [StateAccepted] exists for completeness and is never entered, 2xx retires INVITE transactions.
const (
	StateInit       State = "init"
	StateCalling    State = "calling"
	StateTrying     State = "trying"
	StateProceeding State = "proceeding"
	StateAccepted   State = "accepted"
	StateCompleted  State = "completed"
	StateConfirmed  State = "confirmed"
	StateTerminated State = "terminated"
)

// Timer is a transaction timer name.
type Timer string

// Transaction timers, see RFC 3261 section 17.
// Timers are also the state machine triggers of their expiry.
const (
	Timer1xx Timer = "timer_1xx"
	TimerA   Timer = "timer_a"
	TimerB   Timer = "timer_b"
	TimerD   Timer = "timer_d"
	TimerE   Timer = "timer_e"
	TimerF   Timer = "timer_f"
	TimerG   Timer = "timer_g"
	TimerH   Timer = "timer_h"
	TimerI   Timer = "timer_i"
	TimerJ   Timer = "timer_j"
	TimerK   Timer = "timer_k"
)

// TimerEvent is delivered to the layer when a transaction timer fires.
// Events with a stale generation are ignored.
type TimerEvent struct {
	ID    ID
	Timer Timer
	Gen   uint64
}

// Flow is the channel a transaction sends its messages over.
type Flow interface {
	Send(ctx context.Context, msg sip.Message) error
	Reliable() bool
}

const (
	evtRecvReq    = "recv_req"
	evtRecvAck    = "recv_ack"
	evtRecv1xx    = "recv_1xx"
	evtRecv2xx    = "recv_2xx"
	evtRecv300699 = "recv_300-699"
	evtSendReq    = "send_req"
	evtSend1xx    = "send_1xx"
	evtSend2xx    = "send_2xx"
	evtSend300699 = "send_300-699"
	evtTranspErr  = "transport_error"
	evtTerminate  = "terminate"
)

type timerEntry struct {
	handle timing.Handle
	gen    uint64
}

// Transaction is a single SIP transaction.
// It is created by the [Layer], all its state changes happen under the transaction lock.
type Transaction struct {
	id      ID
	typ     Type
	req     *sip.Request
	layer   *Layer
	timings timing.Config
	ctx     context.Context //nolint:containedctx
	created time.Time
	done    chan struct{}

	mu       sync.Mutex
	state    State
	fsm      *stateless.StateMachine
	flow     Flow
	lastRes  *sip.Response
	ack      *sip.Request
	timers   map[Timer]*timerEntry
	retrans  map[Timer]int
	out      *Outcome
	err      error
	finished bool
}

func newTransaction(ctx context.Context, l *Layer, id ID, typ Type, f Flow, req *sip.Request) *Transaction {
	tx := &Transaction{
		id:      id,
		typ:     typ,
		req:     req,
		layer:   l,
		timings: l.timings,
		ctx:     context.WithoutCancel(ctx),
		created: l.clock.Now(),
		done:    make(chan struct{}),
		state:   StateInit,
		flow:    f,
		timers:  make(map[Timer]*timerEntry, 2),
		retrans: make(map[Timer]int, 1),
	}
	tx.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return tx.state, nil },
		func(_ context.Context, s stateless.State) error {
			tx.state = s.(State) //nolint:forcetypeassert
			return nil
		},
		stateless.FiringImmediate,
	)
	switch typ {
	case TypeServerInvite:
		tx.configureServerInvite()
	case TypeServerNonInvite:
		tx.configureServerNonInvite()
	case TypeClientInvite:
		tx.configureClientInvite()
	case TypeClientNonInvite:
		tx.configureClientNonInvite()
	}
	tx.fsm.Configure(StateTerminated).
		OnEntryFrom(evtTranspErr, tx.actFailed).
		OnEntryFrom(evtTerminate, tx.actFailed).
		OnEntry(tx.actTerminated).
		Ignore(evtRecvReq).
		Ignore(evtRecvAck).
		Ignore(evtRecv1xx).
		Ignore(evtRecv2xx).
		Ignore(evtRecv300699).
		Ignore(evtTranspErr).
		Ignore(evtTerminate)
	return tx
}

// fire must be called with tx.mu held.
func (tx *Transaction) fire(ctx context.Context, out *Outcome, trig any, args ...any) error {
	tx.out = out
	defer func() { tx.out = nil }()
	if err := tx.fsm.FireCtx(ctx, trig, args...); err != nil {
		return fmt.Errorf("fire %v in %s transaction state %q: %w", trig, tx.typ, tx.state, err) //errtrace:skip
	}
	return nil
}

// canFire must be called with tx.mu held.
func (tx *Transaction) canFire(ctx context.Context, trig any, args ...any) bool {
	ok, err := tx.fsm.CanFireCtx(ctx, trig, args...)
	return err == nil && ok
}

func (tx *Transaction) reliable() bool { return tx.flow != nil && tx.flow.Reliable() }

// arm must be called with tx.mu held, it replaces the pending timer of the same name.
func (tx *Transaction) arm(ctx context.Context, t Timer, d time.Duration) {
	tx.disarm(t)
	evt := TimerEvent{ID: tx.id, Timer: t, Gen: tx.layer.nextGen()}
	tx.timers[t] = &timerEntry{
		handle: tx.layer.clock.AfterFunc(d, func() { tx.layer.onTimer(tx.ctx, evt) }),
		gen:    evt.Gen,
	}
	tx.layer.log.LogAttrs(ctx, slog.LevelDebug, "transaction timer started",
		slog.Any("transaction", tx),
		slog.String("timer", string(t)),
		slog.Duration("duration", d),
	)
}

// disarm must be called with tx.mu held.
func (tx *Transaction) disarm(t Timer) {
	if e, ok := tx.timers[t]; ok {
		e.handle.Stop()
		delete(tx.timers, t)
	}
}

// retransmit must be called with tx.mu held, it rearms the timer with the backoff delay.
func (tx *Transaction) retransmit(ctx context.Context, t Timer, limit time.Duration) {
	tx.retrans[t]++
	tx.arm(ctx, t, timing.Backoff(tx.retrans[t], tx.timings.T1(), limit))
}

// timerFired must be called with tx.mu held.
// It consumes the pending timer and reports whether the event is current.
func (tx *Transaction) timerFired(evt TimerEvent) bool {
	e, ok := tx.timers[evt.Timer]
	if !ok || e.gen != evt.Gen {
		return false
	}
	delete(tx.timers, evt.Timer)
	return true
}

func (tx *Transaction) actSendRes(_ context.Context, args ...any) error {
	res := args[0].(*sip.Response) //nolint:forcetypeassert
	tx.lastRes = res
	tx.out.EmitDownstream(res)
	return nil
}

func (tx *Transaction) actResendRes(context.Context, ...any) error {
	if tx.lastRes != nil {
		tx.out.EmitDownstream(tx.lastRes)
	}
	return nil
}

func (tx *Transaction) actPassReq(_ context.Context, args ...any) error {
	tx.out.EmitUpstream(Event{Kind: EventRequest, Request: args[0].(*sip.Request)}) //nolint:forcetypeassert
	return nil
}

func (tx *Transaction) actPassRes(_ context.Context, args ...any) error {
	res := args[0].(*sip.Response) //nolint:forcetypeassert
	tx.lastRes = res
	tx.out.EmitUpstream(Event{Kind: EventResponse, Response: res})
	return nil
}

func (tx *Transaction) actSendReq(context.Context, ...any) error {
	tx.out.EmitDownstream(tx.req)
	return nil
}

func (tx *Transaction) actResendReq(context.Context, ...any) error {
	tx.out.EmitDownstream(tx.req)
	return nil
}

func (tx *Transaction) actTimedOut(context.Context, ...any) error {
	tx.err = fmt.Errorf("%w: %s", ErrTransactionTimedOut, tx.typ) //errtrace:skip
	return nil
}

func (tx *Transaction) actFailed(_ context.Context, args ...any) error {
	if len(args) > 0 {
		if err, ok := args[0].(error); ok {
			tx.err = err
		}
	}
	return nil
}

func (tx *Transaction) actTerminated(ctx context.Context, _ ...any) error {
	for t := range tx.timers {
		tx.disarm(t)
	}
	tx.layer.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated",
		slog.Any("transaction", tx),
		slog.Any("reason", tx.err),
	)
	return nil
}

// ID returns the transaction ID.
func (tx *Transaction) ID() ID { return tx.id }

// Type returns the transaction type.
func (tx *Transaction) Type() Type { return tx.typ }

// Request returns the request that created the transaction.
func (tx *Transaction) Request() *sip.Request { return tx.req }

// State returns the current state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Flow returns the current flow of the transaction.
func (tx *Transaction) Flow() Flow {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.flow
}

// LastResponse returns the last sent or received response.
func (tx *Transaction) LastResponse() *sip.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lastRes
}

// Err returns the termination reason.
// It is nil for alive transactions and for normally terminated ones.
func (tx *Transaction) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

// Done is closed once the transaction is terminated and removed from the store.
func (tx *Transaction) Done() <-chan struct{} { return tx.done }

// Created returns the creation time.
func (tx *Transaction) Created() time.Time { return tx.created }

func (tx *Transaction) String() string {
	if tx == nil {
		return "<nil>"
	}
	return string(tx.typ) + "(" + string(tx.id) + ")"
}

// LogValue must not take the transaction lock, it is used inside state machine actions.
func (tx *Transaction) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", string(tx.id)),
		slog.String("type", string(tx.typ)),
		slog.String("method", tx.req.Method),
	)
}
