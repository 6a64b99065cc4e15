package transaction

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/timing"
)

// LayerOptions are options for [NewLayer].
type LayerOptions struct {
	// Timings are the transaction timer settings.
	// Zero value means RFC 3261 defaults.
	Timings timing.Config
	// Send100Immediately makes INVITE server transactions answer with 100 Trying right away,
	// otherwise it is sent after [timing.Config.Time100] unless the TU sent a provisional response.
	Send100Immediately bool
	// TableSize is the expected number of transactions.
	TableSize uint
	// Clock drives transaction timers.
	// If nil, [timing.SystemClock] is used.
	Clock timing.Clock
	// Metrics receives transaction events.
	Metrics Metrics
	// Log is the logger.
	// If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *LayerOptions) timings() timing.Config {
	if o == nil {
		return timing.Config{}
	}
	return o.Timings
}

func (o *LayerOptions) send100() bool { return o != nil && o.Send100Immediately }

func (o *LayerOptions) tableSize() uint {
	if o == nil {
		return 0
	}
	return o.TableSize
}

func (o *LayerOptions) clock() timing.Clock {
	if o == nil || o.Clock == nil {
		return timing.SystemClock{}
	}
	return o.Clock
}

func (o *LayerOptions) metrics() Metrics {
	if o == nil || o.Metrics == nil {
		return noopMetrics{}
	}
	return o.Metrics
}

func (o *LayerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Layer matches messages to transactions and drives their state machines.
// Every invocation locks only the matched transaction, upstream events and
// termination notifications are delivered to the [User] after the lock is released.
type Layer struct {
	user    User
	timings timing.Config
	send100 bool
	clock   timing.Clock
	metrics Metrics
	log     *slog.Logger
	store   *Store
	gen     atomic.Uint64
	closed  atomic.Bool
}

// NewLayer creates a new [Layer].
// Nil user drops all upstream events, options are optional.
func NewLayer(user User, opts *LayerOptions) *Layer {
	if user == nil {
		user = UserFuncs{}
	}
	l := &Layer{
		user:    user,
		timings: opts.timings(),
		send100: opts.send100(),
		clock:   opts.clock(),
		metrics: opts.metrics(),
		log:     opts.log(),
	}
	l.store = NewStore(l.newServerTransaction, opts.tableSize())
	return l
}

func (l *Layer) newServerTransaction(ctx context.Context, id ID, f Flow, req *sip.Request) (*Transaction, error) {
	if l.closed.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}
	typ := TypeServerNonInvite
	if req.Method == sip.INVITE {
		typ = TypeServerInvite
	}
	return newTransaction(ctx, l, id, typ, f, req), nil
}

func (l *Layer) nextGen() uint64 { return l.gen.Add(1) }

// Store returns the transaction store.
func (l *Layer) Store() *Store { return l.store }

// OnUpstream handles an inbound message received over the flow.
// Malformed messages and messages that cannot create a transaction are reported with an error.
// Messages matching no transaction are passed to [User.OnStray].
func (l *Layer) OnUpstream(ctx context.Context, f Flow, msg sip.Message) error {
	if f == nil || msg == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil flow or message"))
	}

	tx, created, err := l.store.Ensure(ctx, f, msg)
	if err != nil {
		l.log.LogAttrs(ctx, slog.LevelDebug, "failed to match inbound message",
			slog.Any("message", msg),
			slog.Any("error", err),
		)
		return errtrace.Wrap(err)
	}
	if tx == nil {
		l.log.LogAttrs(ctx, slog.LevelDebug, "pass stray message", slog.Any("message", msg))
		l.user.OnStray(ctx, f, msg)
		return nil
	}
	if created {
		l.metrics.TransactionCreated(string(tx.typ))
		l.log.LogAttrs(ctx, slog.LevelDebug, "transaction created", slog.Any("transaction", tx))
	}

	c := call{args: []any{msg}}
	switch m := msg.(type) {
	case *sip.Request:
		c.flow = f
		if m.Method == sip.ACK {
			c.trig = evtRecvAck
		} else {
			c.trig = evtRecvReq
		}
	case *sip.Response:
		switch {
		case m.IsProvisional():
			c.trig = evtRecv1xx
		case m.IsSuccess():
			c.trig = evtRecv2xx
		default:
			c.trig = evtRecv300699
		}
	}
	return errtrace.Wrap(l.invoke(ctx, tx, c))
}

// Respond sends the TU response through the server transaction.
// Responses not allowed in the current state fail with [ErrActionNotAllowed].
func (l *Layer) Respond(ctx context.Context, tx *Transaction, res *sip.Response) error {
	if tx == nil || res == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil transaction or response"))
	}
	if !tx.typ.IsServer() {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed, "respond on %s transaction", tx.typ))
	}
	if res.Status < 100 || res.Status > 699 {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid status code %d", res.Status))
	}
	if id, err := IDOf(res); err != nil || id != tx.id {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("response does not match transaction %q", tx.id))
	}

	c := call{args: []any{res}, strict: true}
	switch {
	case res.IsProvisional():
		c.trig = evtSend1xx
	case res.IsSuccess():
		c.trig = evtSend2xx
	default:
		c.trig = evtSend300699
	}
	return errtrace.Wrap(l.invoke(ctx, tx, c))
}

// Request starts a client transaction and sends the request over the flow.
// ACK is not a transaction, use [Layer.SendStateless] for it.
func (l *Layer) Request(ctx context.Context, f Flow, req *sip.Request) (*Transaction, error) {
	if f == nil || req == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("nil flow or request"))
	}
	if req.Method == sip.ACK {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("ACK must be sent statelessly"))
	}
	if l.closed.Load() {
		return nil, errtrace.Wrap(ErrTransactionLayerClosed)
	}
	id, err := IDOf(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	typ := TypeClientNonInvite
	if req.Method == sip.INVITE {
		typ = TypeClientInvite
	}
	tx := newTransaction(ctx, l, id, typ, f, req)
	if !l.store.Insert(tx) {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("transaction %q already exists", id))
	}
	l.metrics.TransactionCreated(string(typ))
	l.log.LogAttrs(ctx, slog.LevelDebug, "transaction created", slog.Any("transaction", tx))

	if err := l.invoke(ctx, tx, call{trig: evtSendReq, strict: true}); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

// SendStateless sends the message over the flow outside of any transaction.
func (l *Layer) SendStateless(ctx context.Context, f Flow, msg sip.Message) error {
	if f == nil || msg == nil {
		return errtrace.Wrap(errorutil.NewInvalidArgumentError("nil flow or message"))
	}
	if err := f.Send(ctx, msg); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrTransportFailure, err))
	}
	return nil
}

// FlowFailed terminates every transaction bound to the flow with [ErrFlowFailed].
func (l *Layer) FlowFailed(ctx context.Context, f Flow, err error) {
	reason := errorutil.NewWrapperError(ErrFlowFailed, err)
	for _, tx := range l.store.ByFlow(f) {
		if err := l.invoke(ctx, tx, call{trig: evtTerminate, args: []any{reason}}); err != nil {
			l.log.LogAttrs(ctx, slog.LevelWarn, "failed to terminate transaction of failed flow",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
	}
}

// Terminate forces termination of the transaction with [ErrTransactionTerminated].
func (l *Layer) Terminate(ctx context.Context, tx *Transaction) error {
	return errtrace.Wrap(l.invoke(ctx, tx, call{trig: evtTerminate, args: []any{errtrace.Wrap(ErrTransactionTerminated)}, strict: true}))
}

// Close terminates all transactions, closed layer rejects new transactions
// with [ErrTransactionLayerClosed].
func (l *Layer) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return errtrace.Wrap(ErrTransactionLayerClosed)
	}
	for tx := range l.store.All() {
		_ = l.invoke(ctx, tx, call{trig: evtTerminate, args: []any{errtrace.Wrap(ErrTransactionLayerClosed)}})
	}
	return nil
}

func (l *Layer) onTimer(ctx context.Context, evt TimerEvent) {
	tx, ok := l.store.Get(evt.ID)
	if !ok {
		return
	}
	if err := l.invoke(ctx, tx, call{trig: evt.Timer, timer: &evt}); err != nil {
		l.log.LogAttrs(ctx, slog.LevelDebug, "transaction timer failed",
			slog.Any("transaction", tx),
			slog.String("timer", string(evt.Timer)),
			slog.Any("error", err),
		)
	}
}

type call struct {
	trig any
	args []any
	// flow replaces the transaction flow when set.
	flow Flow
	// timer is checked against the pending timer generation.
	timer *TimerEvent
	// strict reports not permitted triggers as errors instead of absorbing them.
	strict bool
}

func (l *Layer) invoke(ctx context.Context, tx *Transaction, c call) error {
	var out Outcome

	tx.mu.Lock()
	if tx.state == StateTerminated || (c.timer != nil && !tx.timerFired(*c.timer)) {
		tx.mu.Unlock()
		if c.strict {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed, "transaction %q is terminated", tx.id))
		}
		return nil
	}
	if !tx.canFire(ctx, c.trig, c.args...) {
		state := tx.state
		tx.mu.Unlock()
		if c.strict {
			return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed, "%v in %s state %q", c.trig, tx.typ, state))
		}
		l.log.LogAttrs(ctx, slog.LevelDebug, "transaction event absorbed",
			slog.Any("transaction", tx),
			slog.Any("event", c.trig),
			slog.String("state", string(state)),
		)
		return nil
	}
	if c.flow != nil {
		l.store.rebind(tx, tx.flow, c.flow)
		tx.flow = c.flow
	}

	var invokeErr error
	if err := tx.fire(ctx, &out, c.trig, c.args...); err != nil {
		l.log.LogAttrs(ctx, slog.LevelError, "transaction state machine failed",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
		if tx.state != StateTerminated {
			_ = tx.fire(ctx, new(Outcome), evtTerminate, err)
		}
		invokeErr = err
	}

	if msg, ok := out.Downstream(); ok {
		if err := tx.flow.Send(ctx, msg); err != nil {
			err = errorutil.NewWrapperError(ErrTransportFailure, err)
			l.log.LogAttrs(ctx, slog.LevelDebug, "transaction failed to send message",
				slog.Any("transaction", tx),
				slog.Any("message", msg),
				slog.Any("error", err),
			)
			if tx.state != StateTerminated {
				_ = tx.fire(ctx, new(Outcome), evtTranspErr, err)
			} else if tx.err == nil {
				tx.err = err
			}
			invokeErr = errors.Join(invokeErr, err)
		}
	}

	finished := tx.state == StateTerminated && !tx.finished
	if finished {
		tx.finished = true
	}
	reason := tx.err
	tx.mu.Unlock()

	if finished {
		l.store.Remove(tx)
		close(tx.done)
		l.metrics.TransactionTerminated(string(tx.typ), terminateReason(reason))
	}
	if evt, ok := out.Upstream(); ok {
		switch evt.Kind {
		case EventRequest:
			l.user.OnRequest(ctx, tx, evt.Request)
		case EventResponse:
			l.user.OnResponse(ctx, tx, evt.Response)
		}
	}
	if finished {
		l.user.OnTransactionTerminated(ctx, tx)
	}
	return errtrace.Wrap(invokeErr)
}

func terminateReason(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrTransactionTimedOut):
		return "timeout"
	case errors.Is(err, ErrFlowFailed):
		return "flow_failed"
	case errors.Is(err, ErrTransportFailure):
		return "transport_failure"
	case errors.Is(err, ErrTransactionTerminated), errors.Is(err, ErrTransactionLayerClosed):
		return "terminated"
	default:
		return "error"
	}
}
