package flow

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/dns"
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/internal/syncutil"
	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/timing"
	"github.com/ghettovoice/sipcore/transport"
)

// Upstream receives SIP messages left after keep-alive processing.
type Upstream interface {
	OnUpstream(ctx context.Context, f *Flow, msg sip.Message) error
}

// UpstreamFunc is an adapter to use ordinary functions as [Upstream].
type UpstreamFunc func(ctx context.Context, f *Flow, msg sip.Message) error

func (fn UpstreamFunc) OnUpstream(ctx context.Context, f *Flow, msg sip.Message) error {
	return fn(ctx, f, msg) //errtrace:skip
}

// ClosedFunc is called once a flow is closed, err is nil for normal closes.
type ClosedFunc func(ctx context.Context, f *Flow, err error)

// Resolver resolves hosts into transport targets.
// Zero port and empty proto mean they are unspecified.
type Resolver interface {
	Resolve(ctx context.Context, host string, port uint16, proto transport.Proto) ([]dns.Target, error)
}

// StorageOptions are options for [NewStorage].
type StorageOptions struct {
	// KeepAlive are keep-alive settings per transport class.
	// If nil, [DefaultKeepAlive] is used.
	KeepAlive *KeepAliveSet
	// Clock drives flow timers.
	// If nil, [timing.SystemClock] is used.
	Clock timing.Clock
	// Dialer opens outbound connections for [Storage.CreateFlow].
	Dialer transport.Dialer
	// Resolver resolves hosts for [Storage.CreateFlow].
	// If nil, [dns.TargetResolver] with the default resolver is used.
	Resolver Resolver
	// Selector picks a flow from an endpoint bucket.
	// If nil, [RandomSelector] is used.
	Selector Selector
	// TokenKey is the flow token key, see [NewTokenCodec].
	TokenKey []byte
	// Upstream receives inbound SIP messages.
	Upstream Upstream
	// Metrics receives flow events.
	Metrics Metrics
	// TableSize is the expected number of flows.
	TableSize uint
	// Log is the logger.
	// If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *StorageOptions) keepAlive() *KeepAliveSet {
	if o == nil || o.KeepAlive == nil {
		def := DefaultKeepAlive()
		return &def
	}
	return o.KeepAlive
}

func (o *StorageOptions) clock() timing.Clock {
	if o == nil || o.Clock == nil {
		return timing.SystemClock{}
	}
	return o.Clock
}

func (o *StorageOptions) dialer() transport.Dialer {
	if o == nil {
		return nil
	}
	return o.Dialer
}

func (o *StorageOptions) resolver() Resolver {
	if o == nil || o.Resolver == nil {
		return &dns.TargetResolver{}
	}
	return o.Resolver
}

func (o *StorageOptions) selector() Selector {
	if o == nil || o.Selector == nil {
		return RandomSelector{}
	}
	return o.Selector
}

func (o *StorageOptions) tokenKey() []byte {
	if o == nil {
		return nil
	}
	return o.TokenKey
}

func (o *StorageOptions) upstream() Upstream {
	if o == nil {
		return nil
	}
	return o.Upstream
}

func (o *StorageOptions) metrics() Metrics {
	if o == nil || o.Metrics == nil {
		return noopMetrics{}
	}
	return o.Metrics
}

func (o *StorageOptions) tableSize() uint {
	if o == nil {
		return 0
	}
	return o.TableSize
}

func (o *StorageOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Storage owns flows, it is the inbound handler of the network layer.
// Flows are indexed by connection and grouped into buckets by remote endpoint.
type Storage struct {
	keepAlive *KeepAliveSet
	clock     timing.Clock
	dialer    transport.Dialer
	resolver  Resolver
	selector  Selector
	upstream  Upstream
	metrics   Metrics
	tokens    *TokenCodec
	log       *slog.Logger

	byConn  *syncutil.ShardMap[transport.ConnID, *Flow]
	buckets *syncutil.ShardMap[Endpoint, []*Flow]
	dialMu  syncutil.KeyMutex[Endpoint]
	onClose types.CallbackManager[ClosedFunc]
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewStorage creates a new [Storage].
// Options are optional, nil means default options.
func NewStorage(opts *StorageOptions) (*Storage, error) {
	tokens, err := NewTokenCodec(opts.tokenKey())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return &Storage{
		keepAlive: opts.keepAlive(),
		clock:     opts.clock(),
		dialer:    opts.dialer(),
		resolver:  opts.resolver(),
		selector:  opts.selector(),
		upstream:  opts.upstream(),
		metrics:   opts.metrics(),
		tokens:    tokens,
		log:       opts.log(),
		byConn:    syncutil.NewShardMap[transport.ConnID, *Flow](syncutil.SizeHint(opts.tableSize())),
		buckets:   syncutil.NewShardMap[Endpoint, []*Flow](syncutil.SizeHint(opts.tableSize())),
	}, nil
}

// EnsureFlow returns the flow of the connection, the flow is created and started on first use.
func (s *Storage) EnsureFlow(ctx context.Context, conn transport.Connection) (*Flow, error) {
	if s.closed.Load() {
		return nil, errtrace.Wrap(ErrStorageClosed)
	}

	f, loaded, err := s.byConn.LoadOrCompute(conn.ID(), func() (*Flow, error) {
		f := newFlow(ctx, conn, flowOptions{
			cfg:      s.keepAlive.For(conn.Proto()),
			clock:    s.clock,
			log:      s.log,
			metrics:  s.metrics,
			async:    s.async,
			onClosed: s.flowClosed,
		})
		s.buckets.Compute(f.Endpoint(), func(cur []*Flow, _ bool) ([]*Flow, bool) {
			return append(slices.Clip(cur), f), true
		})
		f.start(ctx)
		return f, nil
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if !loaded {
		s.metrics.FlowCreated(string(f.key.Proto))
		s.log.LogAttrs(ctx, slog.LevelDebug, "flow created", slog.Any("flow", f), slog.Any("keep_alive", f.cfg))
	}
	return f, nil
}

func (s *Storage) async(fn func()) { s.wg.Go(fn) }

func (s *Storage) flowClosed(ctx context.Context, f *Flow, err error) {
	s.byConn.DelFunc(f.conn.ID(), func(v *Flow) bool { return v == f })
	s.buckets.Compute(f.Endpoint(), func(cur []*Flow, ok bool) ([]*Flow, bool) {
		if !ok {
			return nil, false
		}
		upd := slices.DeleteFunc(slices.Clone(cur), func(v *Flow) bool { return v == f })
		return upd, len(upd) > 0
	})
	s.metrics.FlowClosed(string(f.key.Proto), closeReason(err))

	for cb := range s.onClose.All() {
		cb(ctx, f, err)
	}
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, ErrKeepAliveFailed):
		return "keepalive"
	case errors.Is(err, ErrFlowIdle):
		return "idle"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrSendFailed):
		return "send_failed"
	default:
		return "error"
	}
}

// OnFlowClosed registers a listener called after every flow close.
// Listeners run without any storage or flow lock held.
func (s *Storage) OnFlowClosed(fn ClosedFunc) (remove func()) { return s.onClose.Add(fn) }

// Get selects an open flow to the endpoint.
func (s *Storage) Get(ep Endpoint) (*Flow, bool) {
	flows, ok := s.buckets.Get(ep)
	if !ok {
		return nil, false
	}
	flows = slices.DeleteFunc(slices.Clone(flows), func(f *Flow) bool { return !f.open() })
	if len(flows) == 0 {
		return nil, false
	}
	return s.selector.Select(flows), true
}

// GetByConn returns the flow of the connection.
func (s *Storage) GetByConn(id transport.ConnID) (*Flow, bool) { return s.byConn.Get(id) }

// Token returns an opaque token of the flow, see [Storage.GetByToken].
func (s *Storage) Token(f *Flow) string { return s.tokens.Encode(f.key) }

// GetByToken authenticates the token and returns the open flow it refers to.
func (s *Storage) GetByToken(token string) (*Flow, error) {
	key, err := s.tokens.Decode(token)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	flows, _ := s.buckets.Get(key.Endpoint())
	for _, f := range flows {
		if f.key == key && f.open() {
			return f, nil
		}
	}
	return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrFlowNotFound, key.String()))
}

// Remove closes the flow of the connection, it reports whether the flow was found.
func (s *Storage) Remove(ctx context.Context, id transport.ConnID) bool {
	f, ok := s.byConn.Get(id)
	if !ok {
		return false
	}
	_ = f.Close(ctx)
	return true
}

// Len returns number of flows.
func (s *Storage) Len() int { return s.byConn.Size() }

// All iterates over a snapshot of flows.
func (s *Storage) All() iter.Seq[*Flow] {
	return func(yield func(*Flow) bool) {
		for _, f := range s.byConn.Items() {
			if !yield(f) {
				return
			}
		}
	}
}

// Close closes all flows and waits for background work.
// Flows are not accepted after the storage is closed.
func (s *Storage) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return errtrace.Wrap(ErrStorageClosed)
	}
	for f := range s.All() {
		_ = f.Close(ctx)
	}
	s.wg.Wait()
	return nil
}

// HandleInbound implements [transport.Handler].
func (s *Storage) HandleInbound(ctx context.Context, conn transport.Connection, in transport.Inbound) {
	f, err := s.EnsureFlow(ctx, conn)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "discard inbound traffic",
			slog.Any("conn", conn.ID()),
			slog.Any("inbound", in),
			slog.Any("error", err),
		)
		_ = conn.Close()
		return
	}

	msg, ok := f.recv(ctx, in)
	if !ok || s.upstream == nil {
		return
	}
	if err := s.upstream.OnUpstream(ctx, f, msg); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "upstream failed to handle message",
			slog.Any("flow", f),
			slog.Any("message", msg),
			slog.Any("error", err),
		)
	}
}

// HandleClosed implements [transport.Handler].
func (s *Storage) HandleClosed(ctx context.Context, conn transport.Connection, err error) {
	f, ok := s.byConn.Get(conn.ID())
	if !ok {
		return
	}
	f.closeWith(ctx, errorutil.NewWrapperError(ErrConnectionLost, err))
}
