package flow

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/dns"
	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/transport"
)

// Builder configures an outbound flow to a host.
// It is created by [Storage.CreateFlow] and is not safe for concurrent use.
type Builder struct {
	s           *Storage
	host        string
	port        uint16
	proto       transport.Proto
	onSuccess   func(f *Flow)
	onFailure   func(err error)
	onCancelled func()
}

// CreateFlow starts building a flow to the host.
// Host is a domain name or an IP address, IPv6 may be enclosed in brackets.
func (s *Storage) CreateFlow(host string) *Builder {
	return &Builder{s: s, host: host}
}

// WithPort sets the target port, by default it is discovered with DNS.
func (b *Builder) WithPort(port uint16) *Builder {
	b.port = port
	return b
}

// WithTransport sets the transport, by default it is discovered with DNS.
func (b *Builder) WithTransport(proto transport.Proto) *Builder {
	b.proto = proto
	return b
}

// OnSuccess sets a callback called with the connected flow.
func (b *Builder) OnSuccess(fn func(f *Flow)) *Builder {
	b.onSuccess = fn
	return b
}

// OnFailure sets a callback called when no target could be connected.
func (b *Builder) OnFailure(fn func(err error)) *Builder {
	b.onFailure = fn
	return b
}

// OnCancelled sets a callback called when the connect is cancelled.
func (b *Builder) OnCancelled(fn func()) *Builder {
	b.onCancelled = fn
	return b
}

// Connect resolves the host and connects to the first reachable target in the background.
// An open flow to a target is reused instead of dialing a new connection.
// Exactly one of the callbacks is called before the future is done.
func (b *Builder) Connect(ctx context.Context) *Future {
	ctx, cancel := context.WithCancel(ctx)
	fut := &Future{cancel: cancel, done: make(chan struct{})}
	if b.s.closed.Load() {
		cancel()
		fut.complete(nil, errtrace.Wrap(ErrStorageClosed))
		b.notify(fut)
		return fut
	}

	b.s.wg.Go(func() {
		defer cancel()
		f, err := b.connect(ctx)
		fut.complete(f, err)
		b.notify(fut)
	})
	return fut
}

func (b *Builder) notify(fut *Future) {
	switch {
	case fut.err == nil:
		if b.onSuccess != nil {
			b.onSuccess(fut.flow)
		}
	case errors.Is(fut.err, context.Canceled):
		if b.onCancelled != nil {
			b.onCancelled()
		}
	default:
		if b.onFailure != nil {
			b.onFailure(fut.err)
		}
	}
	close(fut.done)
}

func (b *Builder) connect(ctx context.Context) (*Flow, error) {
	var targets []dns.Target
	if addr, err := netip.ParseAddr(strings.Trim(b.host, "[]")); err == nil && b.port != 0 && b.proto != "" {
		targets = []dns.Target{{Proto: b.proto, Addr: netip.AddrPortFrom(addr.Unmap(), b.port)}}
	} else {
		targets, err = b.s.resolver.Resolve(ctx, b.host, b.port, b.proto)
		if err != nil {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTarget, err))
		}
	}

	var errs []error
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return nil, errtrace.Wrap(err)
		}

		f, err := b.connectTarget(ctx, t)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrStorageClosed) {
			return nil, errtrace.Wrap(err)
		}
		b.s.log.LogAttrs(ctx, slog.LevelDebug, "failed to connect flow target",
			slog.String("host", b.host),
			slog.String("target", t.String()),
			slog.Any("error", err),
		)
		errs = append(errs, err)
	}
	return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTarget, errorutil.JoinPrefix(b.host+":", errs...)))
}

func (b *Builder) connectTarget(ctx context.Context, t dns.Target) (*Flow, error) {
	ep := Endpoint{Remote: t.Addr, Proto: t.Proto}
	unlock := b.s.dialMu.Lock(ep)
	defer unlock()

	if f, ok := b.s.Get(ep); ok {
		return f, nil
	}
	if b.s.dialer == nil {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("no dialer configured"))
	}
	conn, err := b.s.dialer.Dial(ctx, t.Proto, t.Addr)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	f, err := b.s.EnsureFlow(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, errtrace.Wrap(err)
	}
	return f, nil
}

// Future is a pending flow connect.
type Future struct {
	cancel context.CancelFunc
	done   chan struct{}
	flow   *Flow
	err    error
}

func (fut *Future) complete(f *Flow, err error) {
	fut.flow, fut.err = f, err
}

// Cancel aborts the connect, it is a no-op once the future is done.
func (fut *Future) Cancel() { fut.cancel() }

// Done is closed once the connect is finished and callbacks are called.
func (fut *Future) Done() <-chan struct{} { return fut.done }

// Wait waits for the result or the context cancellation.
// Cancelling ctx does not cancel the connect.
func (fut *Future) Wait(ctx context.Context) (*Flow, error) {
	select {
	case <-fut.done:
		return fut.flow, errtrace.Wrap(fut.err)
	case <-ctx.Done():
		return nil, errtrace.Wrap(ctx.Err())
	}
}

// Result returns the result of the done future, it returns false while it is pending.
func (fut *Future) Result() (*Flow, error, bool) { //nolint:revive
	select {
	case <-fut.done:
		return fut.flow, fut.err, true
	default:
		return nil, nil, false
	}
}
