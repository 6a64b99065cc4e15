package dns

import (
	"cmp"
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/netip"
	"slices"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/errorutil"
	"github.com/ghettovoice/sipcore/internal/util"
	"github.com/ghettovoice/sipcore/transport"
)

// ErrNoTarget is returned when the host resolves to no usable address.
const ErrNoTarget errorutil.Error = "no target resolved"

// Target is a resolved transport address.
type Target struct {
	Proto transport.Proto
	Addr  netip.AddrPort
}

func (t Target) String() string { return string(t.Proto) + ":" + t.Addr.String() }

// Lookuper performs raw DNS queries, [*Resolver] implements it.
type Lookuper interface {
	LookupNAPTR(ctx context.Context, name string) ([]*NAPTR, error)
	LookupSRV(ctx context.Context, name string) ([]*SRV, error)
	LookupAddr(ctx context.Context, host string) ([]netip.Addr, error)
}

// TargetResolver resolves SIP hosts into ordered targets following RFC 3263 section 4.
type TargetResolver struct {
	// Lookup performs DNS queries.
	// If nil, [DefaultResolver] is used.
	Lookup Lookuper
	// Protos limits transports considered when neither port nor transport is given.
	// Default is UDP, TCP, TLS.
	Protos []transport.Proto
}

func (r *TargetResolver) lookup() Lookuper {
	if r == nil || r.Lookup == nil {
		return DefaultResolver()
	}
	return r.Lookup
}

func (r *TargetResolver) protos() []transport.Proto {
	if r == nil || len(r.Protos) == 0 {
		return []transport.Proto{transport.UDP, transport.TCP, transport.TLS}
	}
	return r.Protos
}

var naptrServices = map[string]transport.Proto{
	"SIP+D2U":  transport.UDP,
	"SIP+D2T":  transport.TCP,
	"SIPS+D2T": transport.TLS,
	"SIP+D2W":  transport.WS,
	"SIPS+D2W": transport.WSS,
}

func srvName(proto transport.Proto, host string) string {
	switch proto {
	case transport.TLS:
		return "_sips._tcp." + host
	case transport.TCP:
		return "_sip._tcp." + host
	case transport.WS:
		return "_sip._ws." + host
	case transport.WSS:
		return "_sips._ws." + host
	default:
		return "_sip._udp." + host
	}
}

// Resolve returns targets for the host.
// Zero port and empty proto mean they are not specified and must be discovered.
func (r *TargetResolver) Resolve(ctx context.Context, host string, port uint16, proto transport.Proto) ([]Target, error) {
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if host == "" {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("empty host"))
	}
	if proto != "" && !proto.IsValid() {
		return nil, errtrace.Wrap(errorutil.NewInvalidArgumentError("invalid transport %q", proto))
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if proto == "" {
			proto = transport.UDP
		}
		if port == 0 {
			port = proto.DefaultPort()
		}
		return []Target{{Proto: proto, Addr: netip.AddrPortFrom(addr.Unmap(), port)}}, nil
	}

	if port != 0 {
		if proto == "" {
			proto = transport.UDP
		}
		return errtrace.Wrap2(r.resolveA(ctx, host, port, proto))
	}

	if proto == "" {
		targets, err := r.resolveNAPTR(ctx, host)
		if err != nil || len(targets) > 0 {
			return targets, errtrace.Wrap(err)
		}
	}

	protos := r.protos()
	if proto != "" {
		protos = []transport.Proto{proto}
	}
	var targets []Target
	for _, p := range protos {
		ts, err := r.resolveSRV(ctx, host, p)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		targets = append(targets, ts...)
	}
	if len(targets) > 0 {
		return targets, nil
	}

	if proto == "" {
		proto = transport.UDP
	}
	return errtrace.Wrap2(r.resolveA(ctx, host, proto.DefaultPort(), proto))
}

func (r *TargetResolver) resolveNAPTR(ctx context.Context, host string) ([]Target, error) {
	recs, err := r.lookup().LookupNAPTR(ctx, host)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errtrace.Wrap(err)
	}
	sortNAPTR(recs)

	allowed := r.protos()
	var targets []Target
	for _, rec := range recs {
		proto, ok := naptrServices[util.UCase(rec.Service)]
		if !ok || !util.EqFold(rec.Flags, "s") || !slices.Contains(allowed, proto) {
			continue
		}
		ts, err := r.resolveSRVName(ctx, strings.TrimSuffix(rec.Replacement, "."), proto)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		targets = append(targets, ts...)
	}
	return targets, nil
}

func (r *TargetResolver) resolveSRV(ctx context.Context, host string, proto transport.Proto) ([]Target, error) {
	return errtrace.Wrap2(r.resolveSRVName(ctx, srvName(proto, host), proto))
}

func (r *TargetResolver) resolveSRVName(ctx context.Context, name string, proto transport.Proto) ([]Target, error) {
	srvs, err := r.lookup().LookupSRV(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(r.srvTargets(ctx, orderSRV(srvs), proto))
}

func (r *TargetResolver) srvTargets(ctx context.Context, srvs []*SRV, proto transport.Proto) ([]Target, error) {
	var targets []Target
	for _, srv := range srvs {
		ts, err := r.resolveA(ctx, strings.TrimSuffix(srv.Target, "."), srv.Port, proto)
		if err != nil {
			if errors.Is(err, ErrNoTarget) {
				continue
			}
			return nil, errtrace.Wrap(err)
		}
		targets = append(targets, ts...)
	}
	return targets, nil
}

func (r *TargetResolver) resolveA(ctx context.Context, host string, port uint16, proto transport.Proto) ([]Target, error) {
	addrs, err := r.lookup().LookupAddr(ctx, host)
	if err != nil {
		if isNotFound(err) {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTarget, host))
		}
		return nil, errtrace.Wrap(err)
	}
	targets := make([]Target, 0, len(addrs))
	for _, addr := range addrs {
		if !addr.IsValid() {
			continue
		}
		targets = append(targets, Target{Proto: proto, Addr: netip.AddrPortFrom(addr.Unmap(), port)})
	}
	if len(targets) == 0 {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrNoTarget, host))
	}
	return targets, nil
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func sortNAPTR(recs []*NAPTR) {
	slices.SortStableFunc(recs, func(a, b *NAPTR) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.Preference, b.Preference))
	})
}

// orderSRV sorts records by priority and picks the order inside each priority
// by weighted random selection (RFC 2782).
func orderSRV(srvs []*SRV) []*SRV {
	srvs = slices.Clone(srvs)
	slices.SortStableFunc(srvs, func(a, b *SRV) int { return cmp.Compare(a.Priority, b.Priority) })
	for i := 0; i < len(srvs); {
		j := i + 1
		for j < len(srvs) && srvs[j].Priority == srvs[i].Priority {
			j++
		}
		weighSRV(srvs[i:j])
		i = j
	}
	return srvs
}

func weighSRV(group []*SRV) {
	for k := range group {
		var total int
		for _, s := range group[k:] {
			total += int(s.Weight)
		}
		if total == 0 {
			return
		}
		n := rand.IntN(total + 1) //nolint:gosec
		for m, s := range group[k:] {
			n -= int(s.Weight)
			if n <= 0 {
				group[k], group[k+m] = group[k+m], group[k]
				break
			}
		}
	}
}
