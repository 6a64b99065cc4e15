// Package dns resolves SIP hosts into transport targets as described in RFC 3263.
package dns

//go:generate errtrace -w .

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// NAPTR is a naming authority pointer record (RFC 3403).
type NAPTR struct {
	Order      uint16
	Preference uint16
	// Flags is "s" when Replacement names an SRV record set.
	Flags string
	// Service is e.g. "SIP+D2U", "SIP+D2T", "SIPS+D2T" or "SIP+D2W".
	Service     string
	Replacement string
}

// SRV is a service location record (RFC 2782).
type SRV struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

// Resolver sends NAPTR and SRV queries straight to a name server
// and resolves host addresses with the system resolver.
type Resolver struct {
	// NameServer is the "host[:port]" of the server to query.
	// If empty, the first server from /etc/resolv.conf is used.
	NameServer string
	// Timeout bounds a single query, 5 seconds when zero.
	Timeout time.Duration
}

// LookupNAPTR returns NAPTR records of the name in the server order.
func (r *Resolver) LookupNAPTR(ctx context.Context, name string) ([]*NAPTR, error) {
	rrs, err := r.query(ctx, name, dns.TypeNAPTR)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	recs := make([]*NAPTR, 0, len(rrs))
	for _, rr := range rrs {
		if rr, ok := rr.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Replacement: rr.Replacement,
			})
		}
	}
	return recs, nil
}

// LookupSRV returns SRV records of the fully qualified service name, e.g. "_sip._udp.example.com".
func (r *Resolver) LookupSRV(ctx context.Context, name string) ([]*SRV, error) {
	rrs, err := r.query(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	recs := make([]*SRV, 0, len(rrs))
	for _, rr := range rrs {
		if rr, ok := rr.(*dns.SRV); ok {
			recs = append(recs, &SRV{
				Priority: rr.Priority,
				Weight:   rr.Weight,
				Port:     rr.Port,
				Target:   rr.Target,
			})
		}
	}
	return recs, nil
}

// LookupAddr returns IPv4 and IPv6 addresses of the host.
func (*Resolver) LookupAddr(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i := range addrs {
		addrs[i] = addrs[i].Unmap()
	}
	return addrs, nil
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	server, err := r.server()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	req.RecursionDesired = true

	c := &dns.Client{Timeout: r.timeout()}
	res, _, err := c.ExchangeContext(ctx, req, server)
	if err == nil && res.Truncated {
		c.Net = "tcp"
		res, _, err = c.ExchangeContext(ctx, req, server)
	}
	if err != nil {
		return nil, errtrace.Wrap(&net.DNSError{Err: err.Error(), Name: name, Server: server, IsTimeout: isTimeout(err)})
	}

	switch res.Rcode {
	case dns.RcodeSuccess:
		return res.Answer, nil
	case dns.RcodeNameError:
		return nil, errtrace.Wrap(&net.DNSError{Err: "no such host", Name: name, Server: server, IsNotFound: true})
	default:
		return nil, errtrace.Wrap(&net.DNSError{Err: dns.RcodeToString[res.Rcode], Name: name, Server: server})
	}
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) server() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err == nil {
			return r.NameServer, nil
		}
		return net.JoinHostPort(r.NameServer, "53"), nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{Err: "no name servers in resolv.conf", Name: "resolv.conf"})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

func isTimeout(err error) bool {
	var e interface{ Timeout() bool }
	return errors.As(err, &e) && e.Timeout()
}

var defResolver = new(Resolver)

// DefaultResolver returns the resolver that uses system name servers.
func DefaultResolver() *Resolver { return defResolver }
