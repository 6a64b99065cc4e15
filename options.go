package sipcore

import (
	"crypto/tls"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/config"
	"github.com/ghettovoice/sipcore/dns"
	"github.com/ghettovoice/sipcore/flow"
	"github.com/ghettovoice/sipcore/internal/log"
	"github.com/ghettovoice/sipcore/timing"
	"github.com/ghettovoice/sipcore/transaction"
)

// Metrics receives transaction and flow events, see [metrics.Collector].
type Metrics interface {
	transaction.Metrics
	flow.Metrics
}

// ServerOptions are options for [NewServer].
type ServerOptions struct {
	// Timings are the transaction timer settings.
	Timings timing.Config
	// Send100Immediately answers INVITE with 100 Trying right away.
	Send100Immediately bool
	// TransactionTableSize is the expected number of live transactions.
	TransactionTableSize uint
	// FlowTableSize is the expected number of open flows.
	FlowTableSize uint
	// KeepAlive are keep-alive settings per transport class.
	// If nil, [flow.DefaultKeepAlive] is used.
	KeepAlive *flow.KeepAliveSet
	// TokenKey is the flow token key, nil means a random per process key.
	TokenKey []byte
	// Resolver resolves hosts of outbound flows.
	Resolver flow.Resolver
	// Selector picks a flow among flows to the same endpoint.
	Selector flow.Selector
	// TLSConfig is used by TLS and WSS listeners and dialers.
	TLSConfig *tls.Config
	// Clock drives transaction and flow timers.
	Clock timing.Clock
	// Metrics receives transaction and flow events.
	Metrics Metrics
	// Log is the logger.
	// If nil, [log.Default] is used.
	Log *slog.Logger
}

func (o *ServerOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

func (o *ServerOptions) txOptions() *transaction.LayerOptions {
	if o == nil {
		return &transaction.LayerOptions{Log: log.Default()}
	}
	opts := &transaction.LayerOptions{
		Timings:            o.Timings,
		Send100Immediately: o.Send100Immediately,
		TableSize:          o.TransactionTableSize,
		Clock:              o.Clock,
		Log:                o.log(),
	}
	if o.Metrics != nil {
		opts.Metrics = o.Metrics
	}
	return opts
}

func (o *ServerOptions) flowOptions() *flow.StorageOptions {
	if o == nil {
		return &flow.StorageOptions{Log: log.Default()}
	}
	opts := &flow.StorageOptions{
		KeepAlive: o.KeepAlive,
		Clock:     o.Clock,
		Resolver:  o.Resolver,
		Selector:  o.Selector,
		TokenKey:  o.TokenKey,
		TableSize: o.FlowTableSize,
		Log:       o.log(),
	}
	if o.Metrics != nil {
		opts.Metrics = o.Metrics
	}
	return opts
}

func (o *ServerOptions) tlsConfig() *tls.Config {
	if o == nil {
		return nil
	}
	return o.TLSConfig
}

// OptionsFromConfig maps the loaded node config onto server options.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) (*ServerOptions, error) {
	key, err := cfg.TokenKey()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	ka := cfg.KeepAlive
	return &ServerOptions{
		Timings:              cfg.Timings.Config(),
		Send100Immediately:   cfg.Send100Immediately,
		TransactionTableSize: cfg.TransactionTableSize,
		FlowTableSize:        cfg.FlowTableSize,
		KeepAlive:            &ka,
		TokenKey:             key,
		Resolver: &dns.TargetResolver{
			Lookup: &dns.Resolver{
				NameServer: cfg.DNS.NameServer,
				Timeout:    cfg.DNS.Timeout,
			},
		},
		Log: logger,
	}, nil
}
