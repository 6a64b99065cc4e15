package flow

import (
	"log/slog"
	"slices"
	"time"

	"github.com/ghettovoice/sipcore/transport"
)

// Mode is a keep-alive mode.
type Mode string

const (
	// ModeNone consumes keep-alive traffic and never answers or originates it.
	ModeNone Mode = "none"
	// ModePassive answers accepted pings and never originates them.
	ModePassive Mode = "passive"
	// ModeActive originates pings after the idle timeout and answers accepted pings.
	ModeActive Mode = "active"
)

// PingMethod is a keep-alive technique.
type PingMethod string

const (
	// PingCRLF is the double CRLF ping answered by a single CRLF, RFC 5626 section 3.5.1.
	PingCRLF PingMethod = "crlf"
	// PingOptions is an OPTIONS request with Max-Forwards 0 answered by any response.
	PingOptions PingMethod = "options"
	// PingSTUN is a STUN binding request answered by a binding success, UDP only.
	PingSTUN PingMethod = "stun"
)

// KeepAliveConfig are keep-alive settings of a transport class.
type KeepAliveConfig struct {
	Mode Mode `mapstructure:"mode" json:"mode"`
	// Method is the ping method used in active mode.
	Method PingMethod `mapstructure:"method" json:"method"`
	// Accept lists ping methods answered by the flow, empty list accepts all.
	Accept []PingMethod `mapstructure:"accept" json:"accept,omitempty"`
	// InitialIdleTimeout closes a flow that sees no traffic after creation, zero disables it.
	InitialIdleTimeout time.Duration `mapstructure:"initial_idle_timeout" json:"initial_idle_timeout"`
	// IdleTimeout starts a ping cycle in active mode or closes the flow otherwise, zero disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	// PingInterval is how long to wait for a pong.
	PingInterval time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
	// MaxFailed is the number of consecutive missed pongs after which the flow is closed.
	MaxFailed int `mapstructure:"max_failed" json:"max_failed"`
	// EnforcePong makes the flow wait for pongs, otherwise pings are fire-and-forget.
	EnforcePong bool `mapstructure:"enforce_pong" json:"enforce_pong"`
}

func (c KeepAliveConfig) accepts(m PingMethod) bool {
	if c.Mode == ModeNone {
		return false
	}
	return len(c.Accept) == 0 || slices.Contains(c.Accept, m)
}

func (c KeepAliveConfig) maxFailed() int {
	if c.MaxFailed <= 0 {
		return 1
	}
	return c.MaxFailed
}

func (c KeepAliveConfig) pingInterval() time.Duration {
	if c.PingInterval <= 0 {
		return 10 * time.Second
	}
	return c.PingInterval
}

// method returns the active ping method, STUN is replaced by CRLF on connection oriented transports.
func (c KeepAliveConfig) method(proto transport.Proto) PingMethod {
	switch {
	case c.Method == "":
		if proto == transport.UDP {
			return PingSTUN
		}
		return PingCRLF
	case c.Method == PingSTUN && proto != transport.UDP:
		return PingCRLF
	default:
		return c.Method
	}
}

func (c KeepAliveConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("mode", string(c.Mode)),
		slog.String("method", string(c.Method)),
		slog.Duration("initial_idle_timeout", c.InitialIdleTimeout),
		slog.Duration("idle_timeout", c.IdleTimeout),
		slog.Duration("ping_interval", c.PingInterval),
		slog.Int("max_failed", c.MaxFailed),
		slog.Bool("enforce_pong", c.EnforcePong),
	)
}

// KeepAliveSet holds keep-alive settings per transport class.
// TLS uses TCP settings and WSS uses WS settings.
type KeepAliveSet struct {
	UDP KeepAliveConfig `mapstructure:"udp" json:"udp"`
	TCP KeepAliveConfig `mapstructure:"tcp" json:"tcp"`
	WS  KeepAliveConfig `mapstructure:"ws" json:"ws"`
}

// DefaultKeepAlive returns passive keep-alive settings for all transports.
func DefaultKeepAlive() KeepAliveSet {
	stream := KeepAliveConfig{
		Mode:               ModePassive,
		Method:             PingCRLF,
		InitialIdleTimeout: 32 * time.Second,
		IdleTimeout:        5 * time.Minute,
		PingInterval:       10 * time.Second,
		MaxFailed:          3,
		EnforcePong:        true,
	}
	return KeepAliveSet{
		UDP: KeepAliveConfig{
			Mode:         ModePassive,
			Method:       PingSTUN,
			IdleTimeout:  5 * time.Minute,
			PingInterval: 10 * time.Second,
			MaxFailed:    3,
			EnforcePong:  true,
		},
		TCP: stream,
		WS:  stream,
	}
}

// For returns settings of the transport class of proto.
func (s *KeepAliveSet) For(proto transport.Proto) KeepAliveConfig {
	if s == nil {
		def := DefaultKeepAlive()
		s = &def
	}
	switch proto {
	case transport.UDP:
		return s.UDP
	case transport.WS, transport.WSS:
		return s.WS
	default:
		return s.TCP
	}
}
