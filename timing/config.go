package timing

import (
	"log/slog"
	"time"
)

// Default values of the base timers (RFC 3261 section 17 and table 4).
const (
	// T1 is the round-trip time estimate.
	T1 = 500 * time.Millisecond
	// T2 caps the retransmit interval of non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum time a message remains in the network.
	T4 = 4 * time.Second
	// TimeD is how long a client INVITE transaction absorbs final response retransmits over UDP.
	TimeD = 32 * time.Second
	// Time100 is how long a server INVITE transaction waits for the user before sending 100 Trying.
	Time100 = 200 * time.Millisecond
)

// Config holds the base timers, the lettered timers A..K derive from them.
// A zero field means the package default.
type Config struct {
	base [5]time.Duration
}

const (
	idxT1 = iota
	idxT2
	idxT4
	idxTimeD
	idxTime100
)

var defaults = [5]time.Duration{T1, T2, T4, TimeD, Time100}

// NewConfig returns a config with the given base timers.
// Zero or negative values fall back to defaults.
func NewConfig(t1, t2, t4, timeD, time100 time.Duration) Config {
	var c Config
	for i, v := range [5]time.Duration{t1, t2, t4, timeD, time100} {
		if v > 0 {
			c.base[i] = v
		}
	}
	return c
}

func (c Config) get(i int) time.Duration {
	if c.base[i] > 0 {
		return c.base[i]
	}
	return defaults[i]
}

func (c Config) T1() time.Duration      { return c.get(idxT1) }
func (c Config) T2() time.Duration      { return c.get(idxT2) }
func (c Config) T4() time.Duration      { return c.get(idxT4) }
func (c Config) TimeD() time.Duration   { return c.get(idxTimeD) }
func (c Config) Time100() time.Duration { return c.get(idxTime100) }

// TimeA is the first INVITE retransmit interval over unreliable transports.
func (c Config) TimeA() time.Duration { return c.T1() }

// TimeB is the client INVITE transaction timeout.
func (c Config) TimeB() time.Duration { return 64 * c.T1() }

// TimeE is the first non-INVITE retransmit interval over unreliable transports.
func (c Config) TimeE() time.Duration { return c.T1() }

// TimeF is the client non-INVITE transaction timeout.
func (c Config) TimeF() time.Duration { return 64 * c.T1() }

// TimeG is the first final response retransmit interval of the server INVITE transaction.
func (c Config) TimeG() time.Duration { return c.T1() }

// TimeH bounds the wait for ACK.
func (c Config) TimeH() time.Duration { return 64 * c.T1() }

// TimeI absorbs ACK retransmits over unreliable transports.
func (c Config) TimeI() time.Duration { return c.T4() }

// TimeJ absorbs non-INVITE request retransmits over unreliable transports.
func (c Config) TimeJ() time.Duration { return 64 * c.T1() }

// TimeK absorbs response retransmits over unreliable transports.
func (c Config) TimeK() time.Duration { return c.T4() }

func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Duration("t1", c.T1()),
		slog.Duration("t2", c.T2()),
		slog.Duration("t4", c.T4()),
		slog.Duration("time_d", c.TimeD()),
		slog.Duration("time_100", c.Time100()),
	)
}
