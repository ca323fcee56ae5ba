// Package cooldown implements the tick-driven retry timers used by the
// reliable transport to schedule retransmissions without relying on wall
// clock timers: a linear cooldown for steady liveness pinging of a peer,
// and a binary-exponential backoff for retransmission of an individual
// pending request.
package cooldown

// Tick is the outcome of advancing a cooldown by one tick.
type Tick int

const (
	// TickIdle means no action is due this tick.
	TickIdle Tick = iota
	// TickCycled means an attempt (retransmission or ping) is due now.
	TickCycled
	// TickDied means the cooldown has exhausted its attempt budget; the
	// caller should treat the peer as unreachable.
	TickDied
)

func (t Tick) String() string {
	switch t {
	case TickIdle:
		return "IDLE"
	case TickCycled:
		return "CYCLED"
	case TickDied:
		return "DIED"
	default:
		return "UNKNOWN"
	}
}

// LinearConfig parameterizes LinearCooldown. The zero value is invalid;
// use NewLinearConfig.
type LinearConfig struct {
	ticksPerAttempt uint64
	maxTicks        uint64
	startDelay      uint64
}

// LinearOption adjusts a LinearConfig away from its defaults.
type LinearOption func(*LinearConfig)

// WithTicksPerAttempt sets the tick interval between cycles once the start
// delay has elapsed.
func WithTicksPerAttempt(ticks uint64) LinearOption {
	return func(c *LinearConfig) { c.ticksPerAttempt = ticks }
}

// WithMaxTicks sets the total tick budget before the cooldown dies.
func WithMaxTicks(ticks uint64) LinearOption {
	return func(c *LinearConfig) { c.maxTicks = ticks }
}

// WithStartDelay sets how many ticks elapse before the first cycle can
// fire.
func WithStartDelay(ticks uint64) LinearOption {
	return func(c *LinearConfig) { c.startDelay = ticks }
}

// NewLinearConfig builds a LinearConfig, defaulting to
// ticks_per_attempt=500, max_ticks=5000, start_delay=1000.
func NewLinearConfig(opts ...LinearOption) LinearConfig {
	c := LinearConfig{
		ticksPerAttempt: 500,
		maxTicks:        5000,
		startDelay:      1000,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Start begins a fresh LinearCooldown from this configuration.
func (c LinearConfig) Start() *LinearCooldown {
	return &LinearCooldown{config: c}
}

// LinearCooldown fires a cycle every ticksPerAttempt ticks once startDelay
// ticks have elapsed, and dies once maxTicks ticks have been consumed.
// Used to pace liveness pings to a peer.
type LinearCooldown struct {
	config  LinearConfig
	counter uint64
}

// Tick advances the cooldown by one tick and reports what happened.
func (c *LinearCooldown) Tick() Tick {
	if c.counter >= c.config.maxTicks {
		return TickDied
	}
	c.counter++
	if c.counter >= c.config.startDelay {
		ticks := c.counter - c.config.startDelay
		if c.config.ticksPerAttempt != 0 && ticks%c.config.ticksPerAttempt == 0 {
			return TickCycled
		}
	}
	return TickIdle
}

// BinExpConfig parameterizes BinaryExpCooldown. The zero value is
// invalid; use NewBinExpConfig.
type BinExpConfig struct {
	numer       uint64
	denom       uint64
	maxAttempts uint64
}

// BinExpOption adjusts a BinExpConfig away from its defaults.
type BinExpOption func(*BinExpConfig)

// WithNumer sets the backoff growth numerator.
func WithNumer(numer uint64) BinExpOption {
	return func(c *BinExpConfig) { c.numer = numer }
}

// WithDenom sets the backoff growth denominator.
func WithDenom(denom uint64) BinExpOption {
	return func(c *BinExpConfig) { c.denom = denom }
}

// WithMaxAttempts sets how many cycles are allowed before the cooldown
// dies.
func WithMaxAttempts(attempts uint64) BinExpOption {
	return func(c *BinExpConfig) { c.maxAttempts = attempts }
}

// NewBinExpConfig builds a BinExpConfig, defaulting to numer=11, denom=16,
// max_attempts=23 — an exponent growth rate of roughly 0.6875 bits per
// attempt.
func NewBinExpConfig(opts ...BinExpOption) BinExpConfig {
	c := BinExpConfig{
		numer:       11,
		denom:       16,
		maxAttempts: 23,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Start begins a fresh BinaryExpCooldown from this configuration.
func (c BinExpConfig) Start() *BinaryExpCooldown {
	return &BinaryExpCooldown{config: c, counter: 1}
}

// BinaryExpCooldown is idle on its first tick and fires its first cycle on
// the second, then waits an exponentially growing number of idle ticks
// before each next cycle, until maxAttempts cycles have fired. Used to pace
// retransmission of a pending outbound request: the wait grows with each
// unanswered attempt.
type BinaryExpCooldown struct {
	config   BinExpConfig
	attempts uint64
	counter  uint64
}

// Tick advances the cooldown by one tick and reports what happened.
func (c *BinaryExpCooldown) Tick() Tick {
	if c.counter == 0 {
		if c.attempts >= c.config.maxAttempts {
			return TickDied
		}
		c.attempts++
		exponent := c.attempts * c.config.numer / c.config.denom
		c.counter = uint64(1) << exponent
		return TickCycled
	}
	c.counter--
	return TickIdle
}
