// Package breaker implements a circuit breaker for the alert delivery path.
//
// Alert posts from the proxy to the sink must never stall session
// forwarding. When the sink is down, the breaker trips after repeated
// failures, sheds further posts while open, and lets a limited number
// of probes through after a cooldown to detect recovery.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // deliveries pass through
	StateOpen                  // deliveries shed until cooldown expires
	StateHalfOpen              // limited probes allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned while the breaker is shedding deliveries.
	ErrOpen = errors.New("breaker: open")
	// ErrTooManyProbes is returned in half-open state once the probe
	// budget for the current generation is spent.
	ErrTooManyProbes = errors.New("breaker: too many probes in half-open state")
)

// Counts tracks delivery outcomes within the current generation.
// Attempts is incremented at admission, so it includes deliveries
// still in flight.
type Counts struct {
	Attempts             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns Failures/Attempts, or 0 when no attempts were made.
func (c Counts) FailureRatio() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Attempts)
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config controls trip and recovery behavior.
type Config struct {
	// Name identifies the breaker in state-change callbacks.
	Name string

	// MaxProbes is how many deliveries may run concurrently-or-serially
	// in half-open state before further ones are shed.
	MaxProbes uint32

	// Interval is the closed-state window after which counts reset.
	// Zero means counts accumulate until the breaker trips.
	Interval time.Duration

	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration

	// TripAfter decides, on each closed-state failure, whether to trip.
	TripAfter func(Counts) bool

	// OnStateChange, if set, is invoked after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips after three consecutive failures and probes
// again after a 30 second cooldown. Suited to a single local sink.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		MaxProbes: 1,
		Interval:  60 * time.Second,
		Cooldown:  30 * time.Second,
		TripAfter: func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	}
}

// Breaker is a generation-based circuit breaker. Results reported
// against an expired generation are discarded, so a slow delivery that
// finishes after the breaker already cycled cannot corrupt the counts.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New returns a closed breaker. A zero TripAfter gets the default
// three-consecutive-failures rule; a zero Cooldown gets 30s.
func New(cfg Config) *Breaker {
	if cfg.TripAfter == nil {
		cfg.TripAfter = DefaultConfig(cfg.Name).TripAfter
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	b := &Breaker{cfg: cfg, state: StateClosed}
	b.newGeneration(time.Now())
	return b
}

// State reports the current state, advancing open->half-open when the
// cooldown has expired.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Counts returns a copy of the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow reports whether a delivery may start without running one.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _ := b.currentState(time.Now())
	if state == StateOpen {
		return ErrOpen
	}
	if state == StateHalfOpen && b.counts.Attempts >= b.cfg.MaxProbes {
		return ErrTooManyProbes
	}
	return nil
}

// Do runs fn if the breaker allows it and records the outcome.
// A panic in fn counts as a failure and is re-raised.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(gen, false)
			panic(r)
		}
	}()

	err = fn()
	b.after(gen, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)

	if state == StateOpen {
		return gen, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Attempts >= b.cfg.MaxProbes {
		return gen, ErrTooManyProbes
	}
	b.counts.Attempts++
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if gen != current {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.cfg.TripAfter(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState must be called with b.mu held.
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

// setState must be called with b.mu held.
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

// newGeneration must be called with b.mu held.
func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}
