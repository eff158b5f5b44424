package selector

import (
	"time"

	"github.com/canopy-network/txrelay/pkg/db/models/relay"
)

// State is a circuit breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return relay.CircuitOpen
	case StateHalfOpen:
		return relay.CircuitHalfOpen
	default:
		return relay.CircuitClosed
	}
}

// ParseState converts the persisted representation back to a State.
func ParseState(s string) State {
	switch s {
	case relay.CircuitOpen:
		return StateOpen
	case relay.CircuitHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// BreakerConfig controls when an endpoint's circuit opens and for how long.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens a closed circuit.
	Threshold int
	// Cooldown is the first open interval.
	Cooldown time.Duration
	// MaxCooldown caps the doubling applied after each failed trial.
	MaxCooldown time.Duration
	// TrialTimeout frees a half-open slot whose trial never reported back.
	TrialTimeout time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	if c.TrialTimeout <= 0 {
		c.TrialTimeout = 30 * time.Second
	}
	return c
}

// circuit is an immutable breaker snapshot. Transitions swap the pointer with CAS,
// so two reporters can never both apply a transition from the same state.
type circuit struct {
	state State
	// since is when the circuit opened (Open) or when the trial started (HalfOpen).
	since    time.Time
	cooldown time.Duration
}

// Transition describes a state change applied by the breaker.
type Transition struct {
	From     State
	To       State
	Since    time.Time
	Cooldown time.Duration
}

// tryTrial promotes an Open circuit whose cooldown elapsed, or a HalfOpen circuit whose
// trial went silent, to a fresh HalfOpen. Only the caller whose CAS wins gets true.
func (e *Endpoint) tryTrial(cfg BreakerConfig, now time.Time) (Transition, bool) {
	cur := e.circuit.Load()
	switch cur.state {
	case StateOpen:
		if now.Sub(cur.since) < cur.cooldown {
			return Transition{}, false
		}
	case StateHalfOpen:
		if now.Sub(cur.since) < cfg.TrialTimeout {
			return Transition{}, false
		}
	default:
		return Transition{}, false
	}
	next := &circuit{state: StateHalfOpen, since: now, cooldown: cur.cooldown}
	if !e.circuit.CompareAndSwap(cur, next) {
		return Transition{}, false
	}
	return Transition{From: cur.state, To: StateHalfOpen, Since: now, Cooldown: cur.cooldown}, true
}

// trialReady reports whether tryTrial could currently succeed, without mutating anything.
func (e *Endpoint) trialReady(cfg BreakerConfig, now time.Time) bool {
	cur := e.circuit.Load()
	switch cur.state {
	case StateOpen:
		return now.Sub(cur.since) >= cur.cooldown
	case StateHalfOpen:
		return now.Sub(cur.since) >= cfg.TrialTimeout
	default:
		return false
	}
}

// recordSuccess closes a half-open circuit. Successes observed while Open belong to calls
// that started before the circuit opened and do not close it; only a trial can.
func (e *Endpoint) recordSuccess(cfg BreakerConfig) (Transition, bool) {
	for {
		cur := e.circuit.Load()
		if cur.state != StateHalfOpen {
			return Transition{}, false
		}
		next := &circuit{state: StateClosed, cooldown: cfg.Cooldown}
		if e.circuit.CompareAndSwap(cur, next) {
			return Transition{From: StateHalfOpen, To: StateClosed, Cooldown: cfg.Cooldown}, true
		}
	}
}

// recordFailure opens the circuit after Threshold consecutive failures, or immediately
// when a trial fails, doubling the cooldown up to MaxCooldown.
func (e *Endpoint) recordFailure(cfg BreakerConfig, consecutive int64, now time.Time) (Transition, bool) {
	for {
		cur := e.circuit.Load()
		var next *circuit
		switch cur.state {
		case StateClosed:
			if consecutive < int64(cfg.Threshold) {
				return Transition{}, false
			}
			next = &circuit{state: StateOpen, since: now, cooldown: cfg.Cooldown}
		case StateHalfOpen:
			cooldown := cur.cooldown * 2
			if cooldown > cfg.MaxCooldown {
				cooldown = cfg.MaxCooldown
			}
			if cooldown <= 0 {
				cooldown = cfg.Cooldown
			}
			next = &circuit{state: StateOpen, since: now, cooldown: cooldown}
		default:
			return Transition{}, false
		}
		if e.circuit.CompareAndSwap(cur, next) {
			return Transition{From: cur.state, To: StateOpen, Since: now, Cooldown: next.cooldown}, true
		}
	}
}
