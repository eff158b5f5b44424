package selector

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/canopy-network/txrelay/pkg/rpc"
)

// latencyAlpha is the EMA weight given to the newest sample.
const latencyAlpha = 0.3

// Endpoint is the live health record of one RPC URL. Every mutable field is atomic;
// there is no lock and no whole-record overwrite.
type Endpoint struct {
	Chain  string
	URL    string
	client rpc.ChainClient

	priority    atomic.Int64
	active      atomic.Bool
	failures    atomic.Int64
	lastFailure atomic.Int64 // unix nanos, 0 = never
	lastChecked atomic.Int64 // unix nanos, 0 = never
	latencyBits atomic.Uint64
	circuit     atomic.Pointer[circuit]
}

func newEndpoint(chain, url string, priority int, client rpc.ChainClient, cooldown time.Duration) *Endpoint {
	e := &Endpoint{Chain: chain, URL: url, client: client}
	e.priority.Store(int64(priority))
	e.active.Store(true)
	e.circuit.Store(&circuit{state: StateClosed, cooldown: cooldown})
	return e
}

// Client returns the RPC client bound to this endpoint.
func (e *Endpoint) Client() rpc.ChainClient { return e.client }

func (e *Endpoint) Priority() int       { return int(e.priority.Load()) }
func (e *Endpoint) Active() bool        { return e.active.Load() }
func (e *Endpoint) State() State        { return e.circuit.Load().state }
func (e *Endpoint) Failures() int64     { return e.failures.Load() }
func (e *Endpoint) AvgLatency() float64 { return math.Float64frombits(e.latencyBits.Load()) }

// Healthy means the endpoint is active, closed and has no failure streak.
func (e *Endpoint) Healthy() bool {
	return e.Active() && e.State() == StateClosed && e.Failures() == 0
}

// observeLatency folds a sample into the moving average with a CAS loop.
func (e *Endpoint) observeLatency(ms float64) {
	for {
		oldBits := e.latencyBits.Load()
		old := math.Float64frombits(oldBits)
		next := ms
		if old > 0 {
			next = latencyAlpha*ms + (1-latencyAlpha)*old
		}
		if e.latencyBits.CompareAndSwap(oldBits, math.Float64bits(next)) {
			return
		}
	}
}

// Health is a point-in-time view of an endpoint for observability.
type Health struct {
	Chain               string     `json:"chain"`
	URL                 string     `json:"url"`
	Priority            int        `json:"priority"`
	Active              bool       `json:"active"`
	Healthy             bool       `json:"healthy"`
	CircuitState        string     `json:"circuit_state"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
	CircuitSince        *time.Time `json:"circuit_since,omitempty"`
	CooldownMs          int64      `json:"cooldown_ms"`
}

func (e *Endpoint) health() Health {
	c := e.circuit.Load()
	h := Health{
		Chain:               e.Chain,
		URL:                 e.URL,
		Priority:            e.Priority(),
		Active:              e.Active(),
		Healthy:             e.Healthy(),
		CircuitState:        c.state.String(),
		ConsecutiveFailures: e.Failures(),
		AvgLatencyMs:        e.AvgLatency(),
		LastFailureAt:       unixPtr(e.lastFailure.Load()),
		LastCheckedAt:       unixPtr(e.lastChecked.Load()),
		CooldownMs:          c.cooldown.Milliseconds(),
	}
	if !c.since.IsZero() {
		since := c.since
		h.CircuitSince = &since
	}
	return h
}

// restore seeds live state from a persisted row. Used only before the endpoint is published.
func (e *Endpoint) restore(row relay.RPCEndpoint, cfg BreakerConfig) {
	e.active.Store(row.Active)
	e.failures.Store(row.ConsecutiveFailures)
	if row.AvgLatencyMs > 0 {
		e.latencyBits.Store(math.Float64bits(row.AvgLatencyMs))
	}
	if row.LastFailureAt != nil {
		e.lastFailure.Store(row.LastFailureAt.UnixNano())
	}
	if row.LastCheckedAt != nil {
		e.lastChecked.Store(row.LastCheckedAt.UnixNano())
	}
	c := &circuit{state: ParseState(row.CircuitState), cooldown: cfg.Cooldown}
	if row.CooldownMs > 0 {
		c.cooldown = time.Duration(row.CooldownMs) * time.Millisecond
	}
	if row.CircuitOpenedAt != nil {
		c.since = *row.CircuitOpenedAt
	}
	// A half-open trial from a previous process will never report; reopen it.
	if c.state == StateHalfOpen {
		c.state = StateOpen
	}
	e.circuit.Store(c)
}

func unixPtr(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
