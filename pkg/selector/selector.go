// Package selector owns the per-chain RPC endpoint registry: it ranks endpoints, runs a
// circuit breaker per endpoint and hands out the endpoint to use for each outbound call.
//
// A Selector is an ordinary value. Tests and multi-environment processes build as many
// independent instances as they need.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/benbjohnson/clock"
	"github.com/canopy-network/txrelay/pkg/chains"
	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/canopy-network/txrelay/pkg/metrics"
	"github.com/canopy-network/txrelay/pkg/rpc"
	"github.com/canopy-network/txrelay/pkg/utils"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

var (
	// ErrNoHealthyEndpoint means every endpoint of the chain is currently unusable.
	ErrNoHealthyEndpoint = errors.New("no healthy endpoint")
	// ErrAttemptsExhausted means the per-operation attempt budget is spent.
	ErrAttemptsExhausted = errors.New("endpoint attempts exhausted")
	// ErrUnknownChain is returned for chains without a policy.
	ErrUnknownChain = errors.New("unknown chain")
	// ErrUnknownEndpoint is returned by admin operations on an unregistered URL.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// ExhaustedError is returned by Do after at least one endpoint was tried and the budget ran out.
type ExhaustedError struct {
	Chain    string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: chain %s after %d attempts: %v", ErrAttemptsExhausted, e.Chain, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrAttemptsExhausted, e.Last} }

// Outcome is the result of a call made through a Handle.
type Outcome struct {
	Success bool
	Latency time.Duration
}

func Success(latency time.Duration) Outcome { return Outcome{Success: true, Latency: latency} }
func Failure() Outcome                      { return Outcome{} }

// Handle is the endpoint chosen for one attempt of a logical operation. Next advances it.
type Handle struct {
	Endpoint *Endpoint
	// Trial is true when this attempt is the half-open trial of the endpoint.
	Trial    bool
	Attempts int

	chain string
	set   *chainSet
	tried map[string]struct{}
}

// Chain returns the chain the handle was selected for.
func (h *Handle) Chain() string { return h.chain }

type chainSet struct {
	policy    chains.Policy
	breaker   BreakerConfig
	endpoints *xsync.Map[string, *Endpoint]
}

// Option configures a Selector.
type Option func(*Selector)

func WithStore(s Store) Option            { return func(sel *Selector) { sel.store = s } }
func WithCache(c Cache) Option            { return func(sel *Selector) { sel.cache = c } }
func WithClock(c clock.Clock) Option      { return func(sel *Selector) { sel.clock = c } }
func WithLogger(l *zap.Logger) Option     { return func(sel *Selector) { sel.logger = l } }
func WithCallTimeout(d time.Duration) Option {
	return func(sel *Selector) { sel.callTimeout = d }
}

// Selector routes outbound chain calls across the registered endpoints.
type Selector struct {
	policies    *chains.Registry
	factory     rpc.Factory
	store       Store
	cache       Cache
	clock       clock.Clock
	logger      *zap.Logger
	callTimeout time.Duration

	sets    *xsync.Map[string, *chainSet]
	persist pond.Pool
}

// New builds an empty selector. Endpoints arrive through Load, Seed or Add.
func New(policies *chains.Registry, factory rpc.Factory, opts ...Option) *Selector {
	s := &Selector{
		policies:    policies,
		factory:     factory,
		clock:       clock.New(),
		logger:      zap.NewNop(),
		callTimeout: 10 * time.Second,
		sets:        xsync.NewMap[string, *chainSet](),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store != nil {
		// Outcome writes are best-effort; a full queue drops rather than blocks callers.
		s.persist = pond.NewPool(4, pond.WithQueueSize(1024), pond.WithNonBlocking(true))
	}
	return s
}

// Close waits for queued health writes.
func (s *Selector) Close() {
	if s.persist != nil {
		s.persist.StopAndWait()
	}
}

// Policy returns the policy of a chain.
func (s *Selector) Policy(chain string) (chains.Policy, bool) {
	return s.policies.Get(chain)
}

func (s *Selector) chainSet(chain string) (*chainSet, error) {
	policy, ok := s.policies.Get(chain)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	set, _ := s.sets.LoadOrCompute(policy.Name, func() (*chainSet, bool) {
		return &chainSet{
			policy: policy,
			breaker: BreakerConfig{
				Threshold:   policy.BreakerThreshold,
				Cooldown:    policy.BreakerCooldown,
				MaxCooldown: policy.BreakerMaxCooldown,
			}.withDefaults(),
			endpoints: xsync.NewMap[string, *Endpoint](),
		}, false
	})
	return set, nil
}

// Select returns the best usable endpoint for chain, or ErrNoHealthyEndpoint.
// Selection never retries; what to do on failure is the caller's decision.
func (s *Selector) Select(chain string) (*Handle, error) {
	set, err := s.chainSet(chain)
	if err != nil {
		return nil, err
	}
	h := &Handle{chain: set.policy.Name, set: set, tried: map[string]struct{}{}}
	return s.pick(h)
}

// Next moves h to the next-ranked endpoint not yet tried in this operation.
func (s *Selector) Next(h *Handle) (*Handle, error) {
	if h.Attempts >= h.set.policy.MaxAttempts {
		return nil, fmt.Errorf("%w: chain %s", ErrAttemptsExhausted, h.chain)
	}
	return s.pick(h)
}

func (s *Selector) pick(h *Handle) (*Handle, error) {
	now := s.clock.Now()
	var closed, trials []*Endpoint
	h.set.endpoints.Range(func(_ string, ep *Endpoint) bool {
		if !ep.Active() {
			return true
		}
		if _, done := h.tried[ep.URL]; done {
			return true
		}
		if ep.State() == StateClosed {
			closed = append(closed, ep)
		} else if ep.trialReady(h.set.breaker, now) {
			trials = append(trials, ep)
		}
		return true
	})

	rank(closed)
	rank(trials)

	if len(closed) > 0 {
		return s.handout(h, closed[0], false), nil
	}
	for _, ep := range trials {
		if tr, ok := ep.tryTrial(h.set.breaker, now); ok {
			s.onTransition(ep, tr)
			return s.handout(h, ep, true), nil
		}
	}

	metrics.NoHealthyEndpoint.WithLabelValues(h.chain).Inc()
	return nil, fmt.Errorf("%w: chain %s", ErrNoHealthyEndpoint, h.chain)
}

// rank orders by priority (lower first), then average latency. Endpoints without
// samples yet sort by URL among equals so the order is deterministic.
func rank(eps []*Endpoint) {
	sort.SliceStable(eps, func(i, j int) bool {
		pi, pj := eps[i].Priority(), eps[j].Priority()
		if pi != pj {
			return pi < pj
		}
		li, lj := eps[i].AvgLatency(), eps[j].AvgLatency()
		if li != lj {
			return li < lj
		}
		return eps[i].URL < eps[j].URL
	})
}

func (s *Selector) handout(h *Handle, ep *Endpoint, trial bool) *Handle {
	h.Endpoint = ep
	h.Trial = trial
	h.Attempts++
	h.tried[ep.URL] = struct{}{}
	metrics.EndpointSelections.WithLabelValues(h.chain, ep.URL, strconv.FormatBool(trial)).Inc()
	return h
}

// ReportOutcome folds a call result into the endpoint's health.
func (s *Selector) ReportOutcome(h *Handle, o Outcome) {
	if h == nil || h.Endpoint == nil {
		return
	}
	set := h.set
	if set == nil {
		var err error
		if set, err = s.chainSet(h.Endpoint.Chain); err != nil {
			return
		}
	}
	s.report(set, h.Endpoint, o)
}

func (s *Selector) report(set *chainSet, ep *Endpoint, o Outcome) {
	now := s.clock.Now()
	ep.lastChecked.Store(now.UnixNano())

	var (
		tr      Transition
		changed bool
	)
	if o.Success {
		ep.failures.Store(0)
		ep.observeLatency(float64(o.Latency) / float64(time.Millisecond))
		metrics.EndpointLatency.WithLabelValues(ep.Chain).Observe(o.Latency.Seconds())
		tr, changed = ep.recordSuccess(set.breaker)
	} else {
		n := ep.failures.Add(1)
		ep.lastFailure.Store(now.UnixNano())
		tr, changed = ep.recordFailure(set.breaker, n, now)
	}
	if changed {
		s.onTransition(ep, tr)
	}

	s.persistAsync(func(ctx context.Context) error {
		return s.store.RecordEndpointOutcome(ctx, relay.EndpointOutcome{
			Chain:     ep.Chain,
			URL:       ep.URL,
			Success:   o.Success,
			LatencyMs: float64(o.Latency) / float64(time.Millisecond),
			At:        now,
		})
	})
}

func (s *Selector) onTransition(ep *Endpoint, tr Transition) {
	metrics.CircuitTransitions.WithLabelValues(ep.Chain, ep.URL, tr.To.String()).Inc()
	fields := []zap.Field{
		zap.String("chain", ep.Chain),
		zap.String("url", ep.URL),
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()),
		zap.Duration("cooldown", tr.Cooldown),
	}
	if tr.To == StateOpen {
		s.logger.Warn("RPC endpoint circuit opened", fields...)
	} else {
		s.logger.Info("RPC endpoint circuit changed", fields...)
	}

	var openedAt *time.Time
	if !tr.Since.IsZero() {
		since := tr.Since
		openedAt = &since
	}
	s.persistAsync(func(ctx context.Context) error {
		_, err := s.store.TransitionCircuit(ctx, relay.CircuitTransition{
			Chain:      ep.Chain,
			URL:        ep.URL,
			From:       tr.From.String(),
			To:         tr.To.String(),
			OpenedAt:   openedAt,
			CooldownMs: tr.Cooldown.Milliseconds(),
		})
		return err
	})
}

func (s *Selector) persistAsync(fn func(ctx context.Context) error) {
	if s.persist == nil {
		return
	}
	err := s.persist.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Debug("Failed to persist endpoint health", zap.Error(err))
		}
	})
	if err != nil {
		metrics.HealthWritesDropped.Inc()
	}
}

// Do runs fn against the selected endpoint and falls through to the next-ranked endpoint
// on endpoint failures, up to the chain's attempt budget. Errors that are not the
// endpoint's fault (chain rejections, bad input) are returned at once. If no endpoint
// could be selected at all the error wraps ErrNoHealthyEndpoint and fn never ran.
func (s *Selector) Do(ctx context.Context, chain string, fn func(ctx context.Context, c rpc.ChainClient) error) error {
	h, err := s.Select(chain)
	if err != nil {
		return err
	}

	for {
		start := s.clock.Now()
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		callErr := fn(callCtx, h.Endpoint.Client())
		cancel()
		elapsed := s.clock.Since(start)

		switch {
		case callErr == nil:
			s.ReportOutcome(h, Success(elapsed))
			return nil
		case ctx.Err() != nil:
			// Caller gave up; says nothing about the endpoint.
			return callErr
		case !rpc.IsEndpointFailure(callErr):
			s.ReportOutcome(h, Success(elapsed))
			return callErr
		}

		s.ReportOutcome(h, Failure())
		s.logger.Debug("RPC call failed, trying next endpoint",
			zap.String("chain", h.chain),
			zap.String("url", h.Endpoint.URL),
			zap.Int("attempt", h.Attempts),
			zap.Error(callErr))

		if _, nextErr := s.Next(h); nextErr != nil {
			return &ExhaustedError{Chain: h.chain, Attempts: h.Attempts, Last: callErr}
		}
	}
}

// Snapshot returns the health of every registered endpoint, ordered by chain, priority and URL.
func (s *Selector) Snapshot() []Health {
	var out []Health
	s.sets.Range(func(_ string, set *chainSet) bool {
		set.endpoints.Range(func(_ string, ep *Endpoint) bool {
			out = append(out, ep.health())
			return true
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].URL < out[j].URL
	})
	return out
}

// Endpoints returns the live endpoints of a chain, active or not.
func (s *Selector) Endpoints(chain string) []*Endpoint {
	set, err := s.chainSet(chain)
	if err != nil {
		return nil
	}
	var out []*Endpoint
	set.endpoints.Range(func(_ string, ep *Endpoint) bool {
		out = append(out, ep)
		return true
	})
	rank(out)
	return out
}

// Add registers url for chain, or reactivates and reprioritizes it if already known.
func (s *Selector) Add(ctx context.Context, chain, url string, priority int) (*Endpoint, error) {
	set, err := s.chainSet(chain)
	if err != nil {
		return nil, err
	}
	url = utils.NormalizeURL(url)
	if url == "" {
		return nil, fmt.Errorf("empty endpoint url")
	}

	ep, err := s.ensureEndpoint(set, url, priority)
	if err != nil {
		return nil, err
	}
	ep.priority.Store(int64(priority))
	ep.active.Store(true)

	if s.store != nil {
		now := s.clock.Now()
		if err := s.store.UpsertEndpoint(ctx, &relay.RPCEndpoint{
			Chain:        set.policy.Name,
			URL:          url,
			Priority:     priority,
			Active:       true,
			Healthy:      true,
			CircuitState: relay.CircuitClosed,
			CooldownMs:   set.breaker.Cooldown.Milliseconds(),
			CreatedAt:    now,
			UpdatedAt:    now,
		}); err != nil {
			return nil, fmt.Errorf("persist endpoint: %w", err)
		}
	}
	s.invalidate(ctx, set.policy.Name)

	s.logger.Info("RPC endpoint registered",
		zap.String("chain", set.policy.Name),
		zap.String("url", url),
		zap.Int("priority", priority))
	return ep, nil
}

// Remove deactivates an endpoint. It stays registered so in-flight references remain valid.
func (s *Selector) Remove(ctx context.Context, chain, url string) error {
	ep, set, err := s.lookup(chain, url)
	if err != nil {
		return err
	}
	ep.active.Store(false)
	if s.store != nil {
		if err := s.store.SetEndpointActive(ctx, set.policy.Name, ep.URL, false); err != nil {
			return fmt.Errorf("persist endpoint deactivation: %w", err)
		}
	}
	s.invalidate(ctx, set.policy.Name)
	s.logger.Info("RPC endpoint deactivated", zap.String("chain", set.policy.Name), zap.String("url", ep.URL))
	return nil
}

// SetPriority changes the preference of an endpoint. Lower numbers are preferred.
func (s *Selector) SetPriority(ctx context.Context, chain, url string, priority int) error {
	ep, set, err := s.lookup(chain, url)
	if err != nil {
		return err
	}
	ep.priority.Store(int64(priority))
	if s.store != nil {
		if err := s.store.SetEndpointPriority(ctx, set.policy.Name, ep.URL, priority); err != nil {
			return fmt.Errorf("persist endpoint priority: %w", err)
		}
	}
	s.invalidate(ctx, set.policy.Name)
	return nil
}

func (s *Selector) lookup(chain, url string) (*Endpoint, *chainSet, error) {
	set, err := s.chainSet(chain)
	if err != nil {
		return nil, nil, err
	}
	ep, ok := set.endpoints.Load(utils.NormalizeURL(url))
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s %s", ErrUnknownEndpoint, set.policy.Name, url)
	}
	return ep, set, nil
}

func (s *Selector) ensureEndpoint(set *chainSet, url string, priority int) (*Endpoint, error) {
	if ep, ok := set.endpoints.Load(url); ok {
		return ep, nil
	}
	client, err := s.factory.NewClient(set.policy.Family, url)
	if err != nil {
		return nil, err
	}
	ep, _ := set.endpoints.LoadOrStore(url, newEndpoint(set.policy.Name, url, priority, client, set.breaker.Cooldown))
	return ep, nil
}

func (s *Selector) invalidate(ctx context.Context, chain string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateEndpoints(ctx, chain); err != nil {
		s.logger.Warn("Failed to invalidate endpoint cache", zap.String("chain", chain), zap.Error(err))
	}
}
