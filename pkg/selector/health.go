package selector

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
)

// Periodic runs fn every interval until the scheduler stops.
type Periodic interface {
	Every(name string, interval time.Duration, fn func(ctx context.Context)) error
}

// HealthChecker checks endpoints on a fixed interval per chain, independent of traffic.
// Results go through the same breaker as call outcomes.
type HealthChecker struct {
	sel     *Selector
	logger  *zap.Logger
	timeout time.Duration
	pool    pond.Pool
}

// NewHealthChecker builds a checker for sel. Checks run at most 8 at a time.
func NewHealthChecker(sel *Selector, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		sel:     sel,
		logger:  logger,
		timeout: 5 * time.Second,
		pool:    pond.NewPool(8),
	}
}

// Register adds one periodic job per configured chain.
func (h *HealthChecker) Register(p Periodic) error {
	for _, policy := range h.sel.policies.All() {
		chain := policy.Name
		if err := p.Every("health:"+chain, policy.HealthInterval, func(ctx context.Context) {
			h.CheckChain(ctx, chain)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Close waits for running checks.
func (h *HealthChecker) Close() {
	h.pool.StopAndWait()
}

// CheckChain checks every active endpoint of chain once with eth_blockNumber.
// Closed endpoints are checked as-is; open endpoints only once their cooldown elapsed,
// after winning the half-open slot. Endpoints already being tried are skipped.
func (h *HealthChecker) CheckChain(ctx context.Context, chain string) {
	set, err := h.sel.chainSet(chain)
	if err != nil {
		return
	}

	group := h.pool.NewGroupContext(ctx)
	set.endpoints.Range(func(_ string, ep *Endpoint) bool {
		if !ep.Active() {
			return true
		}
		if ep.State() != StateClosed {
			tr, ok := ep.tryTrial(set.breaker, h.sel.clock.Now())
			if !ok {
				return true
			}
			h.sel.onTransition(ep, tr)
		}
		group.Submit(func() {
			h.check(ctx, set, ep)
		})
		return true
	})
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		h.logger.Warn("Endpoint health check round failed",
			zap.String("chain", chain),
			zap.Error(err))
	}
}

func (h *HealthChecker) check(ctx context.Context, set *chainSet, ep *Endpoint) {
	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := h.sel.clock.Now()
	head, err := ep.Client().BlockNumber(checkCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.logger.Debug("Endpoint health check failed",
			zap.String("chain", ep.Chain),
			zap.String("url", ep.URL),
			zap.Error(err))
		h.sel.report(set, ep, Failure())
		return
	}
	h.sel.report(set, ep, Success(h.sel.clock.Since(start)))
	h.logger.Debug("Endpoint health check ok",
		zap.String("chain", ep.Chain),
		zap.String("url", ep.URL),
		zap.Uint64("head", head))
}
