package selector

import (
	"context"
	"fmt"

	"github.com/canopy-network/txrelay/pkg/chains"
	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"go.uber.org/zap"
)

// Load registers every persisted endpoint, restoring its last known health.
func (s *Selector) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	rows, err := s.store.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}
	for _, row := range rows {
		if err := s.apply(row, true); err != nil {
			s.logger.Warn("Skipping persisted endpoint",
				zap.String("chain", row.Chain),
				zap.String("url", row.URL),
				zap.Error(err))
		}
	}
	s.logger.Info("RPC endpoints loaded", zap.Int("count", len(rows)))
	return nil
}

// Refresh pulls endpoint configuration changed by other instances: the shared cache first,
// the store on a miss. Only priority and activation are applied to known endpoints;
// health stays local to this process.
func (s *Selector) Refresh(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	var all []relay.RPCEndpoint
	loaded := false
	for _, policy := range s.policies.All() {
		var (
			rows []relay.RPCEndpoint
			hit  bool
		)
		if s.cache != nil {
			cached, ok, err := s.cache.GetEndpoints(ctx, policy.Name)
			if err != nil {
				s.logger.Debug("Endpoint cache read failed", zap.String("chain", policy.Name), zap.Error(err))
			}
			rows, hit = cached, ok
		}
		if !hit {
			if !loaded {
				var err error
				if all, err = s.store.ListEndpoints(ctx); err != nil {
					return fmt.Errorf("list endpoints: %w", err)
				}
				loaded = true
			}
			rows = filterChain(all, policy.Name)
			if s.cache != nil {
				if err := s.cache.SetEndpoints(ctx, policy.Name, rows); err != nil {
					s.logger.Debug("Endpoint cache write failed", zap.String("chain", policy.Name), zap.Error(err))
				}
			}
		}
		for _, row := range rows {
			if err := s.apply(row, false); err != nil {
				s.logger.Warn("Skipping endpoint", zap.String("chain", row.Chain), zap.String("url", row.URL), zap.Error(err))
			}
		}
	}
	return nil
}

func filterChain(rows []relay.RPCEndpoint, chain string) []relay.RPCEndpoint {
	var out []relay.RPCEndpoint
	for _, r := range rows {
		if r.Chain == chain {
			out = append(out, r)
		}
	}
	return out
}

func (s *Selector) apply(row relay.RPCEndpoint, restoreHealth bool) error {
	set, err := s.chainSet(row.Chain)
	if err != nil {
		return err
	}
	if ep, ok := set.endpoints.Load(row.URL); ok {
		ep.priority.Store(int64(row.Priority))
		ep.active.Store(row.Active)
		return nil
	}
	client, err := s.factory.NewClient(set.policy.Family, row.URL)
	if err != nil {
		return err
	}
	ep := newEndpoint(set.policy.Name, row.URL, row.Priority, client, set.breaker.Cooldown)
	if restoreHealth {
		ep.restore(row, set.breaker)
	} else {
		ep.active.Store(row.Active)
	}
	set.endpoints.LoadOrStore(row.URL, ep)
	return nil
}

// Seed registers the given endpoints for every chain that has none yet.
func (s *Selector) Seed(ctx context.Context, seeds map[string][]chains.Endpoint) error {
	for chain, eps := range seeds {
		set, err := s.chainSet(chain)
		if err != nil {
			return err
		}
		if set.endpoints.Size() > 0 {
			continue
		}
		for _, ep := range eps {
			if _, err := s.Add(ctx, chain, ep.URL, ep.Priority); err != nil {
				return fmt.Errorf("seed %s %s: %w", chain, ep.URL, err)
			}
		}
		s.logger.Info("Seeded RPC endpoints", zap.String("chain", chain), zap.Int("count", len(eps)))
	}
	return nil
}
