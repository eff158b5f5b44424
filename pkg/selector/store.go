package selector

import (
	"context"

	"github.com/canopy-network/txrelay/pkg/db/models/relay"
)

// Store persists endpoint configuration and health. Health writes must be commutative:
// implementations apply outcomes as in-row arithmetic and circuit changes as compare-and-set.
type Store interface {
	ListEndpoints(ctx context.Context) ([]relay.RPCEndpoint, error)
	UpsertEndpoint(ctx context.Context, ep *relay.RPCEndpoint) error
	SetEndpointActive(ctx context.Context, chain, url string, active bool) error
	SetEndpointPriority(ctx context.Context, chain, url string, priority int) error
	RecordEndpointOutcome(ctx context.Context, o relay.EndpointOutcome) error
	TransitionCircuit(ctx context.Context, t relay.CircuitTransition) (bool, error)
}

// Cache is the shared second-level copy of the endpoint list, so admin changes made on one
// instance reach the others without every instance polling the database.
type Cache interface {
	GetEndpoints(ctx context.Context, chain string) ([]relay.RPCEndpoint, bool, error)
	SetEndpoints(ctx context.Context, chain string, eps []relay.RPCEndpoint) error
	InvalidateEndpoints(ctx context.Context, chain string) error
}
