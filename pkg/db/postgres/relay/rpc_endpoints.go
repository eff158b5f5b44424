package relay

import (
	"context"
	"fmt"
	"time"

	relaymodels "github.com/canopy-network/txrelay/pkg/db/models/relay"
)

// initRPCEndpoints creates the rpc_endpoints table
func (db *DB) initRPCEndpoints(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS rpc_endpoints (
			chain TEXT NOT NULL,
			url TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 10,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			healthy BOOLEAN NOT NULL DEFAULT TRUE,
			consecutive_failures BIGINT NOT NULL DEFAULT 0,
			last_failure_at TIMESTAMPTZ,
			circuit_state TEXT NOT NULL DEFAULT 'closed',
			circuit_opened_at TIMESTAMPTZ,
			cooldown_ms BIGINT NOT NULL DEFAULT 0,
			avg_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_checked_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (chain, url)
		)
	`
	return db.Exec(ctx, query)
}

const endpointColumns = `chain, url, priority, active, healthy, consecutive_failures, last_failure_at,
	circuit_state, circuit_opened_at, cooldown_ms, avg_latency_ms, last_checked_at, created_at, updated_at`

// ListEndpoints returns every endpoint ordered by chain, priority and url.
func (db *DB) ListEndpoints(ctx context.Context) ([]relaymodels.RPCEndpoint, error) {
	rows, err := db.Query(ctx, `SELECT `+endpointColumns+` FROM rpc_endpoints ORDER BY chain, priority, url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []relaymodels.RPCEndpoint
	for rows.Next() {
		var ep relaymodels.RPCEndpoint
		if err := rows.Scan(
			&ep.Chain, &ep.URL, &ep.Priority, &ep.Active, &ep.Healthy, &ep.ConsecutiveFailures, &ep.LastFailureAt,
			&ep.CircuitState, &ep.CircuitOpenedAt, &ep.CooldownMs, &ep.AvgLatencyMs, &ep.LastCheckedAt, &ep.CreatedAt, &ep.UpdatedAt,
		); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// UpsertEndpoint registers an endpoint or reactivates it with a new priority.
// Health columns of an existing row are kept.
func (db *DB) UpsertEndpoint(ctx context.Context, ep *relaymodels.RPCEndpoint) error {
	query := `
		INSERT INTO rpc_endpoints (chain, url, priority, active, healthy, circuit_state, cooldown_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (chain, url) DO UPDATE SET
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`
	if ep.UpdatedAt.IsZero() {
		ep.UpdatedAt = time.Now()
	}
	if ep.CircuitState == "" {
		ep.CircuitState = relaymodels.CircuitClosed
	}
	return db.Exec(ctx, query, ep.Chain, ep.URL, ep.Priority, ep.Active, ep.Healthy, ep.CircuitState, ep.CooldownMs, ep.UpdatedAt)
}

func (db *DB) SetEndpointActive(ctx context.Context, chain, url string, active bool) error {
	return db.updateEndpoint(ctx, `UPDATE rpc_endpoints SET active = $3, updated_at = NOW() WHERE chain = $1 AND url = $2`, chain, url, active)
}

func (db *DB) SetEndpointPriority(ctx context.Context, chain, url string, priority int) error {
	return db.updateEndpoint(ctx, `UPDATE rpc_endpoints SET priority = $3, updated_at = NOW() WHERE chain = $1 AND url = $2`, chain, url, priority)
}

func (db *DB) updateEndpoint(ctx context.Context, query, chain, url string, value any) error {
	tag, err := db.GetExecutor(ctx).Exec(ctx, query, chain, url, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("endpoint %s %s: %w", chain, url, relaymodels.ErrNotFound)
	}
	return nil
}

// RecordEndpointOutcome folds one call result into the row with in-place arithmetic,
// so concurrent writers from several instances never overwrite each other.
func (db *DB) RecordEndpointOutcome(ctx context.Context, o relaymodels.EndpointOutcome) error {
	if o.Success {
		return db.Exec(ctx, `
			UPDATE rpc_endpoints SET
				consecutive_failures = 0,
				healthy = (circuit_state = 'closed'),
				avg_latency_ms = CASE WHEN avg_latency_ms = 0 THEN $3 ELSE 0.3 * $3 + 0.7 * avg_latency_ms END,
				last_checked_at = GREATEST(COALESCE(last_checked_at, $4), $4),
				updated_at = NOW()
			WHERE chain = $1 AND url = $2
		`, o.Chain, o.URL, o.LatencyMs, o.At)
	}
	return db.Exec(ctx, `
		UPDATE rpc_endpoints SET
			consecutive_failures = consecutive_failures + 1,
			healthy = FALSE,
			last_failure_at = GREATEST(COALESCE(last_failure_at, $3), $3),
			last_checked_at = GREATEST(COALESCE(last_checked_at, $3), $3),
			updated_at = NOW()
		WHERE chain = $1 AND url = $2
	`, o.Chain, o.URL, o.At)
}

// TransitionCircuit applies the circuit change only if the row is still in t.From.
func (db *DB) TransitionCircuit(ctx context.Context, t relaymodels.CircuitTransition) (bool, error) {
	tag, err := db.GetExecutor(ctx).Exec(ctx, `
		UPDATE rpc_endpoints SET
			circuit_state = $4,
			circuit_opened_at = $5,
			cooldown_ms = $6,
			healthy = ($4 = 'closed' AND consecutive_failures = 0),
			updated_at = NOW()
		WHERE chain = $1 AND url = $2 AND circuit_state = $3
	`, t.Chain, t.URL, t.From, t.To, t.OpenedAt, t.CooldownMs)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
