package relay

import (
	"time"
)

const RPCEndpointsTableName = "rpc_endpoints"

// Circuit breaker states as persisted in rpc_endpoints.circuit_state.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// RPCEndpoint is the persisted configuration and last known health of one RPC URL.
type RPCEndpoint struct {
	Chain               string     `json:"chain"`
	URL                 string     `json:"url"`
	Priority            int        `json:"priority"`
	Active              bool       `json:"active"`
	Healthy             bool       `json:"healthy"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	CircuitState        string     `json:"circuit_state"`
	CircuitOpenedAt     *time.Time `json:"circuit_opened_at,omitempty"`
	CooldownMs          int64      `json:"cooldown_ms"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// EndpointOutcome is a single call result to fold into the persisted health columns.
type EndpointOutcome struct {
	Chain     string
	URL       string
	Success   bool
	LatencyMs float64
	At        time.Time
}

// CircuitTransition is a compare-and-set of circuit_state from From to To.
type CircuitTransition struct {
	Chain      string
	URL        string
	From       string
	To         string
	OpenedAt   *time.Time
	CooldownMs int64
}
