// Package chains holds the per-chain policy parameters used by the selector, the nonce
// tracker and the broadcast pipeline: confirmation depth, polling cadence, drop and
// stall windows, and circuit-breaker thresholds.
package chains

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FamilyEVM is the only chain family the relayer currently speaks to.
const FamilyEVM = "evm"

// Policy describes how a single chain is handled.
type Policy struct {
	Name                  string        `yaml:"name" json:"name"`
	Family                string        `yaml:"family" json:"family"`
	ChainID               uint64        `yaml:"chain_id" json:"chain_id"`
	RequiredConfirmations uint64        `yaml:"required_confirmations" json:"required_confirmations"`
	PollInterval          time.Duration `yaml:"poll_interval" json:"poll_interval"`
	DropTimeout           time.Duration `yaml:"drop_timeout" json:"drop_timeout"`
	ConfirmTimeout        time.Duration `yaml:"confirm_timeout" json:"confirm_timeout"`
	StallTimeout          time.Duration `yaml:"stall_timeout" json:"stall_timeout"`
	BreakerThreshold      int           `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldown       time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
	BreakerMaxCooldown    time.Duration `yaml:"breaker_max_cooldown" json:"breaker_max_cooldown"`
	HealthInterval        time.Duration `yaml:"health_interval" json:"health_interval"`
	MaxAttempts           int           `yaml:"max_attempts" json:"max_attempts"`
	MaxSubmitRetries      int           `yaml:"max_submit_retries" json:"max_submit_retries"`
	Endpoints             []Endpoint    `yaml:"endpoints" json:"endpoints,omitempty"`
}

// Endpoint is a seed RPC URL for a chain. Lower priority numbers are preferred.
type Endpoint struct {
	URL      string `yaml:"url" json:"url"`
	Priority int    `yaml:"priority" json:"priority"`
}

type file struct {
	Chains []Policy `yaml:"chains"`
}

// withDefaults fills every zero field from the generic defaults.
func (p Policy) withDefaults() Policy {
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	if p.Family == "" {
		p.Family = FamilyEVM
	}
	if p.RequiredConfirmations == 0 {
		p.RequiredConfirmations = 12
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 5 * time.Second
	}
	if p.DropTimeout <= 0 {
		p.DropTimeout = 10 * time.Minute
	}
	if p.ConfirmTimeout <= 0 {
		p.ConfirmTimeout = 6 * p.DropTimeout
	}
	if p.StallTimeout <= 0 {
		p.StallTimeout = 2 * time.Minute
	}
	if p.BreakerThreshold <= 0 {
		p.BreakerThreshold = 3
	}
	if p.BreakerCooldown <= 0 {
		p.BreakerCooldown = 60 * time.Second
	}
	if p.BreakerMaxCooldown < p.BreakerCooldown {
		p.BreakerMaxCooldown = 10 * time.Minute
		if p.BreakerMaxCooldown < p.BreakerCooldown {
			p.BreakerMaxCooldown = p.BreakerCooldown
		}
	}
	if p.HealthInterval <= 0 {
		p.HealthInterval = 15 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.MaxSubmitRetries <= 0 {
		p.MaxSubmitRetries = 3
	}
	return p
}

// Validate reports configuration mistakes that would make the chain unusable.
func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("chain policy without name")
	}
	if p.Family != FamilyEVM {
		return fmt.Errorf("chain %s: unsupported family %q", p.Name, p.Family)
	}
	if p.ChainID == 0 {
		return fmt.Errorf("chain %s: chain_id is required", p.Name)
	}
	return nil
}

func builtin() []Policy {
	return []Policy{
		{Name: "ethereum", ChainID: 1, RequiredConfirmations: 12, PollInterval: 12 * time.Second, DropTimeout: 15 * time.Minute},
		{Name: "sepolia", ChainID: 11155111, RequiredConfirmations: 3, PollInterval: 12 * time.Second, DropTimeout: 15 * time.Minute},
		{Name: "bsc", ChainID: 56, RequiredConfirmations: 15, PollInterval: 3 * time.Second, DropTimeout: 5 * time.Minute},
		{Name: "polygon", ChainID: 137, RequiredConfirmations: 64, PollInterval: 4 * time.Second, DropTimeout: 5 * time.Minute},
		{Name: "arbitrum", ChainID: 42161, RequiredConfirmations: 10, PollInterval: 2 * time.Second, DropTimeout: 5 * time.Minute},
		{Name: "optimism", ChainID: 10, RequiredConfirmations: 10, PollInterval: 2 * time.Second, DropTimeout: 5 * time.Minute},
		{Name: "base", ChainID: 8453, RequiredConfirmations: 10, PollInterval: 2 * time.Second, DropTimeout: 5 * time.Minute},
		{Name: "avalanche", ChainID: 43114, RequiredConfirmations: 6, PollInterval: 2 * time.Second, DropTimeout: 5 * time.Minute},
	}
}

// Registry is an immutable set of chain policies keyed by lowercase name.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry builds a registry from the given policies. Later entries override earlier ones.
func NewRegistry(policies ...Policy) (*Registry, error) {
	r := &Registry{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		p = p.withDefaults()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		r.policies[p.Name] = p
	}
	return r, nil
}

// Default returns the registry of built-in chains.
func Default() *Registry {
	r, err := NewRegistry(builtin()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Load returns the built-in chains merged with the YAML file at path. An empty path
// returns the defaults. Fields omitted in the file keep the built-in value of a known chain.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains file: %w", err)
	}
	return Parse(raw)
}

// Parse merges a YAML document over the built-in chains.
func Parse(raw []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse chains file: %w", err)
	}

	base := map[string]Policy{}
	for _, p := range builtin() {
		base[p.Name] = p
	}
	for _, p := range f.Chains {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if known, ok := base[name]; ok {
			p = merge(known, p)
		}
		base[name] = p
	}

	all := make([]Policy, 0, len(base))
	for _, p := range base {
		all = append(all, p)
	}
	return NewRegistry(all...)
}

func merge(base, over Policy) Policy {
	out := base
	if over.Family != "" {
		out.Family = over.Family
	}
	if over.ChainID != 0 {
		out.ChainID = over.ChainID
	}
	if over.RequiredConfirmations != 0 {
		out.RequiredConfirmations = over.RequiredConfirmations
	}
	if over.PollInterval != 0 {
		out.PollInterval = over.PollInterval
	}
	if over.DropTimeout != 0 {
		out.DropTimeout = over.DropTimeout
	}
	if over.ConfirmTimeout != 0 {
		out.ConfirmTimeout = over.ConfirmTimeout
	}
	if over.StallTimeout != 0 {
		out.StallTimeout = over.StallTimeout
	}
	if over.BreakerThreshold != 0 {
		out.BreakerThreshold = over.BreakerThreshold
	}
	if over.BreakerCooldown != 0 {
		out.BreakerCooldown = over.BreakerCooldown
	}
	if over.BreakerMaxCooldown != 0 {
		out.BreakerMaxCooldown = over.BreakerMaxCooldown
	}
	if over.HealthInterval != 0 {
		out.HealthInterval = over.HealthInterval
	}
	if over.MaxAttempts != 0 {
		out.MaxAttempts = over.MaxAttempts
	}
	if over.MaxSubmitRetries != 0 {
		out.MaxSubmitRetries = over.MaxSubmitRetries
	}
	if len(over.Endpoints) > 0 {
		out.Endpoints = over.Endpoints
	}
	return out
}

// Get returns the policy for name (case-insensitive).
func (r *Registry) Get(name string) (Policy, bool) {
	p, ok := r.policies[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// All returns every policy sorted by name.
func (r *Registry) All() []Policy {
	out := make([]Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every chain name sorted.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, p := range all {
		names[i] = p.Name
	}
	return names
}
