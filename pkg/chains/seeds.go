package chains

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSeedList parses the RPC_ENDPOINTS format: comma separated entries of
// chain=url or chain=url|priority. Entries without a priority get 10.
func ParseSeedList(s string) (map[string][]Endpoint, error) {
	out := map[string][]Endpoint{}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		chain, rest, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(rest) == "" {
			return nil, fmt.Errorf("invalid endpoint seed %q: want chain=url[|priority]", entry)
		}
		url, prio, hasPrio := strings.Cut(rest, "|")
		ep := Endpoint{URL: strings.TrimSpace(url), Priority: 10}
		if hasPrio {
			n, err := strconv.Atoi(strings.TrimSpace(prio))
			if err != nil {
				return nil, fmt.Errorf("invalid priority in endpoint seed %q: %w", entry, err)
			}
			ep.Priority = n
		}
		name := strings.ToLower(strings.TrimSpace(chain))
		out[name] = append(out[name], ep)
	}
	return out, nil
}

// Seeds returns the endpoints to seed for every chain: the env list wins over
// endpoints declared in the chains file.
func (r *Registry) Seeds(envList string) (map[string][]Endpoint, error) {
	fromEnv, err := ParseSeedList(envList)
	if err != nil {
		return nil, err
	}
	out := map[string][]Endpoint{}
	for _, p := range r.All() {
		if eps, ok := fromEnv[p.Name]; ok {
			out[p.Name] = eps
			continue
		}
		if len(p.Endpoints) > 0 {
			out[p.Name] = p.Endpoints
		}
	}
	for name := range fromEnv {
		if _, ok := r.Get(name); !ok {
			return nil, fmt.Errorf("endpoint seed for unknown chain %q", name)
		}
	}
	return out, nil
}
