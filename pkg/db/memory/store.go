// Package memory is an in-process implementation of every relayer store, used by
// tests and by single-instance development runs (STORE_DRIVER=memory). It applies
// the same compare-and-set and uniqueness rules as the PostgreSQL store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/txrelay/pkg/db/models/relay"
)

// Store keeps all tables behind one mutex.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	endpoints map[string]*relay.RPCEndpoint
	nonces    []*relay.NonceRecord
	nextID    int64
	txs       map[string]*relay.Transaction
}

// New returns an empty store. A nil clock uses wall time.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		clock:     clk,
		endpoints: map[string]*relay.RPCEndpoint{},
		txs:       map[string]*relay.Transaction{},
	}
}

// Health always succeeds.
func (s *Store) Health(context.Context) error { return nil }

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

func endpointKey(chain, url string) string { return chain + "|" + url }

// --- rpc_endpoints ---

func (s *Store) ListEndpoints(context.Context) ([]relay.RPCEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]relay.RPCEndpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, *ep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].URL < out[j].URL
	})
	return out, nil
}

func (s *Store) UpsertEndpoint(_ context.Context, ep *relay.RPCEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cur, ok := s.endpoints[endpointKey(ep.Chain, ep.URL)]; ok {
		cur.Priority = ep.Priority
		cur.Active = ep.Active
		cur.UpdatedAt = now
		return nil
	}
	row := *ep
	if row.CircuitState == "" {
		row.CircuitState = relay.CircuitClosed
	}
	row.CreatedAt, row.UpdatedAt = now, now
	s.endpoints[endpointKey(ep.Chain, ep.URL)] = &row
	return nil
}

func (s *Store) endpoint(chain, url string) (*relay.RPCEndpoint, error) {
	ep, ok := s.endpoints[endpointKey(chain, url)]
	if !ok {
		return nil, fmt.Errorf("endpoint %s %s: %w", chain, url, relay.ErrNotFound)
	}
	return ep, nil
}

func (s *Store) SetEndpointActive(_ context.Context, chain, url string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpoint(chain, url)
	if err != nil {
		return err
	}
	ep.Active = active
	ep.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetEndpointPriority(_ context.Context, chain, url string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, err := s.endpoint(chain, url)
	if err != nil {
		return err
	}
	ep.Priority = priority
	ep.UpdatedAt = s.now()
	return nil
}

func laterOf(cur *time.Time, t time.Time) *time.Time {
	if cur != nil && cur.After(t) {
		return cur
	}
	return &t
}

func (s *Store) RecordEndpointOutcome(_ context.Context, o relay.EndpointOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[endpointKey(o.Chain, o.URL)]
	if !ok {
		return nil
	}
	if o.Success {
		ep.ConsecutiveFailures = 0
		ep.Healthy = ep.CircuitState == relay.CircuitClosed
		if ep.AvgLatencyMs == 0 {
			ep.AvgLatencyMs = o.LatencyMs
		} else {
			ep.AvgLatencyMs = 0.3*o.LatencyMs + 0.7*ep.AvgLatencyMs
		}
	} else {
		ep.ConsecutiveFailures++
		ep.Healthy = false
		ep.LastFailureAt = laterOf(ep.LastFailureAt, o.At)
	}
	ep.LastCheckedAt = laterOf(ep.LastCheckedAt, o.At)
	ep.UpdatedAt = s.now()
	return nil
}

func (s *Store) TransitionCircuit(_ context.Context, t relay.CircuitTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[endpointKey(t.Chain, t.URL)]
	if !ok || ep.CircuitState != t.From {
		return false, nil
	}
	ep.CircuitState = t.To
	ep.CircuitOpenedAt = t.OpenedAt
	ep.CooldownMs = t.CooldownMs
	ep.Healthy = t.To == relay.CircuitClosed && ep.ConsecutiveFailures == 0
	ep.UpdatedAt = s.now()
	return true, nil
}

// --- nonce_tracking ---

func (s *Store) live(chain, address string, nonce uint64) *relay.NonceRecord {
	for _, r := range s.nonces {
		if r.Chain == chain && r.Address == address && r.Nonce == nonce && r.Live() {
			return r
		}
	}
	return nil
}

// newest returns the last record written for each nonce of an address.
func (s *Store) newest(chain, address string) map[uint64]*relay.NonceRecord {
	out := map[uint64]*relay.NonceRecord{}
	for _, r := range s.nonces {
		if r.Chain != chain || r.Address != address {
			continue
		}
		if cur, ok := out[r.Nonce]; !ok || r.ID > cur.ID {
			out[r.Nonce] = r
		}
	}
	return out
}

func (s *Store) MaxHeldNonce(_ context.Context, chain, address string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		highest uint64
		found   bool
	)
	for n, r := range s.newest(chain, address) {
		if r.Held() && (!found || n > highest) {
			highest, found = n, true
		}
	}
	return highest, found, nil
}

func (s *Store) LowestReusable(_ context.Context, chain, address string, from, to uint64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		lowest uint64
		found  bool
	)
	for _, r := range s.nonces {
		if r.Chain != chain || r.Address != address || r.Status != relay.NonceFailed || !r.Reusable {
			continue
		}
		if r.Nonce < from || r.Nonce >= to || s.live(chain, address, r.Nonce) != nil {
			continue
		}
		if !found || r.Nonce < lowest {
			lowest, found = r.Nonce, true
		}
	}
	return lowest, found, nil
}

func (s *Store) InsertPending(_ context.Context, rec *relay.NonceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPending(rec)
}

func (s *Store) insertPending(rec *relay.NonceRecord) error {
	if s.live(rec.Chain, rec.Address, rec.Nonce) != nil {
		return fmt.Errorf("nonce %d of %s on %s: %w", rec.Nonce, rec.Address, rec.Chain, relay.ErrConflict)
	}
	now := s.now()
	for _, r := range s.nonces {
		if r.Chain == rec.Chain && r.Address == rec.Address && r.Nonce == rec.Nonce && r.Status == relay.NonceFailed && r.Reusable {
			r.Reusable = false
			r.UpdatedAt = now
		}
	}
	s.nextID++
	rec.ID = s.nextID
	rec.Status = relay.NoncePending
	rec.Reusable = false
	rec.CreatedAt, rec.UpdatedAt = now, now
	row := *rec
	s.nonces = append(s.nonces, &row)
	return nil
}

func (s *Store) NewestNonce(_ context.Context, chain, address string, nonce uint64) (*relay.NonceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.newest(chain, address)[nonce]
	if !ok {
		return nil, fmt.Errorf("nonce %d of %s on %s: %w", nonce, address, chain, relay.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) TransitionNonce(_ context.Context, t relay.NonceTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.nonces {
		if r.Chain == t.Chain && r.Address == t.Address && r.Nonce == t.Nonce && r.Status == t.From {
			r.Status = t.To
			if t.TxHash != "" {
				r.TxHash = t.TxHash
			}
			r.Reusable = t.Reusable
			r.UpdatedAt = s.now()
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ReplaceNonce(_ context.Context, chain, address string, nonce uint64, newTxRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.live(chain, address, nonce)
	if r == nil || r.Status != relay.NoncePending {
		return fmt.Errorf("no pending nonce %d of %s on %s: %w", nonce, address, chain, relay.ErrConflict)
	}
	r.Status = relay.NonceReplaced
	r.UpdatedAt = s.now()
	return s.insertPending(&relay.NonceRecord{Chain: chain, Address: address, Nonce: nonce, TxRef: newTxRef})
}

func (s *Store) ListNonces(_ context.Context, chain, address string, statuses ...string) ([]relay.NonceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []relay.NonceRecord
	for _, r := range s.nonces {
		if r.Chain != chain || r.Address != address {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, r.Status) {
			continue
		}
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Nonce != out[j].Nonce {
			return out[i].Nonce < out[j].Nonce
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) MarkNonceReusable(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.nonces {
		if r.ID == id {
			if r.Status != relay.NonceFailed || r.Reusable {
				return false, nil
			}
			r.Reusable = true
			r.UpdatedAt = s.now()
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) StalledAccounts(_ context.Context, before time.Time) ([]relay.AccountKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	horizon := before.Add(-24 * time.Hour)
	seen := map[relay.AccountKey]bool{}
	var out []relay.AccountKey
	for _, r := range s.nonces {
		stalled := r.Status == relay.NoncePending && r.UpdatedAt.Before(before)
		awaiting := r.Status == relay.NonceFailed && !r.Reusable && r.UpdatedAt.Before(before) && r.UpdatedAt.After(horizon)
		if !stalled && !awaiting {
			continue
		}
		k := relay.AccountKey{Chain: r.Chain, Address: r.Address}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

// --- transactions ---

func cloneTx(t *relay.Transaction) *relay.Transaction {
	cp := *t
	cp.SignedPayload = slices.Clone(t.SignedPayload)
	return &cp
}

func (s *Store) CreateTransaction(_ context.Context, tx *relay.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, relay.ErrConflict)
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	tx.UpdatedAt = tx.CreatedAt
	s.txs[tx.ID] = cloneTx(tx)
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*relay.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, relay.ErrNotFound)
	}
	return cloneTx(t), nil
}

func applyUpdate(t *relay.Transaction, upd relay.TxUpdate) {
	if upd.Nonce != nil {
		n := *upd.Nonce
		t.Nonce = &n
	}
	if upd.NonceHeld != nil {
		t.NonceHeld = *upd.NonceHeld
	}
	if upd.Retryable != nil {
		t.Retryable = *upd.Retryable
	}
	if upd.RetryCount != nil {
		t.RetryCount = *upd.RetryCount
	}
	if upd.ClearNextRetry {
		t.NextRetryAt = nil
	} else if upd.NextRetryAt != nil {
		at := *upd.NextRetryAt
		t.NextRetryAt = &at
	}
	if upd.RPCEndpointUsed != nil {
		t.RPCEndpointUsed = *upd.RPCEndpointUsed
	}
	if upd.TxHash != nil {
		t.TxHash = *upd.TxHash
	}
	if upd.BlockNumber != nil {
		b := *upd.BlockNumber
		t.BlockNumber = &b
	}
	if upd.ConfirmationCount != nil && *upd.ConfirmationCount > t.ConfirmationCount {
		t.ConfirmationCount = *upd.ConfirmationCount
	}
	if upd.ErrorCode != nil {
		t.ErrorCode = *upd.ErrorCode
	}
	if upd.ErrorMessage != nil {
		t.ErrorMessage = *upd.ErrorMessage
	}
	if upd.ReplacedByID != nil {
		t.ReplacedByID = *upd.ReplacedByID
	}
	if upd.BroadcastAt != nil {
		at := *upd.BroadcastAt
		t.BroadcastAt = &at
	}
	if upd.NextCheckAt != nil {
		at := *upd.NextCheckAt
		t.NextCheckAt = &at
	}
}

func (s *Store) transition(id string, from []relay.TxStatus, to relay.TxStatus, upd relay.TxUpdate) (*relay.Transaction, bool) {
	t, ok := s.txs[id]
	if !ok || !slices.Contains(from, t.Status) {
		return nil, false
	}
	t.Status = to
	applyUpdate(t, upd)
	t.UpdatedAt = s.now()
	return cloneTx(t), true
}

func (s *Store) TransitionTx(_ context.Context, id string, from []relay.TxStatus, to relay.TxStatus, upd relay.TxUpdate) (*relay.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transition(id, from, to, upd)
	return t, ok, nil
}

func (s *Store) ReplaceTx(_ context.Context, originalID, replacementID string, upd relay.TxUpdate) (*relay.Transaction, *relay.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orig, ok := s.txs[originalID]
	if !ok || (orig.Status != relay.TxBroadcasted && orig.Status != relay.TxConfirming) {
		return nil, nil, false, nil
	}
	repl, ok := s.txs[replacementID]
	if !ok || repl.Status != relay.TxSubmitting {
		return nil, nil, false, nil
	}
	o, _ := s.transition(originalID, []relay.TxStatus{orig.Status}, relay.TxReplaced, relay.TxUpdate{ReplacedByID: &replacementID})
	r, _ := s.transition(replacementID, []relay.TxStatus{relay.TxSubmitting}, relay.TxBroadcasted, upd)
	return o, r, true, nil
}

func (s *Store) ClaimDue(_ context.Context, owner string, now, leaseUntil, staleCreated time.Time, limit int) ([]relay.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*relay.Transaction
	for _, t := range s.txs {
		if t.LeaseUntil != nil && !t.LeaseUntil.Before(now) {
			continue
		}
		switch {
		case slices.Contains(relay.InFlightStatuses, t.Status):
		case t.Status == relay.TxFailed && t.Retryable && t.NextRetryAt != nil && !t.NextRetryAt.After(now):
		case t.Status == relay.TxCreated && t.CreatedAt.Before(staleCreated):
		default:
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UpdatedAt.Before(due[j].UpdatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]relay.Transaction, 0, len(due))
	for _, t := range due {
		until := leaseUntil
		t.LeaseOwner = owner
		t.LeaseUntil = &until
		out = append(out, *cloneTx(t))
	}
	return out, nil
}

func (s *Store) RenewLeases(_ context.Context, owner string, ids []string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if t, ok := s.txs[id]; ok && t.LeaseOwner == owner {
			u := until
			t.LeaseUntil = &u
		}
	}
	return nil
}

func (s *Store) ReleaseLease(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.txs[id]; ok && t.LeaseOwner == owner {
		t.LeaseOwner = ""
		t.LeaseUntil = nil
	}
	return nil
}

func (s *Store) TxInFlight(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return false, nil
	}
	return !t.Terminal(), nil
}
