package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/txrelay/pkg/db/memory"
	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u64(v uint64) *uint64 { return &v }

func TestLiveNonceUniqueness(t *testing.T) {
	s := memory.New(nil)
	ctx := context.Background()

	rec := &relay.NonceRecord{Chain: "ethereum", Address: "0xabc", Nonce: 5, TxRef: "a"}
	require.NoError(t, s.InsertPending(ctx, rec))
	assert.Equal(t, relay.NoncePending, rec.Status)

	err := s.InsertPending(ctx, &relay.NonceRecord{Chain: "ethereum", Address: "0xabc", Nonce: 5, TxRef: "b"})
	require.ErrorIs(t, err, relay.ErrConflict)

	// Failed history does not block a new live record.
	ok, err := s.TransitionNonce(ctx, relay.NonceTransition{Chain: "ethereum", Address: "0xabc", Nonce: 5, From: relay.NoncePending, To: relay.NonceFailed, Reusable: true})
	require.NoError(t, err)
	require.True(t, ok)

	n, found, err := s.LowestReusable(ctx, "ethereum", "0xabc", 0, 10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(5), n)

	require.NoError(t, s.InsertPending(ctx, &relay.NonceRecord{Chain: "ethereum", Address: "0xabc", Nonce: 5, TxRef: "b"}))
	_, found, err = s.LowestReusable(ctx, "ethereum", "0xabc", 0, 10)
	require.NoError(t, err)
	assert.False(t, found, "reuse consumes the reusable flag")

	all, err := s.ListNonces(ctx, "ethereum", "0xabc")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, relay.NonceFailed, all[0].Status)
	assert.False(t, all[0].Reusable)
	assert.Equal(t, relay.NoncePending, all[1].Status)
}

func TestReplaceNonce(t *testing.T) {
	s := memory.New(nil)
	ctx := context.Background()
	require.NoError(t, s.InsertPending(ctx, &relay.NonceRecord{Chain: "bsc", Address: "0x1", Nonce: 3, TxRef: "old"}))

	require.NoError(t, s.ReplaceNonce(ctx, "bsc", "0x1", 3, "new"))
	live, err := s.NewestNonce(ctx, "bsc", "0x1", 3)
	require.NoError(t, err)
	assert.Equal(t, "new", live.TxRef)

	replaced, err := s.ListNonces(ctx, "bsc", "0x1", relay.NonceReplaced)
	require.NoError(t, err)
	require.Len(t, replaced, 1)
	assert.Equal(t, "old", replaced[0].TxRef)

	require.ErrorIs(t, s.ReplaceNonce(ctx, "bsc", "0x1", 9, "x"), relay.ErrConflict)
}

func TestConfirmationCountNeverDecreases(t *testing.T) {
	s := memory.New(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateTransaction(ctx, &relay.Transaction{ID: "t1", Chain: "ethereum", Status: relay.TxConfirming}))

	confirming := []relay.TxStatus{relay.TxConfirming}
	_, ok, err := s.TransitionTx(ctx, "t1", confirming, relay.TxConfirming, relay.TxUpdate{ConfirmationCount: u64(5)})
	require.NoError(t, err)
	require.True(t, ok)

	tx, ok, err := s.TransitionTx(ctx, "t1", confirming, relay.TxConfirming, relay.TxUpdate{ConfirmationCount: u64(3)})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), tx.ConfirmationCount)

	_, ok, err = s.TransitionTx(ctx, "t1", []relay.TxStatus{relay.TxBroadcasted}, relay.TxConfirmed, relay.TxUpdate{})
	require.NoError(t, err)
	assert.False(t, ok, "stale from-status must not apply")
}

func TestReplaceTxIsAllOrNothing(t *testing.T) {
	s := memory.New(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateTransaction(ctx, &relay.Transaction{ID: "orig", Status: relay.TxBroadcasted}))
	require.NoError(t, s.CreateTransaction(ctx, &relay.Transaction{ID: "repl", Status: relay.TxCreated, ReplacesID: "orig"}))

	_, _, ok, err := s.ReplaceTx(ctx, "orig", "repl", relay.TxUpdate{})
	require.NoError(t, err)
	assert.False(t, ok)
	orig, _ := s.GetTransaction(ctx, "orig")
	assert.Equal(t, relay.TxBroadcasted, orig.Status)

	_, ok, _ = s.TransitionTx(ctx, "repl", []relay.TxStatus{relay.TxCreated}, relay.TxSubmitting, relay.TxUpdate{})
	require.True(t, ok)
	hash := "0xfeed"
	o, r, ok, err := s.ReplaceTx(ctx, "orig", "repl", relay.TxUpdate{TxHash: &hash})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, relay.TxReplaced, o.Status)
	assert.Equal(t, "repl", o.ReplacedByID)
	assert.Equal(t, relay.TxBroadcasted, r.Status)
	assert.Equal(t, hash, r.TxHash)
}

func TestClaimDueRespectsLeases(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := memory.New(clk)
	ctx := context.Background()
	now := clk.Now()
	held := now.Add(time.Minute)
	expired := now.Add(-time.Second)
	retryAt := now.Add(-time.Second)

	require.NoError(t, s.CreateTransaction(ctx, &relay.Transaction{ID: "held", Status: relay.TxBroadcasted, LeaseOwner: "a", LeaseUntil: &held}))
	require.NoError(t, s.CreateTransaction(ctx, &relay.Transaction{ID: "orphan", Status: relay.TxConfirming, LeaseOwner: "a", LeaseUntil: &expired}))
	require.NoError(t, s.CreateTransaction(ctx, &relay.Transaction{ID: "retry", Status: relay.TxFailed, Retryable: true}))
	require.NoError(t, s.CreateTransaction(ctx, &relay.Transaction{ID: "final", Status: relay.TxFailed}))
	require.NoError(t, s.CreateTransaction(ctx, &relay.Transaction{ID: "fresh", Status: relay.TxCreated, CreatedAt: now}))
	_, ok, _ := s.TransitionTx(ctx, "retry", []relay.TxStatus{relay.TxFailed}, relay.TxFailed, relay.TxUpdate{NextRetryAt: &retryAt})
	require.True(t, ok)

	claimed, err := s.ClaimDue(ctx, "b", now, now.Add(time.Minute), now.Add(-30*time.Second), 10)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, tx := range claimed {
		ids[tx.ID] = true
		assert.Equal(t, "b", tx.LeaseOwner)
	}
	assert.Equal(t, map[string]bool{"orphan": true, "retry": true}, ids)

	again, err := s.ClaimDue(ctx, "c", now, now.Add(time.Minute), now.Add(-30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	inFlight, err := s.TxInFlight(ctx, "final")
	require.NoError(t, err)
	assert.False(t, inFlight)
	inFlight, err = s.TxInFlight(ctx, "retry")
	require.NoError(t, err)
	assert.True(t, inFlight)
}

func TestEndpointHealthArithmetic(t *testing.T) {
	s := memory.New(nil)
	ctx := context.Background()
	require.NoError(t, s.UpsertEndpoint(ctx, &relay.RPCEndpoint{Chain: "ethereum", URL: "https://e1", Priority: 1, Active: true, Healthy: true}))

	at := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordEndpointOutcome(ctx, relay.EndpointOutcome{Chain: "ethereum", URL: "https://e1", At: at}))
	}
	ok, err := s.TransitionCircuit(ctx, relay.CircuitTransition{Chain: "ethereum", URL: "https://e1", From: relay.CircuitClosed, To: relay.CircuitOpen, CooldownMs: 60000})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TransitionCircuit(ctx, relay.CircuitTransition{Chain: "ethereum", URL: "https://e1", From: relay.CircuitClosed, To: relay.CircuitOpen})
	require.NoError(t, err)
	assert.False(t, ok)

	rows, err := s.ListEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].ConsecutiveFailures)
	assert.Equal(t, relay.CircuitOpen, rows[0].CircuitState)
	assert.False(t, rows[0].Healthy)

	require.ErrorIs(t, s.SetEndpointActive(ctx, "ethereum", "https://nope", false), relay.ErrNotFound)
}
