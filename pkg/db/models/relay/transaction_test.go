package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransactionTerminal(t *testing.T) {
	cases := map[TxStatus]bool{
		TxCreated:     false,
		TxSubmitting:  false,
		TxBroadcasted: false,
		TxConfirming:  false,
		TxConfirmed:   true,
		TxTimedOut:    true,
		TxDropped:     true,
		TxReplaced:    true,
	}
	for status, terminal := range cases {
		assert.Equal(t, terminal, Transaction{Status: status}.Terminal(), string(status))
	}

	assert.True(t, Transaction{Status: TxFailed}.Terminal())
	assert.False(t, Transaction{Status: TxFailed, Retryable: true}.Terminal())
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]TxStatus{
		{TxCreated, TxSubmitting},
		{TxSubmitting, TxBroadcasted},
		{TxBroadcasted, TxConfirming},
		{TxConfirming, TxConfirming},
		{TxConfirming, TxConfirmed},
		{TxConfirming, TxTimedOut},
		{TxBroadcasted, TxDropped},
		{TxBroadcasted, TxReplaced},
		{TxConfirming, TxReplaced},
		{TxFailed, TxSubmitting},
	}
	for _, e := range allowed {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	denied := [][2]TxStatus{
		{TxBroadcasted, TxConfirmed},
		{TxBroadcasted, TxTimedOut},
		{TxConfirming, TxBroadcasted},
		{TxCreated, TxBroadcasted},
		{TxSubmitting, TxReplaced},
		{TxConfirmed, TxConfirming},
		{TxDropped, TxSubmitting},
		{TxReplaced, TxBroadcasted},
		{TxTimedOut, TxConfirmed},
	}
	for _, e := range denied {
		assert.False(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
}

func TestNonceRecordLive(t *testing.T) {
	assert.True(t, NonceRecord{Status: NoncePending}.Live())
	assert.True(t, NonceRecord{Status: NonceUsed}.Live())
	assert.False(t, NonceRecord{Status: NonceFailed}.Live())
	assert.False(t, NonceRecord{Status: NonceReplaced}.Live())
}
