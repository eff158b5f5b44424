package chains

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := Default()

	eth, ok := r.Get("Ethereum")
	require.True(t, ok)
	assert.Equal(t, uint64(1), eth.ChainID)
	assert.Equal(t, uint64(12), eth.RequiredConfirmations)
	assert.Equal(t, 3, eth.BreakerThreshold)
	assert.Equal(t, 2*time.Minute, eth.StallTimeout)
	assert.Equal(t, 90*time.Minute, eth.ConfirmTimeout)
	assert.Equal(t, 3, eth.MaxAttempts)

	_, ok = r.Get("solana")
	assert.False(t, ok)
	assert.Contains(t, r.Names(), "bsc")
}

func TestParseMergesOverBuiltins(t *testing.T) {
	doc := []byte(`
chains:
  - name: ethereum
    required_confirmations: 3
    breaker_cooldown: 5s
    endpoints:
      - url: https://eth.example
        priority: 1
  - name: gnosis
    chain_id: 100
    poll_interval: 5s
`)
	r, err := Parse(doc)
	require.NoError(t, err)

	eth, ok := r.Get("ethereum")
	require.True(t, ok)
	assert.Equal(t, uint64(1), eth.ChainID)
	assert.Equal(t, uint64(3), eth.RequiredConfirmations)
	assert.Equal(t, 5*time.Second, eth.BreakerCooldown)
	assert.Equal(t, 12*time.Second, eth.PollInterval)
	require.Len(t, eth.Endpoints, 1)

	gnosis, ok := r.Get("gnosis")
	require.True(t, ok)
	assert.Equal(t, FamilyEVM, gnosis.Family)
	assert.Equal(t, uint64(100), gnosis.ChainID)
}

func TestParseRejectsChainWithoutID(t *testing.T) {
	_, err := Parse([]byte("chains:\n  - name: mystery\n"))
	require.Error(t, err)
}

func TestSeeds(t *testing.T) {
	r := Default()
	seeds, err := r.Seeds("ethereum=https://a.example|1, ethereum=https://b.example ,bsc=https://bsc.example|2")
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{{URL: "https://a.example", Priority: 1}, {URL: "https://b.example", Priority: 10}}, seeds["ethereum"])
	assert.Equal(t, []Endpoint{{URL: "https://bsc.example", Priority: 2}}, seeds["bsc"])

	_, err = r.Seeds("nochain=https://x.example")
	require.Error(t, err)
	_, err = r.Seeds("ethereum")
	require.Error(t, err)
}
