package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastConfig(retries int) Config {
	return Config{MaxRetries: retries, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestWithBackoffSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(5), zap.NewNop(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBackoffStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("rejected")
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(5), zap.NewNop(), "op", func() error {
		calls++
		return Permanent(sentinel)
	})
	require.ErrorIs(t, err, sentinel)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestWithBackoffExhausts(t *testing.T) {
	sentinel := errors.New("down")
	err := WithBackoff(context.Background(), fastConfig(3), zap.NewNop(), "op", func() error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestDelayIsCapped(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, Delay(cfg, 1))
	assert.Equal(t, 2*time.Second, Delay(cfg, 2))
	assert.Equal(t, 4*time.Second, Delay(cfg, 3))
	assert.Equal(t, 4*time.Second, Delay(cfg, 10))

	cfg.JitterEnabled = true
	for i := 0; i < 50; i++ {
		d := Delay(cfg, 2)
		assert.GreaterOrEqual(t, d, time.Duration(float64(2*time.Second)*0.85))
		assert.LessOrEqual(t, d, time.Duration(float64(2*time.Second)*1.15))
	}
}
