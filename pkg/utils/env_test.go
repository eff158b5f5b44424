package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TXRELAY_TEST_STR", "value")
	t.Setenv("TXRELAY_TEST_INT", "42")
	t.Setenv("TXRELAY_TEST_BAD_INT", "-3")
	t.Setenv("TXRELAY_TEST_DUR", "1500ms")
	t.Setenv("TXRELAY_TEST_BOOL", "yes")

	assert.Equal(t, "value", Env("TXRELAY_TEST_STR", "def"))
	assert.Equal(t, "def", Env("TXRELAY_TEST_MISSING", "def"))
	assert.Equal(t, 42, EnvInt("TXRELAY_TEST_INT", 1))
	assert.Equal(t, 1, EnvInt("TXRELAY_TEST_BAD_INT", 1))
	assert.Equal(t, int64(42), EnvInt64("TXRELAY_TEST_INT", 7))
	assert.Equal(t, 1500*time.Millisecond, EnvDuration("TXRELAY_TEST_DUR", time.Second))
	assert.Equal(t, time.Second, EnvDuration("TXRELAY_TEST_STR", time.Second))
	assert.True(t, EnvBool("TXRELAY_TEST_BOOL", false))
	assert.False(t, EnvBool("TXRELAY_TEST_MISSING", false))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "https://a.example", NormalizeURL(" https://a.example//"))
	assert.Equal(t, "0xabc", NormalizeAddress(" 0xABC "))
}
