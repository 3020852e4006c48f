package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordFailureTransientEntersCooldown(t *testing.T) {
	h := NewHealthTracker()
	h.RecordFailure("anthropic", "a", ReasonRateLimit, 5*time.Second)
	require.True(t, h.InCooldown("anthropic", "a"))
	require.False(t, h.InCooldown("anthropic", "other"))
}

func TestRecordFailureClientErrorNoCooldown(t *testing.T) {
	h := NewHealthTracker()
	h.RecordFailure("openai", "a", ReasonClientError, 10*time.Second)
	require.False(t, h.InCooldown("openai", "a"))
}

func TestRecordFailureZeroDurationNoCooldown(t *testing.T) {
	h := NewHealthTracker()
	h.RecordFailure("anthropic", "a", ReasonOverloaded, 0)
	require.False(t, h.InCooldown("anthropic", "a"))
}

func TestRecordSuccessClearsCooldown(t *testing.T) {
	h := NewHealthTracker()
	h.RecordFailure("anthropic", "a", ReasonRateLimit, time.Hour)
	require.True(t, h.InCooldown("anthropic", "a"))
	h.RecordSuccess("anthropic", "a")
	require.False(t, h.InCooldown("anthropic", "a"))
}
