package proxy

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"2s", 2 * time.Second},
		{"200ms", 200 * time.Millisecond},
		{"1m30s", 90 * time.Second},
		{"60", 60 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"2h", 2 * time.Hour},
		{"", 0},
		{"0", 0},
		{"-5", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			require.Equal(t, tt.want, ParseRetryAfter(tt.in))
		})
	}
}

func TestShortestRetryAfterPicksShortest(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-reset-requests", "30s")
	h.Set("x-ratelimit-reset-tokens", "5s")
	h.Set("Retry-After", "60")
	require.Equal(t, 5*time.Second, ShortestRetryAfter(h))
}

func TestShortestRetryAfterFallsBackToRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	require.Equal(t, 7*time.Second, ShortestRetryAfter(h))
}

func TestShortestRetryAfterNoHeaders(t *testing.T) {
	require.Equal(t, time.Duration(0), ShortestRetryAfter(http.Header{}))
}
