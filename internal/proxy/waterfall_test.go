package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxedsh/missionctl/internal/common/logger"
)

func newTestForwarder(t *testing.T) (*Forwarder, *HealthTracker) {
	t.Helper()
	health := NewHealthTracker()
	return NewForwarder(health, logger.Default()), health
}

func entryFor(url, provider, account string) ResolvedEntry {
	return ResolvedEntry{
		ProviderID: provider,
		AccountID:  account,
		ModelID:    "m-" + provider,
		APIKey:     "key",
		BaseURL:    url,
	}
}

func chatBody() map[string]any {
	return map[string]any{"model": "virtual", "messages": []any{}}
}

func TestChatFailsOverPast429(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()

	var gotModel string
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel, _ = body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"resp-1","choices":[]}`))
	}))
	defer ok.Close()

	f, health := newTestForwarder(t)
	entries := []ResolvedEntry{
		entryFor(limited.URL, "anthropic", "a"),
		entryFor(ok.URL, "openai", "b"),
	}

	resp, err := f.Chat(context.Background(), entries, chatBody())
	require.NoError(t, err)
	require.Contains(t, string(resp), "resp-1")

	// Model rewritten per entry, failure recorded on the limited account
	// only.
	require.Equal(t, "m-openai", gotModel)
	require.True(t, health.InCooldown("anthropic", "a"))
	require.False(t, health.InCooldown("openai", "b"))
}

func TestChatAllSkippedIsConfigurationError(t *testing.T) {
	f, _ := newTestForwarder(t)
	entries := []ResolvedEntry{
		{ProviderID: "anthropic", AccountID: "a", ModelID: "m", BaseURL: "http://x"}, // no api key
		{ProviderID: "openai", AccountID: "b", ModelID: "m", APIKey: "key"},          // no base url
	}

	_, err := f.Chat(context.Background(), entries, chatBody())
	var ex *ExhaustionError
	require.ErrorAs(t, err, &ex)
	require.Equal(t, http.StatusBadGateway, ex.Status)
	require.Equal(t, "configuration error", ex.Message)
}

func TestChatAllRateLimitedIs429(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer limited.Close()

	f, _ := newTestForwarder(t)
	entries := []ResolvedEntry{
		entryFor(limited.URL, "anthropic", "a"),
		entryFor(limited.URL, "anthropic", "b"),
	}

	_, err := f.Chat(context.Background(), entries, chatBody())
	var ex *ExhaustionError
	require.ErrorAs(t, err, &ex)
	require.Equal(t, http.StatusTooManyRequests, ex.Status)
	require.Equal(t, "rate_limit_exceeded", ex.Message)
}

func TestChatAllServerErrorsIsUpstreamUnavailable(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	f, _ := newTestForwarder(t)
	_, err := f.Chat(context.Background(), []ResolvedEntry{entryFor(broken.URL, "p", "a")}, chatBody())
	var ex *ExhaustionError
	require.ErrorAs(t, err, &ex)
	require.Equal(t, http.StatusBadGateway, ex.Status)
	require.Equal(t, "upstream unavailable", ex.Message)
}

func TestChatEmbeddedErrorBodyFailsOver(t *testing.T) {
	embedded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"type":"overloaded_error"}}`))
	}))
	defer embedded.Close()
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"resp-2"}`))
	}))
	defer ok.Close()

	f, _ := newTestForwarder(t)
	entries := []ResolvedEntry{
		entryFor(embedded.URL, "minimax", "a"),
		entryFor(ok.URL, "openai", "b"),
	}
	resp, err := f.Chat(context.Background(), entries, chatBody())
	require.NoError(t, err)
	require.Contains(t, string(resp), "resp-2")
}

func TestStreamFailsOverOnFirstFrameError(t *testing.T) {
	errFirstFrame := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"error\":{\"type\":\"overloaded_error\"}}\n\n"))
	}))
	defer errFirstFrame.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer good.Close()

	f, health := newTestForwarder(t)
	entries := []ResolvedEntry{
		entryFor(errFirstFrame.URL, "anthropic", "b"),
		entryFor(good.URL, "openai", "c"),
	}

	var out bytes.Buffer
	err := f.Stream(context.Background(), entries, chatBody(), &out, nil)
	require.NoError(t, err)
	require.Contains(t, out.String(), "hi")
	require.Contains(t, out.String(), "[DONE]")
	// Overloaded with no explicit duration: reason recorded, no cooldown
	// window imposed.
	require.False(t, health.InCooldown("anthropic", "b"))
	require.False(t, health.InCooldown("openai", "c"))
}

func TestStreamNormalizesEmptyDeltaRole(t *testing.T) {
	quirky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"role\":\"\",\"content\":\"x\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer quirky.Close()

	f, _ := newTestForwarder(t)
	var out bytes.Buffer
	err := f.Stream(context.Background(), []ResolvedEntry{entryFor(quirky.URL, "minimax", "a")}, chatBody(), &out, nil)
	require.NoError(t, err)
	require.NotContains(t, out.String(), `"role":""`)
	require.Contains(t, out.String(), `"content":"x"`)
}
