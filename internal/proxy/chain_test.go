package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore/memstore"
)

func seedChain(store *memstore.Store, virtual string, entries ...mission.ChainEntry) {
	store.SeedChain(&mission.MissionChain{VirtualModel: virtual, Entries: entries})
}

func TestResolveChainExactMatch(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	seedChain(store, "smart", mission.ChainEntry{ProviderID: "anthropic", AccountID: "a", ModelID: "claude"})

	entries, err := ResolveChain(context.Background(), store, NewHealthTracker(), "smart")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "claude", entries[0].ModelID)
}

func TestResolveChainBuiltinFallback(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	seedChain(store, "builtin/gpt-4o", mission.ChainEntry{ProviderID: "openai", AccountID: "a", ModelID: "gpt-4o"})

	entries, err := ResolveChain(context.Background(), store, NewHealthTracker(), "gpt-4o")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestResolveChainUnknownModel(t *testing.T) {
	store := memstore.New()
	defer store.Close()

	_, err := ResolveChain(context.Background(), store, NewHealthTracker(), "nope")
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestResolveChainExcludesCooldownAccounts(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	seedChain(store, "smart",
		mission.ChainEntry{ProviderID: "anthropic", AccountID: "cooled", ModelID: "claude"},
		mission.ChainEntry{ProviderID: "anthropic", AccountID: "fresh", ModelID: "claude"},
	)

	health := NewHealthTracker()
	health.RecordFailure("anthropic", "cooled", ReasonRateLimit, time.Hour)

	entries, err := ResolveChain(context.Background(), store, health, "smart")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "fresh", entries[0].AccountID)
}
