package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

// ErrUnknownModel is returned when a requested model matches neither an
// exact chain entry nor its "builtin/"-prefixed form.
var ErrUnknownModel = fmt.Errorf("proxy: unknown model")

// ResolvedEntry is one chain entry ready for the failover waterfall: every
// field the forwarder needs to build an upstream request, already filtered
// by the health tracker.
type ResolvedEntry struct {
	ProviderID string
	AccountID  string
	ModelID    string
	APIKey     string
	BaseURL    string
	Custom     bool
}

// ResolveChain looks up model (first exact, then "builtin/"+model, per
// the model-resolution rule), then filters its entries against
// the health tracker so accounts currently in cooldown are excluded before
// the waterfall ever sees them.
func ResolveChain(ctx context.Context, store missionstore.Store, health *HealthTracker, model string) ([]ResolvedEntry, error) {
	chain, err := store.GetChain(ctx, model)
	if err == missionstore.ErrNotFound {
		chain, err = store.GetChain(ctx, "builtin/"+model)
	}
	if err == missionstore.ErrNotFound {
		return nil, ErrUnknownModel
	}
	if err != nil {
		return nil, fmt.Errorf("proxy: resolve chain: %w", err)
	}

	out := make([]ResolvedEntry, 0, len(chain.Entries))
	for _, e := range chain.Entries {
		if health.InCooldown(e.ProviderID, e.AccountID) {
			continue
		}
		out = append(out, ResolvedEntry{
			ProviderID: e.ProviderID,
			AccountID:  e.AccountID,
			ModelID:    e.ModelID,
			APIKey:     e.APIKey,
			BaseURL:    e.BaseURL,
			Custom:     e.Custom,
		})
	}
	return out, nil
}

// eligible reports whether e has everything the waterfall needs to attempt a
// request: skip if a non-custom provider lacks an
// api_key, or the provider has no OpenAI-compatible base URL.
func (e ResolvedEntry) eligible() bool {
	if !e.Custom && strings.TrimSpace(e.APIKey) == "" {
		return false
	}
	return strings.TrimSpace(e.BaseURL) != ""
}
