package control

import (
	"context"
	"encoding/json"
	"sync"
)

// earlyResultCap bounds the resolve-before-register cache. A harness that
// died mid-turn never collects its results, so the cache evicts oldest-first
// once full rather than growing with every orphaned resolution.
const earlyResultCap = 256

// FrontendToolResult is a tool invocation answered by a connected client
// rather than by the harness process itself (POST /api/control/tool-result).
type FrontendToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Result     json.RawMessage `json:"result"`
}

// FrontendToolHub holds the pending slot for every tool call a harness has
// delegated to the frontend. Resolution is keyed by tool_call_id and
// tolerates resolve-before-register: a client may answer before the harness
// goroutine gets around to waiting, in which case the result parks in a
// bounded cache until Register picks it up.
type FrontendToolHub struct {
	mu      sync.Mutex
	pending map[string]chan FrontendToolResult

	earlyMu    sync.Mutex
	early      map[string]FrontendToolResult
	earlyOrder []string
}

// NewFrontendToolHub creates an empty hub.
func NewFrontendToolHub() *FrontendToolHub {
	return &FrontendToolHub{
		pending: make(map[string]chan FrontendToolResult),
		early:   make(map[string]FrontendToolResult),
	}
}

// Register installs a waiter for toolCallID. If the result already arrived
// (resolve-before-register) it is returned on the channel immediately.
func (h *FrontendToolHub) Register(toolCallID string) <-chan FrontendToolResult {
	ch := make(chan FrontendToolResult, 1)

	h.earlyMu.Lock()
	if res, ok := h.early[toolCallID]; ok {
		delete(h.early, toolCallID)
		for i, id := range h.earlyOrder {
			if id == toolCallID {
				h.earlyOrder = append(h.earlyOrder[:i], h.earlyOrder[i+1:]...)
				break
			}
		}
		h.earlyMu.Unlock()
		ch <- res
		return ch
	}
	h.earlyMu.Unlock()

	h.mu.Lock()
	h.pending[toolCallID] = ch
	h.mu.Unlock()
	return ch
}

// Unregister abandons a waiter (turn cancelled before the client answered).
func (h *FrontendToolHub) Unregister(toolCallID string) {
	h.mu.Lock()
	delete(h.pending, toolCallID)
	h.mu.Unlock()
}

// Resolve delivers a client's answer. Returns true if a waiter consumed it
// directly, false if it was parked in the early-result cache.
func (h *FrontendToolHub) Resolve(res FrontendToolResult) bool {
	h.mu.Lock()
	ch, ok := h.pending[res.ToolCallID]
	if ok {
		delete(h.pending, res.ToolCallID)
	}
	h.mu.Unlock()

	if ok {
		ch <- res
		return true
	}

	h.earlyMu.Lock()
	defer h.earlyMu.Unlock()
	if _, exists := h.early[res.ToolCallID]; !exists {
		h.earlyOrder = append(h.earlyOrder, res.ToolCallID)
		if len(h.earlyOrder) > earlyResultCap {
			oldest := h.earlyOrder[0]
			h.earlyOrder = h.earlyOrder[1:]
			delete(h.early, oldest)
		}
	}
	h.early[res.ToolCallID] = res
	return false
}

// Await registers for toolCallID and blocks until the client answers or ctx
// expires, unregistering on the way out either way.
func (h *FrontendToolHub) Await(ctx context.Context, toolCallID string) (FrontendToolResult, error) {
	ch := h.Register(toolCallID)
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		h.Unregister(toolCallID)
		return FrontendToolResult{}, ctx.Err()
	}
}
