// Package harness implements the NDJSON Harness Adapters (claudecode, codex)
// and the backend factory that selects among them and the ACP-based
// adapters in internal/harness/acpharness, converting backend-native wire
// events to runner.Events.
package harness

import (
	"strings"
	"sync"
)

// pendingTool tracks a tool_use block awaiting its tool_result, so the
// ToolResult event carries the tool's name instead of just its ID.
type pendingTool struct {
	id   string
	name string
}

// toolRegistry correlates tool_use/tool_result pairs across the CLI's
// assistant/user message turn-taking, so a tool result can be labeled with
// the tool's name rather than just its ID.
type toolRegistry struct {
	mu      sync.Mutex
	byID    map[string]pendingTool
}

func newToolRegistry() *toolRegistry {
	return &toolRegistry{byID: make(map[string]pendingTool)}
}

func (r *toolRegistry) register(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = pendingTool{id: id, name: name}
}

func (r *toolRegistry) resolve(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return ""
	}
	delete(r.byID, id)
	return t.name
}

// outputBuffer accumulates a turn's streamed text so the final AgentResult
// carries the full assistant output, not just the last delta.
type outputBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (o *outputBuffer) append(s string) {
	if s == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.b.WriteString(s)
}

func (o *outputBuffer) string() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.b.String()
}

func (o *outputBuffer) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.b.Reset()
}

// sessionCorruptionMarkers are substrings observed in CLI error output when a
// resumed session's on-disk state is unreadable. The Claude Code adapter
// checks for these to drive its rotate-and-retry-once recovery: drop the
// session ID and relaunch fresh rather than surfacing the error. No other
// adapter checks for them.
var sessionCorruptionMarkers = []string{
	"no conversation found",
	"session not found",
	"failed to resume",
	"corrupt",
}

func looksLikeSessionCorruption(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range sessionCorruptionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
