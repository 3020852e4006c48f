package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/harness/launch"
	"github.com/sandboxedsh/missionctl/internal/runner"
	"github.com/sandboxedsh/missionctl/pkg/claudecode"
)

type capturedContent struct {
	kind string
	text string
}

type captureSink struct {
	published []capturedContent
}

func (s *captureSink) PublishContent(missionID, kind, text string) {
	s.published = append(s.published, capturedContent{kind: kind, text: text})
}

func newTestHarness(t *testing.T) (*ClaudeCodeHarness, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	h := NewClaudeCodeHarness(launch.NewLocalLauncher(), launch.Spec{Command: "claude"}, "m-1", sink, logger.Default())
	h.events = make(chan runner.Event, 16)
	return h, sink
}

func drainEvents(h *ClaudeCodeHarness) []runner.Event {
	var out []runner.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func cliMessage(t *testing.T, raw string) *claudecode.CLIMessage {
	t.Helper()
	var msg claudecode.CLIMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	msg.RawContent = []byte(raw)
	return &msg
}

func TestAssistantTextBecomesContent(t *testing.T) {
	h, sink := newTestHarness(t)

	h.onMessage(cliMessage(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}`))

	require.Len(t, sink.published, 1)
	require.Equal(t, string(runner.EventContent), sink.published[0].kind)
	require.Equal(t, "working on it", sink.published[0].text)
	require.Equal(t, "working on it", h.output.string())
}

func TestAssistantThinkingBecomesThinking(t *testing.T) {
	h, sink := newTestHarness(t)

	h.onMessage(cliMessage(t, `{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"hmm"}]}}`))

	require.Len(t, sink.published, 1)
	require.Equal(t, string(runner.EventThinking), sink.published[0].kind)
	// Thinking never leaks into the final output.
	require.Empty(t, h.output.string())
}

func TestEmptyTextBlocksAreDropped(t *testing.T) {
	h, sink := newTestHarness(t)

	h.onMessage(cliMessage(t, `{"type":"assistant","message":{"content":[{"type":"text","text":""}]}}`))

	require.Empty(t, sink.published)
	require.Empty(t, drainEvents(h))
}

func TestToolUseThenResultCarriesToolName(t *testing.T) {
	h, sink := newTestHarness(t)

	h.onMessage(cliMessage(t, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t_1","name":"Bash","input":{"command":"ls"}}]}}`))
	h.onMessage(cliMessage(t, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t_1","content":"file.go","is_error":false}]}}`))

	require.Len(t, sink.published, 2)
	require.Equal(t, string(runner.EventToolCall), sink.published[0].kind)
	require.Contains(t, sink.published[0].text, "Bash")
	require.Equal(t, string(runner.EventToolResult), sink.published[1].kind)
	require.Contains(t, sink.published[1].text, "Bash[ok]")
	require.Contains(t, sink.published[1].text, "file.go")
}

func TestStructuredToolResultCollapses(t *testing.T) {
	h, sink := newTestHarness(t)

	h.onMessage(cliMessage(t, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t_2","name":"Read","input":{}}]}}`))
	h.onMessage(cliMessage(t, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t_2","content":[{"type":"text","text":"line one"},{"type":"image","source":{}}],"is_error":false}]}}`))

	require.Len(t, sink.published, 2)
	require.Contains(t, sink.published[1].text, "line one")
	require.Contains(t, sink.published[1].text, "[image]")
}

func TestStreamDeltaAppendsOutput(t *testing.T) {
	h, sink := newTestHarness(t)

	h.onMessage(cliMessage(t, `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"chunk"}}}`))
	h.onMessage(cliMessage(t, `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"mull"}}}`))

	require.Equal(t, "chunk", h.output.string())
	require.Len(t, sink.published, 2)
	require.Equal(t, string(runner.EventContent), sink.published[0].kind)
	require.Equal(t, string(runner.EventThinking), sink.published[1].kind)
}

func TestResultSuccessEmitsTurnComplete(t *testing.T) {
	h, _ := newTestHarness(t)

	h.onMessage(cliMessage(t, `{"type":"system","subtype":"init","session_id":"sess-9"}`))
	h.onMessage(cliMessage(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}`))
	h.onMessage(cliMessage(t, `{"type":"result","subtype":"result","is_error":false,"result":"done"}`))

	events := drainEvents(h)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, runner.EventTurnComplete, last.Kind)
	require.True(t, last.Result.Success)
	require.Equal(t, "done", last.Result.Output)
	require.Equal(t, "sess-9", last.Result.SessionID)
}

func TestResultErrorEmitsError(t *testing.T) {
	h, _ := newTestHarness(t)

	h.onMessage(cliMessage(t, `{"type":"result","subtype":"error","is_error":true,"errors":["credit balance exhausted"]}`))

	events := drainEvents(h)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, runner.EventError, last.Kind)
	require.False(t, last.Result.Success)
	require.ErrorContains(t, last.Err, "credit balance exhausted")
}

func TestResultFallsBackToStreamedOutput(t *testing.T) {
	h, _ := newTestHarness(t)

	h.onMessage(cliMessage(t, `{"type":"assistant","message":{"content":[{"type":"text","text":"accumulated"}]}}`))
	h.onMessage(cliMessage(t, `{"type":"result","subtype":"result","is_error":false}`))

	events := drainEvents(h)
	last := events[len(events)-1]
	require.Equal(t, runner.EventTurnComplete, last.Kind)
	require.Equal(t, "accumulated", last.Result.Output)
}

func TestLooksLikeSessionCorruption(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"No conversation found with session ID abc", true},
		{"Session not found", true},
		{"failed to resume conversation", true},
		{"state file is corrupt", true},
		{"rate limit exceeded", false},
		{"", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, looksLikeSessionCorruption(tt.msg), tt.msg)
	}
}
