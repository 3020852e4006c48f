// Package acpharness adapts a backend speaking the Agent Client Protocol
// (amp, opencode) to the runner.Harness contract: a ClientSideConnection
// over the process's stdio drives the initialize/session-new/session-prompt
// handshake, and session/update notifications become runner.Events so the
// Control Actor and Mission Runner never see protocol differences between
// the ACP and stream-json backends.
package acpharness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/constants"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/control"
	"github.com/sandboxedsh/missionctl/internal/harness/launch"
	"github.com/sandboxedsh/missionctl/internal/runner"
)

// ContentSink receives incremental assistant text as it streams in, so the
// caller can forward it to the SSE Fan-out / history without waiting for
// EventTurnComplete.
type ContentSink interface {
	PublishContent(missionID string, text string)
}

// Harness implements runner.Harness for one ACP-speaking backend process.
type Harness struct {
	launcher   launch.Launcher
	spec       launch.Spec
	workingDir string
	missionID  string
	content    ContentSink
	log        *logger.Logger

	toolHub *control.FrontendToolHub

	mu        sync.Mutex
	proc      *launch.Process
	conn      *acp.ClientSideConnection
	sessionID string
	events    chan runner.Event
	output    strings.Builder
	pending   map[string]string // tool_call_id -> tool name/kind
}

// New constructs an ACP harness bound to one mission.
func New(launcher launch.Launcher, spec launch.Spec, workingDir, missionID string, content ContentSink, log *logger.Logger) *Harness {
	return &Harness{
		launcher:   launcher,
		spec:       spec,
		workingDir: workingDir,
		missionID:  missionID,
		content:    content,
		pending:    make(map[string]string),
		log:        log.WithFields(zap.String("component", "acpharness"), zap.String("mission_id", missionID)),
	}
}

// SetFrontendToolHub wires permission requests from the backend to connected
// clients: the harness parks each request on the hub and answers with
// whatever a client posts to the tool-result endpoint. Unset, allow options
// are auto-selected.
func (h *Harness) SetFrontendToolHub(hub *control.FrontendToolHub) { h.toolHub = hub }

// Launch starts the backend process, performs the initialize handshake, and
// creates (or resumes, if sessionID is non-empty) an ACP session.
func (h *Harness) Launch(ctx context.Context, sessionID string) (<-chan runner.Event, error) {
	proc, err := h.launcher.Launch(ctx, h.spec)
	if err != nil {
		return nil, fmt.Errorf("acpharness: launch process: %w", err)
	}

	cl := newClient(h.workingDir, h.log.Zap())
	cl.setUpdateHandler(h.onNotification)
	if h.toolHub != nil {
		cl.setPermissionHandler(h.onPermission)
	}

	conn := acp.NewClientSideConnection(cl, proc.Stdin, proc.Stdout)

	resp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "missionctld",
			Version: "1.0.0",
		},
	})
	if err != nil {
		_ = proc.Kill()
		return nil, fmt.Errorf("acpharness: initialize handshake: %w", err)
	}

	h.mu.Lock()
	h.proc = proc
	h.conn = conn
	h.events = make(chan runner.Event, 64)
	events := h.events
	h.mu.Unlock()

	if sessionID != "" && resp.AgentCapabilities.LoadSession {
		if _, err := conn.LoadSession(ctx, acp.LoadSessionRequest{SessionId: acp.SessionId(sessionID)}); err != nil {
			h.log.Warn("resume acp session failed, starting fresh", zap.Error(err))
			sessionID = ""
		}
	} else if sessionID != "" {
		h.log.Debug("backend lacks session/load capability, starting fresh session")
		sessionID = ""
	}

	if sessionID == "" {
		created, err := conn.NewSession(ctx, acp.NewSessionRequest{Cwd: h.workingDir})
		if err != nil {
			_ = proc.Kill()
			return nil, fmt.Errorf("acpharness: session/new: %w", err)
		}
		sessionID = string(created.SessionId)
	}

	h.mu.Lock()
	h.sessionID = sessionID
	h.mu.Unlock()

	go func() {
		if err := proc.Wait(); err != nil {
			h.emit(runner.Event{Kind: runner.EventError, Err: fmt.Errorf("acpharness: process exited: %w", err)})
		}
	}()

	return events, nil
}

// Prompt sends one turn's content via session/prompt. The call blocks inside
// the SDK until the turn's stop reason arrives, so it runs on its own
// goroutine and the terminal runner.Event is emitted when it returns.
func (h *Harness) Prompt(ctx context.Context, content string) error {
	h.mu.Lock()
	conn := h.conn
	sessionID := h.sessionID
	h.output.Reset()
	h.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("acpharness: not launched")
	}

	go func() {
		resp, err := conn.Prompt(ctx, acp.PromptRequest{
			SessionId: acp.SessionId(sessionID),
			Prompt:    []acp.ContentBlock{acp.TextBlock(content)},
		})
		if err != nil {
			h.emit(runner.Event{
				Kind:   runner.EventError,
				Err:    fmt.Errorf("acpharness: prompt: %w", err),
				Result: h.buildResult(false, ""),
			})
			return
		}
		h.finishTurn(resp.StopReason)
	}()
	return nil
}

// finishTurn maps the backend's stop reason onto the terminal event the
// Mission Runner's busy/idle bookkeeping consumes.
func (h *Harness) finishTurn(stop acp.StopReason) {
	switch string(stop) {
	case "cancelled":
		h.emit(runner.Event{Kind: runner.EventTurnComplete, Result: h.buildResult(false, "cancelled")})
	case "refusal", "max_turn_requests":
		h.emit(runner.Event{Kind: runner.EventBlocked, Result: h.buildResult(false, string(stop))})
	default: // end_turn, max_tokens
		h.emit(runner.Event{Kind: runner.EventTurnComplete, Result: h.buildResult(true, "")})
	}
}

func (h *Harness) buildResult(success bool, terminalReason string) runner.AgentResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return runner.AgentResult{
		Success:        success,
		Output:         h.output.String(),
		SessionID:      h.sessionID,
		TerminalReason: terminalReason,
	}
}

// Interrupt sends session/cancel; the in-flight Prompt then returns with
// StopReasonCancelled.
func (h *Harness) Interrupt(ctx context.Context) error {
	h.mu.Lock()
	conn := h.conn
	sessionID := h.sessionID
	h.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Cancel(ctx, acp.CancelNotification{SessionId: acp.SessionId(sessionID)})
}

// Shutdown kills the backend process and closes the event channel.
func (h *Harness) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	proc := h.proc
	events := h.events
	h.events = nil
	h.mu.Unlock()
	if events != nil {
		close(events)
	}
	if proc == nil {
		return nil
	}
	return proc.Kill()
}

// onNotification converts session/update notifications into runner.Events:
// message chunks stream to the ContentSink and accumulate into the turn's
// output, thought chunks surface as thinking, tool call/update pairs become
// tool_call/tool_result events labeled with the tool's kind.
func (h *Harness) onNotification(n acp.SessionNotification) {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text == nil {
			return
		}
		text := u.AgentMessageChunk.Content.Text.Text
		h.mu.Lock()
		h.output.WriteString(text)
		h.mu.Unlock()
		if h.content != nil {
			h.content.PublishContent(h.missionID, text)
		}
		h.emit(runner.Event{Kind: runner.EventContent, Content: text})

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text == nil {
			return
		}
		h.emit(runner.Event{Kind: runner.EventThinking, Content: u.AgentThoughtChunk.Content.Text.Text})

	case u.ToolCall != nil:
		id := string(u.ToolCall.ToolCallId)
		kind := string(u.ToolCall.Kind)
		h.mu.Lock()
		h.pending[id] = kind
		h.mu.Unlock()
		input := ""
		if u.ToolCall.RawInput != nil {
			if b, err := json.Marshal(u.ToolCall.RawInput); err == nil {
				input = string(b)
			}
		}
		h.emit(runner.Event{Kind: runner.EventToolCall, Content: fmt.Sprintf("%s(%s)", kind, input)})

	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		if status != "completed" && status != "failed" {
			return
		}
		id := string(u.ToolCallUpdate.ToolCallId)
		h.mu.Lock()
		kind := h.pending[id]
		delete(h.pending, id)
		h.mu.Unlock()
		out := ""
		if u.ToolCallUpdate.RawOutput != nil {
			if b, err := json.Marshal(u.ToolCallUpdate.RawOutput); err == nil {
				out = string(b)
			}
		}
		h.emit(runner.Event{Kind: runner.EventToolResult, Content: fmt.Sprintf("%s[%s]: %s", kind, status, out)})
	}
}

// onPermission delegates a session/request_permission to the frontend tool
// hub when one is wired. The answering client posts the chosen option ID as
// the result payload; no answer within the timeout cancels the action.
func (h *Harness) onPermission(ctx context.Context, toolCallID, title string, options []acp.PermissionOption) (string, bool) {
	h.emit(runner.Event{Kind: runner.EventToolCall, Content: fmt.Sprintf("%s awaiting approval (%s)", title, toolCallID)})

	waitCtx, cancel := context.WithTimeout(ctx, constants.FrontendToolTimeout)
	defer cancel()
	res, err := h.toolHub.Await(waitCtx, toolCallID)
	if err != nil {
		h.log.Warn("frontend permission request timed out, cancelling",
			zap.String("tool_call_id", toolCallID))
		return "", true
	}

	var answer struct {
		OptionID  string `json:"option_id"`
		Cancelled bool   `json:"cancelled"`
	}
	if err := json.Unmarshal(res.Result, &answer); err != nil || answer.Cancelled {
		return "", true
	}
	if answer.OptionID == "" && len(options) > 0 {
		answer.OptionID = string(options[0].OptionId)
	}
	return answer.OptionID, false
}

func (h *Harness) emit(ev runner.Event) {
	h.mu.Lock()
	events := h.events
	h.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- ev:
	default:
		h.log.Warn("acp event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}
