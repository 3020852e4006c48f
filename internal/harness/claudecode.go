package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/constants"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/control"
	"github.com/sandboxedsh/missionctl/internal/harness/launch"
	"github.com/sandboxedsh/missionctl/internal/harness/rtkstats"
	"github.com/sandboxedsh/missionctl/internal/runner"
	"github.com/sandboxedsh/missionctl/pkg/claudecode"
)

// ContentSink receives incremental activity (text, thinking, tool calls/
// results) as a turn streams in, for forwarding onto the SSE Fan-out without
// waiting for EventTurnComplete. kind is a runner.EventKind's string form,
// or "session_id_update" when the Claude Code adapter reports a new session ID.
type ContentSink interface {
	PublishContent(missionID, kind, text string)
}

// ClaudeCodeHarness implements runner.Harness for the Claude Code CLI's
// stream-json wire protocol, built on pkg/claudecode.Client.
type ClaudeCodeHarness struct {
	launcher  launch.Launcher
	baseSpec  launch.Spec
	missionID string
	content   ContentSink
	log       *logger.Logger

	mu               sync.Mutex
	proc             *launch.Process
	client           *claudecode.Client
	events           chan runner.Event
	launchCtx        context.Context
	sessionID        string
	corruptionRetried bool
	lastPrompt       string

	tools  *toolRegistry
	output *outputBuffer

	toolHub *control.FrontendToolHub
	rtk     *rtkstats.Tracker
}

// SetFrontendToolHub wires permission (can_use_tool) requests from the CLI
// to connected clients: the harness parks the request on the hub and answers
// with whatever a client posts to the tool-result endpoint. Unset, every
// permission request is auto-allowed.
func (h *ClaudeCodeHarness) SetFrontendToolHub(hub *control.FrontendToolHub) { h.toolHub = hub }

// SetRTKTracker wires tool-result output compression through the rtk binary.
func (h *ClaudeCodeHarness) SetRTKTracker(t *rtkstats.Tracker) { h.rtk = t }

// NewClaudeCodeHarness constructs a harness bound to one mission. baseSpec's
// Args should already contain the stream-json input/output format flags;
// Launch appends --resume when sessionID is non-empty.
func NewClaudeCodeHarness(launcher launch.Launcher, baseSpec launch.Spec, missionID string, content ContentSink, log *logger.Logger) *ClaudeCodeHarness {
	return &ClaudeCodeHarness{
		launcher:  launcher,
		baseSpec:  baseSpec,
		missionID: missionID,
		content:   content,
		log:       log.WithFields(zap.String("component", "claudecode-harness"), zap.String("mission_id", missionID)),
		tools:     newToolRegistry(),
		output:    &outputBuffer{},
	}
}

// Launch starts the claude CLI, optionally resuming sessionID.
func (h *ClaudeCodeHarness) Launch(ctx context.Context, sessionID string) (<-chan runner.Event, error) {
	spec := h.baseSpec
	spec.Args = append([]string(nil), h.baseSpec.Args...)
	if sessionID != "" {
		spec.Args = append(spec.Args, "--resume", sessionID)
	}

	proc, err := h.launcher.Launch(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("claudecode harness: launch: %w", err)
	}

	client := claudecode.NewClient(proc.Stdin, proc.Stdout, h.log)
	client.SetMessageHandler(h.onMessage)
	client.SetRequestHandler(h.onControlRequest)

	h.mu.Lock()
	h.proc = proc
	h.client = client
	h.events = make(chan runner.Event, 128)
	h.launchCtx = ctx
	h.sessionID = sessionID
	events := h.events
	h.mu.Unlock()

	<-client.Start(ctx)

	if _, err := client.Initialize(ctx, constants.AgentLaunchTimeout); err != nil {
		h.log.Warn("initialize handshake failed, continuing without slash commands", zap.Error(err))
	}

	go func() {
		if err := proc.Wait(); err != nil {
			h.emit(runner.Event{Kind: runner.EventError, Err: fmt.Errorf("claudecode harness: process exited: %w", err)})
		}
	}()

	return events, nil
}

// Prompt sends one turn's content as a user message.
func (h *ClaudeCodeHarness) Prompt(ctx context.Context, content string) error {
	h.mu.Lock()
	h.output.reset()
	h.lastPrompt = content
	client := h.client
	h.mu.Unlock()
	if client == nil {
		return fmt.Errorf("claudecode harness: not launched")
	}
	return client.SendUserMessage(content)
}

// Interrupt sends a control_request of subtype "interrupt".
func (h *ClaudeCodeHarness) Interrupt(ctx context.Context) error {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.SendControlRequest(&claudecode.SDKControlRequest{
		Type:      claudecode.MessageTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   claudecode.SDKControlRequestBody{Subtype: claudecode.SubtypeInterrupt},
	})
}

// Shutdown stops the client and kills the CLI process.
func (h *ClaudeCodeHarness) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	client := h.client
	proc := h.proc
	events := h.events
	h.events = nil
	h.mu.Unlock()
	if client != nil {
		client.Stop()
	}
	if events != nil {
		close(events)
	}
	if proc == nil {
		return nil
	}
	return proc.Kill()
}

func (h *ClaudeCodeHarness) onMessage(msg *claudecode.CLIMessage) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.SessionID != "" {
			h.mu.Lock()
			changed := h.sessionID != "" && h.sessionID != msg.SessionID
			h.sessionID = msg.SessionID
			h.mu.Unlock()
			// A mid-mission session change (rotation after corruption, or
			// the CLI deciding to fork) is announced so subscribers and the
			// store pick up the new id before the turn even finishes.
			if changed && h.content != nil {
				h.content.PublishContent(h.missionID, "session_id_update", msg.SessionID)
			}
		}
	case claudecode.MessageTypeAssistant:
		h.handleAssistant(msg)
	case claudecode.MessageTypeUser:
		h.handleToolResults(msg)
	case "stream_event":
		h.handleStreamEvent(msg)
	case claudecode.MessageTypeResult:
		h.handleResult(msg)
	}
}

// onControlRequest answers the CLI's control requests. Permission requests
// (can_use_tool) are delegated to the FrontendToolHub so a connected client
// can approve or deny; everything else, and every request while no hub is
// wired or no client answers in time, is allowed so unattended missions keep
// moving.
func (h *ClaudeCodeHarness) onControlRequest(requestID string, req *claudecode.ControlRequest) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		h.respondControl(requestID, &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow})
		return
	}

	go func() {
		result := &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow}
		if h.toolHub != nil {
			h.publish(runner.EventToolCall, fmt.Sprintf("%s awaiting approval (%s)", req.ToolName, req.ToolUseID))

			ctx, cancel := context.WithTimeout(context.Background(), constants.FrontendToolTimeout)
			defer cancel()
			if res, err := h.toolHub.Await(ctx, req.ToolUseID); err == nil {
				var answered claudecode.PermissionResult
				if jsonErr := json.Unmarshal(res.Result, &answered); jsonErr == nil && answered.Behavior != "" {
					result = &answered
				}
			} else {
				h.log.Warn("frontend tool approval timed out, allowing",
					zap.String("tool", req.ToolName), zap.String("tool_use_id", req.ToolUseID))
			}
		}
		h.respondControl(requestID, result)
	}()
}

func (h *ClaudeCodeHarness) respondControl(requestID string, result *claudecode.PermissionResult) {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	if client == nil {
		return
	}
	err := client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &claudecode.ControlResponse{Subtype: "success", Result: result},
	})
	if err != nil {
		h.log.Warn("send control response failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (h *ClaudeCodeHarness) handleAssistant(msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.GetContentBlocks() {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			h.output.append(block.Text)
			h.publish(runner.EventContent, block.Text)
		case "thinking":
			if block.Thinking != "" {
				h.publish(runner.EventThinking, block.Thinking)
			}
		case "tool_use":
			h.tools.register(block.ID, block.Name)
			payload, _ := json.Marshal(block.Input)
			h.publish(runner.EventToolCall, fmt.Sprintf("%s(%s)", block.Name, string(payload)))
		}
	}
}

func (h *ClaudeCodeHarness) handleToolResults(msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.GetContentBlocks() {
		if block.Type != "tool_result" {
			continue
		}
		name := h.tools.resolve(block.ToolUseID)
		status := "ok"
		if block.IsError {
			status = "error"
		}
		content := block.ContentText()
		if h.rtk != nil {
			content = h.rtk.Compress(context.Background(), content)
		}
		h.publish(runner.EventToolResult, fmt.Sprintf("%s[%s]: %s", name, status, content))
	}
}

func (h *ClaudeCodeHarness) handleStreamEvent(msg *claudecode.CLIMessage) {
	var envelope claudecode.StreamEventEnvelope
	if err := json.Unmarshal(msg.RawContent, &envelope); err != nil || envelope.Event == nil {
		return
	}
	se := envelope.Event
	if se.Delta == nil {
		return
	}
	switch se.Delta.Type {
	case "text_delta":
		if se.Delta.Text != "" {
			h.output.append(se.Delta.Text)
			h.publish(runner.EventContent, se.Delta.Text)
		}
	case "thinking_delta":
		if se.Delta.Thinking != "" {
			h.publish(runner.EventThinking, se.Delta.Thinking)
		}
	}
}

func (h *ClaudeCodeHarness) handleResult(msg *claudecode.CLIMessage) {
	success := !msg.IsError && msg.Subtype != "error"

	text := msg.GetResultString()
	if data := msg.GetResultData(); data != nil {
		if data.Text != "" {
			text = data.Text
		}
		if data.SessionID != "" {
			h.mu.Lock()
			h.sessionID = data.SessionID
			h.mu.Unlock()
		}
	}
	if text == "" {
		text = h.output.string()
	}

	if !success {
		errText := strings.Join(msg.Errors, "; ")
		if errText == "" {
			errText = text
		}
		if looksLikeSessionCorruption(errText) && h.tryRotateAndRetry() {
			return
		}
		h.emit(runner.Event{Kind: runner.EventError, Err: fmt.Errorf("claudecode harness: %s", errText), Result: h.buildResult(false, text)})
		return
	}

	h.emit(runner.Event{Kind: runner.EventTurnComplete, Result: h.buildResult(true, text)})
}

func (h *ClaudeCodeHarness) buildResult(success bool, output string) runner.AgentResult {
	h.mu.Lock()
	sessionID := h.sessionID
	h.mu.Unlock()
	return runner.AgentResult{
		Success:   success,
		Output:    output,
		SessionID: sessionID,
	}
}

// tryRotateAndRetry drops the corrupted session and relaunches fresh,
// resending the in-flight prompt exactly once. Returns true if a retry was
// started (the caller should not emit a terminal event for this attempt).
func (h *ClaudeCodeHarness) tryRotateAndRetry() bool {
	h.mu.Lock()
	if h.corruptionRetried {
		h.mu.Unlock()
		return false
	}
	h.corruptionRetried = true
	ctx := h.launchCtx
	prompt := h.lastPrompt
	h.mu.Unlock()

	h.log.Warn("detected corrupted session, rotating and retrying once")

	if err := h.Shutdown(context.Background()); err != nil {
		h.log.Warn("shutdown before rotate failed", zap.Error(err))
	}

	if _, err := h.Launch(ctx, ""); err != nil {
		h.emit(runner.Event{Kind: runner.EventError, Err: fmt.Errorf("claudecode harness: rotate relaunch: %w", err)})
		return true
	}

	// The fresh session has no memory of the conversation; flag the reset so
	// the model treats the resent prompt as a continuation, not an opener.
	retryPrompt := "## Prior conversation (session was reset due to a transient error)\n\n" +
		"The previous session state was lost. The message below repeats the latest request; workspace files reflect all work completed so far.\n\n" + prompt
	if err := h.Prompt(ctx, retryPrompt); err != nil {
		h.emit(runner.Event{Kind: runner.EventError, Err: fmt.Errorf("claudecode harness: rotate resend: %w", err)})
	}
	return true
}

func (h *ClaudeCodeHarness) publish(kind runner.EventKind, text string) {
	if h.content != nil {
		h.content.PublishContent(h.missionID, string(kind), text)
	}
	h.emit(runner.Event{Kind: kind, Content: text})
}

func (h *ClaudeCodeHarness) emit(ev runner.Event) {
	h.mu.Lock()
	events := h.events
	h.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- ev:
	default:
		h.log.Warn("claudecode event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}
