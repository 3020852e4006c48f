package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/constants"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/harness/launch"
	"github.com/sandboxedsh/missionctl/internal/harness/rtkstats"
	"github.com/sandboxedsh/missionctl/internal/runner"
	"github.com/sandboxedsh/missionctl/pkg/codex"
)

// CodexHarness implements runner.Harness for the Codex app-server's
// JSON-RPC-without-envelope wire protocol, built on pkg/codex.Client and
// its thread/turn/item notification set.
type CodexHarness struct {
	launcher  launch.Launcher
	baseSpec  launch.Spec
	missionID string
	model     string
	content   ContentSink
	log       *logger.Logger

	mu       sync.Mutex
	proc     *launch.Process
	client   *codex.Client
	events   chan runner.Event
	threadID string
	turnID   string

	output *outputBuffer
	items  map[string]*codex.Item
	rtk    *rtkstats.Tracker
}

// SetRTKTracker wires command-output compression through the rtk binary.
func (h *CodexHarness) SetRTKTracker(t *rtkstats.Tracker) { h.rtk = t }

// NewCodexHarness constructs a harness bound to one mission.
func NewCodexHarness(launcher launch.Launcher, baseSpec launch.Spec, missionID, model string, content ContentSink, log *logger.Logger) *CodexHarness {
	return &CodexHarness{
		launcher:  launcher,
		baseSpec:  baseSpec,
		missionID: missionID,
		model:     model,
		content:   content,
		log:       log.WithFields(zap.String("component", "codex-harness"), zap.String("mission_id", missionID)),
		output:    &outputBuffer{},
		items:     make(map[string]*codex.Item),
	}
}

// Launch starts the codex CLI, performs the initialize handshake, and starts
// (or resumes) a thread.
func (h *CodexHarness) Launch(ctx context.Context, sessionID string) (<-chan runner.Event, error) {
	proc, err := h.launcher.Launch(ctx, h.baseSpec)
	if err != nil {
		return nil, fmt.Errorf("codex harness: launch: %w", err)
	}

	client := codex.NewClient(proc.Stdin, proc.Stdout, h.log)
	client.SetNotificationHandler(h.onNotification)
	client.Start(ctx)

	h.mu.Lock()
	h.proc = proc
	h.client = client
	h.events = make(chan runner.Event, 128)
	events := h.events
	h.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, constants.AgentLaunchTimeout)
	defer cancel()
	if _, err := client.Call(initCtx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "missionctld", Version: "1"},
	}); err != nil {
		return nil, fmt.Errorf("codex harness: initialize: %w", err)
	}

	if sessionID != "" {
		resp, err := client.Call(ctx, codex.MethodThreadResume, codex.ThreadResumeParams{ThreadID: sessionID})
		if err == nil {
			var result codex.ThreadResumeResult
			if json.Unmarshal(resp.Result, &result) == nil && result.Thread != nil {
				h.mu.Lock()
				h.threadID = result.Thread.ID
				h.mu.Unlock()
			}
		} else {
			h.log.Warn("resume thread failed, starting fresh", zap.Error(err))
		}
	}
	if h.threadIDLocked() == "" {
		resp, err := client.Call(ctx, codex.MethodThreadStart, codex.ThreadStartParams{Model: h.model, Cwd: h.baseSpec.WorkingDir})
		if err != nil {
			return nil, fmt.Errorf("codex harness: thread/start: %w", err)
		}
		var result codex.ThreadStartResult
		if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
			return nil, fmt.Errorf("codex harness: thread/start: invalid response")
		}
		h.mu.Lock()
		h.threadID = result.Thread.ID
		h.mu.Unlock()
	}

	go func() {
		if err := proc.Wait(); err != nil {
			h.emit(runner.Event{Kind: runner.EventError, Err: fmt.Errorf("codex harness: process exited: %w", err)})
		}
	}()

	return events, nil
}

func (h *CodexHarness) threadIDLocked() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.threadID
}

// Prompt starts a turn with content as the sole text input.
func (h *CodexHarness) Prompt(ctx context.Context, content string) error {
	h.mu.Lock()
	h.output.reset()
	client := h.client
	threadID := h.threadID
	h.mu.Unlock()
	if client == nil {
		return fmt.Errorf("codex harness: not launched")
	}
	_, err := client.Call(ctx, codex.MethodTurnStart, codex.TurnStartParams{
		ThreadID: threadID,
		Input:    []codex.UserInput{{Type: "text", Text: content}},
	})
	return err
}

// Interrupt cancels the in-flight turn.
func (h *CodexHarness) Interrupt(ctx context.Context) error {
	h.mu.Lock()
	client := h.client
	threadID := h.threadID
	turnID := h.turnID
	h.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Notify(codex.MethodTurnInterrupt, map[string]string{"threadId": threadID, "turnId": turnID})
}

// Shutdown stops the client and kills the codex process.
func (h *CodexHarness) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	client := h.client
	proc := h.proc
	events := h.events
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

func (h *CodexHarness) onNotification(method string, params json.RawMessage) {
	switch method {
	case codex.NotifyTurnStarted:
		var p struct {
			TurnID string `json:"turnId"`
		}
		if json.Unmarshal(params, &p) == nil {
			h.mu.Lock()
			h.turnID = p.TurnID
			h.mu.Unlock()
		}
	case codex.NotifyItemAgentMessageDelta:
		var p codex.AgentMessageDeltaParams
		if json.Unmarshal(params, &p) == nil && p.Delta != "" {
			h.output.append(p.Delta)
			h.publish(runner.EventContent, p.Delta)
		}
	case codex.NotifyItemReasoningTextDelta, codex.NotifyItemReasoningSummaryDelta:
		var p codex.ReasoningDeltaParams
		if json.Unmarshal(params, &p) == nil && p.Delta != "" {
			h.publish(runner.EventThinking, p.Delta)
		}
	case codex.NotifyItemStarted:
		h.handleItemEvent(params, false)
	case codex.NotifyItemCompleted:
		h.handleItemEvent(params, true)
	case codex.NotifyTurnCompleted:
		h.handleTurnCompleted(params)
	case codex.NotifyError:
		var p codex.ErrorParams
		_ = json.Unmarshal(params, &p)
		h.emit(runner.Event{Kind: runner.EventError, Err: fmt.Errorf("codex harness: %s", p.Message), Result: h.buildResult(false, h.output.string())})
	}
}

func (h *CodexHarness) handleItemEvent(params json.RawMessage, completed bool) {
	var p struct {
		Item *codex.Item `json:"item"`
	}
	if json.Unmarshal(params, &p) != nil || p.Item == nil {
		return
	}
	item := p.Item
	h.mu.Lock()
	h.items[item.ID] = item
	h.mu.Unlock()

	if !completed || item.Type != "commandExecution" {
		return
	}
	status := "ok"
	if item.ExitCode != nil && *item.ExitCode != 0 {
		status = "error"
	}
	out := item.AggregatedOutput
	if h.rtk != nil {
		out = h.rtk.Compress(context.Background(), out)
	}
	h.publish(runner.EventToolResult, fmt.Sprintf("%s[%s]: %s", item.Command, status, out))
}

func (h *CodexHarness) handleTurnCompleted(params json.RawMessage) {
	var p codex.TurnCompletedParams
	_ = json.Unmarshal(params, &p)

	if !p.Success {
		h.emit(runner.Event{Kind: runner.EventError, Err: fmt.Errorf("codex harness: %s", p.Error), Result: h.buildResult(false, h.output.string())})
		return
	}
	h.emit(runner.Event{Kind: runner.EventTurnComplete, Result: h.buildResult(true, h.output.string())})
}

func (h *CodexHarness) buildResult(success bool, output string) runner.AgentResult {
	h.mu.Lock()
	threadID := h.threadID
	model := h.model
	h.mu.Unlock()
	return runner.AgentResult{
		Success:   success,
		Output:    output,
		SessionID: threadID,
		ModelUsed: model,
	}
}

func (h *CodexHarness) publish(kind runner.EventKind, text string) {
	if h.content != nil {
		h.content.PublishContent(h.missionID, string(kind), text)
	}
	h.emit(runner.Event{Kind: kind, Content: text})
}

func (h *CodexHarness) emit(ev runner.Event) {
	h.mu.Lock()
	events := h.events
	h.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- ev:
	default:
		h.log.Warn("codex event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}
