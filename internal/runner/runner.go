// Package runner implements the Mission Runner: one instance bound to a
// single mission, owning its harness process, busy/idle bookkeeping, and
// turn lifecycle.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/pkg/rich"
)

// Harness is the subset of the Harness Adapter contract a Runner depends on.
// Concrete implementations live in internal/harness (NDJSON/ACP backends).
type Harness interface {
	// Launch starts (or attaches to) the backend process for the given
	// session, returning a channel of lifecycle/content events.
	Launch(ctx context.Context, sessionID string) (<-chan Event, error)
	// Prompt delivers a turn's content to the running backend.
	Prompt(ctx context.Context, content string) error
	// Interrupt asks the backend to stop its current turn.
	Interrupt(ctx context.Context) error
	// Shutdown tears down the backend process.
	Shutdown(ctx context.Context) error
}

// EventKind discriminates Event.
type EventKind string

const (
	EventTurnComplete EventKind = "turn_complete"
	EventContent      EventKind = "content"
	EventError        EventKind = "error"
	EventBlocked      EventKind = "blocked"
	// EventThinking, EventToolCall, EventToolResult don't affect busy/idle
	// bookkeeping (only EventTurnComplete/EventBlocked/EventError do); a
	// harness adapter emits them purely so callers subscribed to its own
	// ContentSink/broadcast wiring see the full per-turn activity stream.
	EventThinking   EventKind = "thinking"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
)

// Event is one lifecycle notification from a Harness.
type Event struct {
	Kind    EventKind
	Content string
	Err     error
	// Result carries the turn's final output once Kind is
	// EventTurnComplete/EventBlocked/EventError, so the Control Actor can
	// persist history and cost/usage without re-parsing CLI events itself.
	Result AgentResult
}

// AgentResult is a harness adapter's per-turn outcome: output text, cost
// accounting, and resumability hints.
type AgentResult struct {
	Success        bool
	Output         string
	SharedFiles    []rich.SharedFile
	CostCents      int64
	CostSource     string
	Usage          map[string]int64
	ModelUsed      string
	TerminalReason string
	// SessionID is the backend's session/thread identifier for this turn,
	// used to resume the same conversation on the next Launch. Empty if the
	// harness adapter doesn't support resumption or the backend didn't
	// report one.
	SessionID string
}

// TurnOutcome distinguishes why a turn ended, so the Control Actor can set
// the right terminal mission status without re-inspecting harness events.
type TurnOutcome string

const (
	OutcomeCompleted TurnOutcome = "completed"
	OutcomeBlocked   TurnOutcome = "blocked"
	OutcomeError     TurnOutcome = "error"
)

// CompletionNotifier is satisfied by control.Actor; kept as a narrow
// interface here so runner never imports the control package (which would
// create an import cycle, since control depends on runner.Runner).
type CompletionNotifier interface {
	NotifyTurnCompleted(ctx context.Context, missionID uuid.UUID, outcome TurnOutcome, errText string) error
}

// Runner owns one mission's harness process.
type Runner struct {
	missionID uuid.UUID
	harness   Harness
	notifier  CompletionNotifier
	log       *logger.Logger

	mu          sync.Mutex
	busy        bool
	lastTouched time.Time
	lastResult  AgentResult

	events <-chan Event
	cancel context.CancelFunc
}

// New creates a Runner bound to m and launches its harness session. The
// stored session ID is only offered for resumption when the mission already
// has an assistant turn; a freshly created mission's seeded session ID is
// unknown to the backend and asking it to resume one would fail.
func New(ctx context.Context, m *mission.Mission, h Harness, notifier CompletionNotifier, log *logger.Logger) (*Runner, error) {
	sessionID := m.SessionID
	if !isContinuation(m.History) {
		sessionID = ""
	}
	events, err := h.Launch(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("runner: launch harness: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Runner{
		missionID:   m.ID,
		harness:     h,
		notifier:    notifier,
		log:         log.WithFields(zap.String("component", "runner"), zap.String("mission_id", m.ID.String())),
		lastTouched: time.Now().UTC(),
		events:      events,
		cancel:      cancel,
	}
	go r.pollCompletion(runCtx)
	return r, nil
}

// isContinuation reports whether the mission has a prior assistant
// response, the condition under which the backend can meaningfully resume
// its session.
func isContinuation(history []mission.HistoryEntry) bool {
	for _, e := range history {
		if e.Role == mission.RoleAssistant {
			return true
		}
	}
	return false
}

// MissionID satisfies control.Runner.
func (r *Runner) MissionID() uuid.UUID { return r.missionID }

// IsBusy reports whether a turn is currently in flight.
func (r *Runner) IsBusy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

func (r *Runner) touch() {
	r.mu.Lock()
	r.lastTouched = time.Now().UTC()
	r.mu.Unlock()
}

// LastResult returns the most recently reported AgentResult, the harness
// adapter's final turn outcome. It is not part of the narrow control.Runner
// interface; callers holding that interface reach it via a type assertion
// to *Runner.
func (r *Runner) LastResult() AgentResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastResult
}

// LastTouched reports when the runner last made progress. Stale-mission
// detection does not read it; that sweep uses the Mission Store's own
// updated_at column.
func (r *Runner) LastTouched() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTouched
}

// Send delivers a prompt, marking the runner busy until turn completion.
func (r *Runner) Send(ctx context.Context, content string) error {
	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		return fmt.Errorf("runner: mission %s already has a turn in flight", r.missionID)
	}
	r.busy = true
	r.mu.Unlock()
	r.touch()

	if err := r.harness.Prompt(ctx, content); err != nil {
		r.mu.Lock()
		r.busy = false
		r.mu.Unlock()
		return fmt.Errorf("runner: prompt: %w", err)
	}
	return nil
}

// Cancel interrupts the in-flight turn, if any.
func (r *Runner) Cancel(ctx context.Context) error {
	if err := r.harness.Interrupt(ctx); err != nil {
		return fmt.Errorf("runner: interrupt: %w", err)
	}
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
	return nil
}

// Stop tears down the harness process.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	return r.harness.Shutdown(ctx)
}

// pollCompletion drains the harness event channel, marking the runner idle
// and notifying the Control Actor whenever a turn finishes.
func (r *Runner) pollCompletion(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.touch()
			switch ev.Kind {
			case EventTurnComplete, EventBlocked, EventError:
				r.mu.Lock()
				r.busy = false
				r.lastResult = ev.Result
				r.mu.Unlock()

				outcome := OutcomeCompleted
				errText := ""
				switch ev.Kind {
				case EventBlocked:
					outcome = OutcomeBlocked
				case EventError:
					outcome = OutcomeError
					if ev.Err != nil {
						errText = ev.Err.Error()
					}
				}
				if err := r.notifier.NotifyTurnCompleted(ctx, r.missionID, outcome, errText); err != nil {
					r.log.Warn("notify turn completed failed", zap.Error(err))
				}
			case EventContent:
				// Content events flow to the SSE Fan-out via the Harness
				// Adapter's own subscription; the runner only tracks
				// busy/idle state here.
			}
		}
	}
}
