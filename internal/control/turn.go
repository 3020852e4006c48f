package control

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/constants"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/runner"
	"github.com/sandboxedsh/missionctl/pkg/rich"
)

// resultProvider is satisfied by *runner.Runner; kept as a narrow local
// interface so control.Runner (the test-facing contract) doesn't have to
// carry AgentResult plumbing for doubles that have no harness behind them.
type resultProvider interface {
	LastResult() runner.AgentResult
}

// appendAssistantTurn re-reads history fresh from the store and appends only
// the assistant turn, avoiding the double-append hazard: the user's
// message was already persisted synchronously in handleSendMessage, so
// rebuilding history from a stale in-memory Mission would duplicate it.
func (a *Actor) appendAssistantTurn(ctx context.Context, missionID uuid.UUID, r Runner) {
	rp, ok := r.(resultProvider)
	if !ok {
		return
	}
	res := rp.LastResult()
	if res.Output == "" && len(res.SharedFiles) == 0 {
		return
	}

	m, err := a.store.GetMission(ctx, missionID)
	if err != nil {
		a.log.Warn("append assistant turn: get mission", zap.String("mission_id", missionID.String()), zap.Error(err))
		return
	}

	entry := mission.HistoryEntry{Role: mission.RoleAssistant, Content: res.Output}
	if a.workspaceRoot != nil {
		if root := a.workspaceRoot(missionID); root != "" {
			entry.SharedFiles = rich.ResolveAll(res.Output, root)
		}
	}
	history := append(append([]mission.HistoryEntry(nil), m.History...), entry)
	if err := a.store.UpdateMissionHistory(ctx, missionID, history); err != nil {
		a.log.Warn("append assistant turn: update history", zap.String("mission_id", missionID.String()), zap.Error(err))
		return
	}

	if res.SessionID != "" && res.SessionID != m.SessionID {
		if err := a.store.UpdateMissionSessionID(ctx, missionID, res.SessionID); err != nil {
			a.log.Warn("update mission session id failed", zap.String("mission_id", missionID.String()), zap.Error(err))
		}
	}

	a.publish(BroadcastEvent{Type: "assistant_message", MissionID: missionID, Payload: map[string]any{
		"content":      res.Output,
		"shared_files": entry.SharedFiles,
		"cost_cents":   res.CostCents,
		"cost_source":  res.CostSource,
		"model_used":   res.ModelUsed,
	}})
}

// NotifyTurnCompleted is called by a Runner (via its harness adapter) once
// the backend reports it is idle again. It is the trigger for draining the
// next queued message, or releasing the runner slot if the mission has
// nothing left queued. outcome distinguishes a clean completion from a
// blocked or errored turn so the mission's terminal status reflects what
// actually happened.
func (a *Actor) NotifyTurnCompleted(ctx context.Context, missionID uuid.UUID, outcome runner.TurnOutcome, errText string) error {
	_, err := a.submit(ctx, command{kind: cmdTurnCompleted, missionID: missionID, outcome: outcome, errText: errText})
	return err
}

func (a *Actor) handleTurnCompleted(ctx context.Context, missionID uuid.UUID, outcome runner.TurnOutcome, errText string) error {
	a.mu.Lock()
	r, exists := a.runners[missionID]
	a.mu.Unlock()
	if !exists {
		return nil
	}

	if outcome != runner.OutcomeCompleted {
		return a.handleTurnInterrupted(ctx, missionID, outcome, errText)
	}

	a.appendAssistantTurn(ctx, missionID, r)

	if next, ok := a.queue.Pop(missionID); ok {
		a.log.Debug("draining queued message after turn completion",
			zap.String("mission_id", missionID.String()), zap.String("queue_id", next.ID.String()))
		if err := r.Send(ctx, next.Content); err != nil {
			return fmt.Errorf("control: send queued message: %w", err)
		}
		return nil
	}

	m, err := a.store.GetMission(ctx, missionID)
	if err != nil {
		return fmt.Errorf("control: get mission: %w", err)
	}

	// Resolve AgentFinished automations before the mission is marked
	// completed: the content feeds the queue, which is consumed the moment
	// the runner is released, not after.
	a.fireAgentFinished(ctx, m)

	if next, ok := a.queue.Pop(missionID); ok {
		if err := r.Send(ctx, next.Content); err != nil {
			return fmt.Errorf("control: send agent_finished firing: %w", err)
		}
		return nil
	}

	// Nothing queued: the mission goes idle. A primary runner stays warm;
	// a parallel runner is released so its slot can serve another mission.
	if missionID != a.primary {
		a.releaseRunner(ctx, missionID)
	}

	reason := mission.ReasonCompleted
	success := true
	if rp, ok := r.(resultProvider); ok {
		res := rp.LastResult()
		success = res.Success
		if res.TerminalReason != "" {
			reason = mission.TerminalReason(res.TerminalReason)
		}
	}
	newStatus := statusForReason(reason, success)

	// Only Active and Interrupted missions take a terminal status here: a
	// cancelled turn's mission was already marked Interrupted by the cancel
	// path, and recomputing cancelled→Interrupted is a no-op. Completion is
	// also suppressed while the mission has an active automation, so the
	// mission stays open for its recurring firings.
	if m.Status == mission.StatusActive || m.Status == mission.StatusInterrupted {
		skip := newStatus == mission.StatusCompleted && a.missionHasActiveAutomation(ctx, missionID)
		if !skip {
			if err := a.store.UpdateMissionStatusWithReason(ctx, missionID, newStatus, &reason); err != nil {
				return fmt.Errorf("control: mark mission %s: %w", newStatus, err)
			}
			a.publish(BroadcastEvent{Type: "status_changed", MissionID: missionID, Payload: map[string]any{"status": newStatus, "reason": reason}})
		}
	}

	if err := a.store.CompleteRunningExecutionsForMission(ctx, missionID, success, nil); err != nil {
		a.log.Warn("complete running automation executions failed",
			zap.String("mission_id", missionID.String()), zap.Error(err))
	}

	a.closeDesktopSessions(ctx, missionID)
	a.scheduleMetadataRefresh(ctx, m, true)
	return nil
}

// statusForReason computes the terminal mission status for a finished turn.
func statusForReason(reason mission.TerminalReason, success bool) mission.Status {
	switch reason {
	case mission.ReasonCompleted:
		return mission.StatusCompleted
	case mission.ReasonCancelled:
		return mission.StatusInterrupted
	case mission.ReasonMaxIterations:
		return mission.StatusBlocked
	default:
		if success {
			return mission.StatusCompleted
		}
		return mission.StatusFailed
	}
}

// missionHasActiveAutomation reports whether any automation bound to the
// mission is still active. A store error logs a warning and reports false,
// so completion proceeds rather than wedging the mission open.
func (a *Actor) missionHasActiveAutomation(ctx context.Context, missionID uuid.UUID) bool {
	automations, err := a.store.GetMissionAutomations(ctx, missionID)
	if err != nil {
		a.log.Warn("list mission automations failed",
			zap.String("mission_id", missionID.String()), zap.Error(err))
		return false
	}
	for _, auto := range automations {
		if auto.Active {
			return true
		}
	}
	return false
}

// handleTurnInterrupted handles a blocked or errored turn: the mission does
// not go back to the queue-drain path, since blocked/errored missions need
// human attention rather than the next queued prompt firing automatically.
func (a *Actor) handleTurnInterrupted(ctx context.Context, missionID uuid.UUID, outcome runner.TurnOutcome, errText string) error {
	status := mission.StatusBlocked
	reason := mission.ReasonStalled
	if outcome == runner.OutcomeError {
		status = mission.StatusFailed
		reason = mission.ReasonLLMError
	}

	a.mu.Lock()
	r, exists := a.runners[missionID]
	a.mu.Unlock()
	if exists {
		a.appendAssistantTurn(ctx, missionID, r)
	}

	// A cancelled mission is already Interrupted; the backend's follow-up
	// error (interrupt surfaced as a failed result) must not repaint it as
	// Failed or spam an error event.
	if m, err := a.store.GetMission(ctx, missionID); err == nil {
		if m.Status == mission.StatusInterrupted && m.TerminalReason != nil && *m.TerminalReason == mission.ReasonCancelled {
			if missionID != a.primary {
				a.releaseRunner(ctx, missionID)
			}
			a.closeDesktopSessions(ctx, missionID)
			return nil
		}
	}

	if err := a.store.UpdateMissionStatusWithReason(ctx, missionID, status, &reason); err != nil {
		return fmt.Errorf("control: mark mission %s: %w", status, err)
	}
	errMsg := errText
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	if err := a.store.CompleteRunningExecutionsForMission(ctx, missionID, false, errPtr); err != nil {
		a.log.Warn("complete running automation executions failed",
			zap.String("mission_id", missionID.String()), zap.Error(err))
	}

	if missionID != a.primary {
		a.releaseRunner(ctx, missionID)
	}

	a.publish(BroadcastEvent{Type: "status_changed", MissionID: missionID, Payload: map[string]any{"status": status, "reason": reason}})
	a.closeDesktopSessions(ctx, missionID)

	if m, err := a.store.GetMission(ctx, missionID); err == nil {
		a.scheduleMetadataRefresh(ctx, m, true)
	}
	return nil
}

// fireAgentFinished resolves AgentFinished automations for m and splices
// them onto the front of its queue. Firings are pushed in reverse
// resolution order: PushFront repeatedly prepends, so the last Push ends up
// at the head, restoring the original (creation) order once drained FIFO.
func (a *Actor) fireAgentFinished(ctx context.Context, m *mission.Mission) {
	if a.resolveAF == nil {
		return
	}
	firings := a.resolveAF(ctx, m)
	for i := len(firings) - 1; i >= 0; i-- {
		f := firings[i]
		a.queue.PushFront(m.ID, f.Content, "automation")
	}
}

func (a *Actor) closeDesktopSessions(ctx context.Context, missionID uuid.UUID) {
	if a.desktop == nil {
		return
	}
	if err := a.desktop.CloseSessions(ctx, missionID); err != nil {
		a.log.Warn("close desktop sessions failed", zap.String("mission_id", missionID.String()), zap.Error(err))
	}
}

// scheduleMetadataRefresh hands off to the Metadata Refresher without
// blocking the command loop: refresh does its own network/store I/O and
// must never hold up the next command's dispatch. A short delay lets the
// harness adapter finish persisting the final history entry first.
func (a *Actor) scheduleMetadataRefresh(ctx context.Context, m *mission.Mission, forced bool) {
	if a.metadata == nil {
		return
	}
	go func() {
		select {
		case <-time.After(constants.MetadataRefreshResumeDelay):
		case <-ctx.Done():
			return
		}
		refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.metadata.ScheduleRefresh(refreshCtx, m, forced); err != nil {
			a.log.Warn("metadata refresh failed", zap.String("mission_id", m.ID.String()), zap.Error(err))
		}
	}()
}

func (a *Actor) releaseRunner(ctx context.Context, missionID uuid.UUID) {
	a.mu.Lock()
	r, ok := a.runners[missionID]
	if ok {
		delete(a.runners, missionID)
	}
	a.mu.Unlock()

	if !ok {
		return
	}
	if err := r.Stop(ctx); err != nil {
		a.log.Warn("error stopping released runner",
			zap.String("mission_id", missionID.String()), zap.Error(err))
	}
}
