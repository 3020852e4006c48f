package control

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sandboxedsh/missionctl/internal/mission"
)

// Cancel interrupts a mission's in-flight turn and drops any FIFO-queued
// follow-ups. Cancellation is quiet: no error event is emitted.
func (a *Actor) Cancel(ctx context.Context, missionID uuid.UUID) error {
	_, err := a.submit(ctx, command{kind: cmdCancel, missionID: missionID})
	return err
}

func (a *Actor) handleCancel(ctx context.Context, missionID uuid.UUID) error {
	a.queue.Drain(missionID)

	a.mu.Lock()
	r, exists := a.runners[missionID]
	a.mu.Unlock()

	if exists {
		if err := r.Cancel(ctx); err != nil {
			return fmt.Errorf("control: cancel runner: %w", err)
		}
		if missionID != a.primary {
			a.releaseRunner(ctx, missionID)
		}
	}

	if err := a.store.CompleteRunningExecutionsForMission(ctx, missionID, false, nil); err != nil {
		return fmt.Errorf("control: complete automation executions: %w", err)
	}
	reason := mission.ReasonCancelled
	return a.store.UpdateMissionStatusWithReason(ctx, missionID, mission.StatusInterrupted, &reason)
}
