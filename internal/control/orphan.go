package control

import (
	"context"

	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/mission"
)

// recoverOrphans runs at startup and on a 5-minute tick
// (constants.OrphanRecoveryTick). It finds missions the store still marks
// active but for which this actor holds no runner — the unclean-shutdown
// case — and flips them to interrupted so they surface as resumable instead
// of silently stuck "active" forever.
func (a *Actor) recoverOrphans(ctx context.Context) {
	active, err := a.store.GetAllActiveMissions(ctx)
	if err != nil {
		a.log.Warn("orphan recovery: list active missions failed", zap.Error(err))
		return
	}

	a.mu.Lock()
	owned := make(map[string]bool, len(a.runners))
	for id := range a.runners {
		owned[id.String()] = true
	}
	a.mu.Unlock()

	for _, m := range active {
		if owned[m.ID.String()] {
			continue
		}
		reason := mission.ReasonStalled
		if err := a.store.UpdateMissionStatusWithReason(ctx, m.ID, mission.StatusInterrupted, &reason); err != nil {
			a.log.Warn("orphan recovery: mark interrupted failed",
				zap.String("mission_id", m.ID.String()), zap.Error(err))
			continue
		}
		a.log.Info("recovered orphaned mission", zap.String("mission_id", m.ID.String()))
	}

	// Safety net: anything that has been "active" longer than the
	// configured threshold is force-completed, whether or not a runner
	// claims it. 0 disables the sweep.
	if a.staleHours > 0 {
		stale, err := a.store.GetStaleActiveMissions(ctx, a.staleHours)
		if err != nil {
			a.log.Warn("orphan recovery: list stale missions failed", zap.Error(err))
			return
		}
		for _, m := range stale {
			reason := mission.ReasonStalled
			if err := a.store.UpdateMissionStatusWithReason(ctx, m.ID, mission.StatusCompleted, &reason); err != nil {
				a.log.Warn("orphan recovery: auto-close stale mission failed",
					zap.String("mission_id", m.ID.String()), zap.Error(err))
				continue
			}
			a.log.Info("auto-closed stale mission",
				zap.String("mission_id", m.ID.String()), zap.Int("stale_hours", a.staleHours))
		}
	}
}
