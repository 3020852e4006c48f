package automation

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/automation/library"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

// Firing is one resolved AgentFinished automation ready to be enqueued.
type Firing struct {
	AutomationID uuid.UUID
	Content      string
}

// ResolveAgentFinishedFirings finds every active AgentFinished automation
// bound to m, stable-sorted by creation order, resolves each one's command,
// and creates a Running AutomationExecution record for it. The caller is
// responsible for pushing the resolved Firings onto the front of the
// mission's queue in reverse order, so the overall firing order is
// preserved once each is popped off the FIFO.
func ResolveAgentFinishedFirings(ctx context.Context, store missionstore.Store, m *mission.Mission, lib library.Loader, readFile func(string) (string, error), workingDirOf func(*mission.Mission) string, log *logger.Logger) []Firing {
	automations, err := store.GetMissionAutomations(ctx, m.ID)
	if err != nil {
		log.Warn("resolve agent_finished automations: list failed", zap.String("mission_id", m.ID.String()), zap.Error(err))
		return nil
	}

	var candidates []*mission.Automation
	for _, a := range automations {
		if a.Active && a.Trigger.Kind == mission.TriggerAgentFinished {
			candidates = append(candidates, a)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	workingDir := ""
	if workingDirOf != nil {
		workingDir = workingDirOf(m)
	}

	var firings []Firing
	for _, a := range candidates {
		vars := BuildVariables(m, workingDir, a.Variables)
		content, err := ResolveCommand(a, vars, lib, readFile)
		if err != nil {
			log.Warn("resolve agent_finished command failed", zap.String("automation_id", a.ID.String()), zap.Error(err))
			continue
		}

		exec := &mission.AutomationExecution{
			ID:           uuid.New(),
			AutomationID: a.ID,
			Status:       mission.ExecutionRunning,
			CreatedAt:    time.Now().UTC(),
		}
		if err := store.CreateAutomationExecution(ctx, exec); err != nil {
			log.Warn("create agent_finished execution failed", zap.Error(err))
			continue
		}
		if err := store.UpdateAutomationLastTriggered(ctx, a.ID); err != nil {
			log.Warn("update agent_finished last_triggered_at failed", zap.Error(err))
		}

		firings = append(firings, Firing{AutomationID: a.ID, Content: content})
	}
	return firings
}
