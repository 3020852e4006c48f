package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/automation/library"
	"github.com/sandboxedsh/missionctl/internal/common/constants"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

// Controller is the subset of the Control Actor's contract the scheduler
// depends on: enqueueing a firing and checking whether a mission is
// currently busy. Kept narrow to avoid an import cycle
// with internal/control.
type Controller interface {
	SendMessage(ctx context.Context, missionID uuid.UUID, content, userID string) error
	IsMissionBusy(ctx context.Context, missionID uuid.UUID) (bool, error)
}

// automationUserID is the synthetic "user" attributed to automation-fired
// messages, distinguishing them from human-originated ones in history/logs.
const automationUserID = "automation"

// Scheduler runs the 5-second interval-trigger tick
type Scheduler struct {
	store      missionstore.Store
	controller Controller
	library    library.Loader
	readFile   func(path string) (string, error)
	github     GitHubChecker
	log        *logger.Logger

	workingDirOf func(m *mission.Mission) string
}

// New creates an Automation Scheduler.
func New(store missionstore.Store, controller Controller, lib library.Loader, github GitHubChecker, readFile func(string) (string, error), workingDirOf func(*mission.Mission) string, log *logger.Logger) *Scheduler {
	if readFile == nil {
		readFile = func(string) (string, error) { return "", fmt.Errorf("automation: no file reader configured") }
	}
	if workingDirOf == nil {
		workingDirOf = func(m *mission.Mission) string { return "" }
	}
	return &Scheduler{
		store:        store,
		controller:   controller,
		library:      lib,
		readFile:     readFile,
		github:       github,
		workingDirOf: workingDirOf,
		log:          log.WithFields(zap.String("component", "automation")),
	}
}

// Run ticks every constants.AutomationSchedulerTick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(constants.AutomationSchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	automations, err := s.store.ListActiveAutomations(ctx)
	if err != nil {
		s.log.Warn("list active automations failed", zap.Error(err))
		return
	}

	for _, a := range automations {
		if a.Trigger.Kind != mission.TriggerInterval {
			continue // webhook and agent_finished are push-driven
		}
		s.tickOne(ctx, a)
	}
}

func (s *Scheduler) tickOne(ctx context.Context, a *mission.Automation) {
	if s.shouldDeactivate(ctx, a) {
		if err := s.store.DeactivateAutomation(ctx, a.ID); err != nil {
			s.log.Warn("deactivate automation failed", zap.String("automation_id", a.ID.String()), zap.Error(err))
		}
		return
	}

	if !s.cadenceDue(a) {
		return
	}

	m, err := s.store.GetMission(ctx, a.MissionID)
	if err != nil {
		s.log.Warn("load mission for automation failed", zap.String("automation_id", a.ID.String()), zap.Error(err))
		return
	}

	busy, err := s.controller.IsMissionBusy(ctx, a.MissionID)
	if err != nil {
		s.log.Warn("check mission busy failed", zap.String("mission_id", a.MissionID.String()), zap.Error(err))
		return
	}
	if busy {
		return
	}

	s.fire(ctx, a, m)
}

func (s *Scheduler) cadenceDue(a *mission.Automation) bool {
	if a.LastTriggeredAt == nil {
		return true
	}
	next := a.LastTriggeredAt.Add(time.Duration(a.Trigger.IntervalSeconds) * time.Second)
	return !next.After(time.Now().UTC())
}

// fire resolves a's command and enqueues it, retrying enqueue failures with
// exponential backoff up to a.Retry.MaxRetries.
func (s *Scheduler) fire(ctx context.Context, a *mission.Automation, m *mission.Mission) {
	vars := BuildVariables(m, s.workingDirOf(m), a.Variables)
	s.resolveAndEnqueue(ctx, a, vars)
}

// FireWebhook fires a's command for an incoming webhook delivery, merging
// automation variables < webhook_mappings < payload variables per
// the webhook receiver. Exposed for internal/api's webhook
// handler; shares fire's execution-tracking/retry path exactly.
func (s *Scheduler) FireWebhook(ctx context.Context, a *mission.Automation, rawPayload []byte) error {
	m, err := s.store.GetMission(ctx, a.MissionID)
	if err != nil {
		return fmt.Errorf("automation: load mission for webhook: %w", err)
	}
	base := BuildVariables(m, s.workingDirOf(m), a.Variables)
	merged := MergeWebhookVariables(base, a.Trigger.WebhookVariableMap, rawPayload)
	s.resolveAndEnqueue(ctx, a, merged)
	return nil
}

func (s *Scheduler) resolveAndEnqueue(ctx context.Context, a *mission.Automation, vars map[string]string) {
	content, err := ResolveCommand(a, vars, s.library, s.readFile)
	if err != nil {
		// Command resolution failures skip this automation silently (warn
		// log); they do not disable it
		s.log.Warn("resolve automation command failed", zap.String("automation_id", a.ID.String()), zap.Error(err))
		return
	}

	exec := &mission.AutomationExecution{
		ID:           uuid.New(),
		AutomationID: a.ID,
		Status:       mission.ExecutionPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateAutomationExecution(ctx, exec); err != nil {
		s.log.Warn("create automation execution failed", zap.Error(err))
		return
	}
	exec.Status = mission.ExecutionRunning
	if err := s.store.UpdateAutomationExecution(ctx, exec); err != nil {
		s.log.Warn("mark automation execution running failed", zap.Error(err))
	}

	if err := s.enqueueWithRetry(ctx, a, content); err != nil {
		errMsg := err.Error()
		exec.Status = mission.ExecutionFailed
		exec.Error = &errMsg
		now := time.Now().UTC()
		exec.CompletedAt = &now
		if uerr := s.store.UpdateAutomationExecution(ctx, exec); uerr != nil {
			s.log.Warn("mark automation execution failed failed", zap.Error(uerr))
		}
		return
	}

	if err := s.store.UpdateAutomationLastTriggered(ctx, a.ID); err != nil {
		s.log.Warn("update automation last_triggered_at failed", zap.Error(err))
	}
	// The Running execution is completed later by
	// CompleteRunningExecutionsForMission when the turn ends.
}

func (s *Scheduler) enqueueWithRetry(ctx context.Context, a *mission.Automation, content string) error {
	var lastErr error
	for attempt := 0; attempt <= a.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.Retry.Delay(attempt - 1)):
			}
		}
		err := s.controller.SendMessage(ctx, a.MissionID, content, automationUserID)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("automation: enqueue failed after %d attempts: %w", a.Retry.MaxRetries+1, lastErr)
}
