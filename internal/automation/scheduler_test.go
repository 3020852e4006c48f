package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore/memstore"
)

type fakeController struct {
	mu       sync.Mutex
	sent     []string
	busy     map[uuid.UUID]bool
	sendErr  error
}

func (f *fakeController) SendMessage(ctx context.Context, missionID uuid.UUID, content, userID string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeController) IsMissionBusy(ctx context.Context, missionID uuid.UUID) (bool, error) {
	return f.busy[missionID], nil
}

func newTestScheduler(t *testing.T, store *memstore.Store, ctrl *fakeController) *Scheduler {
	t.Helper()
	return New(store, ctrl, nil, nil, nil, nil, logger.Default())
}

func TestTickFiresDueIntervalAutomation(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	m, err := store.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	a := &mission.Automation{
		ID:            uuid.New(),
		MissionID:     m.ID,
		Trigger:       mission.Trigger{Kind: mission.TriggerInterval, IntervalSeconds: 60},
		CommandSource: mission.CommandSource{Kind: mission.CommandSourceInline, Content: "check on {{mission_name}}"},
		StopPolicy:    mission.StopPolicy{Kind: mission.StopPolicyNever},
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateAutomation(ctx, a))

	ctrl := &fakeController{busy: map[uuid.UUID]bool{}}
	s := newTestScheduler(t, store, ctrl)
	s.tick(ctx)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	require.Len(t, ctrl.sent, 1)
	assert.Contains(t, ctrl.sent[0], "check on")
}

func TestTickSkipsBusyMission(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	m, err := store.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	a := &mission.Automation{
		ID:            uuid.New(),
		MissionID:     m.ID,
		Trigger:       mission.Trigger{Kind: mission.TriggerInterval, IntervalSeconds: 1},
		CommandSource: mission.CommandSource{Kind: mission.CommandSourceInline, Content: "poke"},
		StopPolicy:    mission.StopPolicy{Kind: mission.StopPolicyNever},
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateAutomation(ctx, a))

	ctrl := &fakeController{busy: map[uuid.UUID]bool{m.ID: true}}
	s := newTestScheduler(t, store, ctrl)
	s.tick(ctx)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Empty(t, ctrl.sent)
}

func TestTickSkipsNonIntervalTriggers(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	m, err := store.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	a := &mission.Automation{
		ID:            uuid.New(),
		MissionID:     m.ID,
		Trigger:       mission.Trigger{Kind: mission.TriggerWebhook, WebhookID: "wh1"},
		CommandSource: mission.CommandSource{Kind: mission.CommandSourceInline, Content: "poke"},
		StopPolicy:    mission.StopPolicy{Kind: mission.StopPolicyNever},
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateAutomation(ctx, a))

	ctrl := &fakeController{busy: map[uuid.UUID]bool{}}
	s := newTestScheduler(t, store, ctrl)
	s.tick(ctx)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Empty(t, ctrl.sent)
}

func TestDeactivatesWhenFailingConsecutively(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	m, err := store.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	a := &mission.Automation{
		ID:            uuid.New(),
		MissionID:     m.ID,
		Trigger:       mission.Trigger{Kind: mission.TriggerInterval, IntervalSeconds: 1},
		CommandSource: mission.CommandSource{Kind: mission.CommandSourceInline, Content: "poke"},
		StopPolicy:    mission.StopPolicy{Kind: mission.StopPolicyWhenFailingConsecutively, FailureCount: 3},
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateAutomation(ctx, a))

	for i := 0; i < 3; i++ {
		errMsg := "boom"
		require.NoError(t, store.CreateAutomationExecution(ctx, &mission.AutomationExecution{
			ID: uuid.New(), AutomationID: a.ID, Status: mission.ExecutionFailed, Error: &errMsg, CreatedAt: time.Now().UTC(),
		}))
	}

	ctrl := &fakeController{busy: map[uuid.UUID]bool{}}
	s := newTestScheduler(t, store, ctrl)
	s.tick(ctx)

	got, err := store.GetAutomation(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestConsecutiveFailureCount(t *testing.T) {
	execs := []*mission.AutomationExecution{
		{Status: mission.ExecutionFailed},
		{Status: mission.ExecutionFailed},
		{Status: mission.ExecutionSuccess},
		{Status: mission.ExecutionFailed},
	}
	assert.Equal(t, 2, consecutiveFailureCount(execs))
}
