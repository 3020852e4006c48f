package metadata

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore/memstore"
)

func newTestMission(t *testing.T, store *memstore.Store, history []mission.HistoryEntry) *mission.Mission {
	t.Helper()
	ctx := context.Background()
	m, err := store.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)
	require.NoError(t, store.UpdateMissionHistory(ctx, m.ID, history))
	m, err = store.GetMission(ctx, m.ID)
	require.NoError(t, err)
	return m
}

func TestRegisterTaskSupersedeCancelsPrior(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	r := New(store, logger.Default())

	m := newTestMission(t, store, nil)

	_, ctx1, cancel1 := r.registerTask(m.ID, false)
	defer cancel1()
	taskID2, ctx2, cancel2 := r.registerTask(m.ID, true)
	defer cancel2()

	select {
	case <-ctx1.Done():
	default:
		t.Fatal("superseded task context was not cancelled")
	}
	require.NoError(t, ctx2.Err())

	// The superseded task's completion must not clear the newer entry.
	r.completeTask(m.ID, uuid.Nil)
	require.True(t, r.shouldSkipSchedule(m.ID, false))
	r.completeTask(m.ID, taskID2)
	require.False(t, r.shouldSkipSchedule(m.ID, false))
}

func TestForgetCancelsInFlightTask(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	r := New(store, logger.Default())

	m := newTestMission(t, store, nil)
	_, taskCtx, cancel := r.registerTask(m.ID, true)
	defer cancel()

	r.Forget(m.ID)
	select {
	case <-taskCtx.Done():
	default:
		t.Fatal("forgotten task context was not cancelled")
	}
}

func TestScheduleRefreshAbortsWhenSuperseded(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	r := New(store, logger.Default())

	m := newTestMission(t, store, []mission.HistoryEntry{
		{Role: mission.RoleUser, Content: "fix the build"},
		{Role: mission.RoleAssistant, Content: "Fixed the build"},
	})

	// Simulate a refresh whose caller context is already dead (the moral
	// equivalent of a superseding task firing taskCtx's cancel mid-flight):
	// no title lands and no error-free rebase happens.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.ScheduleRefresh(cancelled, m, true)
	require.ErrorIs(t, err, context.Canceled)

	got, err := store.GetMission(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Title)
}

func TestScheduleRefreshNoopOnEmptyHistory(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	r := New(store, logger.Default())

	m := newTestMission(t, store, nil)
	require.NoError(t, r.ScheduleRefresh(context.Background(), m, false))

	got, err := store.GetMission(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Title)
}

func TestScheduleRefreshSuppressedBelowCadence(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	r := New(store, logger.Default())

	history := []mission.HistoryEntry{
		{Role: mission.RoleUser, Content: "build a todo app"},
		{Role: mission.RoleAssistant, Content: "I created todo.py to get you started"},
	}
	m := newTestMission(t, store, history)
	require.NoError(t, r.ScheduleRefresh(context.Background(), m, false))

	got, err := store.GetMission(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Title)
}

func TestScheduleRefreshForcedSetsTitle(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	r := New(store, logger.Default())

	history := []mission.HistoryEntry{
		{Role: mission.RoleUser, Content: "build a todo app"},
		{Role: mission.RoleAssistant, Content: "I created todo.py to get you started"},
	}
	m := newTestMission(t, store, history)
	require.NoError(t, r.ScheduleRefresh(context.Background(), m, true))

	got, err := store.GetMission(context.Background(), m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Title)
	assert.Equal(t, "I created todo.py to get you started", *got.Title)
}

func TestScheduleRefreshNeverOverwritesUserTitle(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	r := New(store, logger.Default())

	history := []mission.HistoryEntry{
		{Role: mission.RoleUser, Content: "build a todo app"},
		{Role: mission.RoleAssistant, Content: "I created todo.py to get you started"},
	}
	m := newTestMission(t, store, history)
	require.NoError(t, store.UpdateMissionMetadata(context.Background(), m.ID, mission.MetadataPatch{
		Title:  mission.Set("My custom title"),
		Source: mission.Set(mission.MetadataSourceUser),
	}))
	m, _ = store.GetMission(context.Background(), m.ID)

	require.NoError(t, r.ScheduleRefresh(context.Background(), m, true))

	got, err := store.GetMission(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "My custom title", *got.Title)
}

func TestScheduleRefreshCadenceFiresAtTenMessages(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	r := New(store, logger.Default())

	history := []mission.HistoryEntry{
		{Role: mission.RoleUser, Content: "start"},
		{Role: mission.RoleAssistant, Content: "ok working on it"},
	}
	m := newTestMission(t, store, history)
	require.NoError(t, r.ScheduleRefresh(context.Background(), m, true)) // baseline rebase to 2

	// Add 10 more conversational entries (plus a non-counting tool entry).
	for i := 0; i < 5; i++ {
		history = append(history,
			mission.HistoryEntry{Role: mission.RoleUser, Content: "continue"},
			mission.HistoryEntry{Role: mission.RoleAssistant, Content: "still working on the long form answer here"},
		)
	}
	history = append(history, mission.HistoryEntry{Role: mission.RoleTool, Content: "tool output"})
	require.NoError(t, store.UpdateMissionHistory(context.Background(), m.ID, history))
	m, _ = store.GetMission(context.Background(), m.ID)

	require.NoError(t, r.ScheduleRefresh(context.Background(), m, false))
	got, _ := store.GetMission(context.Background(), m.ID)
	require.NotNil(t, got.Title)
}

func TestDisambiguationOnRefresh(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	r := New(store, logger.Default())

	seedHistory := []mission.HistoryEntry{
		{Role: mission.RoleUser, Content: "fix the flaky test"},
		{Role: mission.RoleAssistant, Content: "Fix flaky CI"},
	}
	m1 := newTestMission(t, store, seedHistory)
	require.NoError(t, r.ScheduleRefresh(context.Background(), m1, true))

	m2 := newTestMission(t, store, seedHistory)
	require.NoError(t, r.ScheduleRefresh(context.Background(), m2, true))

	got1, _ := store.GetMission(context.Background(), m1.ID)
	got2, _ := store.GetMission(context.Background(), m2.ID)
	assert.NotEqual(t, *got1.Title, *got2.Title)
}
