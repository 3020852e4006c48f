package sqlstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	s, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestCreateThenGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	backend := mission.BackendAmp
	created, err := s.CreateMission(ctx, mission.CreateMissionParams{
		Title:       strPtr("Ship the importer"),
		WorkspaceID: strPtr("ws-2"),
		Backend:     &backend,
	})
	require.NoError(t, err)
	require.Equal(t, mission.StatusPending, created.Status)

	got, err := s.GetMission(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
	require.Equal(t, mission.BackendAmp, got.Backend)
	require.Equal(t, "Ship the importer", *got.Title)
	require.Equal(t, "ws-2", *got.WorkspaceID)
	require.Equal(t, created.SessionID, got.SessionID)
}

func TestHistoryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	entries := []mission.HistoryEntry{
		{Role: mission.RoleUser, Content: "hello"},
		{Role: mission.RoleAssistant, Content: "hi there"},
	}
	require.NoError(t, s.UpdateMissionHistory(ctx, m.ID, entries))

	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, entries, got.History)
}

func TestStatusTransitionSetsInterruptedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	require.NoError(t, s.UpdateMissionStatus(ctx, m.ID, mission.StatusInterrupted))
	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, got.Resumable())
	require.NotNil(t, got.InterruptedAt)

	require.NoError(t, s.UpdateMissionStatus(ctx, m.ID, mission.StatusCompleted))
	got, err = s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.False(t, got.Resumable())
	require.Nil(t, got.InterruptedAt)
}

func TestMetadataPatchSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	require.NoError(t, s.UpdateMissionMetadata(ctx, m.ID, mission.MetadataPatch{
		Title:            mission.Set("Generated title"),
		ShortDescription: mission.Set("A summary"),
	}))
	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "Generated title", *got.Title)
	require.Equal(t, "A summary", *got.ShortDescription)
	require.NotNil(t, got.MetadataUpdatedAt)

	// Unchanged title, cleared description.
	require.NoError(t, s.UpdateMissionMetadata(ctx, m.ID, mission.MetadataPatch{
		ShortDescription: mission.Clear[string](),
	}))
	got, err = s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "Generated title", *got.Title)
	require.Nil(t, got.ShortDescription)
}

func TestEventsRoundTripAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	for _, evType := range []string{"thinking", "tool_call", "thinking"} {
		require.NoError(t, s.LogEvent(ctx, &mission.StoredEvent{
			MissionID:  m.ID,
			EventType:  evType,
			PayloadRaw: []byte(`{}`),
		}))
	}

	all, err := s.GetEvents(ctx, m.ID, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	thinking, err := s.GetEvents(ctx, m.ID, []string{"thinking"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, thinking, 2)
}

func TestAutomationCRUDAndExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	a := &mission.Automation{
		ID:            uuid.New(),
		MissionID:     m.ID,
		Trigger:       mission.Trigger{Kind: mission.TriggerInterval, IntervalSeconds: 60},
		CommandSource: mission.CommandSource{Kind: mission.CommandSourceInline, Content: "run checks"},
		StopPolicy:    mission.StopPolicy{Kind: mission.StopPolicyNever},
		FreshSession:  mission.FreshSessionKeep,
		Active:        true,
	}
	require.NoError(t, s.CreateAutomation(ctx, a))

	active, err := s.ListActiveAutomations(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	rec := &mission.AutomationExecution{AutomationID: a.ID, Status: mission.ExecutionPending}
	require.NoError(t, s.CreateAutomationExecution(ctx, rec))
	rec.Status = mission.ExecutionRunning
	require.NoError(t, s.UpdateAutomationExecution(ctx, rec))

	require.NoError(t, s.CompleteRunningExecutionsForMission(ctx, m.ID, true, nil))
	execs, err := s.GetAutomationExecutions(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, mission.ExecutionSuccess, execs[0].Status)

	require.NoError(t, s.DeactivateAutomation(ctx, a.ID))
	active, err = s.ListActiveAutomations(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestDeleteMission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	deleted, err := s.DeleteMission(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = s.GetMission(ctx, m.ID)
	require.ErrorIs(t, err, missionstore.ErrNotFound)

	deleted, err = s.DeleteMission(ctx, m.ID)
	require.NoError(t, err)
	require.False(t, deleted)
}
