package memstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

func strPtr(s string) *string { return &s }

func TestCreateThenGetRoundTrip(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	backend := mission.BackendCodex
	created, err := s.CreateMission(ctx, mission.CreateMissionParams{
		Title:         strPtr("Fix flaky CI"),
		WorkspaceID:   strPtr("ws-1"),
		Agent:         strPtr("builder"),
		ModelOverride: strPtr("gpt-5"),
		Backend:       &backend,
	})
	require.NoError(t, err)
	require.Equal(t, mission.StatusPending, created.Status)
	require.NotEmpty(t, created.SessionID)

	got, err := s.GetMission(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
	require.Equal(t, mission.BackendCodex, got.Backend)
	require.Equal(t, "ws-1", *got.WorkspaceID)
	require.Equal(t, "builder", *got.Agent)
	require.Equal(t, "gpt-5", *got.ModelOverride)
}

func TestCreateMissionDefaultsToClaudeCode(t *testing.T) {
	s := New()
	defer s.Close()

	m, err := s.CreateMission(context.Background(), mission.CreateMissionParams{})
	require.NoError(t, err)
	require.Equal(t, mission.BackendClaudeCode, m.Backend)
}

func TestGetMissionNotFound(t *testing.T) {
	s := New()
	defer s.Close()

	_, err := s.GetMission(context.Background(), uuid.New())
	require.ErrorIs(t, err, missionstore.ErrNotFound)
}

func TestHistoryRoundTrip(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	m, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	entries := []mission.HistoryEntry{
		{Role: mission.RoleUser, Content: "build a TODO app"},
		{Role: mission.RoleAssistant, Content: "I created todo.py"},
		{Role: mission.RoleTool, Content: "bash: ok"},
	}
	require.NoError(t, s.UpdateMissionHistory(ctx, m.ID, entries))

	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, entries, got.History)
}

func TestStatusTransitionSetsResumableAndInterruptedAt(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	m, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	for _, status := range []mission.Status{mission.StatusInterrupted, mission.StatusBlocked, mission.StatusFailed} {
		require.NoError(t, s.UpdateMissionStatus(ctx, m.ID, status))
		got, err := s.GetMission(ctx, m.ID)
		require.NoError(t, err)
		require.True(t, got.Resumable(), "status %s", status)
		require.NotNil(t, got.InterruptedAt, "status %s", status)
	}

	require.NoError(t, s.UpdateMissionStatus(ctx, m.ID, mission.StatusActive))
	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.False(t, got.Resumable())
	require.Nil(t, got.InterruptedAt)
}

func TestUpdateStatusWithReason(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	m, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	reason := mission.ReasonCancelled
	require.NoError(t, s.UpdateMissionStatusWithReason(ctx, m.ID, mission.StatusInterrupted, &reason))

	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, mission.StatusInterrupted, got.Status)
	require.NotNil(t, got.TerminalReason)
	require.Equal(t, mission.ReasonCancelled, *got.TerminalReason)
}

func TestMetadataPatchSemantics(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	m, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	// Set
	require.NoError(t, s.UpdateMissionMetadata(ctx, m.ID, mission.MetadataPatch{
		Title: mission.Set("Fix flaky CI"),
	}))
	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "Fix flaky CI", *got.Title)

	// Unchanged leaves it alone
	require.NoError(t, s.UpdateMissionMetadata(ctx, m.ID, mission.MetadataPatch{
		ShortDescription: mission.Set("touch something else"),
	}))
	got, err = s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "Fix flaky CI", *got.Title)

	// Clear
	require.NoError(t, s.UpdateMissionMetadata(ctx, m.ID, mission.MetadataPatch{
		Title: mission.Clear[string](),
	}))
	got, err = s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Nil(t, got.Title)
}

func TestUpdateTitleMarksUserManaged(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	m, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	require.NoError(t, s.UpdateMissionTitle(ctx, m.ID, "My own name"))
	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "My own name", *got.Title)
	require.NotNil(t, got.MetadataSource)
	require.Equal(t, mission.MetadataSourceUser, *got.MetadataSource)
	require.Nil(t, got.MetadataModel)
	require.Nil(t, got.MetadataVersion)
}

func TestEventsRoundTrip(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	m, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{"text": "hello"})
	for _, evType := range []string{"text_delta", "tool_call", "assistant_message"} {
		require.NoError(t, s.LogEvent(ctx, &mission.StoredEvent{
			MissionID:  m.ID,
			EventType:  evType,
			PayloadRaw: payload,
		}))
	}

	all, err := s.GetEvents(ctx, m.ID, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	filtered, err := s.GetEvents(ctx, m.ID, []string{"tool_call"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "tool_call", filtered[0].EventType)
}

func TestDeleteEmptyUntitledMissionsExcluding(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	empty, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)
	running, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)
	titled, err := s.CreateMission(ctx, mission.CreateMissionParams{Title: strPtr("keep me")})
	require.NoError(t, err)

	n, err := s.DeleteEmptyUntitledMissionsExcluding(ctx, []uuid.UUID{running.ID})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.GetMission(ctx, empty.ID)
	require.ErrorIs(t, err, missionstore.ErrNotFound)
	_, err = s.GetMission(ctx, running.ID)
	require.NoError(t, err)
	_, err = s.GetMission(ctx, titled.ID)
	require.NoError(t, err)
}

func TestSessionIDRotation(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	m, err := s.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)
	original := m.SessionID

	fresh := uuid.New().String()
	require.NoError(t, s.UpdateMissionSessionID(ctx, m.ID, fresh))

	got, err := s.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, fresh, got.SessionID)
	require.NotEqual(t, original, got.SessionID)
}

func TestIsPersistent(t *testing.T) {
	s := New()
	defer s.Close()
	require.False(t, s.IsPersistent())
}
