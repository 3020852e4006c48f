package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore/memstore"
)

func TestResumeReactivatesAndEnqueuesPrompt(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	m, err := store.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)
	require.NoError(t, store.UpdateMissionHistory(ctx, m.ID, []mission.HistoryEntry{
		{Role: mission.RoleUser, Content: "build a TODO app"},
		{Role: mission.RoleAssistant, Content: "I created todo.py"},
	}))
	require.NoError(t, store.UpdateMissionStatus(ctx, m.ID, mission.StatusInterrupted))

	runners := map[uuid.UUID]*fakeRunner{}
	a := newTestActor(t, store, runners, 4)

	require.NoError(t, a.Resume(ctx, m.ID, ResumeOptions{}))

	got, err := store.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, mission.StatusActive, got.Status)

	r := runners[m.ID]
	require.NotNil(t, r)
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.sent, 1)
	require.Contains(t, r.sent[0], "Session resumed")
	require.Contains(t, r.sent[0], "build a TODO app")
	require.Contains(t, r.sent[0], "I created todo.py")

	// The resume prompt was persisted before the turn launched.
	require.Equal(t, mission.RoleUser, got.History[len(got.History)-1].Role)
	require.Contains(t, got.History[len(got.History)-1].Content, "Session resumed")
}

func TestResumeSkipMessageOnlyReactivates(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	m, err := store.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)
	require.NoError(t, store.UpdateMissionStatus(ctx, m.ID, mission.StatusBlocked))

	runners := map[uuid.UUID]*fakeRunner{}
	a := newTestActor(t, store, runners, 4)

	require.NoError(t, a.Resume(ctx, m.ID, ResumeOptions{SkipMessage: true}))

	got, err := store.GetMission(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, mission.StatusActive, got.Status)
	require.Empty(t, got.History)

	r := runners[m.ID]
	require.NotNil(t, r)
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Empty(t, r.sent)
}

func TestResumeRejectsNonResumableStatus(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	m, err := store.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	runners := map[uuid.UUID]*fakeRunner{}
	a := newTestActor(t, store, runners, 4)

	err = a.Resume(ctx, m.ID, ResumeOptions{})
	require.ErrorIs(t, err, ErrNotResumable)
}

func TestInventoryWorkspaceSkipsNoiseDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".venv", "lib"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".venv", "lib", "x.py"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("y"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("z"), 0o644))

	files := inventoryWorkspace(root)
	require.Contains(t, files, filepath.Join("src", "main.go"))
	require.Contains(t, files, "README.md")
	for _, f := range files {
		require.NotContains(t, f, ".venv")
	}
}
