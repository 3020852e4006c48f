package control

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore/memstore"
)

// Primary is mid-turn on mission A, the user has switched the current
// pointer to a freshly created mission B, and posts a message with no
// explicit target: the message routes to B, which starts as a parallel
// runner while A keeps working.
func TestInferredTargetStartsParallelForCurrentMission(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	missionA, err := store.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)
	missionB, err := store.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	runners := map[uuid.UUID]*fakeRunner{}
	a := newTestActor(t, store, runners, 4)

	require.NoError(t, a.SendMessage(ctx, missionA.ID, "Work on A", "user-1"))
	require.True(t, runners[missionA.ID].IsBusy())

	// Switching to B mirrors what creating a new mission mid-turn does.
	_, err = a.LoadMission(ctx, missionB.ID)
	require.NoError(t, err)

	res, err := a.RouteMessage(ctx, uuid.Nil, "Work on B", "", "user-1")
	require.NoError(t, err)
	require.Equal(t, missionB.ID, res.Message.MissionID)
	require.False(t, res.Queued)
	require.False(t, res.Created)

	rB := runners[missionB.ID]
	require.NotNil(t, rB, "expected a parallel runner for B")
	rB.mu.Lock()
	require.Equal(t, []string{"Work on B"}, rB.sent)
	rB.mu.Unlock()

	// Primary continues processing A unchanged.
	rA := runners[missionA.ID]
	require.True(t, rA.IsBusy())
	rA.mu.Lock()
	require.Equal(t, []string{"Work on A"}, rA.sent)
	rA.mu.Unlock()

	got, err := store.GetMission(ctx, missionB.ID)
	require.NoError(t, err)
	require.Equal(t, mission.StatusActive, got.Status)
}

// With no primary and no current pointer, an untargeted message creates a
// mission and starts it.
func TestInferredTargetAutoCreatesWhenNothingToInfer(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	runners := map[uuid.UUID]*fakeRunner{}
	a := newTestActor(t, store, runners, 4)

	res, err := a.RouteMessage(ctx, uuid.Nil, "do the thing", "builder", "user-1")
	require.NoError(t, err)
	require.True(t, res.Created)
	require.False(t, res.Queued)

	m, err := store.GetMission(ctx, res.Message.MissionID)
	require.NoError(t, err)
	require.Equal(t, mission.StatusActive, m.Status)
	require.NotNil(t, m.Agent)
	require.Equal(t, "builder", *m.Agent)

	r := runners[m.ID]
	require.NotNil(t, r)
	r.mu.Lock()
	require.Equal(t, []string{"do the thing"}, r.sent)
	r.mu.Unlock()
}

// When the current pointer still matches the busy primary mission, an
// untargeted follow-up queues behind the in-flight turn rather than
// starting anything new.
func TestInferredTargetQueuesBehindBusyPrimary(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	m, err := store.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	runners := map[uuid.UUID]*fakeRunner{}
	a := newTestActor(t, store, runners, 4)

	require.NoError(t, a.SendMessage(ctx, m.ID, "first", "user-1"))
	res, err := a.RouteMessage(ctx, uuid.Nil, "follow-up", "", "user-1")
	require.NoError(t, err)
	require.Equal(t, m.ID, res.Message.MissionID)
	require.True(t, res.Queued)
	require.False(t, res.Created)
	require.Len(t, runners, 1)
}

// A current pointer with no runner behind it (mission loaded but never
// started) is still the inferred target when the user posts untargeted.
func TestInferredTargetUsesLoadedCurrentMission(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	m, err := store.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	runners := map[uuid.UUID]*fakeRunner{}
	a := newTestActor(t, store, runners, 4)

	_, err = a.LoadMission(ctx, m.ID)
	require.NoError(t, err)

	res, err := a.RouteMessage(ctx, uuid.Nil, "start here", "", "user-1")
	require.NoError(t, err)
	require.Equal(t, m.ID, res.Message.MissionID)
	require.False(t, res.Created)
	require.NotNil(t, runners[m.ID])
}
