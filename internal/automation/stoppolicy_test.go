package automation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore/memstore"
)

type fakeGitHubChecker struct {
	openIssues bool
	openPRs    bool
}

func (f fakeGitHubChecker) HasOpenIssues(ctx context.Context, repo string) (bool, error) {
	return f.openIssues, nil
}

func (f fakeGitHubChecker) HasOpenPRs(ctx context.Context, repo string) (bool, error) {
	return f.openPRs, nil
}

func TestShouldDeactivateNeverPolicy(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctrl := &fakeController{busy: map[uuid.UUID]bool{}}
	s := newTestScheduler(t, store, ctrl)

	a := &mission.Automation{StopPolicy: mission.StopPolicy{Kind: mission.StopPolicyNever}}
	require.False(t, s.shouldDeactivate(context.Background(), a))
}

func TestShouldDeactivateWhenAllIssuesClosedAndPRsMerged(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()

	m, err := store.CreateMission(ctx, mission.CreateMissionParams{})
	require.NoError(t, err)

	a := &mission.Automation{
		ID:        uuid.New(),
		MissionID: m.ID,
		StopPolicy: mission.StopPolicy{
			Kind: mission.StopPolicyWhenAllIssuesClosedAndPRsMerged,
			Repo: "org/repo",
		},
		CreatedAt: time.Now().UTC(),
	}

	ctrl := &fakeController{busy: map[uuid.UUID]bool{}}
	s := newTestScheduler(t, store, ctrl)

	s.github = fakeGitHubChecker{openIssues: true, openPRs: false}
	require.False(t, s.shouldDeactivate(ctx, a))

	s.github = fakeGitHubChecker{openIssues: false, openPRs: true}
	require.False(t, s.shouldDeactivate(ctx, a))

	s.github = fakeGitHubChecker{openIssues: false, openPRs: false}
	require.True(t, s.shouldDeactivate(ctx, a))
}

func TestShouldDeactivateNoGitHubCheckerConfigured(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	ctrl := &fakeController{busy: map[uuid.UUID]bool{}}
	s := newTestScheduler(t, store, ctrl)
	s.github = nil

	a := &mission.Automation{StopPolicy: mission.StopPolicy{Kind: mission.StopPolicyWhenAllIssuesClosedAndPRsMerged, Repo: "org/repo"}}
	require.False(t, s.shouldDeactivate(context.Background(), a))
}
