// Package missionstore defines the durable key-value+relational store
// interface and its two implementations: a SQL-backed store
// (sqlstore, sqlite or Postgres via sqlx) and an in-memory store (memstore)
// for ephemeral runs and tests. Behavior matches across both for every
// method that returns data; only durability differs.
package missionstore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/sandboxedsh/missionctl/internal/mission"
)

// ErrNotFound is returned when a lookup by ID finds nothing.
var ErrNotFound = errors.New("missionstore: not found")

// Store is the Mission Store contract. Every method that returns data must
// behave identically whether backed by SQL or memory; only is_persistent()
// and durability across process restarts differ.
type Store interface {
	// Missions

	ListMissions(ctx context.Context, limit, offset int) ([]*mission.Mission, error)
	GetMission(ctx context.Context, id uuid.UUID) (*mission.Mission, error)
	CreateMission(ctx context.Context, p mission.CreateMissionParams) (*mission.Mission, error)
	UpdateMissionStatus(ctx context.Context, id uuid.UUID, status mission.Status) error
	UpdateMissionStatusWithReason(ctx context.Context, id uuid.UUID, status mission.Status, reason *mission.TerminalReason) error
	UpdateMissionHistory(ctx context.Context, id uuid.UUID, entries []mission.HistoryEntry) error
	UpdateMissionTitle(ctx context.Context, id uuid.UUID, title string) error
	UpdateMissionMetadata(ctx context.Context, id uuid.UUID, patch mission.MetadataPatch) error
	UpdateMissionSessionID(ctx context.Context, id uuid.UUID, sessionID string) error
	UpdateMissionDesktopSessions(ctx context.Context, id uuid.UUID, sessions []mission.DesktopSession) error
	UpdateMissionTree(ctx context.Context, id uuid.UUID, tree []byte) error
	GetMissionTree(ctx context.Context, id uuid.UUID) ([]byte, error)
	DeleteMission(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteEmptyUntitledMissionsExcluding(ctx context.Context, runningIDs []uuid.UUID) (int, error)
	GetStaleActiveMissions(ctx context.Context, olderThanHours int) ([]*mission.Mission, error)
	GetAllActiveMissions(ctx context.Context) ([]*mission.Mission, error)
	SearchMissions(ctx context.Context, query string, limit int) ([]*mission.Mission, error)
	ListRecentTitles(ctx context.Context, limit int) ([]string, error)

	// Events

	LogEvent(ctx context.Context, ev *mission.StoredEvent) error
	GetEvents(ctx context.Context, missionID uuid.UUID, types []string, limit, offset int) ([]*mission.StoredEvent, error)

	// Automations

	CreateAutomation(ctx context.Context, a *mission.Automation) error
	GetAutomation(ctx context.Context, id uuid.UUID) (*mission.Automation, error)
	UpdateAutomation(ctx context.Context, a *mission.Automation) error
	DeleteAutomation(ctx context.Context, id uuid.UUID) error
	GetAutomationByWebhookID(ctx context.Context, webhookID string) (*mission.Automation, error)
	GetMissionAutomations(ctx context.Context, missionID uuid.UUID) ([]*mission.Automation, error)
	ListActiveAutomations(ctx context.Context) ([]*mission.Automation, error)
	GetAutomationExecutions(ctx context.Context, automationID uuid.UUID, limit int) ([]*mission.AutomationExecution, error)
	CreateAutomationExecution(ctx context.Context, rec *mission.AutomationExecution) error
	UpdateAutomationExecution(ctx context.Context, rec *mission.AutomationExecution) error
	UpdateAutomationLastTriggered(ctx context.Context, id uuid.UUID) error
	CompleteRunningExecutionsForMission(ctx context.Context, missionID uuid.UUID, success bool, errMsg *string) error
	DeactivateAutomation(ctx context.Context, id uuid.UUID) error

	// Chains (Provider Proxy)

	GetChain(ctx context.Context, virtualModel string) (*mission.MissionChain, error)
	ListChains(ctx context.Context) ([]*mission.MissionChain, error)

	// IsPersistent allows the control plane to skip event logging and
	// orphan recovery under in-memory mode.
	IsPersistent() bool

	Close() error
}
