// Package mission defines the mission control plane's core data model:
// Mission, StoredEvent, Automation, and MissionChain.
package mission

import (
	"time"

	"github.com/google/uuid"

	"github.com/sandboxedsh/missionctl/pkg/rich"
)

// Status is the lifecycle state of a Mission.
type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
	StatusBlocked     Status = "blocked"
	StatusNotFeasible Status = "not_feasible"
)

// Resumable reports whether the status is one of Interrupted, Blocked, or
// Failed: exactly the states a mission can be resumed from, and exactly the
// states that carry an interrupted_at timestamp.
func (s Status) Resumable() bool {
	switch s {
	case StatusInterrupted, StatusBlocked, StatusFailed:
		return true
	default:
		return false
	}
}

// Backend identifies which harness a mission is bound to.
type Backend string

const (
	BackendClaudeCode Backend = "claudecode"
	BackendCodex      Backend = "codex"
	BackendAmp        Backend = "amp"
	BackendOpencode   Backend = "opencode"
)

// ModelEffort is a codex-only reasoning effort knob.
type ModelEffort string

const (
	EffortLow    ModelEffort = "low"
	EffortMedium ModelEffort = "medium"
	EffortHigh   ModelEffort = "high"
)

// MetadataSource records who last set a mission's title/description.
type MetadataSource string

const (
	MetadataSourceUser            MetadataSource = "user"
	MetadataSourceBackendHeuristic MetadataSource = "backend_heuristic"
)

// TerminalReason is set on a mission's status transition to a terminal state.
type TerminalReason string

const (
	ReasonCompleted       TerminalReason = "completed"
	ReasonCancelled       TerminalReason = "cancelled"
	ReasonLLMError        TerminalReason = "llm_error"
	ReasonStalled         TerminalReason = "stalled"
	ReasonInfiniteLoop    TerminalReason = "infinite_loop"
	ReasonMaxIterations   TerminalReason = "max_iterations"
	ReasonRateLimited     TerminalReason = "rate_limited"
	ReasonCapacityLimited TerminalReason = "capacity_limited"
)

// Role identifies the speaker of a HistoryEntry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// HistoryEntry is one turn of conversation history.
type HistoryEntry struct {
	Role        Role             `json:"role" db:"role"`
	Content     string           `json:"content" db:"content"`
	SharedFiles []rich.SharedFile `json:"shared_files,omitempty" db:"-"`
}

// DesktopSession tracks a virtual-display process a mission spawned.
type DesktopSession struct {
	Display   string     `json:"display" db:"display"`
	StartedAt time.Time  `json:"started_at" db:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty" db:"stopped_at"`
}

// Mission is the unit of work the control plane schedules and persists.
type Mission struct {
	ID uuid.UUID `json:"id" db:"id"`

	Status         Status          `json:"status" db:"status"`
	TerminalReason *TerminalReason `json:"terminal_reason,omitempty" db:"terminal_reason"`

	Title             *string         `json:"title,omitempty" db:"title"`
	ShortDescription  *string         `json:"short_description,omitempty" db:"short_description"`
	MetadataSource    *MetadataSource `json:"metadata_source,omitempty" db:"metadata_source"`
	MetadataModel     *string         `json:"metadata_model,omitempty" db:"metadata_model"`
	MetadataVersion   *int            `json:"metadata_version,omitempty" db:"metadata_version"`
	MetadataUpdatedAt *time.Time      `json:"metadata_updated_at,omitempty" db:"metadata_updated_at"`

	WorkspaceID    *string      `json:"workspace_id,omitempty" db:"workspace_id"`
	Agent          *string      `json:"agent,omitempty" db:"agent"`
	Backend        Backend      `json:"backend" db:"backend"`
	ConfigProfile  *string      `json:"config_profile,omitempty" db:"config_profile"`
	ModelOverride  *string      `json:"model_override,omitempty" db:"model_override"`
	ModelEffort    *ModelEffort `json:"model_effort,omitempty" db:"model_effort"`
	SessionID      string       `json:"session_id" db:"session_id"`

	History         []HistoryEntry   `json:"history" db:"-"`
	DesktopSessions []DesktopSession `json:"desktop_sessions" db:"-"`

	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	InterruptedAt *time.Time `json:"interrupted_at,omitempty" db:"interrupted_at"`
}

// Resumable mirrors Status.Resumable for API serialization convenience.
func (m *Mission) Resumable() bool { return m.Status.Resumable() }

// ConversationalCount returns the number of user|assistant history entries,
// used by the Metadata Refresher's cadence gate (tool entries don't count).
func (m *Mission) ConversationalCount() int {
	n := 0
	for _, e := range m.History {
		if e.Role == RoleUser || e.Role == RoleAssistant {
			n++
		}
	}
	return n
}

// StoredEvent is a persisted AgentEvent
type StoredEvent struct {
	ID         uuid.UUID `json:"id" db:"id"`
	MissionID  uuid.UUID `json:"mission_id" db:"mission_id"`
	EventType  string    `json:"event_type" db:"event_type"`
	PayloadRaw []byte    `json:"payload_json" db:"payload_json"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
}

// CreateMissionParams are the optional fields accepted by MissionStore.CreateMission.
type CreateMissionParams struct {
	Title         *string
	WorkspaceID   *string
	Agent         *string
	ModelOverride *string
	ModelEffort   *ModelEffort
	Backend       *Backend
	ConfigProfile *string
}

// MetadataPatch carries the triple-option update semantics of
// update_mission_metadata: each field independently Unchanged/Set/Clear.
type MetadataPatch struct {
	Title            Patch[string]
	ShortDescription Patch[string]
	Source           Patch[MetadataSource]
	Model            Patch[string]
	Version          Patch[int]
}
