package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/sandboxedsh/missionctl/internal/mission"
)

// createMissionRequest is the body of POST /api/missions.
type createMissionRequest struct {
	Title         *string             `json:"title,omitempty"`
	WorkspaceID   *string             `json:"workspace_id,omitempty"`
	Agent         *string             `json:"agent,omitempty"`
	ModelOverride *string             `json:"model_override,omitempty"`
	ModelEffort   *mission.ModelEffort `json:"model_effort,omitempty"`
	Backend       *mission.Backend    `json:"backend,omitempty"`
	ConfigProfile *string             `json:"config_profile,omitempty"`
}

func (r createMissionRequest) toParams() mission.CreateMissionParams {
	return mission.CreateMissionParams{
		Title:         r.Title,
		WorkspaceID:   r.WorkspaceID,
		Agent:         r.Agent,
		ModelOverride: r.ModelOverride,
		ModelEffort:   r.ModelEffort,
		Backend:       r.Backend,
		ConfigProfile: r.ConfigProfile,
	}
}

// sendMessageRequest is the body of POST /api/missions/:id/message.
type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
	UserID  string `json:"user_id"`
}

// resumeRequest is the body of POST /api/missions/:id/resume.
type resumeRequest struct {
	CleanWorkspace bool `json:"clean_workspace"`
	SkipMessage    bool `json:"skip_message"`
}

// createAutomationRequest is the body of POST /api/missions/:id/automations.
type createAutomationRequest struct {
	Trigger       mission.Trigger       `json:"trigger" binding:"required"`
	CommandSource mission.CommandSource `json:"command_source" binding:"required"`
	StopPolicy    mission.StopPolicy    `json:"stop_policy"`
	FreshSession  mission.FreshSession  `json:"fresh_session"`
	Retry         mission.RetryConfig   `json:"retry"`
	Variables     map[string]string     `json:"variables"`
	Active        *bool                 `json:"active"`
}

func (r createAutomationRequest) toAutomation(missionID uuid.UUID) *mission.Automation {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	if r.Trigger.Kind == mission.TriggerWebhook && r.Trigger.WebhookID == "" {
		r.Trigger.WebhookID = uuid.NewString()
	}
	return &mission.Automation{
		ID:            uuid.New(),
		MissionID:     missionID,
		Trigger:       r.Trigger,
		CommandSource: r.CommandSource,
		StopPolicy:    r.StopPolicy,
		FreshSession:  r.FreshSession,
		Retry:         r.Retry,
		Variables:     r.Variables,
		Active:        active,
		CreatedAt:     time.Now().UTC(),
	}
}

// updateAutomationRequest is the body of PATCH /api/automations/:id. Every
// field is optional; only provided ones are applied.
type updateAutomationRequest struct {
	Trigger       *mission.Trigger       `json:"trigger,omitempty"`
	CommandSource *mission.CommandSource `json:"command_source,omitempty"`
	StopPolicy    *mission.StopPolicy    `json:"stop_policy,omitempty"`
	FreshSession  *mission.FreshSession  `json:"fresh_session,omitempty"`
	Retry         *mission.RetryConfig   `json:"retry,omitempty"`
	Variables     map[string]string      `json:"variables,omitempty"`
	Active        *bool                  `json:"active,omitempty"`
}

func (r updateAutomationRequest) apply(a *mission.Automation) {
	if r.Trigger != nil {
		a.Trigger = *r.Trigger
	}
	if r.CommandSource != nil {
		a.CommandSource = *r.CommandSource
	}
	if r.StopPolicy != nil {
		a.StopPolicy = *r.StopPolicy
	}
	if r.FreshSession != nil {
		a.FreshSession = *r.FreshSession
	}
	if r.Retry != nil {
		a.Retry = *r.Retry
	}
	if r.Variables != nil {
		a.Variables = r.Variables
	}
	if r.Active != nil {
		a.Active = *r.Active
	}
}

// errorResponse is the uniform JSON error body every handler in this package
// returns on failure.
type errorResponse struct {
	Error string `json:"error"`
}
