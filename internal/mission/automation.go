package mission

import (
	"time"

	"github.com/google/uuid"
)

// TriggerKind discriminates Automation.Trigger.
type TriggerKind string

const (
	TriggerInterval      TriggerKind = "interval"
	TriggerWebhook       TriggerKind = "webhook"
	TriggerAgentFinished TriggerKind = "agent_finished"
)

// Trigger is a sum type over the three trigger variants.
// Exactly one of the variant-specific fields is meaningful, selected by Kind.
type Trigger struct {
	Kind TriggerKind `json:"kind" db:"trigger_kind"`

	// Interval
	IntervalSeconds int `json:"interval_seconds,omitempty" db:"trigger_interval_seconds"`

	// Webhook
	WebhookID          string            `json:"webhook_id,omitempty" db:"trigger_webhook_id"`
	WebhookSecret       *string           `json:"webhook_secret,omitempty" db:"trigger_webhook_secret"`
	WebhookVariableMap  map[string]string `json:"variable_mappings,omitempty" db:"-"`
}

// CommandSourceKind discriminates CommandSource.
type CommandSourceKind string

const (
	CommandSourceLibrary   CommandSourceKind = "library"
	CommandSourceLocalFile CommandSourceKind = "local_file"
	CommandSourceInline    CommandSourceKind = "inline"
)

// CommandSource names where an automation's command template comes from.
type CommandSource struct {
	Kind CommandSourceKind `json:"kind" db:"command_kind"`

	Name    string `json:"name,omitempty" db:"command_name"`     // Library
	Path    string `json:"path,omitempty" db:"command_path"`     // LocalFile
	Content string `json:"content,omitempty" db:"command_content"` // Inline
}

// StopPolicyKind discriminates StopPolicy.
type StopPolicyKind string

const (
	StopPolicyNever                         StopPolicyKind = "never"
	StopPolicyWhenFailingConsecutively       StopPolicyKind = "when_failing_consecutively"
	StopPolicyWhenAllIssuesClosedAndPRsMerged StopPolicyKind = "when_all_issues_closed_and_prs_merged"
)

// StopPolicy decides when an automation deactivates itself.
type StopPolicy struct {
	Kind StopPolicyKind `json:"kind" db:"stop_policy_kind"`

	FailureCount int    `json:"count,omitempty" db:"stop_policy_count"`
	Repo         string `json:"repo,omitempty" db:"stop_policy_repo"`
}

// FreshSession selects whether a firing continues the existing harness
// session or rotates to a new one before firing.
type FreshSession string

const (
	FreshSessionKeep  FreshSession = "keep"
	FreshSessionFresh FreshSession = "fresh"
)

// RetryConfig governs enqueue-failure retries for an automation firing.
type RetryConfig struct {
	MaxRetries        int     `json:"max_retries" db:"retry_max_retries"`
	RetryDelaySeconds int     `json:"retry_delay_seconds" db:"retry_delay_seconds"`
	BackoffMultiplier float64 `json:"backoff_multiplier" db:"retry_backoff_multiplier"`
}

// Delay returns the backoff delay for the given 0-indexed attempt.
func (r RetryConfig) Delay(attempt int) time.Duration {
	d := float64(r.RetryDelaySeconds)
	for i := 0; i < attempt; i++ {
		d *= r.BackoffMultiplier
	}
	return time.Duration(d * float64(time.Second))
}

// Automation is a trigger-bound command re-enqueued against a mission.
type Automation struct {
	ID        uuid.UUID `json:"id" db:"id"`
	MissionID uuid.UUID `json:"mission_id" db:"mission_id"`

	Trigger       Trigger       `json:"trigger"`
	CommandSource CommandSource `json:"command_source"`
	StopPolicy    StopPolicy    `json:"stop_policy"`
	FreshSession  FreshSession  `json:"fresh_session" db:"fresh_session"`
	Retry         RetryConfig   `json:"retry"`

	Variables map[string]string `json:"variables" db:"-"`

	Active         bool       `json:"active" db:"active"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
}

// ExecutionStatus is the lifecycle state of an AutomationExecution.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// AutomationExecution records one firing of an Automation.
type AutomationExecution struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	AutomationID uuid.UUID       `json:"automation_id" db:"automation_id"`
	Status       ExecutionStatus `json:"status" db:"status"`
	Error        *string         `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// ChainEntry is one (provider, account, model) triple in a MissionChain.
type ChainEntry struct {
	ProviderID string `json:"provider_id" db:"provider_id"`
	AccountID  string `json:"account_id" db:"account_id"`
	ModelID    string `json:"model_id" db:"model_id"`
	APIKey     string `json:"-" db:"api_key"`
	BaseURL    string `json:"base_url,omitempty" db:"base_url"`
	// Custom marks a provider that doesn't need an api_key (e.g. a local
	// relay already carrying its own auth).
	Custom bool `json:"custom,omitempty" db:"custom"`
}

// MissionChain is the ordered failover list of (provider, account, model)
// entries the Provider Proxy tries in order to serve a virtual model name.
type MissionChain struct {
	VirtualModel string       `json:"virtual_model" db:"virtual_model"`
	Entries      []ChainEntry `json:"entries" db:"-"`
}
