package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

type automationRow struct {
	ID                     string         `db:"id"`
	MissionID              string         `db:"mission_id"`
	TriggerKind            string         `db:"trigger_kind"`
	TriggerIntervalSeconds int            `db:"trigger_interval_seconds"`
	TriggerWebhookID       sql.NullString `db:"trigger_webhook_id"`
	TriggerWebhookSecret   sql.NullString `db:"trigger_webhook_secret"`
	VariableMappings       string         `db:"variable_mappings"`
	CommandKind            string         `db:"command_kind"`
	CommandName            sql.NullString `db:"command_name"`
	CommandPath            sql.NullString `db:"command_path"`
	CommandContent         sql.NullString `db:"command_content"`
	StopPolicyKind         string         `db:"stop_policy_kind"`
	StopPolicyCount        int            `db:"stop_policy_count"`
	StopPolicyRepo         sql.NullString `db:"stop_policy_repo"`
	FreshSession           string         `db:"fresh_session"`
	RetryMaxRetries        int            `db:"retry_max_retries"`
	RetryDelaySeconds      int            `db:"retry_delay_seconds"`
	RetryBackoffMultiplier float64        `db:"retry_backoff_multiplier"`
	Variables              string         `db:"variables"`
	Active                 bool           `db:"active"`
	CreatedAt              time.Time      `db:"created_at"`
	LastTriggeredAt        sql.NullTime   `db:"last_triggered_at"`
}

func (r *automationRow) toAutomation() (*mission.Automation, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("missionstore: invalid automation id %q: %w", r.ID, err)
	}
	missionID, err := uuid.Parse(r.MissionID)
	if err != nil {
		return nil, fmt.Errorf("missionstore: invalid mission id %q: %w", r.MissionID, err)
	}

	var variableMap map[string]string
	_ = json.Unmarshal([]byte(r.VariableMappings), &variableMap)
	var variables map[string]string
	_ = json.Unmarshal([]byte(r.Variables), &variables)

	a := &mission.Automation{
		ID:        id,
		MissionID: missionID,
		Trigger: mission.Trigger{
			Kind:               mission.TriggerKind(r.TriggerKind),
			IntervalSeconds:    r.TriggerIntervalSeconds,
			WebhookID:          r.TriggerWebhookID.String,
			WebhookSecret:      stringPtr(r.TriggerWebhookSecret),
			WebhookVariableMap: variableMap,
		},
		CommandSource: mission.CommandSource{
			Kind:    mission.CommandSourceKind(r.CommandKind),
			Name:    r.CommandName.String,
			Path:    r.CommandPath.String,
			Content: r.CommandContent.String,
		},
		StopPolicy: mission.StopPolicy{
			Kind:         mission.StopPolicyKind(r.StopPolicyKind),
			FailureCount: r.StopPolicyCount,
			Repo:         r.StopPolicyRepo.String,
		},
		FreshSession: mission.FreshSession(r.FreshSession),
		Retry: mission.RetryConfig{
			MaxRetries:        r.RetryMaxRetries,
			RetryDelaySeconds: r.RetryDelaySeconds,
			BackoffMultiplier: r.RetryBackoffMultiplier,
		},
		Variables:       variables,
		Active:          r.Active,
		CreatedAt:       r.CreatedAt,
		LastTriggeredAt: timePtr(r.LastTriggeredAt),
	}
	return a, nil
}

const automationColumns = `id, mission_id, trigger_kind, trigger_interval_seconds, trigger_webhook_id,
	trigger_webhook_secret, variable_mappings, command_kind, command_name, command_path, command_content,
	stop_policy_kind, stop_policy_count, stop_policy_repo, fresh_session, retry_max_retries,
	retry_delay_seconds, retry_backoff_multiplier, variables, active, created_at, last_triggered_at`

func (s *Store) CreateAutomation(ctx context.Context, a *mission.Automation) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Active = true
	a.CreatedAt = time.Now().UTC()

	variableMap, err := json.Marshal(a.Trigger.WebhookVariableMap)
	if err != nil {
		return err
	}
	variables, err := json.Marshal(a.Variables)
	if err != nil {
		return err
	}

	var webhookID *string
	if a.Trigger.WebhookID != "" {
		webhookID = &a.Trigger.WebhookID
	}

	query := s.db.Rebind(fmt.Sprintf(`
		INSERT INTO automations (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, automationColumns))
	_, err = s.db.ExecContext(ctx, query,
		a.ID.String(), a.MissionID.String(), a.Trigger.Kind, a.Trigger.IntervalSeconds, webhookID,
		a.Trigger.WebhookSecret, string(variableMap), a.CommandSource.Kind, a.CommandSource.Name,
		a.CommandSource.Path, a.CommandSource.Content, a.StopPolicy.Kind, a.StopPolicy.FailureCount,
		a.StopPolicy.Repo, a.FreshSession, a.Retry.MaxRetries, a.Retry.RetryDelaySeconds,
		a.Retry.BackoffMultiplier, string(variables), a.Active, a.CreatedAt, nullTime(a.LastTriggeredAt),
	)
	return err
}

func (s *Store) GetAutomation(ctx context.Context, id uuid.UUID) (*mission.Automation, error) {
	var row automationRow
	query := s.db.Rebind(fmt.Sprintf(`SELECT %s FROM automations WHERE id = ?`, automationColumns))
	if err := s.db.GetContext(ctx, &row, query, id.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, missionstore.ErrNotFound
		}
		return nil, err
	}
	return row.toAutomation()
}

func (s *Store) UpdateAutomation(ctx context.Context, a *mission.Automation) error {
	variableMap, err := json.Marshal(a.Trigger.WebhookVariableMap)
	if err != nil {
		return err
	}
	variables, err := json.Marshal(a.Variables)
	if err != nil {
		return err
	}
	var webhookID *string
	if a.Trigger.WebhookID != "" {
		webhookID = &a.Trigger.WebhookID
	}

	query := s.db.Rebind(`
		UPDATE automations SET trigger_kind = ?, trigger_interval_seconds = ?, trigger_webhook_id = ?,
			trigger_webhook_secret = ?, variable_mappings = ?, command_kind = ?, command_name = ?,
			command_path = ?, command_content = ?, stop_policy_kind = ?, stop_policy_count = ?,
			stop_policy_repo = ?, fresh_session = ?, retry_max_retries = ?, retry_delay_seconds = ?,
			retry_backoff_multiplier = ?, variables = ?, active = ?
		WHERE id = ?
	`)
	res, err := s.db.ExecContext(ctx, query,
		a.Trigger.Kind, a.Trigger.IntervalSeconds, webhookID, a.Trigger.WebhookSecret, string(variableMap),
		a.CommandSource.Kind, a.CommandSource.Name, a.CommandSource.Path, a.CommandSource.Content,
		a.StopPolicy.Kind, a.StopPolicy.FailureCount, a.StopPolicy.Repo, a.FreshSession,
		a.Retry.MaxRetries, a.Retry.RetryDelaySeconds, a.Retry.BackoffMultiplier, string(variables),
		a.Active, a.ID.String(),
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) DeleteAutomation(ctx context.Context, id uuid.UUID) error {
	query := s.db.Rebind(`DELETE FROM automations WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, id.String())
	return err
}

func (s *Store) GetAutomationByWebhookID(ctx context.Context, webhookID string) (*mission.Automation, error) {
	var row automationRow
	query := s.db.Rebind(fmt.Sprintf(`SELECT %s FROM automations WHERE trigger_webhook_id = ?`, automationColumns))
	if err := s.db.GetContext(ctx, &row, query, webhookID); err != nil {
		if err == sql.ErrNoRows {
			return nil, missionstore.ErrNotFound
		}
		return nil, err
	}
	return row.toAutomation()
}

func (s *Store) GetMissionAutomations(ctx context.Context, missionID uuid.UUID) ([]*mission.Automation, error) {
	var rows []automationRow
	query := s.db.Rebind(fmt.Sprintf(`SELECT %s FROM automations WHERE mission_id = ? ORDER BY created_at ASC`, automationColumns))
	if err := s.db.SelectContext(ctx, &rows, query, missionID.String()); err != nil {
		return nil, err
	}
	return toAutomations(rows)
}

func (s *Store) ListActiveAutomations(ctx context.Context) ([]*mission.Automation, error) {
	var rows []automationRow
	query := s.db.Rebind(fmt.Sprintf(`SELECT %s FROM automations WHERE active = ?`, automationColumns))
	if err := s.db.SelectContext(ctx, &rows, query, true); err != nil {
		return nil, err
	}
	return toAutomations(rows)
}

func toAutomations(rows []automationRow) ([]*mission.Automation, error) {
	out := make([]*mission.Automation, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAutomation()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

type executionRow struct {
	ID           string       `db:"id"`
	AutomationID string       `db:"automation_id"`
	Status       string       `db:"status"`
	Error        sql.NullString `db:"error"`
	CreatedAt    time.Time    `db:"created_at"`
	CompletedAt  sql.NullTime `db:"completed_at"`
}

func (r *executionRow) toExecution() (*mission.AutomationExecution, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("missionstore: invalid execution id %q: %w", r.ID, err)
	}
	automationID, err := uuid.Parse(r.AutomationID)
	if err != nil {
		return nil, fmt.Errorf("missionstore: invalid automation id %q: %w", r.AutomationID, err)
	}
	return &mission.AutomationExecution{
		ID:           id,
		AutomationID: automationID,
		Status:       mission.ExecutionStatus(r.Status),
		Error:        stringPtr(r.Error),
		CreatedAt:    r.CreatedAt,
		CompletedAt:  timePtr(r.CompletedAt),
	}, nil
}

func (s *Store) GetAutomationExecutions(ctx context.Context, automationID uuid.UUID, limit int) ([]*mission.AutomationExecution, error) {
	var rows []executionRow
	query := s.db.Rebind(`
		SELECT id, automation_id, status, error, created_at, completed_at
		FROM automation_executions WHERE automation_id = ? ORDER BY created_at DESC LIMIT ?
	`)
	if err := s.db.SelectContext(ctx, &rows, query, automationID.String(), limit); err != nil {
		return nil, err
	}
	out := make([]*mission.AutomationExecution, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) CreateAutomationExecution(ctx context.Context, rec *mission.AutomationExecution) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = time.Now().UTC()
	query := s.db.Rebind(`
		INSERT INTO automation_executions (id, automation_id, status, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query, rec.ID.String(), rec.AutomationID.String(), rec.Status, rec.Error, rec.CreatedAt, nullTime(rec.CompletedAt))
	return err
}

func (s *Store) UpdateAutomationExecution(ctx context.Context, rec *mission.AutomationExecution) error {
	query := s.db.Rebind(`UPDATE automation_executions SET status = ?, error = ?, completed_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, rec.Status, rec.Error, nullTime(rec.CompletedAt), rec.ID.String())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) UpdateAutomationLastTriggered(ctx context.Context, id uuid.UUID) error {
	query := s.db.Rebind(`UPDATE automations SET last_triggered_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) DeactivateAutomation(ctx context.Context, id uuid.UUID) error {
	query := s.db.Rebind(`UPDATE automations SET active = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, false, id.String())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) CompleteRunningExecutionsForMission(ctx context.Context, missionID uuid.UUID, success bool, errMsg *string) error {
	status := mission.ExecutionSuccess
	if !success {
		status = mission.ExecutionFailed
	}
	query := s.db.Rebind(`
		UPDATE automation_executions SET status = ?, error = ?, completed_at = ?
		WHERE status = ? AND automation_id IN (SELECT id FROM automations WHERE mission_id = ?)
	`)
	_, err := s.db.ExecContext(ctx, query, status, errMsg, time.Now().UTC(), mission.ExecutionRunning, missionID.String())
	return err
}
