package sqlstore

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS missions (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'pending',
	terminal_reason TEXT,
	title TEXT,
	short_description TEXT,
	metadata_source TEXT,
	metadata_model TEXT,
	metadata_version INTEGER,
	metadata_updated_at DATETIME,
	workspace_id TEXT,
	agent TEXT,
	backend TEXT NOT NULL DEFAULT 'claudecode',
	config_profile TEXT,
	model_override TEXT,
	model_effort TEXT,
	session_id TEXT NOT NULL DEFAULT '',
	history TEXT NOT NULL DEFAULT '[]',
	desktop_sessions TEXT NOT NULL DEFAULT '[]',
	tree TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	interrupted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);
CREATE INDEX IF NOT EXISTS idx_missions_updated_at ON missions(updated_at);

CREATE TABLE IF NOT EXISTS mission_events (
	id TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	timestamp DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mission_events_mission_id ON mission_events(mission_id, timestamp);

CREATE TABLE IF NOT EXISTS automations (
	id TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
	trigger_kind TEXT NOT NULL,
	trigger_interval_seconds INTEGER NOT NULL DEFAULT 0,
	trigger_webhook_id TEXT,
	trigger_webhook_secret TEXT,
	variable_mappings TEXT NOT NULL DEFAULT '{}',
	command_kind TEXT NOT NULL,
	command_name TEXT,
	command_path TEXT,
	command_content TEXT,
	stop_policy_kind TEXT NOT NULL DEFAULT 'never',
	stop_policy_count INTEGER NOT NULL DEFAULT 0,
	stop_policy_repo TEXT,
	fresh_session TEXT NOT NULL DEFAULT 'keep',
	retry_max_retries INTEGER NOT NULL DEFAULT 3,
	retry_delay_seconds INTEGER NOT NULL DEFAULT 5,
	retry_backoff_multiplier REAL NOT NULL DEFAULT 2.0,
	variables TEXT NOT NULL DEFAULT '{}',
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	last_triggered_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_automations_mission_id ON automations(mission_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_automations_webhook_id ON automations(trigger_webhook_id) WHERE trigger_webhook_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS automation_executions (
	id TEXT PRIMARY KEY,
	automation_id TEXT NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'pending',
	error TEXT,
	created_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_automation_executions_automation_id ON automation_executions(automation_id, created_at);

CREATE TABLE IF NOT EXISTS mission_chains (
	virtual_model TEXT PRIMARY KEY,
	entries TEXT NOT NULL DEFAULT '[]'
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS missions (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'pending',
	terminal_reason TEXT,
	title TEXT,
	short_description TEXT,
	metadata_source TEXT,
	metadata_model TEXT,
	metadata_version INTEGER,
	metadata_updated_at TIMESTAMPTZ,
	workspace_id TEXT,
	agent TEXT,
	backend TEXT NOT NULL DEFAULT 'claudecode',
	config_profile TEXT,
	model_override TEXT,
	model_effort TEXT,
	session_id TEXT NOT NULL DEFAULT '',
	history TEXT NOT NULL DEFAULT '[]',
	desktop_sessions TEXT NOT NULL DEFAULT '[]',
	tree TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	interrupted_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);
CREATE INDEX IF NOT EXISTS idx_missions_updated_at ON missions(updated_at);

CREATE TABLE IF NOT EXISTS mission_events (
	id TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mission_events_mission_id ON mission_events(mission_id, timestamp);

CREATE TABLE IF NOT EXISTS automations (
	id TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
	trigger_kind TEXT NOT NULL,
	trigger_interval_seconds INTEGER NOT NULL DEFAULT 0,
	trigger_webhook_id TEXT,
	trigger_webhook_secret TEXT,
	variable_mappings TEXT NOT NULL DEFAULT '{}',
	command_kind TEXT NOT NULL,
	command_name TEXT,
	command_path TEXT,
	command_content TEXT,
	stop_policy_kind TEXT NOT NULL DEFAULT 'never',
	stop_policy_count INTEGER NOT NULL DEFAULT 0,
	stop_policy_repo TEXT,
	fresh_session TEXT NOT NULL DEFAULT 'keep',
	retry_max_retries INTEGER NOT NULL DEFAULT 3,
	retry_delay_seconds INTEGER NOT NULL DEFAULT 5,
	retry_backoff_multiplier REAL NOT NULL DEFAULT 2.0,
	variables TEXT NOT NULL DEFAULT '{}',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	last_triggered_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_automations_mission_id ON automations(mission_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_automations_webhook_id ON automations(trigger_webhook_id) WHERE trigger_webhook_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS automation_executions (
	id TEXT PRIMARY KEY,
	automation_id TEXT NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'pending',
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_automation_executions_automation_id ON automation_executions(automation_id, created_at);

CREATE TABLE IF NOT EXISTS mission_chains (
	virtual_model TEXT PRIMARY KEY,
	entries TEXT NOT NULL DEFAULT '[]'
);
`
