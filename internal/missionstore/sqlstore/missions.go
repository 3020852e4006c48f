package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

type missionRow struct {
	ID                string         `db:"id"`
	Status            string         `db:"status"`
	TerminalReason    sql.NullString `db:"terminal_reason"`
	Title             sql.NullString `db:"title"`
	ShortDescription  sql.NullString `db:"short_description"`
	MetadataSource    sql.NullString `db:"metadata_source"`
	MetadataModel     sql.NullString `db:"metadata_model"`
	MetadataVersion   sql.NullInt64  `db:"metadata_version"`
	MetadataUpdatedAt sql.NullTime   `db:"metadata_updated_at"`
	WorkspaceID       sql.NullString `db:"workspace_id"`
	Agent             sql.NullString `db:"agent"`
	Backend           string         `db:"backend"`
	ConfigProfile     sql.NullString `db:"config_profile"`
	ModelOverride     sql.NullString `db:"model_override"`
	ModelEffort       sql.NullString `db:"model_effort"`
	SessionID         string         `db:"session_id"`
	History           string         `db:"history"`
	DesktopSessions   string         `db:"desktop_sessions"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	InterruptedAt     sql.NullTime   `db:"interrupted_at"`
}

func (r *missionRow) toMission() (*mission.Mission, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("missionstore: invalid mission id %q: %w", r.ID, err)
	}

	var history []mission.HistoryEntry
	if err := json.Unmarshal([]byte(r.History), &history); err != nil {
		history = nil
	}
	var desktopSessions []mission.DesktopSession
	if err := json.Unmarshal([]byte(r.DesktopSessions), &desktopSessions); err != nil {
		desktopSessions = nil
	}

	m := &mission.Mission{
		ID:                id,
		Status:            mission.Status(r.Status),
		Title:             stringPtr(r.Title),
		ShortDescription:  stringPtr(r.ShortDescription),
		MetadataModel:     stringPtr(r.MetadataModel),
		MetadataVersion:   intPtr(r.MetadataVersion),
		MetadataUpdatedAt: timePtr(r.MetadataUpdatedAt),
		WorkspaceID:       stringPtr(r.WorkspaceID),
		Agent:             stringPtr(r.Agent),
		Backend:           mission.Backend(r.Backend),
		ConfigProfile:     stringPtr(r.ConfigProfile),
		ModelOverride:     stringPtr(r.ModelOverride),
		SessionID:         r.SessionID,
		History:           history,
		DesktopSessions:   desktopSessions,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		InterruptedAt:     timePtr(r.InterruptedAt),
	}
	if r.TerminalReason.Valid {
		tr := mission.TerminalReason(r.TerminalReason.String)
		m.TerminalReason = &tr
	}
	if r.MetadataSource.Valid {
		ms := mission.MetadataSource(r.MetadataSource.String)
		m.MetadataSource = &ms
	}
	if r.ModelEffort.Valid {
		me := mission.ModelEffort(r.ModelEffort.String)
		m.ModelEffort = &me
	}
	return m, nil
}

const missionColumns = `id, status, terminal_reason, title, short_description, metadata_source,
	metadata_model, metadata_version, metadata_updated_at, workspace_id, agent, backend,
	config_profile, model_override, model_effort, session_id, history, desktop_sessions,
	created_at, updated_at, interrupted_at`

func (s *Store) ListMissions(ctx context.Context, limit, offset int) ([]*mission.Mission, error) {
	var rows []missionRow
	query := s.db.Rebind(fmt.Sprintf(`SELECT %s FROM missions ORDER BY updated_at DESC LIMIT ? OFFSET ?`, missionColumns))
	if err := s.db.SelectContext(ctx, &rows, query, limit, offset); err != nil {
		return nil, err
	}
	return toMissions(rows)
}

func (s *Store) GetMission(ctx context.Context, id uuid.UUID) (*mission.Mission, error) {
	var row missionRow
	query := s.db.Rebind(fmt.Sprintf(`SELECT %s FROM missions WHERE id = ?`, missionColumns))
	if err := s.db.GetContext(ctx, &row, query, id.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, missionstore.ErrNotFound
		}
		return nil, err
	}
	return row.toMission()
}

func (s *Store) CreateMission(ctx context.Context, p mission.CreateMissionParams) (*mission.Mission, error) {
	backend := mission.BackendClaudeCode
	if p.Backend != nil {
		backend = *p.Backend
	}
	m := &mission.Mission{
		ID:            uuid.New(),
		Status:        mission.StatusPending,
		Title:         p.Title,
		WorkspaceID:   p.WorkspaceID,
		Agent:         p.Agent,
		Backend:       backend,
		ConfigProfile: p.ConfigProfile,
		ModelOverride: p.ModelOverride,
		ModelEffort:   p.ModelEffort,
		SessionID:     uuid.New().String(),
		CreatedAt:     time.Now().UTC(),
	}
	m.UpdatedAt = m.CreatedAt

	query := s.db.Rebind(`
		INSERT INTO missions (id, status, title, workspace_id, agent, backend, config_profile,
			model_override, model_effort, session_id, history, desktop_sessions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', '[]', ?, ?)
	`)
	var modelEffort *string
	if m.ModelEffort != nil {
		v := string(*m.ModelEffort)
		modelEffort = &v
	}
	_, err := s.db.ExecContext(ctx, query,
		m.ID.String(), m.Status, m.Title, m.WorkspaceID, m.Agent, m.Backend, m.ConfigProfile,
		m.ModelOverride, modelEffort, m.SessionID, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) UpdateMissionStatus(ctx context.Context, id uuid.UUID, status mission.Status) error {
	return s.UpdateMissionStatusWithReason(ctx, id, status, nil)
}

func (s *Store) UpdateMissionStatusWithReason(ctx context.Context, id uuid.UUID, status mission.Status, reason *mission.TerminalReason) error {
	now := time.Now().UTC()
	var interruptedAt *time.Time
	if status.Resumable() {
		interruptedAt = &now
	}
	query := s.db.Rebind(`
		UPDATE missions SET status = ?, terminal_reason = ?, interrupted_at = ?, updated_at = ?
		WHERE id = ?
	`)
	res, err := s.db.ExecContext(ctx, query, status, reasonString(reason), nullTime(interruptedAt), now, id.String())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func reasonString(r *mission.TerminalReason) *string {
	if r == nil {
		return nil
	}
	v := string(*r)
	return &v
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missionstore.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateMissionHistory(ctx context.Context, id uuid.UUID, entries []mission.HistoryEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("missionstore: marshal history: %w", err)
	}
	query := s.db.Rebind(`UPDATE missions SET history = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(data), time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) UpdateMissionTitle(ctx context.Context, id uuid.UUID, title string) error {
	query := s.db.Rebind(`
		UPDATE missions SET title = ?, metadata_source = ?, metadata_model = NULL, metadata_version = NULL, updated_at = ?
		WHERE id = ?
	`)
	res, err := s.db.ExecContext(ctx, query, title, mission.MetadataSourceUser, time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) UpdateMissionMetadata(ctx context.Context, id uuid.UUID, patch mission.MetadataPatch) error {
	var sets []string
	var args []any

	setStringCol := func(col string, p mission.Patch[string]) {
		if p.IsUnchanged() {
			return
		}
		sets = append(sets, col+" = ?")
		if v, ok := p.Value(); ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}
	setIntCol := func(col string, p mission.Patch[int]) {
		if p.IsUnchanged() {
			return
		}
		sets = append(sets, col+" = ?")
		if v, ok := p.Value(); ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}

	setStringCol("title", patch.Title)
	setStringCol("short_description", patch.ShortDescription)
	if !patch.Source.IsUnchanged() {
		sets = append(sets, "metadata_source = ?")
		if v, ok := patch.Source.Value(); ok {
			args = append(args, string(v))
		} else {
			args = append(args, nil)
		}
	}
	setStringCol("metadata_model", patch.Model)
	setIntCol("metadata_version", patch.Version)

	if len(sets) == 0 {
		return nil
	}
	if !patch.Title.IsUnchanged() || !patch.ShortDescription.IsUnchanged() {
		sets = append(sets, "metadata_updated_at = ?")
		args = append(args, time.Now().UTC())
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id.String())

	query := s.db.Rebind(fmt.Sprintf("UPDATE missions SET %s WHERE id = ?", strings.Join(sets, ", ")))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) UpdateMissionSessionID(ctx context.Context, id uuid.UUID, sessionID string) error {
	query := s.db.Rebind(`UPDATE missions SET session_id = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, sessionID, time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) UpdateMissionDesktopSessions(ctx context.Context, id uuid.UUID, sessions []mission.DesktopSession) error {
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("missionstore: marshal desktop sessions: %w", err)
	}
	query := s.db.Rebind(`UPDATE missions SET desktop_sessions = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(data), time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) UpdateMissionTree(ctx context.Context, id uuid.UUID, tree []byte) error {
	query := s.db.Rebind(`UPDATE missions SET tree = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(tree), id.String())
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) GetMissionTree(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var tree sql.NullString
	query := s.db.Rebind(`SELECT tree FROM missions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &tree, query, id.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, missionstore.ErrNotFound
		}
		return nil, err
	}
	if !tree.Valid {
		return nil, nil
	}
	return []byte(tree.String), nil
}

func (s *Store) DeleteMission(ctx context.Context, id uuid.UUID) (bool, error) {
	query := s.db.Rebind(`DELETE FROM missions WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, id.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeleteEmptyUntitledMissionsExcluding(ctx context.Context, runningIDs []uuid.UUID) (int, error) {
	if len(runningIDs) == 0 {
		query := s.db.Rebind(`DELETE FROM missions WHERE title IS NULL AND history = '[]'`)
		res, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		return int(n), err
	}

	excluded := make([]string, len(runningIDs))
	for i, id := range runningIDs {
		excluded[i] = id.String()
	}
	query, args, err := sqlx.In(`DELETE FROM missions WHERE title IS NULL AND history = '[]' AND id NOT IN (?)`, excluded)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) GetStaleActiveMissions(ctx context.Context, olderThanHours int) ([]*mission.Mission, error) {
	if olderThanHours <= 0 {
		return nil, nil
	}
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanHours) * time.Hour)
	var rows []missionRow
	query := s.db.Rebind(fmt.Sprintf(`SELECT %s FROM missions WHERE status = ? AND updated_at < ?`, missionColumns))
	if err := s.db.SelectContext(ctx, &rows, query, mission.StatusActive, cutoff); err != nil {
		return nil, err
	}
	return toMissions(rows)
}

func (s *Store) GetAllActiveMissions(ctx context.Context) ([]*mission.Mission, error) {
	var rows []missionRow
	query := s.db.Rebind(fmt.Sprintf(`SELECT %s FROM missions WHERE status = ?`, missionColumns))
	if err := s.db.SelectContext(ctx, &rows, query, mission.StatusActive); err != nil {
		return nil, err
	}
	return toMissions(rows)
}

func (s *Store) SearchMissions(ctx context.Context, query string, limit int) ([]*mission.Mission, error) {
	var rows []missionRow
	like := "%" + query + "%"
	op := "LIKE"
	if s.isPostgres() {
		op = "ILIKE"
	}
	sqlQuery := s.db.Rebind(fmt.Sprintf(`SELECT %s FROM missions WHERE title %s ? ORDER BY updated_at DESC LIMIT ?`, missionColumns, op))
	if err := s.db.SelectContext(ctx, &rows, sqlQuery, like, limit); err != nil {
		return nil, err
	}
	return toMissions(rows)
}

func (s *Store) ListRecentTitles(ctx context.Context, limit int) ([]string, error) {
	var titles []string
	query := s.db.Rebind(`SELECT title FROM missions WHERE title IS NOT NULL AND title != '' ORDER BY updated_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &titles, query, limit); err != nil {
		return nil, err
	}
	return titles, nil
}

func toMissions(rows []missionRow) ([]*mission.Mission, error) {
	out := make([]*mission.Mission, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMission()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
