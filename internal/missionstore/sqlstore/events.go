package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sandboxedsh/missionctl/internal/mission"
)

type eventRow struct {
	ID          string    `db:"id"`
	MissionID   string    `db:"mission_id"`
	EventType   string    `db:"event_type"`
	PayloadJSON string    `db:"payload_json"`
	Timestamp   time.Time `db:"timestamp"`
}

func (r *eventRow) toStoredEvent() (*mission.StoredEvent, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("missionstore: invalid event id %q: %w", r.ID, err)
	}
	missionID, err := uuid.Parse(r.MissionID)
	if err != nil {
		return nil, fmt.Errorf("missionstore: invalid mission id %q: %w", r.MissionID, err)
	}
	return &mission.StoredEvent{
		ID:         id,
		MissionID:  missionID,
		EventType:  r.EventType,
		PayloadRaw: []byte(r.PayloadJSON),
		Timestamp:  r.Timestamp,
	}, nil
}

func (s *Store) LogEvent(ctx context.Context, ev *mission.StoredEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	query := s.db.Rebind(`
		INSERT INTO mission_events (id, mission_id, event_type, payload_json, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query, ev.ID.String(), ev.MissionID.String(), ev.EventType, string(ev.PayloadRaw), ev.Timestamp)
	return err
}

const eventColumns = `id, mission_id, event_type, payload_json, timestamp`

func (s *Store) GetEvents(ctx context.Context, missionID uuid.UUID, types []string, limit, offset int) ([]*mission.StoredEvent, error) {
	var rows []eventRow

	// limit <= 0 means "no limit", matching the in-memory store; SQL needs
	// an actual bound for the LIMIT clause.
	if limit <= 0 {
		limit = 1<<31 - 1
	}

	if len(types) == 0 {
		query := s.db.Rebind(fmt.Sprintf(`SELECT %s FROM mission_events WHERE mission_id = ? ORDER BY timestamp ASC LIMIT ? OFFSET ?`, eventColumns))
		if err := s.db.SelectContext(ctx, &rows, query, missionID.String(), limit, offset); err != nil {
			return nil, err
		}
	} else {
		query, args, err := sqlx.In(
			fmt.Sprintf(`SELECT %s FROM mission_events WHERE mission_id = ? AND event_type IN (?) ORDER BY timestamp ASC LIMIT ? OFFSET ?`, eventColumns),
			missionID.String(), types, limit, offset,
		)
		if err != nil {
			return nil, err
		}
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
			return nil, err
		}
	}

	out := make([]*mission.StoredEvent, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toStoredEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
