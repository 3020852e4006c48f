package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

func (s *Store) GetChain(ctx context.Context, virtualModel string) (*mission.MissionChain, error) {
	var entriesJSON string
	query := s.db.Rebind(`SELECT entries FROM mission_chains WHERE virtual_model = ?`)
	if err := s.db.GetContext(ctx, &entriesJSON, query, virtualModel); err != nil {
		if err == sql.ErrNoRows {
			return nil, missionstore.ErrNotFound
		}
		return nil, err
	}

	var entries []mission.ChainEntry
	if err := json.Unmarshal([]byte(entriesJSON), &entries); err != nil {
		return nil, err
	}
	return &mission.MissionChain{VirtualModel: virtualModel, Entries: entries}, nil
}

// ListChains returns every registered virtual model's failover chain, used
// by the provider proxy's GET /v1/models.
func (s *Store) ListChains(ctx context.Context) ([]*mission.MissionChain, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT virtual_model, entries FROM mission_chains ORDER BY virtual_model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*mission.MissionChain
	for rows.Next() {
		var virtualModel, entriesJSON string
		if err := rows.Scan(&virtualModel, &entriesJSON); err != nil {
			return nil, err
		}
		var entries []mission.ChainEntry
		if err := json.Unmarshal([]byte(entriesJSON), &entries); err != nil {
			return nil, err
		}
		out = append(out, &mission.MissionChain{VirtualModel: virtualModel, Entries: entries})
	}
	return out, rows.Err()
}

// PutChain upserts a mission chain (a virtual model's failover list). Nothing
// in this module calls it; chains are otherwise only read.
func (s *Store) PutChain(ctx context.Context, c *mission.MissionChain) error {
	entries, err := json.Marshal(c.Entries)
	if err != nil {
		return err
	}

	if s.isPostgres() {
		query := s.db.Rebind(`
			INSERT INTO mission_chains (virtual_model, entries) VALUES (?, ?)
			ON CONFLICT (virtual_model) DO UPDATE SET entries = EXCLUDED.entries
		`)
		_, err := s.db.ExecContext(ctx, query, c.VirtualModel, string(entries))
		return err
	}

	query := s.db.Rebind(`
		INSERT INTO mission_chains (virtual_model, entries) VALUES (?, ?)
		ON CONFLICT (virtual_model) DO UPDATE SET entries = excluded.entries
	`)
	_, err = s.db.ExecContext(ctx, query, c.VirtualModel, string(entries))
	return err
}
