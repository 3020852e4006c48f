// Package memstore is the in-memory Mission Store implementation used for
// ephemeral runs and tests: maps behind one RWMutex, cloning on the way out
// so callers never alias stored state.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

// Store is an in-memory missionstore.Store.
type Store struct {
	mu sync.RWMutex

	missions    map[uuid.UUID]*mission.Mission
	trees       map[uuid.UUID][]byte
	events      map[uuid.UUID][]*mission.StoredEvent
	automations map[uuid.UUID]*mission.Automation
	executions  map[uuid.UUID][]*mission.AutomationExecution
	chains      map[string]*mission.MissionChain
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		missions:    make(map[uuid.UUID]*mission.Mission),
		trees:       make(map[uuid.UUID][]byte),
		events:      make(map[uuid.UUID][]*mission.StoredEvent),
		automations: make(map[uuid.UUID]*mission.Automation),
		executions:  make(map[uuid.UUID][]*mission.AutomationExecution),
		chains:      make(map[string]*mission.MissionChain),
	}
}

// IsPersistent always reports false: state does not survive a restart.
func (s *Store) IsPersistent() bool { return false }

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// SeedChain installs a chain for tests/bootstrap (not part of the Store
// interface; the SQL store's equivalent is sqlstore.Store.PutChain).
func (s *Store) SeedChain(c *mission.MissionChain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[c.VirtualModel] = c
}

func cloneMission(m *mission.Mission) *mission.Mission {
	cp := *m
	cp.History = append([]mission.HistoryEntry(nil), m.History...)
	cp.DesktopSessions = append([]mission.DesktopSession(nil), m.DesktopSessions...)
	return &cp
}

func (s *Store) ListMissions(ctx context.Context, limit, offset int) ([]*mission.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*mission.Mission, 0, len(s.missions))
	for _, m := range s.missions {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*mission.Mission, 0, end-offset)
	for _, m := range all[offset:end] {
		out = append(out, cloneMission(m))
	}
	return out, nil
}

func (s *Store) GetMission(ctx context.Context, id uuid.UUID) (*mission.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[id]
	if !ok {
		return nil, missionstore.ErrNotFound
	}
	return cloneMission(m), nil
}

func (s *Store) CreateMission(ctx context.Context, p mission.CreateMissionParams) (*mission.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
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
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.missions[m.ID] = m
	return cloneMission(m), nil
}

func (s *Store) UpdateMissionStatus(ctx context.Context, id uuid.UUID, status mission.Status) error {
	return s.UpdateMissionStatusWithReason(ctx, id, status, nil)
}

func (s *Store) UpdateMissionStatusWithReason(ctx context.Context, id uuid.UUID, status mission.Status, reason *mission.TerminalReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return missionstore.ErrNotFound
	}
	m.Status = status
	m.TerminalReason = reason
	m.UpdatedAt = time.Now().UTC()
	if status.Resumable() {
		t := m.UpdatedAt
		m.InterruptedAt = &t
	} else {
		m.InterruptedAt = nil
	}
	return nil
}

func (s *Store) UpdateMissionHistory(ctx context.Context, id uuid.UUID, entries []mission.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return missionstore.ErrNotFound
	}
	m.History = append([]mission.HistoryEntry(nil), entries...)
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateMissionTitle(ctx context.Context, id uuid.UUID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return missionstore.ErrNotFound
	}
	m.Title = &title
	src := mission.MetadataSourceUser
	m.MetadataSource = &src
	m.MetadataModel = nil
	m.MetadataVersion = nil
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateMissionMetadata(ctx context.Context, id uuid.UUID, patch mission.MetadataPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return missionstore.ErrNotFound
	}
	mission.ApplyPtr(&m.Title, patch.Title)
	mission.ApplyPtr(&m.ShortDescription, patch.ShortDescription)
	mission.ApplyPtr(&m.MetadataSource, patch.Source)
	mission.ApplyPtr(&m.MetadataModel, patch.Model)
	mission.ApplyPtr(&m.MetadataVersion, patch.Version)
	if !patch.Title.IsUnchanged() || !patch.ShortDescription.IsUnchanged() {
		now := time.Now().UTC()
		m.MetadataUpdatedAt = &now
	}
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateMissionSessionID(ctx context.Context, id uuid.UUID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return missionstore.ErrNotFound
	}
	m.SessionID = sessionID
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateMissionDesktopSessions(ctx context.Context, id uuid.UUID, sessions []mission.DesktopSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return missionstore.ErrNotFound
	}
	m.DesktopSessions = append([]mission.DesktopSession(nil), sessions...)
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateMissionTree(ctx context.Context, id uuid.UUID, tree []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[id]; !ok {
		return missionstore.ErrNotFound
	}
	s.trees[id] = append([]byte(nil), tree...)
	return nil
}

func (s *Store) GetMissionTree(ctx context.Context, id uuid.UUID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trees[id], nil
}

func (s *Store) DeleteMission(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[id]; !ok {
		return false, nil
	}
	delete(s.missions, id)
	delete(s.trees, id)
	delete(s.events, id)
	return true, nil
}

func (s *Store) DeleteEmptyUntitledMissionsExcluding(ctx context.Context, runningIDs []uuid.UUID) (int, error) {
	running := make(map[uuid.UUID]bool, len(runningIDs))
	for _, id := range runningIDs {
		running[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, m := range s.missions {
		if running[id] {
			continue
		}
		if len(m.History) == 0 && m.Title == nil {
			delete(s.missions, id)
			delete(s.trees, id)
			delete(s.events, id)
			count++
		}
	}
	return count, nil
}

func (s *Store) GetStaleActiveMissions(ctx context.Context, olderThanHours int) ([]*mission.Mission, error) {
	if olderThanHours <= 0 {
		return nil, nil
	}
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanHours) * time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*mission.Mission
	for _, m := range s.missions {
		if m.Status == mission.StatusActive && m.UpdatedAt.Before(cutoff) {
			out = append(out, cloneMission(m))
		}
	}
	return out, nil
}

func (s *Store) GetAllActiveMissions(ctx context.Context) ([]*mission.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*mission.Mission
	for _, m := range s.missions {
		if m.Status == mission.StatusActive {
			out = append(out, cloneMission(m))
		}
	}
	return out, nil
}

func (s *Store) SearchMissions(ctx context.Context, query string, limit int) ([]*mission.Mission, error) {
	q := strings.ToLower(query)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*mission.Mission
	for _, m := range s.missions {
		title := ""
		if m.Title != nil {
			title = strings.ToLower(*m.Title)
		}
		if strings.Contains(title, q) {
			out = append(out, cloneMission(m))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) ListRecentTitles(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type withTime struct {
		title string
		t     time.Time
	}
	var all []withTime
	for _, m := range s.missions {
		if m.Title != nil && *m.Title != "" {
			all = append(all, withTime{*m.Title, m.UpdatedAt})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].t.After(all[j].t) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]string, len(all))
	for i, w := range all {
		out[i] = w.title
	}
	return out, nil
}

func (s *Store) LogEvent(ctx context.Context, ev *mission.StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	s.events[ev.MissionID] = append(s.events[ev.MissionID], ev)
	return nil
}

func (s *Store) GetEvents(ctx context.Context, missionID uuid.UUID, types []string, limit, offset int) ([]*mission.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	var filtered []*mission.StoredEvent
	for _, ev := range s.events[missionID] {
		if len(wanted) > 0 && !wanted[ev.EventType] {
			continue
		}
		filtered = append(filtered, ev)
	}
	if offset >= len(filtered) {
		return nil, nil
	}
	end := len(filtered)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return filtered[offset:end], nil
}

func (s *Store) CreateAutomation(ctx context.Context, a *mission.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Active = true
	a.CreatedAt = time.Now().UTC()
	cp := *a
	s.automations[a.ID] = &cp
	return nil
}

func (s *Store) GetAutomation(ctx context.Context, id uuid.UUID) (*mission.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.automations[id]
	if !ok {
		return nil, missionstore.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) UpdateAutomation(ctx context.Context, a *mission.Automation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.automations[a.ID]; !ok {
		return missionstore.ErrNotFound
	}
	cp := *a
	s.automations[a.ID] = &cp
	return nil
}

func (s *Store) DeleteAutomation(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.automations, id)
	delete(s.executions, id)
	return nil
}

func (s *Store) GetAutomationByWebhookID(ctx context.Context, webhookID string) (*mission.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.automations {
		if a.Trigger.Kind == mission.TriggerWebhook && a.Trigger.WebhookID == webhookID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, missionstore.ErrNotFound
}

func (s *Store) GetMissionAutomations(ctx context.Context, missionID uuid.UUID) ([]*mission.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*mission.Automation
	for _, a := range s.automations {
		if a.MissionID == missionID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListActiveAutomations(ctx context.Context) ([]*mission.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*mission.Automation
	for _, a := range s.automations {
		if a.Active {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) GetAutomationExecutions(ctx context.Context, automationID uuid.UUID, limit int) ([]*mission.AutomationExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execs := append([]*mission.AutomationExecution(nil), s.executions[automationID]...)
	sort.Slice(execs, func(i, j int) bool { return execs[i].CreatedAt.After(execs[j].CreatedAt) })
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return execs, nil
}

func (s *Store) CreateAutomationExecution(ctx context.Context, rec *mission.AutomationExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = time.Now().UTC()
	cp := *rec
	s.executions[rec.AutomationID] = append(s.executions[rec.AutomationID], &cp)
	return nil
}

func (s *Store) UpdateAutomationExecution(ctx context.Context, rec *mission.AutomationExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.executions[rec.AutomationID] {
		if e.ID == rec.ID {
			*e = *rec
			return nil
		}
	}
	return missionstore.ErrNotFound
}

func (s *Store) UpdateAutomationLastTriggered(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.automations[id]
	if !ok {
		return missionstore.ErrNotFound
	}
	now := time.Now().UTC()
	a.LastTriggeredAt = &now
	return nil
}

func (s *Store) DeactivateAutomation(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.automations[id]
	if !ok {
		return missionstore.ErrNotFound
	}
	a.Active = false
	return nil
}

func (s *Store) CompleteRunningExecutionsForMission(ctx context.Context, missionID uuid.UUID, success bool, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := mission.ExecutionSuccess
	if !success {
		status = mission.ExecutionFailed
	}
	now := time.Now().UTC()
	for id, a := range s.automations {
		if a.MissionID != missionID {
			continue
		}
		for _, e := range s.executions[id] {
			if e.Status == mission.ExecutionRunning {
				e.Status = status
				e.Error = errMsg
				e.CompletedAt = &now
			}
		}
	}
	return nil
}

func (s *Store) GetChain(ctx context.Context, virtualModel string) (*mission.MissionChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chains[virtualModel]
	if !ok {
		return nil, missionstore.ErrNotFound
	}
	cp := *c
	cp.Entries = append([]mission.ChainEntry(nil), c.Entries...)
	return &cp, nil
}

func (s *Store) ListChains(ctx context.Context) ([]*mission.MissionChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*mission.MissionChain, 0, len(s.chains))
	for _, c := range s.chains {
		cp := *c
		cp.Entries = append([]mission.ChainEntry(nil), c.Entries...)
		out = append(out, &cp)
	}
	return out, nil
}

var _ missionstore.Store = (*Store)(nil)
