// Package desktop tracks virtual-display sessions a mission spawns and
// streams their open/close lifecycle to WebSocket subscribers, keyed by
// mission ID.
package desktop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

// Frame is one lifecycle event pushed to a mission's desktop-session
// subscribers.
type Frame struct {
	Type      string    `json:"type"` // "opened" | "closed" | "snapshot"
	MissionID uuid.UUID `json:"mission_id"`
	Display   string    `json:"display,omitempty"`
	Sessions  []mission.DesktopSession `json:"sessions,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan Frame
}

// Hub manages WebSocket subscribers to desktop-session lifecycle events,
// grouped by mission ID, and persists session state through the Mission
// Store.
type Hub struct {
	store missionstore.Store
	log   *logger.Logger

	mu              sync.RWMutex
	missionClients  map[uuid.UUID]map[*client]bool

	register   chan registration
	unregister chan unregistration
	broadcast  chan Frame
}

type registration struct {
	missionID uuid.UUID
	c         *client
}

type unregistration struct {
	missionID uuid.UUID
	c         *client
}

// NewHub creates a Hub. Call Run in a background goroutine before Register.
func NewHub(store missionstore.Store, log *logger.Logger) *Hub {
	return &Hub{
		store:          store,
		log:            log.WithFields(zap.String("component", "desktop")),
		missionClients: make(map[uuid.UUID]map[*client]bool),
		register:       make(chan registration),
		unregister:     make(chan unregistration),
		broadcast:      make(chan Frame, 256),
	}
}

// Run processes register/unregister/broadcast until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.missionClients {
				for c := range clients {
					close(c.send)
				}
			}
			h.missionClients = make(map[uuid.UUID]map[*client]bool)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if h.missionClients[reg.missionID] == nil {
				h.missionClients[reg.missionID] = make(map[*client]bool)
			}
			h.missionClients[reg.missionID][reg.c] = true
			h.mu.Unlock()

		case unreg := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.missionClients[unreg.missionID]; ok {
				if _, ok := clients[unreg.c]; ok {
					delete(clients, unreg.c)
					close(unreg.c.send)
					if len(clients) == 0 {
						delete(h.missionClients, unreg.missionID)
					}
				}
			}
			h.mu.Unlock()

		case frame := <-h.broadcast:
			h.mu.RLock()
			clients := h.missionClients[frame.MissionID]
			h.mu.RUnlock()
			for c := range clients {
				select {
				case c.send <- frame:
				default:
					h.log.Warn("desktop client send buffer full, dropping frame",
						zap.String("mission_id", frame.MissionID.String()))
				}
			}
		}
	}
}

// Serve upgrades conn to a WebSocket subscriber for missionID's desktop
// session lifecycle, sending an initial snapshot of currently open sessions.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, missionID uuid.UUID) error {
	m, err := h.store.GetMission(ctx, missionID)
	if err != nil {
		return fmt.Errorf("desktop: get mission: %w", err)
	}

	c := &client{conn: conn, send: make(chan Frame, 32)}
	h.register <- registration{missionID: missionID, c: c}
	defer func() { h.unregister <- unregistration{missionID: missionID, c: c} }()

	c.send <- Frame{Type: "snapshot", MissionID: missionID, Sessions: m.DesktopSessions}

	for frame := range c.send {
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// OpenSession records a new virtual-display session for missionID and
// notifies subscribers.
func (h *Hub) OpenSession(ctx context.Context, missionID uuid.UUID, display string) error {
	m, err := h.store.GetMission(ctx, missionID)
	if err != nil {
		return fmt.Errorf("desktop: get mission: %w", err)
	}
	sessions := append(append([]mission.DesktopSession(nil), m.DesktopSessions...),
		mission.DesktopSession{Display: display, StartedAt: time.Now().UTC()})
	if err := h.store.UpdateMissionDesktopSessions(ctx, missionID, sessions); err != nil {
		return fmt.Errorf("desktop: update sessions: %w", err)
	}
	h.broadcast <- Frame{Type: "opened", MissionID: missionID, Display: display}
	return nil
}

// CloseSessions stops every open session for missionID, stamping StoppedAt
// and notifying subscribers. Satisfies control.DesktopSessionCloser.
func (h *Hub) CloseSessions(ctx context.Context, missionID uuid.UUID) error {
	m, err := h.store.GetMission(ctx, missionID)
	if err != nil {
		return fmt.Errorf("desktop: get mission: %w", err)
	}

	now := time.Now().UTC()
	changed := false
	sessions := append([]mission.DesktopSession(nil), m.DesktopSessions...)
	for i := range sessions {
		if sessions[i].StoppedAt == nil {
			sessions[i].StoppedAt = &now
			changed = true
			h.broadcast <- Frame{Type: "closed", MissionID: missionID, Display: sessions[i].Display}
		}
	}
	if !changed {
		return nil
	}
	return h.store.UpdateMissionDesktopSessions(ctx, missionID, sessions)
}
