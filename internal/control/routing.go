package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/tracing"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

// ErrAtCapacity is returned when starting another parallel mission would
// exceed maxParallel. The message is dropped, never rerouted.
var ErrAtCapacity = errors.New("control: at parallel mission capacity")

// SendMessage is the public entry point for delivering a user prompt to a
// mission. It blocks until the Control Actor has routed the message: either
// straight to an idle runner, or onto the mission's FIFO queue if a turn is
// already in flight (at-most-one-per-mission: a mission never has two turns
// running concurrently).
func (a *Actor) SendMessage(ctx context.Context, missionID uuid.UUID, content, userID string) error {
	_, err := a.RouteMessage(ctx, missionID, content, "", userID)
	return err
}

// RouteResult reports how a message was delivered: its identity and resolved
// target, whether it was queued behind an in-flight turn (false means it was
// dispatched to the harness immediately), and whether the target mission was
// auto-created because no target could be inferred.
type RouteResult struct {
	Message QueuedMessage
	Queued  bool
	Created bool
}

// RouteMessage is SendMessage plus delivery detail. missionID may be
// uuid.Nil, in which case the actor infers the target inside its command
// loop: the current mission when the primary is mid-turn on a different one
// (so a mission created mid-turn auto-starts in parallel), otherwise the
// current or primary mission, and as a last resort a freshly created
// mission (agent names the agent the auto-created mission is bound to).
func (a *Actor) RouteMessage(ctx context.Context, missionID uuid.UUID, content, agent, userID string) (RouteResult, error) {
	v, err := a.submit(ctx, command{kind: cmdSendMessage, missionID: missionID, content: content, agent: agent, userID: userID})
	if err != nil {
		return RouteResult{}, err
	}
	return v.(RouteResult), nil
}

func (a *Actor) handleSendMessage(ctx context.Context, cmd command) (_ any, err error) {
	targetID := cmd.missionID
	created := false
	if targetID == uuid.Nil {
		targetID, created, err = a.inferTarget(ctx, cmd)
		if err != nil {
			return nil, err
		}
	}

	m, err := a.store.GetMission(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("control: get mission: %w", err)
	}

	ctx, span := tracing.TraceTurnRoute(ctx, m.ID.String(), string(m.Backend))
	defer func() { tracing.EndSpan(span, err) }()

	a.mu.Lock()
	r, exists := a.runners[targetID]
	a.mu.Unlock()

	if exists && r.IsBusy() {
		// Mission already has a turn in flight: queue instead of routing,
		// preserving the at-most-one-per-mission invariant.
		qm := a.queue.Push(targetID, cmd.content, cmd.userID)
		a.log.Debug("queued message for busy mission",
			zap.String("mission_id", targetID.String()), zap.String("queue_id", qm.ID.String()))
		a.setCurrent(targetID)
		return RouteResult{Message: qm, Queued: true, Created: created}, nil
	}

	if !exists {
		r, err = a.acquireRunner(ctx, m)
		if err != nil {
			// At capacity: the message is dropped rather than routed to the
			// wrong mission, and subscribers see a resumable error addressed
			// to the mission the user meant.
			if errors.Is(err, ErrAtCapacity) {
				a.publish(BroadcastEvent{Type: "error", MissionID: targetID, Payload: map[string]any{
					"message":   err.Error(),
					"resumable": true,
				}})
			}
			return nil, err
		}
	}

	if err := a.store.UpdateMissionStatus(ctx, targetID, mission.StatusActive); err != nil {
		return nil, fmt.Errorf("control: mark mission active: %w", err)
	}

	// Pre-emit persistence: the user's turn is written before the prompt
	// reaches the harness, so a crash mid-turn never loses it.
	// appendAssistantTurn (turn.go) reloads history fresh from the store afterward
	// and appends only the assistant side, so this never double-appends.
	history := append(append([]mission.HistoryEntry(nil), m.History...), mission.HistoryEntry{Role: mission.RoleUser, Content: cmd.content})
	if err := a.store.UpdateMissionHistory(ctx, targetID, history); err != nil {
		return nil, fmt.Errorf("control: persist user message: %w", err)
	}

	if err := r.Send(ctx, cmd.content); err != nil {
		return nil, fmt.Errorf("control: send to runner: %w", err)
	}
	a.setCurrent(targetID)
	return RouteResult{
		Message: QueuedMessage{ID: uuid.New(), MissionID: targetID, Content: cmd.content, QueuedBy: cmd.userID},
		Created: created,
	}, nil
}

// inferTarget resolves a message posted without an explicit mission, inside
// the command loop so the primary/current snapshot can't race a concurrent
// route. When the primary is mid-turn and the current pointer has moved off
// the running mission, the user is addressing the mission they just
// switched to, and it auto-starts in parallel. Otherwise the message goes
// to the current mission, then the primary's; with neither, a fresh mission
// is created for it.
func (a *Actor) inferTarget(ctx context.Context, cmd command) (uuid.UUID, bool, error) {
	a.mu.Lock()
	current, hasCurrent := a.current, a.hasCurrent
	primaryID, hasPrimary := a.primary, a.hasPrimary
	var primaryRunner Runner
	if hasPrimary {
		primaryRunner = a.runners[primaryID]
	}
	a.mu.Unlock()

	primaryBusy := primaryRunner != nil && primaryRunner.IsBusy()

	switch {
	case hasPrimary && primaryBusy && hasCurrent && current != primaryID:
		return current, false, nil
	case hasCurrent:
		return current, false, nil
	case hasPrimary:
		return primaryID, false, nil
	}

	p := mission.CreateMissionParams{}
	if cmd.agent != "" {
		agent := cmd.agent
		p.Agent = &agent
	}
	m, err := a.store.CreateMission(ctx, p)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("control: auto-create mission: %w", err)
	}
	a.log.Info("auto-created mission for untargeted message", zap.String("mission_id", m.ID.String()))
	return m.ID, true, nil
}

func (a *Actor) setCurrent(missionID uuid.UUID) {
	a.mu.Lock()
	a.current = missionID
	a.hasCurrent = true
	a.mu.Unlock()
}

// LoadMission switches the actor's current-mission pointer to missionID and
// returns the mission with its stored history, without launching a turn.
func (a *Actor) LoadMission(ctx context.Context, missionID uuid.UUID) (*mission.Mission, error) {
	v, err := a.submit(ctx, command{kind: cmdLoadMission, missionID: missionID})
	if err != nil {
		return nil, err
	}
	return v.(*mission.Mission), nil
}

func (a *Actor) handleLoadMission(ctx context.Context, missionID uuid.UUID) (*mission.Mission, error) {
	m, err := a.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	a.setCurrent(missionID)
	return m, nil
}

// CurrentMission returns the mission the current pointer designates,
// falling back to the primary runner's mission when nothing was loaded
// explicitly. Returns missionstore.ErrNotFound when neither exists.
func (a *Actor) CurrentMission(ctx context.Context) (*mission.Mission, error) {
	a.mu.Lock()
	id := a.current
	ok := a.hasCurrent
	if !ok && a.hasPrimary {
		id = a.primary
		ok = true
	}
	a.mu.Unlock()
	if !ok {
		return nil, missionstore.ErrNotFound
	}
	return a.store.GetMission(ctx, id)
}

// acquireRunner implements the primary-vs-parallel runner selection: the
// first mission a user interacts with becomes the primary runner (always
// kept warm); subsequent concurrent missions get parallel runners up to
// maxParallel.
// Caller holds no lock; acquireRunner takes it internally.
func (a *Actor) acquireRunner(ctx context.Context, m *mission.Mission) (Runner, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r, ok := a.runners[m.ID]; ok {
		return r, nil
	}

	if !a.hasPrimary {
		r, err := a.newRunner(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("control: create primary runner: %w", err)
		}
		a.runners[m.ID] = r
		a.primary = m.ID
		a.hasPrimary = true
		return r, nil
	}

	parallelCount := len(a.runners) - 1 // exclude the primary
	if a.maxParallel > 0 && parallelCount >= a.maxParallel {
		return nil, fmt.Errorf("%w (%d)", ErrAtCapacity, a.maxParallel)
	}

	r, err := a.newRunner(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("control: create parallel runner: %w", err)
	}
	a.runners[m.ID] = r
	return r, nil
}

// RunningMission summarizes one active runner for queue/status introspection.
type RunningMission struct {
	MissionID uuid.UUID `json:"mission_id"`
	Primary   bool      `json:"primary"`
	Busy      bool      `json:"busy"`
	Queued    int       `json:"queued"`
}

// ListRunning returns one entry per mission the actor currently holds a
// runner for (GET /api/control/running).
func (a *Actor) ListRunning(ctx context.Context) ([]RunningMission, error) {
	v, err := a.submit(ctx, command{kind: cmdListRunning})
	if err != nil {
		return nil, err
	}
	return v.([]RunningMission), nil
}

func (a *Actor) handleListRunning() []RunningMission {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]RunningMission, 0, len(a.runners))
	for id, r := range a.runners {
		out = append(out, RunningMission{
			MissionID: id,
			Primary:   id == a.primary,
			Busy:      r.IsBusy(),
			Queued:    len(a.queue.Peek(id)),
		})
	}
	return out
}

// QueueStatus returns the pending FIFO for one mission (GET /api/control/queue).
func (a *Actor) QueueStatus(ctx context.Context, missionID uuid.UUID) ([]QueuedMessage, error) {
	v, err := a.submit(ctx, command{kind: cmdQueueStatus, missionID: missionID})
	if err != nil {
		return nil, err
	}
	return v.([]QueuedMessage), nil
}

// IsMissionBusy reports whether missionID currently has a runner with a turn
// in flight. Satisfies automation.Controller so the Automation Scheduler can
// skip firing into a mission that is already busy.
func (a *Actor) IsMissionBusy(ctx context.Context, missionID uuid.UUID) (bool, error) {
	v, err := a.submit(ctx, command{kind: cmdIsMissionBusy, missionID: missionID})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (a *Actor) handleIsMissionBusy(missionID uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runners[missionID]
	return ok && r.IsBusy()
}

// GetQueue returns every mission's pending FIFO, keyed by mission ID
// (GET /api/control/queue across all missions).
func (a *Actor) GetQueue(ctx context.Context) (map[uuid.UUID][]QueuedMessage, error) {
	v, err := a.submit(ctx, command{kind: cmdGetQueue})
	if err != nil {
		return nil, err
	}
	return v.(map[uuid.UUID][]QueuedMessage), nil
}

// RemoveFromQueue retracts one queued message without disturbing the rest of
// the mission's FIFO (DELETE /api/control/queue/{id}).
func (a *Actor) RemoveFromQueue(ctx context.Context, missionID, queueID uuid.UUID) (bool, error) {
	v, err := a.submit(ctx, command{kind: cmdRemoveFromQueue, missionID: missionID, queueID: queueID})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// ClearQueue drains a mission's entire pending FIFO (every mission's when
// missionID is uuid.Nil) and returns what was dropped
// (DELETE /api/control/queue).
func (a *Actor) ClearQueue(ctx context.Context, missionID uuid.UUID) ([]QueuedMessage, error) {
	v, err := a.submit(ctx, command{kind: cmdClearQueue, missionID: missionID})
	if err != nil {
		return nil, err
	}
	return v.([]QueuedMessage), nil
}
