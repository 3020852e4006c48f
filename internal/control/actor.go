// Package control implements the Control Actor: a single-goroutine command
// loop per user that owns every decision about which runner handles a
// mission's next prompt, when a mission is resumed, and when it is
// considered orphaned.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/constants"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
	"github.com/sandboxedsh/missionctl/internal/runner"
)

// ErrActorStopped is returned when a command is submitted after Stop.
var ErrActorStopped = errors.New("control: actor stopped")

// Runner is the subset of the Mission Runner contract the actor depends on.
// Defined here (consumer side) rather than in internal/runner so the actor
// package never imports its own dependents' implementation details.
type Runner interface {
	// MissionID is the mission this runner instance is bound to.
	MissionID() uuid.UUID
	// IsBusy reports whether a turn is currently in flight.
	IsBusy() bool
	// Send delivers a prompt to the harness, starting a new turn.
	Send(ctx context.Context, content string) error
	// Cancel interrupts the in-flight turn, if any.
	Cancel(ctx context.Context) error
	// Stop tears down the harness process and releases resources.
	Stop(ctx context.Context) error
}

// RunnerFactory constructs a Runner bound to a mission. maxParallel governs
// how many non-primary runners an Actor may hold open at once.
type RunnerFactory func(ctx context.Context, m *mission.Mission) (Runner, error)

// MetadataRefresher is the subset of the Metadata Refresher's contract the
// actor depends on. Defined here (consumer side) to avoid an import cycle:
// internal/metadata never needs to know about control.Actor.
type MetadataRefresher interface {
	ScheduleRefresh(ctx context.Context, m *mission.Mission, forceRefresh bool) error
}

// AgentFinishedResolver resolves the AgentFinished automations bound to a
// mission once its turn completes, returning firings to splice onto the
// front of the mission's queue. Matches
// automation.ResolveAgentFinishedFirings's shape without importing
// internal/automation (which itself depends on a narrow Controller
// interface satisfied by *Actor — importing it back here would cycle).
type AgentFinishedResolver func(ctx context.Context, m *mission.Mission) []AgentFinishedFiring

// AgentFinishedFiring is one resolved automation ready to be enqueued.
type AgentFinishedFiring struct {
	AutomationID uuid.UUID
	Content      string
}

// DesktopSessionCloser closes any open virtual-display sessions for a
// mission once its turn (and therefore the mission, if nothing is queued)
// goes idle.
type DesktopSessionCloser interface {
	CloseSessions(ctx context.Context, missionID uuid.UUID) error
}

// EventPublisher is the narrow broadcast.Topic surface the actor uses to
// announce status transitions to SSE subscribers.
type EventPublisher interface {
	Publish(ev BroadcastEvent)
}

// BroadcastEvent mirrors broadcast.Event's shape without importing
// internal/broadcast, keeping control free of a dependency on the fan-out
// package's ring-buffer implementation.
type BroadcastEvent struct {
	Type      string
	MissionID uuid.UUID
	Payload   any
}

// Actor is the single control loop for one user's missions.
type Actor struct {
	userID        string
	store         missionstore.Store
	newRunner     RunnerFactory
	maxParallel   int
	log           *logger.Logger
	staleHours    int

	metadata      MetadataRefresher
	resolveAF     AgentFinishedResolver
	desktop       DesktopSessionCloser
	events        EventPublisher
	workspaceRoot func(uuid.UUID) string

	cmds    chan command
	toolHub *FrontendToolHub

	mu         sync.Mutex
	runners    map[uuid.UUID]Runner
	primary    uuid.UUID
	hasPrimary bool
	queue      *messageQueue

	// current is the mission the user is looking at, which intentionally
	// diverges from the running mission when a new mission is created
	// mid-turn. Updated by Load and by every routed message.
	current    uuid.UUID
	hasCurrent bool

	cancel context.CancelFunc
	done   chan struct{}
}

// SetMetadataRefresher wires the Metadata Refresher. Optional: if unset,
// turn completion skips metadata refresh scheduling.
func (a *Actor) SetMetadataRefresher(m MetadataRefresher) { a.metadata = m }

// SetAgentFinishedResolver wires AgentFinished automation resolution.
// Optional: if unset, turn completion never fires AgentFinished automations.
func (a *Actor) SetAgentFinishedResolver(r AgentFinishedResolver) { a.resolveAF = r }

// SetDesktopSessionCloser wires desktop session teardown on mission idle.
func (a *Actor) SetDesktopSessionCloser(d DesktopSessionCloser) { a.desktop = d }

// SetEventPublisher wires the broadcast Topic status/event announcements
// are published to.
func (a *Actor) SetEventPublisher(p EventPublisher) { a.events = p }

// SetWorkspaceRoot wires the function mapping a mission ID to its workspace
// directory on disk ({WorkingDir}/{ContextDirName}/{mission_id}, as
// harness.WorkspaceDir builds it), used to resolve
// rich tags in assistant output into SharedFiles. Optional: if unset,
// assistant turns are persisted without shared-file resolution.
func (a *Actor) SetWorkspaceRoot(f func(uuid.UUID) string) { a.workspaceRoot = f }

// ToolHub exposes the frontend tool-call slots so the HTTP surface can
// resolve answers and harness adapters can wait on them.
func (a *Actor) ToolHub() *FrontendToolHub { return a.toolHub }

func (a *Actor) publish(ev BroadcastEvent) {
	if a.events != nil {
		a.events.Publish(ev)
	}
}

// New creates an Actor for a single user. Call Start to begin its command
// loop and background tickers.
func New(userID string, store missionstore.Store, newRunner RunnerFactory, maxParallel, staleHours int, log *logger.Logger) *Actor {
	return &Actor{
		userID:      userID,
		store:       store,
		newRunner:   newRunner,
		maxParallel: maxParallel,
		staleHours:  staleHours,
		log:         log.WithFields(zap.String("component", "control"), zap.String("user_id", userID)),
		cmds:        make(chan command, constants.CommandChannelSize),
		toolHub:     NewFrontendToolHub(),
		runners:     make(map[uuid.UUID]Runner),
		queue:       newMessageQueue(),
	}
}

// Start launches the actor's command loop and the 5-minute orphan recovery
// tick in a background goroutine. Safe to call once.
func (a *Actor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(ctx)
}

// Stop cancels the command loop, waits for it to exit, and stops every
// runner the actor owns. Commands still waiting on the channel are not
// processed.
func (a *Actor) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for id, r := range a.runners {
		if err := r.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop runner for mission %s: %w", id, err)
		}
	}
	a.runners = make(map[uuid.UUID]Runner)
	return firstErr
}

func (a *Actor) run(ctx context.Context) {
	defer close(a.done)

	orphanTick := time.NewTicker(constants.OrphanRecoveryTick)
	defer orphanTick.Stop()

	// Recover missions left active by an unclean shutdown before accepting
	// new commands.
	a.recoverOrphans(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-orphanTick.C:
			a.recoverOrphans(ctx)
		case cmd := <-a.cmds:
			a.dispatch(ctx, cmd)
		}
	}
}

// submit enqueues a command and blocks for its reply. The bounded channel
// (constants.CommandChannelSize) applies backpressure to callers instead of
// growing unboundedly under load.
func (a *Actor) submit(ctx context.Context, cmd command) (any, error) {
	reply := make(chan result, 1)
	cmd.reply = reply

	select {
	case a.cmds <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, ErrActorStopped
	}

	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type command struct {
	kind      commandKind
	missionID uuid.UUID
	queueID   uuid.UUID
	content   string
	agent     string
	userID    string
	force     bool
	clean     bool
	skip      bool
	outcome   runner.TurnOutcome
	errText   string
	reply     chan result
}

type result struct {
	value any
	err   error
}

type commandKind int

const (
	cmdSendMessage commandKind = iota
	cmdCancel
	cmdResume
	cmdListRunning
	cmdQueueStatus
	cmdTurnCompleted
	cmdIsMissionBusy
	cmdGetQueue
	cmdRemoveFromQueue
	cmdClearQueue
	cmdLoadMission
)

func (a *Actor) dispatch(ctx context.Context, cmd command) {
	var value any
	var err error

	switch cmd.kind {
	case cmdSendMessage:
		value, err = a.handleSendMessage(ctx, cmd)
	case cmdCancel:
		err = a.handleCancel(ctx, cmd.missionID)
	case cmdResume:
		err = a.handleResume(ctx, cmd)
	case cmdListRunning:
		value = a.handleListRunning()
	case cmdQueueStatus:
		value = a.queue.Peek(cmd.missionID)
	case cmdTurnCompleted:
		err = a.handleTurnCompleted(ctx, cmd.missionID, cmd.outcome, cmd.errText)
	case cmdIsMissionBusy:
		value = a.handleIsMissionBusy(cmd.missionID)
	case cmdGetQueue:
		value = a.queue.All()
	case cmdRemoveFromQueue:
		if cmd.missionID == uuid.Nil {
			value = a.queue.RemoveByID(cmd.queueID)
		} else {
			value = a.queue.Remove(cmd.missionID, cmd.queueID)
		}
	case cmdClearQueue:
		if cmd.missionID == uuid.Nil {
			value = a.queue.DrainAll()
		} else {
			value = a.queue.Drain(cmd.missionID)
		}
	case cmdLoadMission:
		value, err = a.handleLoadMission(ctx, cmd.missionID)
	default:
		err = fmt.Errorf("control: unknown command kind %d", cmd.kind)
	}

	cmd.reply <- result{value: value, err: err}
}
