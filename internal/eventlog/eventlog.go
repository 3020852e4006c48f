// Package eventlog implements the Event Logger: it subscribes to the same
// broadcast topic the SSE Fan-out reads and persists every mission-scoped
// event to the Mission Store for replay.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/broadcast"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

// Logger persists every broadcast Event that carries a mission ID.
type Logger struct {
	store missionstore.Store
	topic *broadcast.Topic
	log   *logger.Logger
}

// New creates an Event Logger reading from topic and writing to store.
func New(store missionstore.Store, topic *broadcast.Topic, log *logger.Logger) *Logger {
	return &Logger{
		store: store,
		topic: topic,
		log:   log.WithFields(zap.String("component", "eventlog")),
	}
}

// Run drains the topic until ctx is cancelled or the topic closes. Tolerates
// broadcast lag by logging a warning and continuing: a missed
// event here is a persistence gap, not a fatal condition, since the SSE
// subscriber that needed it in real time already got its own lag signal.
func (l *Logger) Run(ctx context.Context) {
	if !l.store.IsPersistent() {
		// Nothing to persist durably under in-memory mode; skip event
		// logging entirely.
		return
	}

	sub := l.topic.Subscribe()
	for {
		ev, err := sub.Next(ctx)
		switch {
		case err == nil:
			l.persist(ctx, ev)
		case errors.Is(err, broadcast.ErrLagged):
			l.log.Warn("event logger lagged, some events were not persisted")
		case errors.Is(err, broadcast.ErrClosed):
			return
		case errors.Is(err, context.Canceled):
			return
		default:
			l.log.Warn("event logger subscription error", zap.Error(err))
			return
		}
	}
}

func (l *Logger) persist(ctx context.Context, ev broadcast.Event) {
	if ev.MissionID == uuid.Nil {
		return
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		l.log.Warn("failed to marshal event payload", zap.String("event_type", ev.Type), zap.Error(err))
		return
	}

	stored := &mission.StoredEvent{
		ID:         uuid.New(),
		MissionID:  ev.MissionID,
		EventType:  ev.Type,
		PayloadRaw: payload,
		Timestamp:  ev.Timestamp,
	}
	if err := l.store.LogEvent(ctx, stored); err != nil {
		l.log.Warn("failed to persist event", zap.String("mission_id", ev.MissionID.String()), zap.String("event_type", ev.Type), zap.Error(err))
	}
}
