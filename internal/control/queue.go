package control

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueuedMessage is one pending prompt for a mission whose runner is already
// mid-turn. Missions keep a FIFO: a user can queue several follow-ups while
// an agent works and expect them delivered in order once the current turn
// completes.
type QueuedMessage struct {
	ID        uuid.UUID
	MissionID uuid.UUID
	Content   string
	QueuedAt  time.Time
	QueuedBy  string
}

// messageQueue is a mutex-guarded map of per-mission FIFOs.
type messageQueue struct {
	mu     sync.Mutex
	queues map[uuid.UUID][]QueuedMessage
}

func newMessageQueue() *messageQueue {
	return &messageQueue{queues: make(map[uuid.UUID][]QueuedMessage)}
}

// Push appends a message to the tail of a mission's queue.
func (q *messageQueue) Push(missionID uuid.UUID, content, queuedBy string) QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg := QueuedMessage{
		ID:        uuid.New(),
		MissionID: missionID,
		Content:   content,
		QueuedAt:  time.Now().UTC(),
		QueuedBy:  queuedBy,
	}
	q.queues[missionID] = append(q.queues[missionID], msg)
	return msg
}

// PushFront prepends a message to the head of a mission's queue, ahead of
// anything already queued. Used to splice resolved AgentFinished
// automations in immediately after a turn completes:
// callers push firings one at a time in reverse resolution order so the
// overall firing order is preserved once each is popped off the FIFO.
func (q *messageQueue) PushFront(missionID uuid.UUID, content, queuedBy string) QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg := QueuedMessage{
		ID:        uuid.New(),
		MissionID: missionID,
		Content:   content,
		QueuedAt:  time.Now().UTC(),
		QueuedBy:  queuedBy,
	}
	q.queues[missionID] = append([]QueuedMessage{msg}, q.queues[missionID]...)
	return msg
}

// Pop removes and returns the head of a mission's queue, if any.
func (q *messageQueue) Pop(missionID uuid.UUID) (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.queues[missionID]
	if len(pending) == 0 {
		return QueuedMessage{}, false
	}
	head := pending[0]
	rest := pending[1:]
	if len(rest) == 0 {
		delete(q.queues, missionID)
	} else {
		q.queues[missionID] = rest
	}
	return head, true
}

// Peek returns the full pending queue for a mission without consuming it.
func (q *messageQueue) Peek(missionID uuid.UUID) []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedMessage(nil), q.queues[missionID]...)
}

// Remove deletes one queued message by ID, used by the queue-introspection
// API to let a caller retract a single follow-up without clearing the rest.
func (q *messageQueue) Remove(missionID, queueID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.queues[missionID]
	for i, m := range pending {
		if m.ID == queueID {
			rest := append(pending[:i:i], pending[i+1:]...)
			if len(rest) == 0 {
				delete(q.queues, missionID)
			} else {
				q.queues[missionID] = rest
			}
			return true
		}
	}
	return false
}

// RemoveByID deletes a queued message by its ID alone, searching every
// mission's queue, for callers that don't know which mission it targets.
func (q *messageQueue) RemoveByID(queueID uuid.UUID) bool {
	q.mu.Lock()
	var missionID uuid.UUID
	found := false
	for id, pending := range q.queues {
		for _, m := range pending {
			if m.ID == queueID {
				missionID = id
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	q.mu.Unlock()
	if !found {
		return false
	}
	return q.Remove(missionID, queueID)
}

// All returns every mission's pending queue, keyed by mission ID, used by
// the all-missions queue-introspection endpoint.
func (q *messageQueue) All() map[uuid.UUID][]QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[uuid.UUID][]QueuedMessage, len(q.queues))
	for id, pending := range q.queues {
		out[id] = append([]QueuedMessage(nil), pending...)
	}
	return out
}

// DrainAll clears every mission's pending queue and returns what was
// dropped.
func (q *messageQueue) DrainAll() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []QueuedMessage
	for id, pending := range q.queues {
		out = append(out, pending...)
		delete(q.queues, id)
	}
	return out
}

// Drain clears and returns a mission's pending queue, used on cancellation.
func (q *messageQueue) Drain(missionID uuid.UUID) []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.queues[missionID]
	delete(q.queues, missionID)
	return pending
}

// Len reports how many messages are queued across all missions, used by
// queue introspection (GET /api/control/queue).
func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, pending := range q.queues {
		n += len(pending)
	}
	return n
}
