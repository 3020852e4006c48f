// Package broadcast implements the SSE Fan-out's event channel: a
// ring-buffer-backed Topic that multiple subscribers (SSE connections, the
// Event Logger) read independently. A lagging subscriber receives an
// explicit, distinguishable lag notification and keeps reading rather than
// being silently dropped or disconnected.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLagged is returned by Subscription.Next when the reader fell behind far
// enough that the ring buffer overwrote events it had not yet consumed. The
// subscription resumes from the oldest event still available.
var ErrLagged = errors.New("broadcast: subscriber lagged, events were dropped")

// ErrClosed is returned by Subscription.Next once the topic has been closed
// and every buffered event has been drained.
var ErrClosed = errors.New("broadcast: topic closed")

// Event is one emission on the broadcast topic. Every mission-scoped event
// carries a MissionID
type Event struct {
	Seq       uint64
	Type      string
	MissionID uuid.UUID
	Payload   any
	Timestamp time.Time
}

// Topic is a bounded ring buffer of Events with multiple independent
// readers. A writer never blocks: once the buffer is full, the oldest event
// is overwritten and lagging subscribers are told so on their next read.
type Topic struct {
	mu       sync.Mutex
	buf      []Event
	cap      int
	nextSeq  uint64
	oldest   uint64 // seq of buf[0] once the buffer has wrapped at least once
	closed   bool
	notifyCh chan struct{} // closed and replaced on every publish/close, wakes blocked readers
}

// NewTopic creates a Topic holding up to capacity events before it begins
// overwriting the oldest unread one.
func NewTopic(capacity int) *Topic {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Topic{
		cap:      capacity,
		buf:      make([]Event, 0, capacity),
		notifyCh: make(chan struct{}),
	}
}

// Publish appends an event to the topic, assigning it the next sequence
// number and timestamp if unset. Never blocks.
func (t *Topic) Publish(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	ev.Seq = t.nextSeq
	t.nextSeq++
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if len(t.buf) < t.cap {
		t.buf = append(t.buf, ev)
	} else {
		// Ring buffer full: evict the oldest entry (buf[0]) and shift. A
		// capacity in the thousands makes this cheap enough; correctness
		// (explicit lag signaling) matters more than micro-optimizing the
		// eviction here.
		copy(t.buf, t.buf[1:])
		t.buf[len(t.buf)-1] = ev
		t.oldest = ev.Seq - uint64(t.cap) + 1
	}

	close(t.notifyCh)
	t.notifyCh = make(chan struct{})
}

// Close marks the topic closed; buffered events remain readable, but once
// drained every Subscription.Next returns ErrClosed.
func (t *Topic) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.notifyCh)
	t.notifyCh = make(chan struct{})
}

// Subscription is one reader's position into a Topic.
type Subscription struct {
	topic   *Topic
	nextSeq uint64
}

// Subscribe returns a Subscription positioned at the topic's current tail:
// it will only see events published after this call.
func (t *Topic) Subscribe() *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Subscription{topic: t, nextSeq: t.nextSeq}
}

// Next blocks until an event is available, ctx is cancelled, or the topic
// closes. It returns ErrLagged (without consuming a real event) the first
// time the reader discovers it fell behind the buffer's retention window;
// subsequent calls resume normal delivery from the oldest retained event.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.topic.mu.Lock()
		if s.nextSeq < s.topic.oldest {
			lagged := s.topic.oldest - s.nextSeq
			s.nextSeq = s.topic.oldest
			s.topic.mu.Unlock()
			if lagged > 0 {
				return Event{}, ErrLagged
			}
		}

		idx := int(s.nextSeq) - int(s.topic.oldest)
		if idx >= 0 && idx < len(s.topic.buf) {
			ev := s.topic.buf[idx]
			s.nextSeq++
			s.topic.mu.Unlock()
			return ev, nil
		}

		closed := s.topic.closed
		waitCh := s.topic.notifyCh
		s.topic.mu.Unlock()

		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-waitCh:
		}
	}
}
