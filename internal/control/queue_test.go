package control

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := newMessageQueue()
	id := uuid.New()

	q.Push(id, "first", "u")
	q.Push(id, "second", "u")

	head, ok := q.Pop(id)
	require.True(t, ok)
	require.Equal(t, "first", head.Content)
	head, ok = q.Pop(id)
	require.True(t, ok)
	require.Equal(t, "second", head.Content)
	_, ok = q.Pop(id)
	require.False(t, ok)
}

func TestQueuePushFrontJumpsAhead(t *testing.T) {
	q := newMessageQueue()
	id := uuid.New()

	q.Push(id, "queued", "u")
	q.PushFront(id, "urgent-2", "automation")
	q.PushFront(id, "urgent-1", "automation")

	var got []string
	for {
		m, ok := q.Pop(id)
		if !ok {
			break
		}
		got = append(got, m.Content)
	}
	require.Equal(t, []string{"urgent-1", "urgent-2", "queued"}, got)
}

func TestQueueRemoveByID(t *testing.T) {
	q := newMessageQueue()
	id := uuid.New()

	keep := q.Push(id, "keep", "u")
	drop := q.Push(id, "drop", "u")

	require.True(t, q.Remove(id, drop.ID))
	require.False(t, q.Remove(id, drop.ID))

	pending := q.Peek(id)
	require.Len(t, pending, 1)
	require.Equal(t, keep.ID, pending[0].ID)
}

func TestQueueRemoveByIDSearchesAllMissions(t *testing.T) {
	q := newMessageQueue()
	a, b := uuid.New(), uuid.New()

	q.Push(a, "a1", "u")
	target := q.Push(b, "b1", "u")

	require.True(t, q.RemoveByID(target.ID))
	require.False(t, q.RemoveByID(target.ID))
	require.Len(t, q.Peek(a), 1)
	require.Empty(t, q.Peek(b))
}

func TestQueueDrainAll(t *testing.T) {
	q := newMessageQueue()
	q.Push(uuid.New(), "x", "u")
	q.Push(uuid.New(), "y", "u")

	dropped := q.DrainAll()
	require.Len(t, dropped, 2)
	require.Zero(t, q.Len())
}

func TestQueueAllAndDrain(t *testing.T) {
	q := newMessageQueue()
	a, b := uuid.New(), uuid.New()

	q.Push(a, "a1", "u")
	q.Push(b, "b1", "u")
	q.Push(b, "b2", "u")

	all := q.All()
	require.Len(t, all, 2)
	require.Len(t, all[b], 2)
	require.Equal(t, 3, q.Len())

	dropped := q.Drain(b)
	require.Len(t, dropped, 2)
	require.Equal(t, 1, q.Len())
	require.Empty(t, q.Peek(b))
}
