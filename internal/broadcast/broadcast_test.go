package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeOrder(t *testing.T) {
	topic := NewTopic(4)
	sub := topic.Subscribe()

	topic.Publish(Event{Type: "a"})
	topic.Publish(Event{Type: "b"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev1, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", ev1.Type)

	ev2, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", ev2.Type)
}

func TestSubscribeOnlySeesFutureEvents(t *testing.T) {
	topic := NewTopic(4)
	topic.Publish(Event{Type: "before"})
	sub := topic.Subscribe()
	topic.Publish(Event{Type: "after"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "after", ev.Type)
}

func TestLagDetection(t *testing.T) {
	topic := NewTopic(2)
	sub := topic.Subscribe()

	topic.Publish(Event{Type: "1"})
	topic.Publish(Event{Type: "2"})
	topic.Publish(Event{Type: "3"}) // evicts "1"

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, ErrLagged)

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", ev.Type)
}

func TestCloseDrainsThenErrClosed(t *testing.T) {
	topic := NewTopic(4)
	sub := topic.Subscribe()
	topic.Publish(Event{Type: "only"})
	topic.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "only", ev.Type)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNextRespectsContextCancellation(t *testing.T) {
	topic := NewTopic(4)
	sub := topic.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
