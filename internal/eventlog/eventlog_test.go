package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxedsh/missionctl/internal/broadcast"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/missionstore/memstore"
)

func TestRunPersistsMissionScopedEvents(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	topic := broadcast.NewTopic(16)

	l := New(store, topic, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	missionID := uuid.New()
	topic.Publish(broadcast.Event{Type: "thinking", MissionID: missionID, Payload: map[string]string{"text": "hi"}})
	topic.Publish(broadcast.Event{Type: "keepalive", MissionID: uuid.Nil})

	require.Eventually(t, func() bool {
		events, err := store.GetEvents(ctx, missionID, nil, 0, 0)
		return err == nil && len(events) == 1
	}, time.Second, 10*time.Millisecond)

	events, err := store.GetEvents(ctx, missionID, nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "thinking", events[0].EventType)
}

func TestRunSkipsWhenNotPersistent(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	assert.False(t, store.IsPersistent())

	topic := broadcast.NewTopic(4)
	l := New(store, topic, logger.Default())
	done := make(chan struct{})
	go func() {
		l.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Run did not return immediately for a non-persistent store")
	}
}
