package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/mission"
)

type fakeHarness struct {
	mu          sync.Mutex
	events      chan Event
	prompts     []string
	interrupted bool
	shutdown    bool
}

func newFakeHarness() *fakeHarness {
	return &fakeHarness{events: make(chan Event, 8)}
}

func (f *fakeHarness) Launch(ctx context.Context, sessionID string) (<-chan Event, error) {
	return f.events, nil
}

func (f *fakeHarness) Prompt(ctx context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, content)
	return nil
}

func (f *fakeHarness) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = true
	return nil
}

func (f *fakeHarness) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified chan struct{}
	outcome  TurnOutcome
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{notified: make(chan struct{}, 1)}
}

func (f *fakeNotifier) NotifyTurnCompleted(ctx context.Context, missionID uuid.UUID, outcome TurnOutcome, errText string) error {
	f.mu.Lock()
	f.outcome = outcome
	f.mu.Unlock()
	f.notified <- struct{}{}
	return nil
}

func newTestRunner(t *testing.T) (*Runner, *fakeHarness, *fakeNotifier) {
	t.Helper()
	h := newFakeHarness()
	n := newFakeNotifier()
	m := &mission.Mission{ID: uuid.New(), Backend: mission.BackendClaudeCode}
	r, err := New(context.Background(), m, h, n, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r, h, n
}

func TestSendMarksBusyUntilTurnCompletes(t *testing.T) {
	r, h, n := newTestRunner(t)

	require.NoError(t, r.Send(context.Background(), "do the thing"))
	require.True(t, r.IsBusy())
	require.Equal(t, []string{"do the thing"}, h.prompts)

	// A second send while busy is rejected: one turn per mission.
	require.Error(t, r.Send(context.Background(), "another"))

	h.events <- Event{Kind: EventTurnComplete, Result: AgentResult{Success: true, Output: "done"}}
	select {
	case <-n.notified:
	case <-time.After(time.Second):
		t.Fatal("notifier was not called")
	}
	require.Equal(t, OutcomeCompleted, n.outcome)

	require.Eventually(t, func() bool { return !r.IsBusy() }, time.Second, 5*time.Millisecond)
	require.Equal(t, "done", r.LastResult().Output)
}

func TestErrorEventReportsErrorOutcome(t *testing.T) {
	r, h, n := newTestRunner(t)
	require.NoError(t, r.Send(context.Background(), "x"))

	h.events <- Event{Kind: EventError, Err: context.DeadlineExceeded, Result: AgentResult{Success: false}}
	select {
	case <-n.notified:
	case <-time.After(time.Second):
		t.Fatal("notifier was not called")
	}
	require.Equal(t, OutcomeError, n.outcome)
}

func TestCancelInterruptsHarness(t *testing.T) {
	r, h, _ := newTestRunner(t)
	require.NoError(t, r.Send(context.Background(), "x"))
	require.NoError(t, r.Cancel(context.Background()))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.True(t, h.interrupted)
	require.False(t, r.IsBusy())
}

func TestContentEventsOnlyTouchActivity(t *testing.T) {
	r, h, _ := newTestRunner(t)
	require.NoError(t, r.Send(context.Background(), "x"))
	before := r.LastTouched()

	time.Sleep(5 * time.Millisecond)
	h.events <- Event{Kind: EventContent, Content: "partial"}

	require.Eventually(t, func() bool { return r.LastTouched().After(before) }, time.Second, 5*time.Millisecond)
	require.True(t, r.IsBusy())
}
