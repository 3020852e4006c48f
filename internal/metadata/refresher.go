package metadata

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/missionstore"
)

// cadenceThreshold is the number of conversational (user|assistant) messages
// that must accrue since the stored baseline before a non-forced refresh
// fires
const cadenceThreshold = 10

// recentTitlesForDiversify/Disambiguate bound how many recent missions the
// refresher scans when checking for title collisions
const (
	recentTitlesForDiversify   = 2000
	recentTitlesForDisambiguate = 5000
)

// taskEntry tracks one in-flight refresh for the dedup registry described in
// supersede-aware dedup: a forced refresh replaces an in-flight unforced one.
type taskEntry struct {
	taskID  uuid.UUID
	forced  bool
	cancel  context.CancelFunc
}

// Refresher is the Metadata Refresher component. One instance is shared
// across all missions for a user (or process, in a single-tenant
// deployment); its registry and baselines are per-mission keyed.
type Refresher struct {
	store missionstore.Store
	log   *logger.Logger

	// titleLock serializes the "scan existing titles -> pick suffix ->
	// write" critical section across concurrent refreshes for different
	// missions (the global mission-title lock).
	titleLock sync.Mutex

	mu        sync.Mutex
	registry  map[uuid.UUID]*taskEntry
	baselines map[uuid.UUID]int
}

// New creates a Metadata Refresher backed by store.
func New(store missionstore.Store, log *logger.Logger) *Refresher {
	return &Refresher{
		store:     store,
		log:       log.WithFields(zap.String("component", "metadata")),
		registry:  make(map[uuid.UUID]*taskEntry),
		baselines: make(map[uuid.UUID]int),
	}
}

// shouldSkipSchedule reports whether a new refresh request for missionID
// should be dropped because an in-flight forced refresh already covers it
// and the new request isn't itself forced.
func (r *Refresher) shouldSkipSchedule(missionID uuid.UUID, forceRefresh bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.registry[missionID]
	return ok && entry.forced && !forceRefresh
}

// registerTask installs a new in-flight entry for missionID, cancelling and
// replacing any existing entry. A forced task always supersedes an
// in-flight non-forced one; two forced tasks don't coexist either (the
// newer one wins). The returned context is the superseded party's abort
// signal: the running refresh does its store I/O under it, so a replacing
// task stops the stale one mid-flight instead of letting it finish
// unobserved.
func (r *Refresher) registerTask(missionID uuid.UUID, forced bool) (uuid.UUID, context.Context, context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.registry[missionID]; ok && existing.cancel != nil {
		existing.cancel()
	}

	taskID := uuid.New()
	taskCtx, cancel := context.WithCancel(context.Background())
	r.registry[missionID] = &taskEntry{taskID: taskID, forced: forced, cancel: cancel}
	return taskID, taskCtx, cancel
}

// completeTask removes the registry entry for missionID only if taskID still
// matches, protecting against a superseding task's completion clearing the
// newer entry.
func (r *Refresher) completeTask(missionID, taskID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.registry[missionID]; ok && entry.taskID == taskID {
		delete(r.registry, missionID)
	}
}

func (r *Refresher) baseline(missionID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.baselines[missionID]
}

func (r *Refresher) rebase(missionID uuid.UUID, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baselines[missionID] = count
}

// Forget clears a mission's registry entry (aborting any in-flight refresh)
// and baseline, called on mission deletion
func (r *Refresher) Forget(missionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.registry[missionID]; ok && entry.cancel != nil {
		entry.cancel()
	}
	delete(r.registry, missionID)
	delete(r.baselines, missionID)
}

// ScheduleRefresh considers refreshing m's metadata through the cadence
// gate, and performs the refresh synchronously if it fires (the
// caller - the Control Actor's turn-completion path - already runs off its
// own goroutine per mission, so no further backgrounding is needed here).
func (r *Refresher) ScheduleRefresh(ctx context.Context, m *mission.Mission, forceRefresh bool) error {
	if r.shouldSkipSchedule(m.ID, forceRefresh) {
		return nil
	}
	taskID, taskCtx, cancel := r.registerTask(m.ID, forceRefresh)
	defer cancel()
	defer r.completeTask(m.ID, taskID)

	count := m.ConversationalCount()
	baseline := r.baseline(m.ID)
	cadenceMet := count-baseline >= cadenceThreshold

	if !forceRefresh && !cadenceMet {
		return nil
	}
	if len(m.History) == 0 {
		// Boundary: empty history + cadence=0 (or forced) is a no-op.
		return nil
	}

	// The refresh runs under both the caller's context and the task's own:
	// a superseding registration cancels taskCtx, which aborts this
	// refresh's store I/O mid-flight.
	refreshCtx, cancelRefresh := context.WithCancel(ctx)
	defer cancelRefresh()
	stop := context.AfterFunc(taskCtx, cancelRefresh)
	defer stop()

	if err := r.refresh(refreshCtx, m); err != nil {
		return err
	}
	if err := refreshCtx.Err(); err != nil {
		// Superseded (or caller cancelled) after the last store call
		// returned: don't rebase, the replacing task owns the baseline.
		return err
	}
	r.rebase(m.ID, count)
	return nil
}

func (r *Refresher) refresh(ctx context.Context, m *mission.Mission) error {
	assistantText := lastEntryText(m.History, mission.RoleAssistant)
	userText := lastEntryText(m.History, mission.RoleUser)
	bootstrapUser := ""
	if assistantText == "" {
		bootstrapUser = firstEntryText(m.History, mission.RoleUser)
	}

	patch := mission.MetadataPatch{}

	userManaged := m.MetadataSource != nil && *m.MetadataSource == mission.MetadataSourceUser
	if !userManaged {
		if candidate := DeriveTitle(assistantText, bootstrapUser); candidate != "" {
			existingTitle := ""
			if m.Title != nil {
				existingTitle = *m.Title
			}
			if PassesDriftGate(candidate, existingTitle) {
				final, err := r.finalizeTitle(ctx, candidate, userText+" "+assistantText, m.ID)
				if err != nil {
					return err
				}
				patch.Title = mission.Set(final)
				patch.Source = mission.Set(mission.MetadataSourceBackendHeuristic)
			}
		}
	}

	descSource := assistantText
	if descSource == "" {
		descSource = userText
	}
	if candidate := DeriveShortDescription(descSource); candidate != "" {
		existingDesc := ""
		if m.ShortDescription != nil {
			existingDesc = *m.ShortDescription
		}
		if PassesDriftGate(candidate, existingDesc) {
			patch.ShortDescription = mission.Set(candidate)
		}
	}

	if patch.Title.IsUnchanged() && patch.ShortDescription.IsUnchanged() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		// Aborted between deriving and writing; the in-memory store doesn't
		// check contexts itself, so the write gate lives here.
		return err
	}
	return r.store.UpdateMissionMetadata(ctx, m.ID, patch)
}

// finalizeTitle runs the diversification and disambiguation passes under the
// global title-write lock: two concurrent refreshes
// must never both land the same disambiguated suffix.
func (r *Refresher) finalizeTitle(ctx context.Context, candidate, qualifierSource string, missionID uuid.UUID) (string, error) {
	r.titleLock.Lock()
	defer r.titleLock.Unlock()

	// A task superseded while waiting for the lock must not scan and pick a
	// suffix against titles its replacement is about to change.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	recent, err := r.store.ListRecentTitles(ctx, recentTitlesForDiversify)
	if err != nil {
		r.log.Warn("list recent titles for diversify failed", zap.Error(err))
		recent = nil
	}

	final := candidate
	for _, t := range recent {
		if IsNearDuplicate(final, t) {
			qualifier := DeriveQualifier(qualifierSource, final)
			final = Diversify(final, qualifier)
			break
		}
	}

	wide, err := r.store.ListRecentTitles(ctx, recentTitlesForDisambiguate)
	if err != nil {
		r.log.Warn("list recent titles for disambiguate failed", zap.Error(err))
		wide = nil
	}
	final = Disambiguate(final, wide, shortUUID(missionID))

	return final, nil
}

func shortUUID(id uuid.UUID) string {
	s := id.String()
	if len(s) < 8 {
		return s
	}
	return s[:8]
}

func lastEntryText(history []mission.HistoryEntry, role mission.Role) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == role {
			return history[i].Content
		}
	}
	return ""
}

func firstEntryText(history []mission.HistoryEntry, role mission.Role) string {
	for _, e := range history {
		if e.Role == role {
			return e.Content
		}
	}
	return ""
}
