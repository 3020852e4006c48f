package control

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/mission"
)

// ErrNotResumable is returned by Resume when the mission's status isn't one
// of the resumable states (interrupted, blocked, failed).
var ErrNotResumable = fmt.Errorf("control: mission is not resumable")

// resumeAssistantTailLimit bounds how much of the last assistant response is
// replayed into the synthesized resume prompt.
const resumeAssistantTailLimit = 2000

// resumeInventoryLimit bounds how many workspace files the resume prompt
// lists.
const resumeInventoryLimit = 200

// ResumeOptions controls the resume flow: CleanWorkspace wipes the mission's
// context directory before relaunch, SkipMessage reactivates without
// enqueueing the synthesized resume prompt.
type ResumeOptions struct {
	CleanWorkspace bool
	SkipMessage    bool
}

// Resume re-acquires a runner for a mission left in a resumable state and,
// unless opts.SkipMessage is set, enqueues a synthesized prompt that reminds
// the agent what it was doing so it continues rather than starts over.
func (a *Actor) Resume(ctx context.Context, missionID uuid.UUID, opts ResumeOptions) error {
	_, err := a.submit(ctx, command{kind: cmdResume, missionID: missionID, clean: opts.CleanWorkspace, skip: opts.SkipMessage})
	return err
}

func (a *Actor) handleResume(ctx context.Context, cmd command) error {
	m, err := a.store.GetMission(ctx, cmd.missionID)
	if err != nil {
		return fmt.Errorf("control: get mission: %w", err)
	}
	if !m.Resumable() {
		return ErrNotResumable
	}

	if cmd.clean && a.workspaceRoot != nil {
		if root := a.workspaceRoot(cmd.missionID); root != "" {
			if err := cleanWorkspaceDir(root); err != nil {
				a.log.Warn("resume: clean workspace failed",
					zap.String("mission_id", cmd.missionID.String()), zap.Error(err))
			}
		}
	}

	r, err := a.acquireRunner(ctx, m)
	if err != nil {
		return err
	}

	if err := a.store.UpdateMissionStatusWithReason(ctx, cmd.missionID, mission.StatusActive, nil); err != nil {
		return fmt.Errorf("control: mark mission active: %w", err)
	}
	a.publish(BroadcastEvent{Type: "status_changed", MissionID: cmd.missionID, Payload: map[string]any{"status": mission.StatusActive}})

	if cmd.skip {
		return nil
	}

	prompt := a.buildResumePrompt(m)

	// Pre-emit persistence, same as the normal send path: the resume prompt
	// is durable before the turn launches.
	history := append(append([]mission.HistoryEntry(nil), m.History...), mission.HistoryEntry{Role: mission.RoleUser, Content: prompt})
	if err := a.store.UpdateMissionHistory(ctx, cmd.missionID, history); err != nil {
		return fmt.Errorf("control: persist resume prompt: %w", err)
	}

	if r.IsBusy() {
		a.queue.Push(cmd.missionID, prompt, "resume")
		return nil
	}
	if err := r.Send(ctx, prompt); err != nil {
		return fmt.Errorf("control: send resume prompt: %w", err)
	}
	return nil
}

// buildResumePrompt synthesizes the message a resumed mission receives: a
// resumption notice with the interruption timestamp, the original request,
// the tail of the last assistant response, a workspace file inventory, and
// an instruction to continue without repeating finished work.
func (a *Actor) buildResumePrompt(m *mission.Mission) string {
	var b strings.Builder

	b.WriteString("## Session resumed\n\n")
	if m.InterruptedAt != nil {
		fmt.Fprintf(&b, "This session was interrupted at %s and is now being resumed.\n\n", m.InterruptedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	} else {
		b.WriteString("This session was interrupted and is now being resumed.\n\n")
	}

	if req := firstUserContent(m.History); req != "" {
		b.WriteString("### Original request\n\n")
		b.WriteString(req)
		b.WriteString("\n\n")
	}

	if last := lastAssistantContent(m.History); last != "" {
		b.WriteString("### Your last response (may be truncated)\n\n")
		if len(last) > resumeAssistantTailLimit {
			last = "..." + last[len(last)-resumeAssistantTailLimit:]
		}
		b.WriteString(last)
		b.WriteString("\n\n")
	}

	if a.workspaceRoot != nil {
		if root := a.workspaceRoot(m.ID); root != "" {
			if files := inventoryWorkspace(root); len(files) > 0 {
				b.WriteString("### Files currently in the workspace\n\n")
				for _, f := range files {
					b.WriteString("- ")
					b.WriteString(f)
					b.WriteString("\n")
				}
				b.WriteString("\n")
			}
		}
	}

	b.WriteString("Continue from where you left off. Do not repeat work that is already done; verify the current state of the workspace first if unsure.")
	return b.String()
}

func firstUserContent(history []mission.HistoryEntry) string {
	for _, e := range history {
		if e.Role == mission.RoleUser {
			return e.Content
		}
	}
	return ""
}

func lastAssistantContent(history []mission.HistoryEntry) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == mission.RoleAssistant {
			return history[i].Content
		}
	}
	return ""
}

// inventorySkipDirs are workspace subtrees that add noise, not context:
// virtual environments, dependency caches, and the sandbox's own metadata.
var inventorySkipDirs = map[string]bool{
	".venv":         true,
	"venv":          true,
	"node_modules":  true,
	"__pycache__":   true,
	".git":          true,
	".sandboxed-sh": true,
}

// inventoryWorkspace lists up to resumeInventoryLimit files under root,
// relative paths, sorted by walk order.
func inventoryWorkspace(root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if inventorySkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		files = append(files, rel)
		if len(files) >= resumeInventoryLimit {
			return filepath.SkipAll
		}
		return nil
	})
	return files
}

// cleanWorkspaceDir removes everything inside root while keeping the
// directory itself, so the relaunched harness still has its working
// directory.
func cleanWorkspaceDir(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
