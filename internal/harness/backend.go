package harness

import (
	"fmt"
	"path/filepath"

	"github.com/sandboxedsh/missionctl/internal/common/config"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/control"
	"github.com/sandboxedsh/missionctl/internal/harness/acpharness"
	"github.com/sandboxedsh/missionctl/internal/harness/launch"
	"github.com/sandboxedsh/missionctl/internal/harness/pty"
	"github.com/sandboxedsh/missionctl/internal/harness/rtkstats"
	"github.com/sandboxedsh/missionctl/internal/mission"
	"github.com/sandboxedsh/missionctl/internal/runner"
)

// Deps carries the optional cross-cutting collaborators a harness may use:
// the frontend tool hub for delegated permission requests and the rtk
// tracker for tool-output compression. Either field may be nil.
type Deps struct {
	ToolHub *control.FrontendToolHub
	RTK     *rtkstats.Tracker
}

// acpContentSinkAdapter narrows a harness.ContentSink down to
// acpharness.ContentSink's 2-arg shape, tagging every forwarded chunk as
// plain content since the ACP protocol doesn't distinguish thinking/tool
// activity the way the NDJSON backends' events do.
type acpContentSinkAdapter struct {
	sink ContentSink
}

func (a acpContentSinkAdapter) PublishContent(missionID, text string) {
	if a.sink != nil {
		a.sink.PublishContent(missionID, string(runner.EventContent), text)
	}
}

// WorkspaceDir returns the per-mission workspace directory, per
// MissionConfig's {WorkingDir}/{ContextDirName}/{mission_id} convention.
func WorkspaceDir(cfg config.MissionConfig, missionID string) string {
	return filepath.Join(cfg.WorkingDir, cfg.ContextDirName, missionID)
}

// New builds the runner.Harness for m.Backend, selecting a launch.Launcher
// per cfg.Harness.LaunchMode and dispatching to the NDJSON (claudecode,
// codex) or ACP (amp, opencode) adapter.
func New(cfg *config.Config, m *mission.Mission, content ContentSink, deps Deps, log *logger.Logger) (runner.Harness, error) {
	launcher, err := newLauncher(cfg, log)
	if err != nil {
		return nil, err
	}

	workDir := WorkspaceDir(cfg.Mission, m.ID.String())
	missionID := m.ID.String()

	var modelOverride string
	if m.ModelOverride != nil {
		modelOverride = *m.ModelOverride
	}

	switch m.Backend {
	case mission.BackendClaudeCode:
		args := []string{"--input-format", "stream-json", "--output-format", "stream-json", "--print", "--verbose"}
		if modelOverride != "" {
			args = append(args, "--model", modelOverride)
		}
		spec := launch.Spec{Command: cfg.Harness.ClaudeCodeBin, Args: args, WorkingDir: workDir}
		h := NewClaudeCodeHarness(launcher, spec, missionID, content, log)
		h.SetFrontendToolHub(deps.ToolHub)
		h.SetRTKTracker(deps.RTK)
		return h, nil

	case mission.BackendCodex:
		spec := launch.Spec{Command: cfg.Harness.CodexBin, Args: []string{"app-server"}, WorkingDir: workDir}
		h := NewCodexHarness(launcher, spec, missionID, modelOverride, content, log)
		h.SetRTKTracker(deps.RTK)
		return h, nil

	case mission.BackendAmp:
		spec := launch.Spec{Command: cfg.Harness.AmpBin, Args: []string{"acp"}, WorkingDir: workDir}
		h := acpharness.New(launcher, spec, workDir, missionID, acpContentSinkAdapter{content}, log)
		h.SetFrontendToolHub(deps.ToolHub)
		return h, nil

	case mission.BackendOpencode:
		spec := launch.Spec{Command: cfg.Harness.OpencodeBin, Args: []string{"acp"}, WorkingDir: workDir}
		h := acpharness.New(launcher, spec, workDir, missionID, acpContentSinkAdapter{content}, log)
		h.SetFrontendToolHub(deps.ToolHub)
		return h, nil

	default:
		return nil, fmt.Errorf("harness: unknown backend %q", m.Backend)
	}
}

func newLauncher(cfg *config.Config, log *logger.Logger) (launch.Launcher, error) {
	switch cfg.Harness.LaunchMode {
	case "local", "":
		return launch.NewLocalLauncher(), nil
	case "pty":
		return pty.NewLauncher(log), nil
	case "docker":
		return launch.NewDockerLauncher(cfg.Docker, cfg.Harness.Image, log)
	case "sprite":
		return launch.NewSpriteLauncher(cfg.Harness.SpriteAPIToken, cfg.Harness.SpriteName, log), nil
	default:
		return nil, fmt.Errorf("harness: unknown launch mode %q", cfg.Harness.LaunchMode)
	}
}
