package acpharness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
)

// notificationHandler receives every session/update notification the
// backend sends while a turn is in flight.
type notificationHandler func(n acp.SessionNotification)

// permissionHandler answers a session/request_permission call. It returns
// the chosen option ID, or cancelled=true to reject the action.
type permissionHandler func(ctx context.Context, toolCallID, title string, options []acp.PermissionOption) (optionID string, cancelled bool)

// client implements the SDK's acp.Client interface: the file, terminal, and
// permission callbacks an ACP backend issues against its host. File access
// is confined to the mission workspace; escaping paths are rejected the same
// way rich-tag resolution rejects them.
type client struct {
	log           *zap.Logger
	workspaceRoot string

	mu          sync.RWMutex
	onUpdate    notificationHandler
	onPermission permissionHandler
}

func newClient(workspaceRoot string, log *zap.Logger) *client {
	return &client{log: log, workspaceRoot: workspaceRoot}
}

func (c *client) setUpdateHandler(h notificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = h
}

func (c *client) setPermissionHandler(h permissionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPermission = h
}

// SessionUpdate forwards session/update notifications to the harness.
func (c *client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.mu.RLock()
	handler := c.onUpdate
	c.mu.RUnlock()
	if handler != nil {
		handler(n)
	}
	return nil
}

// RequestPermission answers the backend's permission requests. With a
// handler wired, the decision is delegated (ultimately to a connected
// client via the frontend tool hub); otherwise the first allow option is
// selected so unattended missions keep moving.
func (c *client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		return cancelledPermission(), nil
	}

	c.mu.RLock()
	handler := c.onPermission
	c.mu.RUnlock()

	if handler != nil {
		title := ""
		if p.ToolCall.Title != nil {
			title = *p.ToolCall.Title
		}
		optionID, cancelled := handler(ctx, string(p.ToolCall.ToolCallId), title, p.Options)
		if cancelled {
			return cancelledPermission(), nil
		}
		return selectedPermission(acp.PermissionOptionId(optionID)), nil
	}

	for i := range p.Options {
		opt := &p.Options[i]
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			c.log.Debug("auto-approving permission request",
				zap.String("tool_call_id", string(p.ToolCall.ToolCallId)),
				zap.String("option_id", string(opt.OptionId)))
			return selectedPermission(opt.OptionId), nil
		}
	}
	return selectedPermission(p.Options[0].OptionId), nil
}

func cancelledPermission() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}

func selectedPermission(id acp.PermissionOptionId) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: id},
		},
	}
}

// resolvePath confines reqPath to the workspace root.
func (c *client) resolvePath(reqPath string) (string, error) {
	var resolved string
	if filepath.IsAbs(reqPath) {
		resolved = filepath.Clean(reqPath)
	} else {
		resolved = filepath.Join(c.workspaceRoot, reqPath)
	}
	root := filepath.Clean(c.workspaceRoot) + string(filepath.Separator)
	if resolved != filepath.Clean(c.workspaceRoot) && !strings.HasPrefix(resolved, root) {
		return "", fmt.Errorf("path %q resolves outside workspace root %q", reqPath, c.workspaceRoot)
	}
	return resolved, nil
}

// ReadTextFile serves fs/read_text_file against the mission workspace.
func (c *client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	filePath, err := c.resolvePath(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	b, err := os.ReadFile(filePath)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)

	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile serves fs/write_text_file against the mission workspace.
func (c *client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	filePath, err := c.resolvePath(p.Path)
	if err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(filePath, []byte(p.Content), 0o644)
}

// The terminal surface is stubbed: mission backends run their own shells
// inside the workspace, so terminal/* requests get inert answers instead of
// errors that would abort the turn.

func (c *client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	c.log.Debug("create terminal request", zap.String("command", p.Command))
	return acp.CreateTerminalResponse{TerminalId: "t-1"}, nil
}

func (c *client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "ok", Truncated: false}, nil
}

func (c *client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}

var _ acp.Client = (*client)(nil)
