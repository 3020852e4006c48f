// Package pty launches a backend CLI on a pseudo-terminal instead of
// anonymous pipes. The claudecode/codex/amp/opencode CLIs probe for a TTY
// and change their framing and permission prompting when they find one;
// running them on a pty keeps that behavior identical to a real terminal
// session while still exposing the descriptor as a bidirectional pipe to
// the harness adapter. A side-channel copy of the raw bytes feeds a vt10x
// screen so the last rendered frame is available when the process dies.
package pty

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/logger"
	"github.com/sandboxedsh/missionctl/internal/harness/launch"
)

// DefaultCols and DefaultRows size the virtual terminal. 200 columns keeps
// NDJSON lines from wrapping mid-frame in the emulated screen.
const (
	DefaultCols = 200
	DefaultRows = 50
)

// Handle is an OS pty master: bidirectional byte stream plus resize.
type Handle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}

// Launcher implements launch.Launcher on a pty. One Launcher serves one
// harness process at a time; the screen snapshot always reflects the most
// recent Launch.
type Launcher struct {
	cols int
	rows int
	log  *logger.Logger

	mu     sync.Mutex
	screen *Screen
}

// NewLauncher constructs a pty-backed launcher with the default dimensions.
func NewLauncher(log *logger.Logger) *Launcher {
	return &Launcher{
		cols: DefaultCols,
		rows: DefaultRows,
		log:  log.WithFields(zap.String("component", "pty-launcher")),
	}
}

// Launch starts spec.Command attached to a fresh pty. Stdin and Stdout both
// ride the pty master; Stderr is merged into Stdout by the terminal layer,
// which is how a real TTY behaves.
func (l *Launcher) Launch(ctx context.Context, spec launch.Spec) (*launch.Process, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = environFor(spec)

	handle, err := startPTY(cmd, l.cols, l.rows)
	if err != nil {
		return nil, fmt.Errorf("pty: start %s: %w", spec.Command, err)
	}

	screen := NewScreen(l.cols, l.rows)
	l.mu.Lock()
	l.screen = screen
	l.mu.Unlock()

	// The screen taps the raw byte stream; the harness adapter reads the
	// same bytes through the returned reader and splits NDJSON lines
	// itself. The tee never blocks the adapter: vt10x writes are in-memory.
	stdout := io.TeeReader(handle, screen)

	wait := func() error {
		err := cmd.Wait()
		if err != nil {
			l.log.Warn("pty process exited abnormally",
				zap.String("command", spec.Command),
				zap.Error(err),
				zap.String("last_screen", screen.String()))
		}
		_ = handle.Close()
		return err
	}

	return &launch.Process{
		Stdin:  handle,
		Stdout: stdout,
		Wait:   wait,
		Kill: func() error {
			defer handle.Close()
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Kill()
		},
	}, nil
}

// LastScreen returns the rendered lines of the most recent launch's
// terminal, trailing blank lines trimmed. Nil before the first Launch.
func (l *Launcher) LastScreen() []string {
	l.mu.Lock()
	screen := l.screen
	l.mu.Unlock()
	if screen == nil {
		return nil
	}
	return screen.Lines()
}

func environFor(spec launch.Spec) []string {
	env := baseEnviron()
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
