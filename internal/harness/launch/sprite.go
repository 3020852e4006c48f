package launch

import (
	"bytes"
	"context"
	"fmt"
	"io"

	sprites "github.com/superfly/sprites-go"

	"github.com/sandboxedsh/missionctl/internal/common/logger"
)

// SpriteLauncher runs the backend CLI inside a Sprites.dev remote sandbox:
// the command is invoked directly over the sprite's exec channel, and the
// returned stdio streams carry the backend's wire protocol unchanged.
type SpriteLauncher struct {
	client     *sprites.Client
	spriteName string
	log        *logger.Logger
}

// NewSpriteLauncher creates a SpriteLauncher bound to an existing sprite.
func NewSpriteLauncher(apiToken, spriteName string, log *logger.Logger) *SpriteLauncher {
	return &SpriteLauncher{
		client:     sprites.New(apiToken),
		spriteName: spriteName,
		log:        log,
	}
}

// Launch runs spec.Command inside the sprite, piping stdin and capturing
// stdout and stderr on separate pipes. Sprite commands do not expose a true
// streaming-stdin pipe the way a local process does, so writes to Stdin are
// buffered and flushed once the command starts; callers that need
// mid-session stdin writes should prefer LocalLauncher or DockerLauncher.
func (l *SpriteLauncher) Launch(ctx context.Context, spec Spec) (*Process, error) {
	sprite, err := l.client.Sprite(ctx, l.spriteName)
	if err != nil {
		return nil, fmt.Errorf("launch: lookup sprite %s: %w", l.spriteName, err)
	}

	cmd := sprite.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdinBuf := &bytes.Buffer{}
	stdinW := &delayedWriter{buf: stdinBuf}
	cmd.Stdin = stdinBuf

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launch: sprite stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("launch: sprite stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch: start sprite command: %w", err)
	}

	return &Process{
		Stdin:  stdinW,
		Stdout: stdout,
		Stderr: stderr,
		Wait:   cmd.Wait,
		Kill:   func() error { return cmd.Process.Kill() },
	}, nil
}

// delayedWriter buffers writes into buf; used because sprite.Command's
// Stdin is consumed once at process start rather than streamed.
type delayedWriter struct {
	buf *bytes.Buffer
}

func (w *delayedWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *delayedWriter) Close() error                { return nil }

var _ io.WriteCloser = (*delayedWriter)(nil)
