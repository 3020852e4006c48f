package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// LocalLauncher runs the backend CLI as a direct child process of
// missionctld with plain anonymous pipes for stdio.
type LocalLauncher struct{}

// NewLocalLauncher constructs a LocalLauncher.
func NewLocalLauncher() *LocalLauncher { return &LocalLauncher{} }

// Launch starts spec.Command as a child process with piped stdio.
func (l *LocalLauncher) Launch(ctx context.Context, spec Spec) (*Process, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	// Let ctx cancellation kill the process rather than merely closing the
	// pipes, so a cancelled turn doesn't leave an orphaned CLI running.
	cmd.Cancel = func() error { return cmd.Process.Kill() }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("launch: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launch: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("launch: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch: start %s: %w", spec.Command, err)
	}

	return &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Wait:   cmd.Wait,
		Kill: func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Kill()
		},
	}, nil
}
