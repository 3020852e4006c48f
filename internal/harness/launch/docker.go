package launch

import (
	"context"
	"fmt"
	"time"

	"github.com/sandboxedsh/missionctl/internal/common/config"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
)

// DockerLauncher runs the backend CLI inside a per-mission container: the
// attached stdio streams carry the backend's own wire protocol directly, and
// the mission workspace is bind-mounted at the same path so rich-tag and
// file references resolve identically inside and outside the container.
type DockerLauncher struct {
	daemon *dockerDaemon
	image  string
	log    *logger.Logger
}

// NewDockerLauncher creates a DockerLauncher bound to a Docker daemon and
// the image backend CLIs run in.
func NewDockerLauncher(cfg config.DockerConfig, image string, log *logger.Logger) (*DockerLauncher, error) {
	daemon, err := newDockerDaemon(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("launch: docker client: %w", err)
	}
	return &DockerLauncher{daemon: daemon, image: image, log: log}, nil
}

// Launch creates, starts, and attaches to a container running spec.Command.
func (l *DockerLauncher) Launch(ctx context.Context, spec Spec) (*Process, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerID, err := l.daemon.createInteractive(ctx, containerSpec{
		name:       fmt.Sprintf("missionctl-harness-%d", time.Now().UnixNano()),
		image:      l.image,
		cmd:        append([]string{spec.Command}, spec.Args...),
		env:        env,
		workingDir: spec.WorkingDir,
		mounts: []mountSpec{
			{source: spec.WorkingDir, target: spec.WorkingDir},
		},
		autoRemove: true,
	})
	if err != nil {
		return nil, fmt.Errorf("launch: create container: %w", err)
	}

	if err := l.daemon.start(ctx, containerID); err != nil {
		return nil, fmt.Errorf("launch: start container: %w", err)
	}

	stdin, stdout, err := l.daemon.attach(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("launch: attach container: %w", err)
	}

	return &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Wait: func() error {
			_, err := l.daemon.wait(context.Background(), containerID)
			return err
		},
		Kill: func() error {
			return l.daemon.stop(context.Background(), containerID, 5*time.Second)
		},
	}, nil
}
