package launch

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/sandboxedsh/missionctl/internal/common/config"
	"github.com/sandboxedsh/missionctl/internal/common/logger"
)

// containerSpec describes a harness container: image, command, and the
// workspace bind mount the backend CLI works inside.
type containerSpec struct {
	name       string
	image      string
	cmd        []string
	env        []string
	workingDir string
	mounts     []mountSpec
	autoRemove bool
}

type mountSpec struct {
	source   string
	target   string
	readOnly bool
}

// dockerDaemon wraps the Docker SDK with just the container lifecycle the
// DockerLauncher needs: create-interactive, start, attach, wait, stop.
type dockerDaemon struct {
	cli *client.Client
	log *logger.Logger
}

func newDockerDaemon(cfg config.DockerConfig, log *logger.Logger) (*dockerDaemon, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &dockerDaemon{cli: cli, log: log}, nil
}

func (d *dockerDaemon) close() error { return d.cli.Close() }

// createInteractive creates a container with stdin held open and no TTY, so
// the attached stream carries the backend's wire protocol unmangled.
func (d *dockerDaemon) createInteractive(ctx context.Context, spec containerSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.mounts))
	for _, m := range spec.mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.source,
			Target:   m.target,
			ReadOnly: m.readOnly,
		})
	}

	containerCfg := &container.Config{
		Image:        spec.image,
		Cmd:          spec.cmd,
		Env:          spec.env,
		WorkingDir:   spec.workingDir,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Mounts:     mounts,
		AutoRemove: spec.autoRemove,
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.name, err)
	}
	d.log.Debug("harness container created", zap.String("id", resp.ID), zap.String("name", spec.name))
	return resp.ID, nil
}

func (d *dockerDaemon) start(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

func (d *dockerDaemon) stop(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

func (d *dockerDaemon) wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("wait for container %s: %w", containerID, err)
		}
		return -1, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// attach wires up stdin and a demultiplexed stdout/stderr stream.
func (d *dockerDaemon) attach(ctx context.Context, containerID string) (io.WriteCloser, io.Reader, error) {
	resp, err := d.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("attach to container %s: %w", containerID, err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() {
		_, _ = io.Copy(resp.Conn, stdinReader)
	}()

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		defer stdoutWriter.Close()
		d.demultiplex(resp.Reader, stdoutWriter)
	}()

	return stdinWriter, stdoutReader, nil
}

// demultiplex reads Docker's multiplexed stream format (Tty=false): an
// 8-byte header per frame, byte 0 the stream type, bytes 4-7 the big-endian
// frame size. stdout and stderr frames are both forwarded so backend error
// output stays visible to the harness.
func (d *dockerDaemon) demultiplex(reader io.Reader, writer io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err != io.EOF {
				d.log.Debug("container stream ended", zap.Error(err))
			}
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if streamType == 1 || streamType == 2 {
			_, _ = writer.Write(data)
		}
	}
}
