package virt

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	log "github.com/sirupsen/logrus"

	"github.com/osbuild/rpmci/config"
)

// dockerAPI is the slice of the docker client the backend uses.
// *client.Client satisfies it; tests use a fake.
type dockerAPI interface {
	ImagePull(ctx context.Context, refStr string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
}

// Docker runs the machine as a detached long-running container. The image's
// default entrypoint is expected to stall (an init of some kind); commands
// are exec'd into the running container. No keypair or network policy is
// involved.
type Docker struct {
	api  dockerAPI
	cfg  *config.Docker
	name string

	containerID string
}

func NewDocker(cfg *config.Docker, opts Options) (*Docker, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("can't create docker client: %w", err)
	}
	return newDocker(api, cfg, fmt.Sprintf("rpmci-%s-%s", opts.Name, opts.RunID)), nil
}

func newDocker(api dockerAPI, cfg *config.Docker, name string) *Docker {
	return &Docker{api: api, cfg: cfg, name: name}
}

func (d *Docker) Acquire(ctx context.Context) error {
	// Pull first; a container is only ever started from an image we know we
	// have. Docker offers no way to pin or privately tag the pulled image,
	// so it is left in the local store on release.
	reader, err := d.api.ImagePull(ctx, d.cfg.Image, types.ImagePullOptions{})
	if err != nil {
		return &ProvisionError{Backend: "docker", Stage: "image pull", Err: err}
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	cfg := &container.Config{Image: d.cfg.Image}
	if d.cfg.Arguments != "" {
		cfg.Cmd = []string{"/bin/sh", "-c", d.cfg.Arguments}
	}
	hostCfg := &container.HostConfig{
		AutoRemove: true,
		Privileged: d.cfg.Privileged,
	}

	created, err := d.api.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, d.name)
	if err != nil {
		return &ProvisionError{Backend: "docker", Stage: "container create", Err: err}
	}
	d.containerID = created.ID

	if err := d.api.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return &ProvisionError{Backend: "docker", Stage: "container start", Err: err}
	}

	log.WithField("container", created.ID).Info("container is running")
	return nil
}

func (d *Docker) Release() {
	if d.containerID == "" {
		return
	}

	// Best effort; auto-remove cleans up the container once stopped.
	if err := d.api.ContainerStop(context.Background(), d.containerID, container.StopOptions{}); err != nil {
		log.WithError(err).Warn("failed to stop container ", d.containerID)
	}
	d.containerID = ""
}

func (d *Docker) Run(command string, stdin io.Reader) (int, error) {
	ctx := context.Background()

	exec, err := d.api.ContainerExecCreate(ctx, d.containerID, types.ExecConfig{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != nil,
		Privileged:   d.cfg.Privileged,
	})
	if err != nil {
		return -1, fmt.Errorf("can't create exec: %w", err)
	}

	resp, err := d.api.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return -1, fmt.Errorf("can't attach to exec: %w", err)
	}
	defer resp.Close()

	if stdin != nil {
		go func() {
			_, _ = io.Copy(resp.Conn, stdin)
			_ = resp.CloseWrite()
		}()
	}

	if _, err := stdcopy.StdCopy(os.Stdout, os.Stderr, resp.Reader); err != nil {
		return -1, fmt.Errorf("can't read exec output: %w", err)
	}

	for {
		inspect, err := d.api.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return -1, fmt.Errorf("can't inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (d *Docker) Addr() (string, int) {
	return "", 0
}
