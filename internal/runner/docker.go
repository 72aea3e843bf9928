package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/vk/pipegrid/internal/ctxlog"
)

// containerWorkspace is where the job workspace is mounted inside containers.
const containerWorkspace = "/workspace"

// DockerProvisioner runs every step in a fresh container of the job's image
// with the job workspace bind-mounted at /workspace.
type DockerProvisioner struct {
	cli     *client.Client
	baseDir string
	grace   time.Duration

	pullMu sync.Mutex
	pulled map[string]bool
}

// NewDockerProvisioner connects to the daemon at host, or to the one
// described by the DOCKER_* environment when host is empty.
func NewDockerProvisioner(host, baseDir string) (*DockerProvisioner, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}
	return &DockerProvisioner{cli: cli, baseDir: baseDir, grace: DefaultGracePeriod, pulled: make(map[string]bool)}, nil
}

// Close closes the daemon connection.
func (p *DockerProvisioner) Close() error {
	return p.cli.Close()
}

func (p *DockerProvisioner) Provision(ctx context.Context, spec EnvSpec) (Environment, error) {
	img := strings.TrimPrefix(spec.RunsOn, dockerScheme)
	if err := p.ensureImage(ctx, img); err != nil {
		return nil, err
	}
	if p.baseDir != "" {
		if err := os.MkdirAll(p.baseDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(p.baseDir, fmt.Sprintf("pipegrid-%s-%s-", spec.RunID, spec.JobID))
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &dockerEnv{p: p, image: img, dir: dir}, nil
}

func (p *DockerProvisioner) ensureImage(ctx context.Context, img string) error {
	p.pullMu.Lock()
	defer p.pullMu.Unlock()
	if p.pulled[img] {
		return nil
	}
	if _, _, err := p.cli.ImageInspectWithRaw(ctx, img); err == nil {
		p.pulled[img] = true
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", img, err)
	}

	ctxlog.FromContext(ctx).Info("Pulling image.", "image", img)
	rc, err := p.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", img, err)
	}
	p.pulled[img] = true
	return nil
}

type dockerEnv struct {
	p     *DockerProvisioner
	image string
	dir   string
}

func (e *dockerEnv) Workspace() string { return e.dir }

func (e *dockerEnv) Exec(ctx context.Context, c Command) (int, error) {
	logger := ctxlog.FromContext(ctx)
	cli := e.p.cli

	resp, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:      e.image,
			Cmd:        []string{"sh", "-c", c.Script},
			Env:        c.Env,
			WorkingDir: containerWorkspace,
		},
		&container.HostConfig{Binds: []string{e.dir + ":" + containerWorkspace}},
		nil, nil, "")
	if err != nil {
		return -1, fmt.Errorf("failed to create container: %w", err)
	}
	id := resp.ID
	defer func() {
		if err := cli.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn("Failed to remove container.", "container", id, "error", err)
		}
	}()

	if err := cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("failed to start container: %w", err)
	}

	logsDone := make(chan struct{})
	logs, err := cli.ContainerLogs(context.WithoutCancel(ctx), id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		close(logsDone)
		logger.Warn("Failed to attach to container logs.", "container", id, "error", err)
	} else {
		go func() {
			defer close(logsDone)
			defer logs.Close()
			if _, err := stdcopy.StdCopy(c.Output, c.Output, logs); err != nil {
				logger.Debug("Container log stream ended.", "container", id, "error", err)
			}
		}()
	}

	statusCh, errCh := cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		<-logsDone
		if st.Error != nil {
			return -1, fmt.Errorf("container wait failed: %s", st.Error.Message)
		}
		return int(st.StatusCode), nil
	case err := <-errCh:
		if ctx.Err() == nil {
			return -1, fmt.Errorf("container wait failed: %w", err)
		}
	}

	// Cancelled: SIGTERM, then SIGKILL after the grace period.
	secs := int(e.p.grace / time.Second)
	if err := cli.ContainerStop(context.WithoutCancel(ctx), id, container.StopOptions{Timeout: &secs}); err != nil {
		logger.Warn("Failed to stop container.", "container", id, "error", err)
	}
	<-logsDone
	return -1, context.Cause(ctx)
}

func (e *dockerEnv) Close(ctx context.Context) error {
	return os.RemoveAll(e.dir)
}
