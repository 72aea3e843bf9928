package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/vk/pipegrid/internal/ctxlog"
)

// DefaultGracePeriod is how long a cancelled process group gets between
// SIGTERM and SIGKILL.
const DefaultGracePeriod = 10 * time.Second

// LocalProvisioner runs steps with `sh -c` in a temporary workspace.
type LocalProvisioner struct {
	// BaseDir holds the workspaces; empty means os.TempDir().
	BaseDir string
	Shell   string
	Grace   time.Duration
}

// NewLocalProvisioner returns a provisioner with default shell and grace period.
func NewLocalProvisioner(baseDir string) *LocalProvisioner {
	return &LocalProvisioner{BaseDir: baseDir, Shell: "sh", Grace: DefaultGracePeriod}
}

func (p *LocalProvisioner) Provision(ctx context.Context, spec EnvSpec) (Environment, error) {
	if p.BaseDir != "" {
		if err := os.MkdirAll(p.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace root: %w", err)
		}
	}
	dir, err := os.MkdirTemp(p.BaseDir, fmt.Sprintf("pipegrid-%s-%s-", spec.RunID, spec.JobID))
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	ctxlog.FromContext(ctx).Debug("Provisioned local workspace.", "dir", dir)

	shell, grace := p.Shell, p.Grace
	if shell == "" {
		shell = "sh"
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &localEnv{dir: dir, shell: shell, grace: grace}, nil
}

type localEnv struct {
	dir   string
	shell string
	grace time.Duration
}

func (e *localEnv) Workspace() string { return e.dir }

func (e *localEnv) Exec(ctx context.Context, c Command) (int, error) {
	cmd := exec.CommandContext(ctx, e.shell, "-c", c.Script)
	cmd.Dir = e.dir
	cmd.Env = c.Env
	cmd.Stdout = c.Output
	cmd.Stderr = c.Output

	stop := configureProcessGroup(cmd, e.grace)
	err := cmd.Run()
	stop()

	if ctx.Err() != nil {
		return -1, context.Cause(ctx)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("failed to run command: %w", err)
	}
	return 0, nil
}

func (e *localEnv) Close(context.Context) error {
	return os.RemoveAll(e.dir)
}
