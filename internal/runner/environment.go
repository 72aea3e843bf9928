package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const dockerScheme = "docker://"

// EnvSpec describes the environment a job asks for.
type EnvSpec struct {
	// RunsOn is "local" (or empty) or "docker://<image>".
	RunsOn string
	RunID  string
	JobID  string
	Logger *slog.Logger
}

// Command is one shell script to run in an environment.
type Command struct {
	Script string
	Env    []string
	// Output receives combined stdout and stderr.
	Output io.Writer
}

// Environment is a provisioned execution environment.
type Environment interface {
	// Workspace is the host directory shared by all steps of the job.
	Workspace() string
	// Exec runs a command to completion. When ctx ends the process is asked
	// to stop and Exec returns context.Cause(ctx) once it has exited.
	Exec(ctx context.Context, cmd Command) (exitCode int, err error)
	// Close releases the environment and deletes its workspace.
	Close(ctx context.Context) error
}

// Provisioner creates environments.
type Provisioner interface {
	Provision(ctx context.Context, spec EnvSpec) (Environment, error)
}

// Router dispatches on the RunsOn descriptor.
type Router struct {
	Local  Provisioner
	Docker Provisioner
}

func (r *Router) Provision(ctx context.Context, spec EnvSpec) (Environment, error) {
	switch {
	case spec.RunsOn == "" || spec.RunsOn == "local":
		if r.Local == nil {
			return nil, fmt.Errorf("local environments are not available")
		}
		return r.Local.Provision(ctx, spec)
	case strings.HasPrefix(spec.RunsOn, dockerScheme):
		if r.Docker == nil {
			return nil, fmt.Errorf("docker environments are not configured")
		}
		return r.Docker.Provision(ctx, spec)
	}
	return nil, fmt.Errorf("unsupported runs_on %q", spec.RunsOn)
}

// ValidateRunsOn checks a descriptor without provisioning anything.
func ValidateRunsOn(runsOn string) error {
	switch {
	case runsOn == "" || runsOn == "local":
		return nil
	case strings.HasPrefix(runsOn, dockerScheme) && len(runsOn) > len(dockerScheme):
		return nil
	}
	return fmt.Errorf("unsupported runs_on %q: want \"local\" or \"docker://<image>\"", runsOn)
}
