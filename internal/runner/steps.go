package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/expr"
	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/internal/secrets"
	"github.com/zclconf/go-cty/cty"
)

// JobContext binds a job instance to the values its steps are evaluated with.
type JobContext struct {
	RunID string
	JobID string
	// Vars holds the trigger variables; env and secrets are added from Env.
	Vars map[string]cty.Value
	Env  *secrets.EnvMap
}

// StepResult is the outcome of one step.
type StepResult struct {
	Step     string
	ExitCode int
	Duration time.Duration
	Output   string
	Err      error
}

// JobResult is the outcome of a step sequence.
type JobResult struct {
	// State is JobSucceeded, JobFailed or JobCancelled.
	State    model.JobState
	Warnings bool
	Steps    []StepResult
	// Output is the output tail of the last step that ran.
	Output string
	Err    error
}

// StepRunner executes steps on a provisioned environment.
type StepRunner struct {
	Actions   *registry.Registry
	Artifacts artifact.Store
}

// RunJob runs steps strictly in order. A failing step marked continue-on-error
// only sets Warnings; any other failure stops the job. Cancellation of ctx
// stops the job as Cancelled.
func (r *StepRunner) RunJob(ctx context.Context, job JobContext, steps []*model.StepSpec, env Environment) JobResult {
	logger := ctxlog.FromContext(ctx)
	res := JobResult{State: model.JobSucceeded}

	for i, step := range steps {
		label := step.Label(i)
		if ctx.Err() != nil {
			res.State = model.JobCancelled
			res.Err = context.Cause(ctx)
			return res
		}

		stepCtx, _ := ctxlog.With(ctx, "step", label)
		sr := r.Execute(stepCtx, job, i, step, env)
		res.Steps = append(res.Steps, sr)
		res.Output = sr.Output
		if sr.Err == nil {
			continue
		}
		if ctx.Err() != nil {
			res.State = model.JobCancelled
			res.Err = context.Cause(ctx)
			return res
		}
		if step.ContinueOnError {
			logger.Warn("Step failed, continuing.", "step", label, "error", sr.Err)
			res.Warnings = true
			continue
		}
		res.State = model.JobFailed
		res.Err = sr.Err
		return res
	}
	return res
}

// Execute runs a single step. Failures are returned as *model.StepExecutionError
// unless the step was cancelled, in which case Err is the cancellation cause.
func (r *StepRunner) Execute(ctx context.Context, job JobContext, index int, step *model.StepSpec, env Environment) StepResult {
	label := step.Label(index)
	logger := ctxlog.FromContext(ctx)
	start := time.Now()

	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	stepEnv := job.Env.With(step.Env)
	redactor := stepEnv.Redactor()
	tail := newTailBuffer(TailSize)
	lw := &logWriter{logger: logger}
	out := redactor.Writer(io.MultiWriter(tail, lw))

	evalCtx := expr.NewEvalContext(mergeVars(job.Vars, stepEnv.Variables()), expr.Status{})

	var code int
	var err error
	if step.Uses != "" {
		code, err = r.runAction(stepCtx, job, label, step, evalCtx, stepEnv, redactor, out, env, logger)
	} else {
		code, err = r.runScript(stepCtx, step, evalCtx, stepEnv, out, env)
	}
	out.Close()
	lw.flush()

	res := StepResult{Step: label, ExitCode: code, Duration: time.Since(start), Output: tail.String()}
	switch {
	case ctx.Err() != nil:
		res.Err = context.Cause(ctx)
	case err != nil:
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", step.Timeout)
		}
		res.Err = &model.StepExecutionError{Step: label, ExitCode: -1, Err: err}
	case code != 0:
		res.Err = &model.StepExecutionError{Step: label, ExitCode: code}
	}
	logger.Debug("Step finished.", "exit_code", code, "duration", res.Duration, "error", res.Err)
	return res
}

func (r *StepRunner) runScript(ctx context.Context, step *model.StepSpec, evalCtx *hcl.EvalContext, env *secrets.EnvMap, out io.Writer, e Environment) (int, error) {
	if step.Run == nil {
		return -1, fmt.Errorf("step has neither run nor uses")
	}
	script, err := expr.EvalString(step.Run, evalCtx)
	if err != nil {
		return -1, fmt.Errorf("failed to evaluate run: %w", err)
	}
	code, err := e.Exec(ctx, Command{Script: script, Env: env.Environ(), Output: out})
	if err != nil {
		return -1, err
	}
	return code, nil
}

func (r *StepRunner) runAction(ctx context.Context, job JobContext, label string, step *model.StepSpec, evalCtx *hcl.EvalContext, env *secrets.EnvMap, redactor *secrets.Redactor, out io.Writer, e Environment, logger *slog.Logger) (int, error) {
	if r.Actions == nil {
		return -1, fmt.Errorf("no actions are registered")
	}
	keys := make([]string, 0, len(step.With))
	for k := range step.With {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inputs := make(map[string]cty.Value, len(step.With))
	for _, k := range keys {
		v, err := expr.EvalValue(step.With[k], evalCtx)
		if err != nil {
			return -1, fmt.Errorf("failed to evaluate with.%s: %w", k, err)
		}
		inputs[k] = v
	}

	err := r.Actions.Invoke(ctx, step.Uses, inputs, &registry.Invocation{
		RunID:     job.RunID,
		JobID:     job.JobID,
		Step:      label,
		Workspace: e.Workspace(),
		Output:    out,
		Env:       env,
		Redactor:  redactor,
		Artifacts: r.Artifacts,
		Logger:    logger,
	})
	if err != nil {
		return -1, err
	}
	return 0, nil
}

func mergeVars(layers ...map[string]cty.Value) map[string]cty.Value {
	out := make(map[string]cty.Value)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}
