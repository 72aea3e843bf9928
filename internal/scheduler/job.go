package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/pipegrid/internal/concurrency"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/runner"
	"github.com/vk/pipegrid/internal/secrets"
)

// closeTimeout bounds environment teardown after a job.
const closeTimeout = 30 * time.Second

// jobInstance is a JobSpec bound to one Run. Its mutable fields are guarded by
// the Run's lock. It is a concurrency.Holder for the job-level group.
type jobInstance struct {
	r    *run
	spec *model.JobSpec

	ctx    context.Context
	cancel context.CancelCauseFunc

	groupKey string

	// pending counts distinct needs that are not terminal yet.
	pending int

	state      model.JobState
	reason     model.SkipReason
	warnings   bool
	err        error
	output     string
	startedAt  time.Time
	finishedAt time.Time

	// upstreamFailed and upstreamCancelled are inherited along needs edges and
	// back failure() and cancelled().
	upstreamFailed    bool
	upstreamCancelled bool
}

func newJobInstance(r *run, spec *model.JobSpec) *jobInstance {
	ctx, _ := ctxlog.With(r.ctx, "job", spec.ID)
	ctx, cancel := context.WithCancelCause(ctx)
	deps, _ := r.graph.Dependencies(spec.ID)
	return &jobInstance{
		r:       r,
		spec:    spec,
		ctx:     ctx,
		cancel:  cancel,
		pending: len(deps),
		state:   model.JobPending,
	}
}

// ID implements concurrency.Holder.
func (j *jobInstance) ID() string { return j.r.id + "/" + j.spec.ID }

// Cancel implements concurrency.Holder.
func (j *jobInstance) Cancel(cause error) { j.cancel(cause) }

// passed reports whether dependents may proceed under the default policy.
func (j *jobInstance) passed() bool {
	return j.state == model.JobSucceeded || (j.state == model.JobFailed && j.spec.ContinueOnError)
}

func (j *jobInstance) conclusion() model.Conclusion {
	return model.ConclusionFor(j.state, j.warnings)
}

func (j *jobInstance) reportLocked() JobReport {
	rep := JobReport{
		ID:         j.spec.ID,
		Name:       j.spec.DisplayName(),
		State:      j.state,
		Conclusion: j.conclusion(),
		SkipReason: j.reason,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
		Output:     j.output,
		Err:        j.err,
	}
	if j.err != nil {
		rep.Error = j.err.Error()
	}
	if !j.startedAt.IsZero() && !j.finishedAt.IsZero() {
		rep.Duration = j.finishedAt.Sub(j.startedAt)
	}
	return rep
}

// gate takes an admitted job through its concurrency group and onto a worker.
func (j *jobInstance) gate() {
	r := j.r
	logger := ctxlog.FromContext(j.ctx)

	var ticket *concurrency.Ticket
	if j.groupKey != "" {
		ticket = r.s.opts.Groups.Acquire(j.groupKey, j, j.spec.Concurrency.CancelInProgress)
		logger.Debug("Job concurrency group requested.", "group", j.groupKey, "result", ticket.Result())
		if err := ticket.Wait(j.ctx); err != nil {
			j.abandon(ticket)
			return
		}
		r.mu.Lock()
		r.transitionLocked(j, model.JobQueued, model.SkipNone, nil)
		r.mu.Unlock()
	}

	task := func() { j.execute(ticket) }
	select {
	case r.s.work <- task:
	case <-j.ctx.Done():
		j.abandon(ticket)
	}
}

// abandon ends a job that was admitted but never started. It is Skipped when
// the whole Run was aborted and Cancelled when only the job was (preemption).
func (j *jobInstance) abandon(ticket *concurrency.Ticket) {
	r := j.r
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.transitionLocked(j, model.JobSkipped, model.SkipCancelled, context.Cause(r.ctx))
	} else {
		r.transitionLocked(j, model.JobCancelled, model.SkipNone, context.Cause(j.ctx))
	}
	r.mu.Unlock()
	j.release(ticket)
}

// release frees the group slot of a terminal job, then lets its dependents
// and the Run move on.
func (j *jobInstance) release(ticket *concurrency.Ticket) {
	if ticket != nil {
		ticket.Release()
	}
	r := j.r
	r.mu.Lock()
	ready := r.settleLocked(j)
	r.mu.Unlock()
	j.cancel(errRunFinished)
	r.propagate(ready)
}

// execute runs on a pool worker.
func (j *jobInstance) execute(ticket *concurrency.Ticket) {
	r := j.r
	r.mu.Lock()
	if j.ctx.Err() != nil {
		r.mu.Unlock()
		j.abandon(ticket)
		return
	}
	r.transitionLocked(j, model.JobRunning, model.SkipNone, nil)
	r.mu.Unlock()

	res := j.run()

	r.mu.Lock()
	j.warnings = res.Warnings
	j.output = res.Output
	r.transitionLocked(j, res.State, model.SkipNone, res.Err)
	r.mu.Unlock()
	j.release(ticket)
}

// run resolves the job environment, provisions it and runs the steps.
func (j *jobInstance) run() runner.JobResult {
	r := j.r
	ctx := j.ctx
	logger := ctxlog.FromContext(ctx)

	env, err := r.s.opts.Resolver.Resolve(secrets.Scope{
		Permissions: j.spec.Permissions,
		Secrets:     j.spec.Secrets,
		PipelineEnv: r.pipeline.Env,
		JobEnv:      j.spec.Env,
	})
	if err != nil {
		logger.Warn("Job environment denied.", "error", err)
		return runner.JobResult{State: model.JobFailed, Err: err}
	}

	var timeoutErr error
	if j.spec.Timeout > 0 {
		timeoutErr = fmt.Errorf("job timed out after %s", j.spec.Timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, j.spec.Timeout, timeoutErr)
		defer cancel()
	}

	e, err := r.s.opts.Provisioner.Provision(ctx, runner.EnvSpec{
		RunsOn: j.spec.RunsOn,
		RunID:  r.id,
		JobID:  j.spec.ID,
		Logger: logger,
	})
	if err != nil {
		if j.ctx.Err() != nil {
			return runner.JobResult{State: model.JobCancelled, Err: context.Cause(j.ctx)}
		}
		return runner.JobResult{State: model.JobFailed, Err: fmt.Errorf("failed to provision %q: %w", j.spec.RunsOn, err)}
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := e.Close(closeCtx); err != nil {
			logger.Warn("Failed to close job environment.", "error", err)
		}
	}()

	res := r.s.steps.RunJob(ctx, runner.JobContext{
		RunID: r.id,
		JobID: j.spec.ID,
		Vars:  r.vars,
		Env:   env,
	}, j.spec.Steps, e)

	if res.State == model.JobCancelled && j.ctx.Err() == nil && timeoutErr != nil {
		res.State = model.JobFailed
		res.Err = timeoutErr
	}
	return res
}
