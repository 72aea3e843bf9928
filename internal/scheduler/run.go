package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/vk/pipegrid/internal/concurrency"
	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/dag"
	"github.com/vk/pipegrid/internal/expr"
	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/trigger"
	"github.com/zclconf/go-cty/cty"
)

// errRunFinished releases the contexts of a Run once it is terminal.
var errRunFinished = errors.New("run finished")

// run is one execution of a pipeline. It is a concurrency.Holder for the
// pipeline-level group.
type run struct {
	s        *Scheduler
	id       string
	pipeline *model.Pipeline
	trigger  trigger.Context
	vars     map[string]cty.Value
	graph    *dag.Graph
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	groupKey string
	ticket   *concurrency.Ticket

	mu        sync.Mutex
	status    model.RunStatus
	jobs      map[string]*jobInstance
	remaining int
	report    *Report
	done      chan struct{}
}

func newRun(parent context.Context, s *Scheduler, p *model.Pipeline, tc trigger.Context) (*run, error) {
	g, err := dag.FromPipeline(p)
	if err != nil {
		return nil, &model.DefinitionError{Pipeline: p.Name, Err: err}
	}

	id := uuid.NewString()
	logger := s.opts.Logger.With("run_id", id, "pipeline", p.Name)
	ctx := ctxlog.WithLogger(context.WithoutCancel(parent), logger)
	ctx, cancel := context.WithCancelCause(ctx)

	r := &run{
		s:         s,
		id:        id,
		pipeline:  p,
		trigger:   tc,
		vars:      tc.Variables(),
		graph:     g,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		status:    model.RunPending,
		jobs:      make(map[string]*jobInstance, len(p.Jobs)),
		remaining: len(p.Jobs),
		done:      make(chan struct{}),
	}

	fail := func(job string, err error) (*run, error) {
		cancel(err)
		return nil, &model.DefinitionError{Pipeline: p.Name, Job: job, Err: err}
	}
	if p.Concurrency != nil {
		if r.groupKey, err = groupKey(p.Concurrency, r.vars, p.Env); err != nil {
			return fail("", err)
		}
	}
	for _, id := range p.JobIDs() {
		spec := p.Jobs[id]
		j := newJobInstance(r, spec)
		if spec.Concurrency != nil {
			if j.groupKey, err = groupKey(spec.Concurrency, r.vars, p.Env, spec.Env); err != nil {
				return fail(id, err)
			}
			if j.groupKey != "" && j.groupKey == r.groupKey {
				return fail(id, fmt.Errorf("concurrency group %q is already held by the pipeline", j.groupKey))
			}
		}
		r.jobs[id] = j
	}
	return r, nil
}

// ID implements concurrency.Holder.
func (r *run) ID() string { return r.id }

// Cancel implements concurrency.Holder.
func (r *run) Cancel(cause error) { r.cancel(cause) }

// start acquires the pipeline-level group, then admits the root jobs.
func (r *run) start() {
	r.mu.Lock()
	rep := r.snapshotLocked()
	r.report.StartedAt = r.s.opts.Now()
	rep.StartedAt = r.report.StartedAt
	r.s.opts.Observer.RunStarted(rep)
	r.mu.Unlock()
	r.logger.Info("Run submitted.", "event", r.trigger.Event(), "ref", r.trigger.Ref(), "jobs", len(r.jobs))

	if r.groupKey != "" {
		r.ticket = r.s.opts.Groups.Acquire(r.groupKey, r, r.pipeline.Concurrency.CancelInProgress)
		r.logger.Debug("Run concurrency group requested.", "group", r.groupKey, "result", r.ticket.Result())
		if err := r.ticket.Wait(r.ctx); err != nil {
			r.mu.Lock()
			r.skipAllLocked(model.SkipCancelled)
			r.mu.Unlock()
			return
		}
	}

	r.mu.Lock()
	r.status = model.RunRunning
	var roots []*jobInstance
	for _, id := range r.graph.Roots() {
		roots = append(roots, r.jobs[id])
	}
	r.mu.Unlock()

	r.propagate(roots)
}

// propagate evaluates every job whose needs are all terminal. Evaluation may
// skip a job at once, which can make further jobs ready.
func (r *run) propagate(ready []*jobInstance) {
	for len(ready) > 0 {
		j := ready[0]
		ready = ready[1:]

		r.mu.Lock()
		launch, more := r.admitLocked(j)
		r.mu.Unlock()

		ready = append(ready, more...)
		if launch {
			go j.gate()
		}
	}
}

// admitLocked decides the fate of a job whose needs are terminal.
func (r *run) admitLocked(j *jobInstance) (bool, []*jobInstance) {
	if r.ctx.Err() != nil {
		return false, r.skipLocked(j, model.SkipCancelled, context.Cause(r.ctx))
	}

	st, upstreamOK := r.upstreamLocked(j)
	j.upstreamFailed = st.Failure
	j.upstreamCancelled = st.Cancelled

	cond := j.spec.Condition
	if cond == nil || !expr.UsesStatusFunction(cond) {
		if !upstreamOK {
			return false, r.skipLocked(j, model.SkipUpstream, nil)
		}
	}
	if cond != nil {
		ok, err := expr.EvalBool(cond, expr.NewEvalContext(r.conditionVarsLocked(j), st))
		if err != nil {
			return false, r.finishLocked(j, model.JobFailed, model.SkipNone, fmt.Errorf("failed to evaluate condition: %w", err))
		}
		if !ok {
			return false, r.skipLocked(j, model.SkipCondition, nil)
		}
	}

	if j.groupKey != "" {
		r.transitionLocked(j, model.JobBlocked, model.SkipNone, nil)
	} else {
		r.transitionLocked(j, model.JobQueued, model.SkipNone, nil)
	}
	return true, nil
}

// upstreamLocked derives the status functions of j from its needs. The second
// result reports whether every need passed: succeeded, failed with
// continue-on-error, or listed in tolerate_failure.
func (r *run) upstreamLocked(j *jobInstance) (expr.Status, bool) {
	st := expr.Status{}
	ok := true
	for _, need := range j.spec.Needs {
		p := r.jobs[need]
		if p.upstreamFailed {
			st.Failure = true
		}
		if p.upstreamCancelled {
			st.Cancelled = true
		}
		if !p.passed() && !j.spec.Tolerates(need) {
			ok = false
		}
	}
	st.Success = ok
	return st, ok
}

// conditionVarsLocked returns the trigger variables plus the non-secret env
// and the outcome of every need as `needs.<id>.result`.
func (r *run) conditionVarsLocked(j *jobInstance) map[string]cty.Value {
	vars := make(map[string]cty.Value, len(r.vars)+2)
	for k, v := range r.vars {
		vars[k] = v
	}
	vars["env"] = expr.StringMap(mergeEnv(r.pipeline.Env, j.spec.Env))

	needs := make(map[string]cty.Value, len(j.spec.Needs))
	for _, need := range j.spec.Needs {
		p := r.jobs[need]
		needs[need] = cty.ObjectVal(map[string]cty.Value{
			"result": cty.StringVal(string(p.conclusion())),
			"state":  cty.StringVal(string(p.state)),
		})
	}
	if len(needs) == 0 {
		vars["needs"] = cty.EmptyObjectVal
	} else {
		vars["needs"] = cty.ObjectVal(needs)
	}
	return vars
}

func (r *run) skipLocked(j *jobInstance, reason model.SkipReason, err error) []*jobInstance {
	return r.finishLocked(j, model.JobSkipped, reason, err)
}

// skipAllLocked skips every job; used when the Run is aborted before start.
func (r *run) skipAllLocked(reason model.SkipReason) {
	order, _ := r.graph.TopologicalOrder()
	cause := context.Cause(r.ctx)
	for _, id := range order {
		if j := r.jobs[id]; !j.state.Terminal() {
			r.finishLocked(j, model.JobSkipped, reason, cause)
		}
	}
}

// transitionLocked moves j to a new state and reports it.
func (r *run) transitionLocked(j *jobInstance, to model.JobState, reason model.SkipReason, err error) {
	now := r.s.opts.Now()
	from := j.state
	j.state = to
	j.reason = reason
	if err != nil {
		j.err = err
	}
	switch {
	case to == model.JobRunning:
		j.startedAt = now
	case to.Terminal():
		j.finishedAt = now
		if to == model.JobFailed && !j.spec.ContinueOnError {
			j.upstreamFailed = true
		}
		if to == model.JobCancelled {
			j.upstreamCancelled = true
		}
	}

	r.logger.Info("Job transition.", "job", j.spec.ID, "from", from, "to", to, "reason", reason, "error", err)
	r.s.opts.Observer.JobTransition(Transition{
		RunID:  r.id,
		JobID:  j.spec.ID,
		From:   from,
		To:     to,
		Reason: reason,
		Err:    err,
		At:     now,
	})
}

// finishLocked makes j terminal and settles it.
func (r *run) finishLocked(j *jobInstance, to model.JobState, reason model.SkipReason, err error) []*jobInstance {
	r.transitionLocked(j, to, reason, err)
	return r.settleLocked(j)
}

// settleLocked counts j as done for its dependents and for the Run. j must
// already be terminal.
func (r *run) settleLocked(j *jobInstance) []*jobInstance {
	var ready []*jobInstance
	dependents, _ := r.graph.Dependents(j.spec.ID)
	for _, id := range dependents {
		d := r.jobs[id]
		d.pending--
		if d.pending == 0 {
			ready = append(ready, d)
		}
	}
	r.remaining--
	if r.remaining == 0 {
		r.completeLocked()
	}
	return ready
}

// completeLocked makes the Run terminal.
func (r *run) completeLocked() {
	r.status = r.decideStatusLocked()
	rep := r.snapshotLocked()
	rep.FinishedAt = r.s.opts.Now()
	if r.ctx.Err() != nil {
		rep.Error = context.Cause(r.ctx).Error()
	}
	r.report.FinishedAt = rep.FinishedAt
	r.report.Error = rep.Error

	r.logger.Info("Run finished.", "status", r.status)
	r.s.opts.Observer.RunFinished(rep)

	if r.ticket != nil {
		r.ticket.Release()
	}
	r.cancel(errRunFinished)
	r.s.forget(r.id)
	close(r.done)
}

// decideStatusLocked: an aborted or preempted Run is Cancelled; otherwise any
// failed job without continue-on-error fails the Run; otherwise any cancelled
// job cancels it.
func (r *run) decideStatusLocked() model.RunStatus {
	if r.ctx.Err() != nil {
		return model.RunCancelled
	}
	failed, cancelled := false, false
	for _, j := range r.jobs {
		switch {
		case j.state == model.JobFailed && !j.spec.ContinueOnError:
			failed = true
		case j.state == model.JobCancelled:
			cancelled = true
		}
	}
	switch {
	case failed:
		return model.RunFailed
	case cancelled:
		return model.RunCancelled
	}
	return model.RunSucceeded
}

// snapshotLocked builds a Report from the current state.
func (r *run) snapshotLocked() *Report {
	if r.report == nil {
		r.report = &Report{
			RunID:    r.id,
			Pipeline: r.pipeline.Name,
			Event:    r.trigger.Event(),
			Ref:      r.trigger.Ref(),
			Actor:    r.trigger.Actor(),
			SHA:      r.trigger.SHA(),
		}
	}
	rep := *r.report
	rep.Status = r.status
	rep.Jobs = make([]JobReport, 0, len(r.jobs))
	for _, id := range r.pipeline.JobIDs() {
		rep.Jobs = append(rep.Jobs, r.jobs[id].reportLocked())
	}
	return &rep
}

// RunHandle is the caller's view of a submitted Run.
type RunHandle struct {
	r *run
}

// ID returns the Run id.
func (h *RunHandle) ID() string { return h.r.id }

// Done is closed once the Run is terminal.
func (h *RunHandle) Done() <-chan struct{} { return h.r.done }

// Wait blocks until the Run is terminal and returns its final Report.
func (h *RunHandle) Wait(ctx context.Context) (*Report, error) {
	select {
	case <-h.r.done:
		return h.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts the Run. Jobs that have not started are skipped and running
// jobs are cancelled. A nil cause means ErrRunCancelled.
func (h *RunHandle) Cancel(cause error) {
	if cause == nil {
		cause = ErrRunCancelled
	}
	h.r.cancel(cause)
}

// Snapshot returns the current Report.
func (h *RunHandle) Snapshot() *Report {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	rep := h.r.snapshotLocked()
	return rep
}
