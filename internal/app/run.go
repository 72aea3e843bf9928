package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/history"
	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/scheduler"
	"github.com/vk/pipegrid/internal/trigger"
)

// ErrNoPipelineAdmitted is returned when an event matches no loaded pipeline.
var ErrNoPipelineAdmitted = errors.New("no pipeline matched the event")

// Trigger admits ev and submits one Run per matching pipeline. Pipelines that
// fail validation are reported in the joined error; the others still run.
func (a *App) Trigger(ctx context.Context, ev trigger.Event) ([]*scheduler.RunHandle, error) {
	ctx, logger := ctxlog.With(ctxlog.WithLogger(ctx, a.logger), "event", ev.Kind, "ref", ev.Ref)
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	admissions := a.evaluator.Admit(ev)
	if len(admissions) == 0 {
		logger.Info("Event did not match any pipeline.")
		return nil, ErrNoPipelineAdmitted
	}

	var (
		handles []*scheduler.RunHandle
		errs    []error
	)
	for _, adm := range admissions {
		h, err := a.scheduler.Submit(ctx, adm.Pipeline, adm.Context)
		if err != nil {
			logger.Error("Pipeline rejected.", "pipeline", adm.Pipeline.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		logger.Info("🚀 Run submitted.", "pipeline", adm.Pipeline.Name, "run_id", h.ID())
		handles = append(handles, h)
	}
	return handles, errors.Join(errs...)
}

// Run triggers ev and blocks until every admitted Run is terminal. When ctx
// is cancelled the runs are cancelled with its cause and still awaited.
func (a *App) Run(ctx context.Context, ev trigger.Event) ([]*scheduler.Report, error) {
	handles, submitErr := a.Trigger(ctx, ev)
	if len(handles) == 0 {
		return nil, submitErr
	}

	reports := make([]*scheduler.Report, 0, len(handles))
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			a.logger.Warn("Interrupted, cancelling runs.", "cause", context.Cause(ctx))
			for _, other := range handles {
				other.Cancel(context.Cause(ctx))
			}
			<-h.Done()
		}
		rep := h.Snapshot()
		a.logger.Info("🏁 Run finished.", "pipeline", rep.Pipeline, "run_id", rep.RunID, "status", rep.Status)
		reports = append(reports, rep)
	}
	return reports, submitErr
}

// Failed reports whether any of the reports did not succeed.
func Failed(reports []*scheduler.Report) bool {
	for _, rep := range reports {
		if rep.Status != model.RunSucceeded {
			return true
		}
	}
	return false
}

// Status returns the report of a run: live state while it is in flight, the
// persisted history afterwards.
func (a *App) Status(ctx context.Context, runID string) (*scheduler.Report, error) {
	if h, ok := a.scheduler.Lookup(runID); ok {
		return h.Snapshot(), nil
	}
	if a.history == nil {
		return nil, fmt.Errorf("run %s: %w", runID, history.ErrNotFound)
	}
	return a.history.Get(ctx, runID)
}

// Runs lists active runs followed by up to limit persisted ones.
func (a *App) Runs(ctx context.Context, limit int) ([]*scheduler.Report, error) {
	var out []*scheduler.Report
	seen := make(map[string]bool)
	for _, h := range a.scheduler.Active() {
		rep := h.Snapshot()
		seen[rep.RunID] = true
		out = append(out, rep)
	}
	if a.history == nil {
		return out, nil
	}
	past, err := a.history.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, rep := range past {
		if !seen[rep.RunID] {
			out = append(out, rep)
		}
	}
	return out, nil
}

// Cancel aborts an in-flight run.
func (a *App) Cancel(runID string) bool {
	h, ok := a.scheduler.Lookup(runID)
	if !ok {
		return false
	}
	h.Cancel(nil)
	return true
}
