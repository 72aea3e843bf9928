package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/trigger"
)

// pruneSchedule is how often expired artifacts and history are removed.
const pruneSchedule = "@hourly"

// ValidateSchedules parses every cron expression and branch filter declared
// by the loaded pipelines.
func (a *App) ValidateSchedules() error {
	var errs []error
	for _, p := range a.pipelines {
		for _, r := range p.Triggers {
			if err := trigger.ValidateFilters(r); err != nil {
				errs = append(errs, &model.DefinitionError{Pipeline: p.Name, Err: err})
			}
			if r.Event != model.EventSchedule {
				continue
			}
			if r.Schedule == "" {
				errs = append(errs, &model.DefinitionError{Pipeline: p.Name, Err: errors.New("schedule trigger without cron")})
				continue
			}
			if _, err := cron.ParseStandard(r.Schedule); err != nil {
				errs = append(errs, &model.DefinitionError{Pipeline: p.Name, Err: fmt.Errorf("invalid cron %q: %w", r.Schedule, err)})
			}
		}
	}
	return errors.Join(errs...)
}

// startCron registers one entry per distinct schedule and, when retention is
// configured, the pruning job.
func (a *App) startCron() error {
	if err := a.ValidateSchedules(); err != nil {
		return err
	}
	c := cron.New()
	for _, spec := range a.evaluator.Schedules() {
		if _, err := c.AddFunc(spec, a.scheduleFunc(spec)); err != nil {
			return fmt.Errorf("failed to schedule %q: %w", spec, err)
		}
		a.logger.Info("⏰ Schedule registered.", "cron", spec)
	}
	if a.config.Retention > 0 {
		if _, err := c.AddFunc(pruneSchedule, func() { a.prune(a.ctx) }); err != nil {
			return err
		}
	}
	c.Start()
	a.cron = c
	return nil
}

func (a *App) scheduleFunc(spec string) func() {
	return func() {
		ev := trigger.Event{Kind: model.EventSchedule, Schedule: spec, Actor: "cron"}
		if _, err := a.Trigger(a.ctx, ev); err != nil && !errors.Is(err, ErrNoPipelineAdmitted) {
			a.logger.Error("Scheduled trigger failed.", "cron", spec, "error", err)
		}
	}
}

func (a *App) stopCron() {
	if a.cron == nil {
		return
	}
	<-a.cron.Stop().Done()
	a.cron = nil
}

// prune removes expired artifacts and history older than the retention.
func (a *App) prune(ctx context.Context) {
	now := time.Now()
	if n, err := a.artifacts.Prune(ctx, now); err != nil {
		a.logger.Error("Artifact pruning failed.", "error", err)
	} else if n > 0 {
		a.logger.Info("Expired artifacts removed.", "count", n)
	}
	if a.history == nil {
		return
	}
	if n, err := a.history.Prune(ctx, now.Add(-a.config.Retention)); err != nil {
		a.logger.Error("History pruning failed.", "error", err)
	} else if n > 0 {
		a.logger.Info("Old runs removed from history.", "count", n)
	}
}
