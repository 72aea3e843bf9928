package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/pipegrid/internal/dag"
	"github.com/vk/pipegrid/internal/expr"
	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/internal/runner"
	"github.com/zclconf/go-cty/cty"
)

// Variables visible to each kind of expression.
var (
	groupRoots     = []string{"trigger", "github", "env"}
	conditionRoots = []string{"trigger", "github", "env", "needs"}
	stepRoots      = []string{"trigger", "github", "env", "secrets"}
)

// Validate checks a pipeline without running anything. Every problem is
// returned as a *model.DefinitionError. actions may be nil, in which case any
// `uses` step is rejected.
func Validate(p *model.Pipeline, actions *registry.Registry) error {
	def := func(job string, err error) error {
		return &model.DefinitionError{Pipeline: p.Name, Job: job, Err: err}
	}

	if len(p.Jobs) == 0 {
		return def("", errors.New("pipeline has no jobs"))
	}
	g, err := dag.FromPipeline(p)
	if err != nil {
		return def("", err)
	}
	if err := g.DetectCycles(); err != nil {
		return def("", err)
	}
	if p.Concurrency != nil {
		if err := checkGroup(p.Concurrency); err != nil {
			return def("", err)
		}
	}

	for _, id := range p.JobIDs() {
		if err := validateJob(p.Jobs[id], actions); err != nil {
			return def(id, err)
		}
	}
	return nil
}

func validateJob(j *model.JobSpec, actions *registry.Registry) error {
	for _, t := range j.TolerateFailure {
		if !contains(j.Needs, t) {
			return fmt.Errorf("tolerate_failure names %q which is not in needs", t)
		}
	}
	if err := runner.ValidateRunsOn(j.RunsOn); err != nil {
		return err
	}
	if err := expr.Check(j.Condition, conditionRoots...); err != nil {
		return fmt.Errorf("condition: %w", err)
	}
	if j.Concurrency != nil {
		if err := checkGroup(j.Concurrency); err != nil {
			return err
		}
	}
	if len(j.Steps) == 0 {
		return errors.New("job has no steps")
	}

	for i, st := range j.Steps {
		label := st.Label(i)
		if (st.Run != nil) == (st.Uses != "") {
			return fmt.Errorf("step %q must set exactly one of run and uses", label)
		}
		if st.Run != nil {
			if err := expr.Check(st.Run, stepRoots...); err != nil {
				return fmt.Errorf("step %q: %w", label, err)
			}
			if len(st.With) > 0 {
				return fmt.Errorf("step %q: with requires uses", label)
			}
			continue
		}

		if actions == nil {
			return fmt.Errorf("step %q: unknown action %q", label, st.Uses)
		}
		keys := make([]string, 0, len(st.With))
		for k := range st.With {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if err := actions.CheckInputs(st.Uses, keys); err != nil {
			return fmt.Errorf("step %q: %w", label, err)
		}
		for _, k := range keys {
			if err := expr.Check(st.With[k], stepRoots...); err != nil {
				return fmt.Errorf("step %q with.%s: %w", label, k, err)
			}
		}
	}
	return nil
}

func checkGroup(c *model.ConcurrencySpec) error {
	if c.Group == nil {
		return errors.New("concurrency group is empty")
	}
	if err := expr.Check(c.Group, groupRoots...); err != nil {
		return fmt.Errorf("concurrency group: %w", err)
	}
	return nil
}

// groupKey evaluates a group template against the trigger and env variables.
func groupKey(c *model.ConcurrencySpec, trigger map[string]cty.Value, env ...map[string]string) (string, error) {
	vars := make(map[string]cty.Value, len(trigger)+1)
	for k, v := range trigger {
		vars[k] = v
	}
	vars["env"] = expr.StringMap(mergeEnv(env...))

	key, err := expr.EvalString(c.Group, expr.NewEvalContext(vars, expr.Status{Success: true}))
	if err != nil {
		return "", fmt.Errorf("concurrency group: %w", err)
	}
	if key == "" {
		return "", fmt.Errorf("concurrency group %s evaluates to an empty key", rangeOf(c.Group))
	}
	return key, nil
}

func mergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

func rangeOf(e hcl.Expression) string {
	rng := e.Range()
	if rng.Filename == "" {
		return "expression"
	}
	return rng.String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
