package testutil

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/vk/pipegrid/internal/expr"
	"github.com/vk/pipegrid/internal/model"
)

// Pipeline builds a pipeline from jobs, filling in their IDs.
func Pipeline(name string, jobs ...*model.JobSpec) *model.Pipeline {
	p := &model.Pipeline{Name: name, Jobs: make(map[string]*model.JobSpec, len(jobs))}
	for _, j := range jobs {
		p.Jobs[j.ID] = j
	}
	return p
}

// Job builds a local job running one step per script.
func Job(id string, needs []string, scripts ...string) *model.JobSpec {
	j := &model.JobSpec{ID: id, Needs: needs, RunsOn: "local"}
	for _, s := range scripts {
		j.Steps = append(j.Steps, Step(s))
	}
	return j
}

// Step builds a `run` step with a literal script.
func Step(script string) *model.StepSpec {
	return &model.StepSpec{Run: expr.Literal(script)}
}

// Group builds a concurrency spec from a key template.
func Group(template string, cancelInProgress bool) *model.ConcurrencySpec {
	e, err := expr.ParseTemplate(template, "group")
	if err != nil {
		panic(err)
	}
	return &model.ConcurrencySpec{Group: e, CancelInProgress: cancelInProgress}
}

// Condition parses a native `if` expression.
func Condition(src string) hcl.Expression {
	e, err := expr.ParseExpression(src, "condition")
	if err != nil {
		panic(err)
	}
	return e
}
