package trigger

import (
	"sort"
	"sync"

	"github.com/vk/pipegrid/internal/model"
)

// Admission is one pipeline admitted by an event.
type Admission struct {
	Pipeline *model.Pipeline
	Context  Context
}

// Evaluator decides which pipelines an event activates.
type Evaluator struct {
	mu        sync.RWMutex
	pipelines []*model.Pipeline
}

// NewEvaluator creates an evaluator over the given pipelines.
func NewEvaluator(pipelines ...*model.Pipeline) *Evaluator {
	return &Evaluator{pipelines: append([]*model.Pipeline(nil), pipelines...)}
}

// Add registers another pipeline.
func (e *Evaluator) Add(p *model.Pipeline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pipelines = append(e.pipelines, p)
}

// Admit returns one admission per matching pipeline, in registration order.
func (e *Evaluator) Admit(ev Event) []Admission {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Admission
	for _, p := range e.pipelines {
		if Match(p, ev) {
			out = append(out, Admission{Pipeline: p, Context: NewContext(p.Name, ev)})
		}
	}
	return out
}

// Schedules returns the distinct cron expressions declared by all pipelines.
func (e *Evaluator) Schedules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, p := range e.pipelines {
		for _, r := range p.Triggers {
			if r.Event == model.EventSchedule && r.Schedule != "" {
				seen[r.Schedule] = struct{}{}
			}
		}
	}
	specs := make([]string, 0, len(seen))
	for s := range seen {
		specs = append(specs, s)
	}
	sort.Strings(specs)
	return specs
}

// Match reports whether any trigger rule of p accepts ev.
func Match(p *model.Pipeline, ev Event) bool {
	for _, r := range p.Triggers {
		if matchRule(r, ev) {
			return true
		}
	}
	return false
}

func matchRule(r *model.TriggerRule, ev Event) bool {
	if r.Event != ev.Kind {
		return false
	}
	if r.Event == model.EventSchedule {
		return r.Schedule == "" || r.Schedule == ev.Schedule
	}
	name := RefName(ev.Ref)
	if len(r.Branches) > 0 && !matchAny(r.Branches, name) {
		return false
	}
	if matchAny(r.BranchesIgnore, name) {
		return false
	}
	return true
}
