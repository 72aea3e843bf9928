package loader

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"

	"github.com/vk/pipegrid/internal/expr"
	"github.com/vk/pipegrid/internal/model"
)

// workflowFile is a workflow document in the GitHub Actions shape.
type workflowFile struct {
	Name        string                  `yaml:"name"`
	On          workflowTriggers        `yaml:"on"`
	Env         map[string]string       `yaml:"env"`
	Concurrency *workflowConcurrency    `yaml:"concurrency"`
	Jobs        map[string]*workflowJob `yaml:"jobs"`
}

type workflowJob struct {
	Name            string               `yaml:"name"`
	RunsOn          string               `yaml:"runs-on"`
	Needs           stringList           `yaml:"needs"`
	If              string               `yaml:"if"`
	Permissions     workflowPermissions  `yaml:"permissions"`
	Secrets         stringList           `yaml:"secrets"`
	Env             map[string]string    `yaml:"env"`
	ContinueOnError bool                 `yaml:"continue-on-error"`
	TimeoutMinutes  float64              `yaml:"timeout-minutes"`
	TolerateFailure stringList           `yaml:"tolerate-failure"`
	Concurrency     *workflowConcurrency `yaml:"concurrency"`
	Steps           []*workflowStep      `yaml:"steps"`
}

type workflowStep struct {
	Name            string            `yaml:"name"`
	Run             *string           `yaml:"run"`
	Uses            string            `yaml:"uses"`
	With            map[string]any    `yaml:"with"`
	Env             map[string]string `yaml:"env"`
	ContinueOnError bool              `yaml:"continue-on-error"`
	TimeoutMinutes  float64           `yaml:"timeout-minutes"`
}

// stringList accepts a scalar or a sequence of scalars.
type stringList []string

func (l *stringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Value != "" {
			*l = []string{n.Value}
		}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := n.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", n.Line)
}

// workflowConcurrency accepts `concurrency: <group>` and the mapping form.
type workflowConcurrency struct {
	Group            string `yaml:"group"`
	CancelInProgress bool   `yaml:"cancel-in-progress"`
}

func (c *workflowConcurrency) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		c.Group = n.Value
		return nil
	}
	type plain workflowConcurrency
	return n.Decode((*plain)(c))
}

// workflowPermissions accepts `write-all`, `read-all`, a scope mapping
// (`contents: write`) or a list of "scope:level" strings.
type workflowPermissions []string

func (p *workflowPermissions) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*p = []string{n.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := n.Decode(&items); err != nil {
			return err
		}
		*p = items
		return nil
	case yaml.MappingNode:
		var m map[string]string
		if err := n.Decode(&m); err != nil {
			return err
		}
		out := make([]string, 0, len(m))
		for scope, level := range m {
			if level == "none" {
				continue
			}
			out = append(out, scope+":"+level)
		}
		sort.Strings(out)
		*p = out
		return nil
	}
	return fmt.Errorf("line %d: unsupported permissions value", n.Line)
}

type workflowTrigger struct {
	Event          model.EventKind
	Branches       []string `yaml:"branches"`
	BranchesIgnore []string `yaml:"branches-ignore"`
	Cron           string
}

// workflowTriggers accepts `on: push`, `on: [push, pull_request]` and the
// mapping form, where `schedule` holds a list of `{cron: ...}` entries.
type workflowTriggers []workflowTrigger

func (t *workflowTriggers) UnmarshalYAML(n *yaml.Node) error {
	event := func(s string) (model.EventKind, error) {
		kind, err := model.ParseEventKind(s)
		if err != nil {
			return "", fmt.Errorf("line %d: %w", n.Line, err)
		}
		return kind, nil
	}

	switch n.Kind {
	case yaml.ScalarNode, yaml.SequenceNode:
		var names stringList
		if err := n.Decode(&names); err != nil {
			return err
		}
		for _, name := range names {
			kind, err := event(name)
			if err != nil {
				return err
			}
			*t = append(*t, workflowTrigger{Event: kind})
		}
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			kind, err := event(key.Value)
			if err != nil {
				return err
			}
			if kind == model.EventSchedule {
				var entries []struct {
					Cron string `yaml:"cron"`
				}
				if err := val.Decode(&entries); err != nil {
					return err
				}
				for _, e := range entries {
					*t = append(*t, workflowTrigger{Event: kind, Cron: e.Cron})
				}
				continue
			}
			rule := workflowTrigger{Event: kind}
			if val.Kind == yaml.MappingNode {
				if err := val.Decode(&rule); err != nil {
					return err
				}
				rule.Event = kind
			}
			*t = append(*t, rule)
		}
		return nil
	}
	return fmt.Errorf("line %d: unsupported on value", n.Line)
}

// ParseYAML decodes a single workflow document. A missing name falls back to
// the file name without extension.
func ParseYAML(src []byte, filename string) (*model.Pipeline, error) {
	var wf workflowFile
	if err := yaml.Unmarshal(src, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	name := wf.Name
	if name == "" {
		name = baseName(filename)
	}
	if len(wf.Jobs) == 0 {
		return nil, &model.DefinitionError{Pipeline: name, Err: fmt.Errorf("%s: no jobs declared", filename)}
	}

	p := &model.Pipeline{
		Name:   name,
		Source: filename,
		Env:    wf.Env,
		Jobs:   make(map[string]*model.JobSpec, len(wf.Jobs)),
	}
	for _, tr := range wf.On {
		p.Triggers = append(p.Triggers, &model.TriggerRule{
			Event:          tr.Event,
			Branches:       tr.Branches,
			BranchesIgnore: tr.BranchesIgnore,
			Schedule:       tr.Cron,
		})
	}

	var err error
	if p.Concurrency, err = wf.Concurrency.toModel(filename); err != nil {
		return nil, &model.DefinitionError{Pipeline: name, Err: err}
	}
	for id, wj := range wf.Jobs {
		if wj == nil {
			return nil, &model.DefinitionError{Pipeline: name, Job: id, Err: fmt.Errorf("empty job")}
		}
		j, err := wj.toModel(id, filename)
		if err != nil {
			return nil, &model.DefinitionError{Pipeline: name, Job: id, Err: err}
		}
		p.Jobs[id] = j
	}
	return p, nil
}

func (wj *workflowJob) toModel(id, filename string) (*model.JobSpec, error) {
	j := &model.JobSpec{
		ID:              id,
		Name:            wj.Name,
		Needs:           wj.Needs,
		RunsOn:          runsOn(wj.RunsOn),
		Permissions:     wj.Permissions,
		Secrets:         wj.Secrets,
		Env:             wj.Env,
		TolerateFailure: wj.TolerateFailure,
		ContinueOnError: wj.ContinueOnError,
		Timeout:         minutes(wj.TimeoutMinutes),
	}
	var err error
	if wj.If != "" {
		if j.Condition, err = expr.ParseExpression(expr.FromWorkflowExpression(wj.If), filename); err != nil {
			return nil, err
		}
	}
	if j.Concurrency, err = wj.Concurrency.toModel(filename); err != nil {
		return nil, err
	}
	for i, ws := range wj.Steps {
		s, err := ws.toModel(filename)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		j.Steps = append(j.Steps, s)
	}
	return j, nil
}

func (ws *workflowStep) toModel(filename string) (*model.StepSpec, error) {
	s := &model.StepSpec{
		Name:            ws.Name,
		Uses:            ws.Uses,
		Env:             ws.Env,
		ContinueOnError: ws.ContinueOnError,
		Timeout:         minutes(ws.TimeoutMinutes),
	}
	if ws.Run != nil {
		run, err := expr.ParseTemplate(expr.FromWorkflowTemplate(*ws.Run), filename)
		if err != nil {
			return nil, err
		}
		s.Run = run
	}
	if len(ws.With) > 0 {
		s.With = make(map[string]hcl.Expression, len(ws.With))
		for k, v := range ws.With {
			e, err := withExpression(v, filename)
			if err != nil {
				return nil, fmt.Errorf("with.%s: %w", k, err)
			}
			s.With[k] = e
		}
	}
	return s, nil
}

func (wc *workflowConcurrency) toModel(filename string) (*model.ConcurrencySpec, error) {
	if wc == nil || wc.Group == "" {
		return nil, nil
	}
	group, err := expr.ParseTemplate(expr.FromWorkflowTemplate(wc.Group), filename)
	if err != nil {
		return nil, err
	}
	return &model.ConcurrencySpec{Group: group, CancelInProgress: wc.CancelInProgress}, nil
}

// withExpression turns a decoded YAML input into an expression. Strings are
// templates; every other value is a constant.
func withExpression(v any, filename string) (hcl.Expression, error) {
	if s, ok := v.(string); ok {
		return expr.ParseTemplate(expr.FromWorkflowTemplate(s), filename)
	}
	val, err := toCty(v)
	if err != nil {
		return nil, err
	}
	return hcl.StaticExpr(val, hcl.Range{Filename: filename}), nil
}

func toCty(v any) (cty.Value, error) {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(t), nil
	case bool:
		return cty.BoolVal(t), nil
	case int:
		return cty.NumberIntVal(int64(t)), nil
	case int64:
		return cty.NumberIntVal(t), nil
	case uint64:
		return cty.NumberUIntVal(t), nil
	case float64:
		return cty.NumberFloatVal(t), nil
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		vals := make([]cty.Value, len(t))
		for i, item := range t {
			cv, err := toCty(item)
			if err != nil {
				return cty.NilVal, err
			}
			vals[i] = cv
		}
		return cty.TupleVal(vals), nil
	case map[string]any:
		if len(t) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(t))
		for k, item := range t {
			cv, err := toCty(item)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[k] = cv
		}
		return cty.ObjectVal(attrs), nil
	}
	return cty.NilVal, fmt.Errorf("unsupported value of type %T", v)
}

// runsOn maps hosted runner labels onto the local environment.
func runsOn(s string) string {
	if strings.HasSuffix(s, "-latest") {
		return "local"
	}
	return s
}

func minutes(m float64) time.Duration {
	if m <= 0 {
		return 0
	}
	return time.Duration(math.Round(m * float64(time.Minute)))
}

func baseName(path string) string {
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}
