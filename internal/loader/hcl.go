package loader

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/pipegrid/internal/model"
)

// fileRoot is the top level of an .hcl definition file.
type fileRoot struct {
	Pipelines []*pipelineBlock `hcl:"pipeline,block"`
	Remain    hcl.Body         `hcl:",remain"`
}

type pipelineBlock struct {
	Name        string            `hcl:"name,label"`
	On          []*onBlock        `hcl:"on,block"`
	Env         map[string]string `hcl:"env,optional"`
	Concurrency *concurrencyBlock `hcl:"concurrency,block"`
	Jobs        []*jobBlock       `hcl:"job,block"`
}

type onBlock struct {
	Event          string   `hcl:"event,label"`
	Branches       []string `hcl:"branches,optional"`
	BranchesIgnore []string `hcl:"branches_ignore,optional"`
	Cron           string   `hcl:"cron,optional"`
}

type concurrencyBlock struct {
	Group            hcl.Expression `hcl:"group"`
	CancelInProgress bool           `hcl:"cancel_in_progress,optional"`
}

type jobBlock struct {
	ID              string            `hcl:"id,label"`
	Name            string            `hcl:"name,optional"`
	Needs           []string          `hcl:"needs,optional"`
	RunsOn          string            `hcl:"runs_on,optional"`
	Condition       hcl.Expression    `hcl:"condition,optional"`
	Permissions     []string          `hcl:"permissions,optional"`
	Secrets         []string          `hcl:"secrets,optional"`
	Env             map[string]string `hcl:"env,optional"`
	TolerateFailure []string          `hcl:"tolerate_failure,optional"`
	ContinueOnError bool              `hcl:"continue_on_error,optional"`
	Timeout         string            `hcl:"timeout,optional"`
	Concurrency     *concurrencyBlock `hcl:"concurrency,block"`
	Steps           []*stepBlock      `hcl:"step,block"`
}

type stepBlock struct {
	Name            string            `hcl:"name,label"`
	Run             hcl.Expression    `hcl:"run,optional"`
	Uses            string            `hcl:"uses,optional"`
	With            hcl.Expression    `hcl:"with,optional"`
	Env             map[string]string `hcl:"env,optional"`
	ContinueOnError bool              `hcl:"continue_on_error,optional"`
	Timeout         string            `hcl:"timeout,optional"`
}

// ParseHCL decodes every pipeline block in src. filename is used for
// diagnostics and recorded as the pipeline Source.
func ParseHCL(src []byte, filename string) ([]*model.Pipeline, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, diags)
	}
	if len(root.Pipelines) == 0 {
		return nil, fmt.Errorf("%s: no pipeline blocks found", filename)
	}

	out := make([]*model.Pipeline, 0, len(root.Pipelines))
	for _, pb := range root.Pipelines {
		p, err := pb.toModel(filename)
		if err != nil {
			return nil, &model.DefinitionError{Pipeline: pb.Name, Err: err}
		}
		out = append(out, p)
	}
	return out, nil
}

func (pb *pipelineBlock) toModel(filename string) (*model.Pipeline, error) {
	p := &model.Pipeline{
		Name:        pb.Name,
		Source:      filename,
		Env:         pb.Env,
		Concurrency: pb.Concurrency.toModel(),
		Jobs:        make(map[string]*model.JobSpec, len(pb.Jobs)),
	}
	for _, on := range pb.On {
		kind, err := model.ParseEventKind(on.Event)
		if err != nil {
			return nil, err
		}
		p.Triggers = append(p.Triggers, &model.TriggerRule{
			Event:          kind,
			Branches:       on.Branches,
			BranchesIgnore: on.BranchesIgnore,
			Schedule:       on.Cron,
		})
	}

	for _, jb := range pb.Jobs {
		if _, dup := p.Jobs[jb.ID]; dup {
			return nil, fmt.Errorf("job %q is declared twice", jb.ID)
		}
		j, err := jb.toModel()
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", jb.ID, err)
		}
		p.Jobs[jb.ID] = j
	}
	return p, nil
}

func (jb *jobBlock) toModel() (*model.JobSpec, error) {
	timeout, err := parseTimeout(jb.Timeout)
	if err != nil {
		return nil, err
	}
	j := &model.JobSpec{
		ID:              jb.ID,
		Name:            jb.Name,
		Needs:           jb.Needs,
		RunsOn:          jb.RunsOn,
		Concurrency:     jb.Concurrency.toModel(),
		Condition:       presentOrNil(jb.Condition),
		Permissions:     jb.Permissions,
		Secrets:         jb.Secrets,
		Env:             jb.Env,
		TolerateFailure: jb.TolerateFailure,
		ContinueOnError: jb.ContinueOnError,
		Timeout:         timeout,
	}
	for _, sb := range jb.Steps {
		s, err := sb.toModel()
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", sb.Name, err)
		}
		j.Steps = append(j.Steps, s)
	}
	return j, nil
}

func (sb *stepBlock) toModel() (*model.StepSpec, error) {
	timeout, err := parseTimeout(sb.Timeout)
	if err != nil {
		return nil, err
	}
	s := &model.StepSpec{
		Name:            sb.Name,
		Run:             presentOrNil(sb.Run),
		Uses:            sb.Uses,
		Env:             sb.Env,
		ContinueOnError: sb.ContinueOnError,
		Timeout:         timeout,
	}
	if with := presentOrNil(sb.With); with != nil {
		pairs, diags := hcl.ExprMap(with)
		if diags.HasErrors() {
			return nil, fmt.Errorf("with must be an object: %w", diags)
		}
		s.With = make(map[string]hcl.Expression, len(pairs))
		for _, pair := range pairs {
			key, diags := pair.Key.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("with keys must be constant: %w", diags)
			}
			if key.IsNull() || !key.Type().Equals(cty.String) {
				return nil, fmt.Errorf("with keys must be strings")
			}
			s.With[key.AsString()] = pair.Value
		}
	}
	return s, nil
}

func (cb *concurrencyBlock) toModel() *model.ConcurrencySpec {
	if cb == nil {
		return nil
	}
	return &model.ConcurrencySpec{Group: cb.Group, CancelInProgress: cb.CancelInProgress}
}

// presentOrNil maps the placeholder gohcl stores for an absent optional
// expression attribute back to nil.
func presentOrNil(e hcl.Expression) hcl.Expression {
	if e == nil {
		return nil
	}
	if len(e.Variables()) > 0 {
		return e
	}
	v, diags := e.Value(nil)
	if !diags.HasErrors() && v.IsNull() {
		return nil
	}
	return e
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout must not be negative")
	}
	return d, nil
}
