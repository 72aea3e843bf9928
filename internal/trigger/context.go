package trigger

import (
	"github.com/vk/pipegrid/internal/expr"
	"github.com/vk/pipegrid/internal/model"
	"github.com/zclconf/go-cty/cty"
)

// Context is the immutable trigger metadata bound into a Run. It is passed
// explicitly into every condition and template evaluation.
type Context struct {
	pipeline string
	event    Event
	ref      string
}

// NewContext binds ev to the pipeline named pipeline.
func NewContext(pipeline string, ev Event) Context {
	inputs := make(map[string]string, len(ev.Inputs))
	for k, v := range ev.Inputs {
		inputs[k] = v
	}
	ev.Inputs = inputs
	return Context{pipeline: pipeline, event: ev, ref: NormalizeRef(ev.Ref)}
}

func (c Context) Pipeline() string        { return c.pipeline }
func (c Context) Event() model.EventKind  { return c.event.Kind }
func (c Context) Ref() string             { return c.ref }
func (c Context) RefName() string         { return RefName(c.ref) }
func (c Context) Actor() string           { return c.event.Actor }
func (c Context) SHA() string             { return c.event.SHA }
func (c Context) Schedule() string        { return c.event.Schedule }
func (c Context) Input(key string) string { return c.event.Inputs[key] }
func (c Context) Repository() string      { return c.event.Repository }

// Variables returns a fresh variable set for expression evaluation. The same
// object is exposed as `trigger` and, for workflow compatibility, `github`.
func (c Context) Variables() map[string]cty.Value {
	obj := cty.ObjectVal(map[string]cty.Value{
		"event":      cty.StringVal(string(c.event.Kind)),
		"event_name": cty.StringVal(string(c.event.Kind)),
		"ref":        cty.StringVal(c.ref),
		"ref_name":   cty.StringVal(c.RefName()),
		"actor":      cty.StringVal(c.event.Actor),
		"sha":        cty.StringVal(c.event.SHA),
		"repository": cty.StringVal(c.event.Repository),
		"schedule":   cty.StringVal(c.event.Schedule),
		"pipeline":   cty.StringVal(c.pipeline),
		"workflow":   cty.StringVal(c.pipeline),
		"inputs":     expr.StringMap(c.event.Inputs),
	})
	return map[string]cty.Value{
		"trigger": obj,
		"github":  obj,
	}
}
