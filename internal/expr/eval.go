package expr

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
)

// Status is the upstream outcome a condition is evaluated against.
type Status struct {
	// Success holds when every need succeeded (tolerated failures count).
	Success bool
	// Failure holds when any need failed or was cancelled.
	Failure bool
	// Cancelled holds when the Run is being cancelled.
	Cancelled bool
}

// NewEvalContext binds vars and the status functions for st into an
// hcl.EvalContext. vars is not copied and must not be mutated afterwards.
func NewEvalContext(vars map[string]cty.Value, st Status) *hcl.EvalContext {
	funcs := make(map[string]function.Function, len(baseFunctions)+len(statusFunctions))
	for name, fn := range baseFunctions {
		funcs[name] = fn
	}
	funcs["success"] = constBool(st.Success && !st.Cancelled)
	funcs["failure"] = constBool(st.Failure)
	funcs["always"] = constBool(true)
	funcs["cancelled"] = constBool(st.Cancelled)

	return &hcl.EvalContext{
		Variables: vars,
		Functions: funcs,
	}
}

// ParseExpression parses a native-syntax expression such as a condition.
func ParseExpression(src, filename string) (hcl.Expression, error) {
	e, diags := hclsyntax.ParseExpression([]byte(src), filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse expression %q: %w", src, diags)
	}
	return e, nil
}

// ParseTemplate parses a string template such as "release-${trigger.ref}".
func ParseTemplate(src, filename string) (hcl.Expression, error) {
	e, diags := hclsyntax.ParseTemplate([]byte(src), filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse template %q: %w", src, diags)
	}
	return e, nil
}

// Literal wraps a constant string as an expression.
func Literal(s string) hcl.Expression {
	return hcl.StaticExpr(cty.StringVal(s), hcl.Range{})
}

// EvalValue evaluates e and rejects unknown results.
func EvalValue(e hcl.Expression, ctx *hcl.EvalContext) (cty.Value, error) {
	v, diags := e.Value(ctx)
	if diags.HasErrors() {
		return cty.NilVal, diags
	}
	if !v.IsWhollyKnown() {
		return cty.NilVal, fmt.Errorf("%s: expression value is not known", e.Range())
	}
	return v, nil
}

// EvalBool evaluates a condition. Null is false.
func EvalBool(e hcl.Expression, ctx *hcl.EvalContext) (bool, error) {
	v, err := EvalValue(e, ctx)
	if err != nil {
		return false, err
	}
	if v.IsNull() {
		return false, nil
	}
	b, err := convert.Convert(v, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("%s: condition must be a bool: %w", e.Range(), err)
	}
	return b.True(), nil
}

// EvalString evaluates a template or expression into a string. Null is "".
func EvalString(e hcl.Expression, ctx *hcl.EvalContext) (string, error) {
	v, err := EvalValue(e, ctx)
	if err != nil {
		return "", err
	}
	if v.IsNull() {
		return "", nil
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("%s: value must be a string: %w", e.Range(), err)
	}
	return s.AsString(), nil
}

// StringMap converts a Go map into a cty map, using an empty map for nil.
func StringMap(m map[string]string) cty.Value {
	if len(m) == 0 {
		return cty.MapValEmpty(cty.String)
	}
	vals := make(map[string]cty.Value, len(m))
	for k, v := range m {
		vals[k] = cty.StringVal(v)
	}
	return cty.MapVal(vals)
}
