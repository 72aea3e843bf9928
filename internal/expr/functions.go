package expr

import (
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// baseFunctions are available to every expression. The camel-cased aliases
// keep conditions imported from workflow YAML working unchanged.
var baseFunctions = map[string]function.Function{
	"upper":      stdlib.UpperFunc,
	"lower":      stdlib.LowerFunc,
	"trimspace":  stdlib.TrimSpaceFunc,
	"replace":    stdlib.ReplaceFunc,
	"join":       stdlib.JoinFunc,
	"split":      stdlib.SplitFunc,
	"format":     stdlib.FormatFunc,
	"length":     stdlib.LengthFunc,
	"coalesce":   stdlib.CoalesceFunc,
	"regex":      stdlib.RegexFunc,
	"contains":   containsFunc,
	"startswith": startsWithFunc,
	"startsWith": startsWithFunc,
	"endswith":   endsWithFunc,
	"endsWith":   endsWithFunc,
}

var containsFunc = function.New(&function.Spec{
	Description: "Reports whether a string contains a substring or a collection contains a value.",
	Params: []function.Parameter{
		{Name: "haystack", Type: cty.DynamicPseudoType},
		{Name: "needle", Type: cty.DynamicPseudoType},
	},
	Type: function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		haystack, needle := args[0], args[1]
		if haystack.Type() == cty.String {
			n, err := convert.Convert(needle, cty.String)
			if err != nil {
				return cty.NilVal, fmt.Errorf("contains: %w", err)
			}
			return cty.BoolVal(strings.Contains(haystack.AsString(), n.AsString())), nil
		}
		if !haystack.CanIterateElements() {
			return cty.NilVal, fmt.Errorf("contains: cannot search %s", haystack.Type().FriendlyName())
		}
		for it := haystack.ElementIterator(); it.Next(); {
			_, v := it.Element()
			if eq := v.Equals(needle); eq.IsKnown() && eq.True() {
				return cty.True, nil
			}
		}
		return cty.False, nil
	},
})

var startsWithFunc = stringPredicate("Reports whether a string begins with a prefix.", strings.HasPrefix)

var endsWithFunc = stringPredicate("Reports whether a string ends with a suffix.", strings.HasSuffix)

func stringPredicate(desc string, fn func(s, affix string) bool) function.Function {
	return function.New(&function.Spec{
		Description: desc,
		Params: []function.Parameter{
			{Name: "str", Type: cty.String},
			{Name: "affix", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			return cty.BoolVal(fn(args[0].AsString(), args[1].AsString())), nil
		},
	})
}

// constBool returns a zero-argument function that always yields v.
func constBool(v bool) function.Function {
	return function.New(&function.Spec{
		Type: function.StaticReturnType(cty.Bool),
		Impl: func([]cty.Value, cty.Type) (cty.Value, error) {
			return cty.BoolVal(v), nil
		},
	})
}
