package expr

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// statusFunctions are the names bound per evaluation from the upstream status.
var statusFunctions = map[string]struct{}{
	"success":   {},
	"failure":   {},
	"always":    {},
	"cancelled": {},
}

// UsesStatusFunction reports whether the expression calls any status
// function. Expressions that are not native syntax never do.
func UsesStatusFunction(e hcl.Expression) bool {
	for _, name := range Functions(e) {
		if _, ok := statusFunctions[name]; ok {
			return true
		}
	}
	return false
}

// Functions returns the sorted, unique names of all functions called by e.
func Functions(e hcl.Expression) []string {
	syntaxExpr, ok := e.(hclsyntax.Expression)
	if !ok || syntaxExpr == nil {
		return nil
	}
	found := make(map[string]struct{})
	walkForFunctions(syntaxExpr, found)

	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check verifies statically that e only references the given root variables
// and known functions.
func Check(e hcl.Expression, roots ...string) error {
	if e == nil {
		return nil
	}
	allowed := make(map[string]struct{}, len(roots))
	for _, r := range roots {
		allowed[r] = struct{}{}
	}
	for _, traversal := range e.Variables() {
		root := traversal.RootName()
		if _, ok := allowed[root]; !ok {
			return fmt.Errorf("%s: unknown variable %q", traversal.SourceRange(), root)
		}
	}
	for _, name := range Functions(e) {
		if _, ok := baseFunctions[name]; ok {
			continue
		}
		if _, ok := statusFunctions[name]; ok {
			continue
		}
		return fmt.Errorf("%s: unknown function %q", e.Range(), name)
	}
	return nil
}

// walkForFunctions recursively walks the AST, looking only for function calls.
func walkForFunctions(expr hclsyntax.Expression, functions map[string]struct{}) {
	if expr == nil {
		return
	}
	switch e := expr.(type) {
	case *hclsyntax.FunctionCallExpr:
		functions[e.Name] = struct{}{}
		for _, arg := range e.Args {
			walkForFunctions(arg, functions)
		}
	case *hclsyntax.BinaryOpExpr:
		walkForFunctions(e.LHS, functions)
		walkForFunctions(e.RHS, functions)
	case *hclsyntax.ConditionalExpr:
		walkForFunctions(e.Condition, functions)
		walkForFunctions(e.TrueResult, functions)
		walkForFunctions(e.FalseResult, functions)
	case *hclsyntax.UnaryOpExpr:
		walkForFunctions(e.Val, functions)
	case *hclsyntax.TemplateExpr:
		for _, part := range e.Parts {
			walkForFunctions(part, functions)
		}
	case *hclsyntax.TemplateWrapExpr:
		walkForFunctions(e.Wrapped, functions)
	case *hclsyntax.TupleConsExpr:
		for _, item := range e.Exprs {
			walkForFunctions(item, functions)
		}
	case *hclsyntax.ObjectConsExpr:
		for _, item := range e.Items {
			walkForFunctions(item.KeyExpr, functions)
			walkForFunctions(item.ValueExpr, functions)
		}
	case *hclsyntax.ObjectConsKeyExpr:
		walkForFunctions(e.Wrapped, functions)
	case *hclsyntax.ForExpr:
		walkForFunctions(e.CollExpr, functions)
		walkForFunctions(e.KeyExpr, functions)
		walkForFunctions(e.ValExpr, functions)
		walkForFunctions(e.CondExpr, functions)
	case *hclsyntax.IndexExpr:
		walkForFunctions(e.Collection, functions)
		walkForFunctions(e.Key, functions)
	case *hclsyntax.SplatExpr:
		walkForFunctions(e.Source, functions)
		walkForFunctions(e.Each, functions)
	case *hclsyntax.ParenthesesExpr:
		walkForFunctions(e.Expression, functions)
	case *hclsyntax.RelativeTraversalExpr:
		walkForFunctions(e.Source, functions)
	}
}
