package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func testVars() map[string]cty.Value {
	trigger := cty.ObjectVal(map[string]cty.Value{
		"event":    cty.StringVal("push"),
		"ref":      cty.StringVal("refs/heads/main"),
		"ref_name": cty.StringVal("main"),
		"actor":    cty.StringVal("octocat"),
	})
	return map[string]cty.Value{
		"trigger": trigger,
		"github":  trigger,
	}
}

func TestEvalBool(t *testing.T) {
	tests := []struct {
		name string
		src  string
		st   Status
		want bool
	}{
		{"plain comparison", `trigger.ref_name == "main"`, Status{}, true},
		{"negation", `trigger.event != "push"`, Status{}, false},
		{"success true", `success()`, Status{Success: true}, true},
		{"success false on cancel", `success()`, Status{Success: true, Cancelled: true}, false},
		{"failure", `failure() && trigger.actor == "octocat"`, Status{Failure: true}, true},
		{"always", `always()`, Status{Cancelled: true}, true},
		{"startsWith alias", `startsWith(github.ref, "refs/heads/")`, Status{}, true},
		{"contains string", `contains(trigger.ref, "main")`, Status{}, true},
		{"contains list", `contains(["a", "b"], "c")`, Status{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, err := ParseExpression(tc.src, "test")
			require.NoError(t, err)
			got, err := EvalBool(e, NewEvalContext(testVars(), tc.st))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalBoolErrors(t *testing.T) {
	e, err := ParseExpression(`trigger.branch == "main"`, "test")
	require.NoError(t, err)
	_, err = EvalBool(e, NewEvalContext(testVars(), Status{}))
	assert.Error(t, err)

	e, err = ParseExpression(`trigger.ref_name`, "test")
	require.NoError(t, err)
	_, err = EvalBool(e, NewEvalContext(testVars(), Status{}))
	assert.ErrorContains(t, err, "condition must be a bool")
}

func TestEvalStringTemplate(t *testing.T) {
	e, err := ParseTemplate("release-plz-${trigger.ref}", "test")
	require.NoError(t, err)
	got, err := EvalString(e, NewEvalContext(testVars(), Status{}))
	require.NoError(t, err)
	assert.Equal(t, "release-plz-refs/heads/main", got)
}

func TestUsesStatusFunction(t *testing.T) {
	for src, want := range map[string]bool{
		`trigger.ref_name == "main"`: false,
		`always()`:                   true,
		`upper(trigger.actor) == "X" || failure()`: true,
		`(cancelled())`:     true,
		`lower("A") == "a"`: false,
	} {
		e, err := ParseExpression(src, "test")
		require.NoError(t, err, src)
		assert.Equal(t, want, UsesStatusFunction(e), src)
	}
	assert.False(t, UsesStatusFunction(Literal("x")))
}

func TestCheck(t *testing.T) {
	e, err := ParseExpression(`trigger.ref == "main" && success()`, "test")
	require.NoError(t, err)
	assert.NoError(t, Check(e, "trigger"))

	e, err = ParseExpression(`vars.x == "main"`, "test")
	require.NoError(t, err)
	assert.ErrorContains(t, Check(e, "trigger"), `unknown variable "vars"`)

	e, err = ParseExpression(`nope()`, "test")
	require.NoError(t, err)
	assert.ErrorContains(t, Check(e, "trigger"), `unknown function "nope"`)
}

func TestFromWorkflowTemplate(t *testing.T) {
	got := FromWorkflowTemplate(`echo "${HOME}" ${{ github.ref }} %{x}`)
	assert.Equal(t, `echo "$${HOME}" ${github.ref} %%{x}`, got)

	e, err := ParseTemplate(got, "test")
	require.NoError(t, err)
	s, err := EvalString(e, NewEvalContext(testVars(), Status{}))
	require.NoError(t, err)
	assert.Equal(t, `echo "${HOME}" refs/heads/main %{x}`, s)
}

func TestFromWorkflowExpression(t *testing.T) {
	assert.Equal(t, `github.ref == "refs/heads/main"`,
		FromWorkflowExpression(`${{ github.ref == 'refs/heads/main' }}`))
	assert.Equal(t, `"it's \"quoted\""`, FromWorkflowExpression(`'it''s "quoted"'`))

	e, err := ParseExpression(FromWorkflowExpression(`always() && github.actor == 'octocat'`), "test")
	require.NoError(t, err)
	ok, err := EvalBool(e, NewEvalContext(testVars(), Status{}))
	require.NoError(t, err)
	assert.True(t, ok)
}
