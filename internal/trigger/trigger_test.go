package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/expr"
	"github.com/vk/pipegrid/internal/model"
)

func pipeline(name string, rules ...*model.TriggerRule) *model.Pipeline {
	return &model.Pipeline{Name: name, Triggers: rules, Jobs: map[string]*model.JobSpec{}}
}

func TestRefNormalization(t *testing.T) {
	assert.Equal(t, "refs/heads/main", NormalizeRef("main"))
	assert.Equal(t, "refs/heads/main", NormalizeRef("refs/heads/main"))
	assert.Equal(t, "main", RefName("refs/heads/main"))
	assert.Equal(t, "main", RefName("main"))
	assert.Equal(t, "v1.0.0", RefName("refs/tags/v1.0.0"))
	assert.Equal(t, "feature/x", RefName("feature/x"))
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"main", "main", true},
		{"main", "main2", false},
		{"release/*", "release/1.0", true},
		{"release/*", "release/1.0/hotfix", false},
		{"release/**", "release/1.0/hotfix", true},
		{"feature-?", "feature-a", true},
		{"v1.*", "v1x2", false},
		{"**", "any/thing", true},
		{"release/{a,b}", "release/b", true},
		{"[", "[", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, matchGlob(tc.pattern, tc.name), "%s vs %s", tc.pattern, tc.name)
	}
}

func TestValidateFilters(t *testing.T) {
	ok := &model.TriggerRule{Event: model.EventPush, Branches: []string{"main", "release/**"}, BranchesIgnore: []string{"docs/*"}}
	assert.NoError(t, ValidateFilters(ok))

	bad := &model.TriggerRule{Event: model.EventPush, BranchesIgnore: []string{"feature/[a-"}}
	err := ValidateFilters(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid branch filter "feature/[a-"`)
}

func TestMatch(t *testing.T) {
	release := pipeline("release", &model.TriggerRule{Event: model.EventPush, Branches: []string{"main"}})
	ci := pipeline("ci",
		&model.TriggerRule{Event: model.EventPush, BranchesIgnore: []string{"docs/**"}},
		&model.TriggerRule{Event: model.EventPullRequest},
	)

	assert.True(t, Match(release, Event{Kind: model.EventPush, Ref: "refs/heads/main"}))
	assert.True(t, Match(release, Event{Kind: model.EventPush, Ref: "main"}))
	assert.False(t, Match(release, Event{Kind: model.EventPush, Ref: "dev"}))
	assert.False(t, Match(release, Event{Kind: model.EventPullRequest, Ref: "main"}))

	assert.True(t, Match(ci, Event{Kind: model.EventPush, Ref: "feature/x"}))
	assert.False(t, Match(ci, Event{Kind: model.EventPush, Ref: "docs/readme/update"}))
	assert.True(t, Match(ci, Event{Kind: model.EventPullRequest, Ref: "docs/readme"}))
}

func TestAdmit(t *testing.T) {
	release := pipeline("release", &model.TriggerRule{Event: model.EventPush, Branches: []string{"main"}})
	ci := pipeline("ci", &model.TriggerRule{Event: model.EventPush})
	nightly := pipeline("nightly", &model.TriggerRule{Event: model.EventSchedule, Schedule: "0 3 * * *"})
	ev := NewEvaluator(release, ci)
	ev.Add(nightly)

	admitted := ev.Admit(Event{Kind: model.EventPush, Ref: "main", Actor: "octocat"})
	require.Len(t, admitted, 2)
	assert.Equal(t, "release", admitted[0].Pipeline.Name)
	assert.Equal(t, "ci", admitted[1].Pipeline.Name)
	assert.Equal(t, "ci", admitted[1].Context.Pipeline())
	assert.Equal(t, "refs/heads/main", admitted[0].Context.Ref())

	assert.Len(t, ev.Admit(Event{Kind: model.EventPush, Ref: "dev"}), 1)
	assert.Empty(t, ev.Admit(Event{Kind: model.EventPullRequest, Ref: "main"}))

	sched := ev.Admit(Event{Kind: model.EventSchedule, Schedule: "0 3 * * *", Ref: "main"})
	require.Len(t, sched, 1)
	assert.Equal(t, "nightly", sched[0].Pipeline.Name)
	assert.Empty(t, ev.Admit(Event{Kind: model.EventSchedule, Schedule: "@hourly"}))

	assert.Equal(t, []string{"0 3 * * *"}, ev.Schedules())
}

func TestContextIsImmutable(t *testing.T) {
	inputs := map[string]string{"level": "debug"}
	c := NewContext("ci", Event{Kind: model.EventManual, Ref: "main", Inputs: inputs})
	inputs["level"] = "info"
	assert.Equal(t, "debug", c.Input("level"))

	vars := c.Variables()
	vars["trigger"] = vars["github"]
	delete(vars, "github")
	assert.Contains(t, c.Variables(), "github")
}

func TestContextVariablesInConditions(t *testing.T) {
	c := NewContext("release-plz", Event{Kind: model.EventPush, Ref: "main", Actor: "bot"})

	e, err := expr.ParseExpression(`github.ref == "refs/heads/main" && trigger.ref_name == "main" && trigger.event == "push"`, "test")
	require.NoError(t, err)
	ok, err := expr.EvalBool(e, expr.NewEvalContext(c.Variables(), expr.Status{}))
	require.NoError(t, err)
	assert.True(t, ok)

	tmpl, err := expr.ParseTemplate("release-plz-${github.ref}", "test")
	require.NoError(t, err)
	key, err := expr.EvalString(tmpl, expr.NewEvalContext(c.Variables(), expr.Status{}))
	require.NoError(t, err)
	assert.Equal(t, "release-plz-refs/heads/main", key)
}

func TestEventValidate(t *testing.T) {
	assert.NoError(t, Event{Kind: model.EventPush, Ref: "main"}.Validate())
	assert.Error(t, Event{Kind: "tag"}.Validate())
	assert.Error(t, Event{Kind: model.EventSchedule}.Validate())
}
