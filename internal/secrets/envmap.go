package secrets

import (
	"sort"

	"github.com/vk/pipegrid/internal/expr"
	"github.com/zclconf/go-cty/cty"
)

// EnvMap is the resolved environment of one job. It is owned by that job.
type EnvMap struct {
	vars    map[string]string
	secrets map[string]string
}

// Get returns a variable.
func (m *EnvMap) Get(key string) (string, bool) {
	v, ok := m.vars[key]
	return v, ok
}

// Len returns the number of variables.
func (m *EnvMap) Len() int { return len(m.vars) }

// With returns a copy overlaid with extra (step-level env).
func (m *EnvMap) With(extra map[string]string) *EnvMap {
	vars := make(map[string]string, len(m.vars)+len(extra))
	for k, v := range m.vars {
		vars[k] = v
	}
	for k, v := range extra {
		vars[k] = v
	}
	return &EnvMap{vars: vars, secrets: m.secrets}
}

// Environ returns sorted KEY=VALUE pairs for process execution.
func (m *EnvMap) Environ() []string {
	keys := make([]string, 0, len(m.vars))
	for k := range m.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m.vars[k])
	}
	return out
}

// Variables exposes the job environment and its secrets to expressions as
// `env` and `secrets`.
func (m *EnvMap) Variables() map[string]cty.Value {
	return map[string]cty.Value{
		"env":     expr.StringMap(m.vars),
		"secrets": expr.StringMap(m.secrets),
	}
}

// Redactor masks every resolved secret value.
func (m *EnvMap) Redactor() *Redactor {
	values := make([]string, 0, len(m.secrets))
	for _, v := range m.secrets {
		values = append(values, v)
	}
	return NewRedactor(values...)
}
