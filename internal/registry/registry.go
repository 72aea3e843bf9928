package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/secrets"
	"github.com/zclconf/go-cty/cty"
)

// Module is the interface that all core modules must implement to be registered.
type Module interface {
	Register(r *Registry)
}

// Invocation is everything an action may touch while it runs.
type Invocation struct {
	RunID string
	JobID string
	Step  string

	// Workspace is the job's workspace directory on the host.
	Workspace string
	// Output receives user-visible output; it is already redacted.
	Output io.Writer
	Env    *secrets.EnvMap
	// Redactor must be applied to anything leaving the job (artifacts, uploads).
	Redactor  *secrets.Redactor
	Artifacts artifact.Store
	Logger    *slog.Logger
}

// RegisteredAction holds the compiled Go parts of an action.
type RegisteredAction struct {
	// NewInput returns a pointer to a fresh cty-tagged input struct.
	NewInput func() any
	Fn       func(ctx context.Context, inv *Invocation, input any) error
}

// Action adapts a typed handler into a RegisteredAction.
func Action[T any](fn func(ctx context.Context, inv *Invocation, input *T) error) *RegisteredAction {
	return &RegisteredAction{
		NewInput: func() any { return new(T) },
		Fn: func(ctx context.Context, inv *Invocation, input any) error {
			return fn(ctx, inv, input.(*T))
		},
	}
}

// Registry holds the registered actions of a single application instance.
type Registry struct {
	actions map[string]*RegisteredAction
	logger  *slog.Logger
}

// New creates a registry and registers the given modules.
func New(logger *slog.Logger, modules ...Module) *Registry {
	r := &Registry{actions: make(map[string]*RegisteredAction), logger: logger}
	for _, m := range modules {
		m.Register(r)
	}
	return r
}

// RegisterAction registers a handler. Duplicate names are a programming error.
func (r *Registry) RegisterAction(name string, action *RegisteredAction) {
	if _, exists := r.actions[name]; exists {
		panic(fmt.Sprintf("action with name '%s' already registered", name))
	}
	if r.logger != nil {
		r.logger.Debug("Registering action.", "name", name)
	}
	r.actions[name] = action
}

// Normalize reduces a `uses` reference to a registry name:
// "actions/upload-artifact@v4" -> "upload-artifact".
func Normalize(uses string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(uses), "@")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Lookup finds the action for a `uses` reference.
func (r *Registry) Lookup(uses string) (*RegisteredAction, bool) {
	a, ok := r.actions[Normalize(uses)]
	return a, ok
}

// Names returns the sorted registered names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke decodes inputs and runs the action named by uses.
func (r *Registry) Invoke(ctx context.Context, uses string, inputs map[string]cty.Value, inv *Invocation) error {
	action, ok := r.Lookup(uses)
	if !ok {
		return fmt.Errorf("unknown action %q", uses)
	}
	input := action.NewInput()
	if err := Decode(inputs, input); err != nil {
		return fmt.Errorf("action %q: %w", Normalize(uses), err)
	}
	return action.Fn(ctx, inv, input)
}

// CheckInputs verifies statically that keys are accepted by the action.
func (r *Registry) CheckInputs(uses string, keys []string) error {
	action, ok := r.Lookup(uses)
	if !ok {
		return fmt.Errorf("unknown action %q", uses)
	}
	fields, err := inputFields(action.NewInput())
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if _, ok := fields[k]; !ok {
			return fmt.Errorf("action %q: unsupported input %q", Normalize(uses), k)
		}
		seen[k] = true
	}
	for name, f := range fields {
		if f.required && !seen[name] {
			return fmt.Errorf("action %q: missing required input %q", Normalize(uses), name)
		}
	}
	return nil
}
