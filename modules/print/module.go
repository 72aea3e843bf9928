package print

import (
	"context"
	"fmt"
	"sort"

	"github.com/vk/pipegrid/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for the print action.
type Input struct {
	Values  map[string]string `cty:"values,optional"`
	Message string            `cty:"message,optional"`
}

// Print writes the message and then every value, sorted by key.
func Print(ctx context.Context, inv *registry.Invocation, input *Input) error {
	if input.Message != "" {
		fmt.Fprintln(inv.Output, input.Message)
	}
	if len(input.Values) == 0 {
		if input.Message == "" {
			fmt.Fprintln(inv.Output, "(null)")
		}
		return nil
	}

	// Sort keys for consistent output
	keys := make([]string, 0, len(input.Values))
	for k := range input.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(inv.Output, "%s = %q\n", k, input.Values[k])
	}
	return nil
}

// Register registers the handler with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterAction("print", registry.Action(Print))
}
