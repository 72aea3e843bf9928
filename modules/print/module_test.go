package print

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/zclconf/go-cty/cty"
)

func TestPrint(t *testing.T) {
	r := registry.New(nil, &Module{})
	var out bytes.Buffer
	err := r.Invoke(context.Background(), "print", map[string]cty.Value{
		"message": cty.StringVal("build info"),
		"values": cty.ObjectVal(map[string]cty.Value{
			"ref":   cty.StringVal("main"),
			"actor": cty.StringVal("octocat"),
		}),
	}, &registry.Invocation{Output: &out})
	require.NoError(t, err)
	assert.Equal(t, "build info\nactor = \"octocat\"\nref = \"main\"\n", out.String())
}

func TestPrintEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Print(context.Background(), &registry.Invocation{Output: &out}, &Input{}))
	assert.Equal(t, "(null)\n", out.String())
}
