package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContextWithoutLogger(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	logger.Info("goes nowhere")
}

func TestWithBindsAttributes(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithLogger(context.Background(), base)

	ctx, _ = With(ctx, "run", "r1")
	FromContext(ctx).Info("hello", "job", "build")

	out := buf.String()
	assert.Contains(t, out, "run=r1")
	assert.Contains(t, out, "job=build")
}
