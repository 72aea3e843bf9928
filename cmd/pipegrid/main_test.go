package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/pipegrid/internal/cli"
)

func TestRun_DefinitionError(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	invalidHCL := `
		pipeline "broken" {
		  job "a" {
		// Missing closing brace here
	`
	tempDir := t.TempDir()
	filePath := filepath.Join(tempDir, "main.hcl")
	require.NoError(t, os.WriteFile(filePath, []byte(invalidHCL), 0600), "failed to set up test file")

	var out, logs bytes.Buffer

	// --- Act ---
	err := run(context.Background(), &out, &logs, []string{"validate", filePath})

	// --- Assert ---
	require.Error(t, err)
	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, cli.ExitDefinition, exitErr.Code)
	require.Contains(t, exitErr.Message, "failed to parse")
}

func TestRun_Help(t *testing.T) {
	t.Parallel()

	var out, logs bytes.Buffer
	err := run(context.Background(), &out, &logs, []string{"--help"})

	require.NoError(t, err, "help should not be an error")
	require.Contains(t, out.String(), "Usage:")
	require.Contains(t, out.String(), "validate")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	var out, logs bytes.Buffer
	err := run(context.Background(), &out, &logs, []string{"--this-is-not-a-valid-flag"})

	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown flag: --this-is-not-a-valid-flag")
}
