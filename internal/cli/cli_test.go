package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/scheduler"
	"github.com/vk/pipegrid/internal/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	logs := &testutil.SafeBuffer{}
	err := Execute(context.Background(), args, &out, logs)
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("--- logs ---\n%s", logs.String())
		}
	})
	return out.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "unexpected error type %T: %v", err, err)
	return exitErr.Code
}

func writePipelines(t *testing.T) string {
	return testutil.WriteFiles(t, map[string]string{
		"ok.yml": `
			name: ok
			on: push
			jobs:
			  hello:
			    steps:
			      - run: echo "hello ${{ github.ref_name }}"
		`,
		"broken.yml": `
			name: broken
			on:
			  pull_request:
			jobs:
			  fail:
			    steps:
			      - run: exit 3
			  after:
			    needs: fail
			    steps:
			      - run: "true"
		`,
	})
}

func TestValidate(t *testing.T) {
	dir := writePipelines(t)
	out, err := execute(t, "validate", dir)
	require.NoError(t, err)
	assert.Equal(t, "2 pipeline(s) valid\n", out)

	bad := testutil.WriteFiles(t, map[string]string{"cycle.yml": `
		jobs:
		  a:
		    needs: b
		    steps: [{run: "true"}]
		  b:
		    needs: a
		    steps: [{run: "true"}]
	`})
	_, err = execute(t, "validate", bad)
	assert.Equal(t, ExitDefinition, exitCode(t, err))
	assert.Contains(t, err.Error(), "cycle detected")

	_, err = execute(t, "validate", filepath.Join(bad, "missing.yml"))
	assert.Equal(t, ExitDefinition, exitCode(t, err))
}

func TestRunExitCodes(t *testing.T) {
	dir := writePipelines(t)
	work := t.TempDir()

	out, err := execute(t, "run", dir, "--workspace", work, "--event", "push", "--ref", "main")
	require.NoError(t, err)
	assert.Contains(t, out, "pipeline=ok")
	assert.Contains(t, out, "status=succeeded")

	out, err = execute(t, "run", dir, "--workspace", work, "--event", "pull-request")
	assert.Equal(t, ExitFailed, exitCode(t, err))
	assert.Contains(t, out, "status=failed")
	assert.Contains(t, out, "skipped: upstream")

	_, err = execute(t, "run", dir, "--workspace", work, "--event", "schedule", "--schedule", "0 * * * *")
	assert.Equal(t, ExitFailed, exitCode(t, err))
	assert.Contains(t, err.Error(), "no pipeline matched")

	_, err = execute(t, "run", dir, "--event", "tag")
	assert.Equal(t, ExitDefinition, exitCode(t, err))

	_, err = execute(t, "run", dir, "--log-level", "loud")
	assert.Equal(t, ExitDefinition, exitCode(t, err))

	_, err = execute(t, "run", dir, "--retention", "forever")
	assert.Equal(t, ExitDefinition, exitCode(t, err))

	_, err = execute(t, "run", "--no-such-flag")
	assert.Equal(t, ExitDefinition, exitCode(t, err))
}

func TestRunThenStatus(t *testing.T) {
	dir := writePipelines(t)
	db := filepath.Join(t.TempDir(), "history.db")

	out, err := execute(t, "run", dir, "--db", db, "--workspace", t.TempDir(), "--json")
	require.NoError(t, err)
	var reports []*scheduler.Report
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, model.RunSucceeded, reports[0].Status)

	out, err = execute(t, "status", reports[0].RunID, "--db", db, "--json")
	require.NoError(t, err)
	var rep scheduler.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, reports[0].RunID, rep.RunID)
	assert.Equal(t, "ok", rep.Pipeline)
	assert.Equal(t, map[string]model.JobState{"hello": model.JobSucceeded}, rep.States())

	out, err = execute(t, "status", reports[0].RunID, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "success")

	_, err = execute(t, "status", "nope", "--db", db)
	assert.Equal(t, ExitFailed, exitCode(t, err))

	_, err = execute(t, "status", "nope")
	assert.Equal(t, ExitDefinition, exitCode(t, err))
}
