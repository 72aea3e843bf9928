package artifacts

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/internal/secrets"
	"github.com/zclconf/go-cty/cty"
)

func invocation(t *testing.T, store artifact.Store, job string) *registry.Invocation {
	return &registry.Invocation{
		RunID:     "run-1",
		JobID:     job,
		Workspace: t.TempDir(),
		Output:    &bytes.Buffer{},
		Redactor:  secrets.NewRedactor("hunter2"),
		Artifacts: store,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestUploadThenDownload(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	r := registry.New(nil, &Module{})

	build := invocation(t, store, "build")
	require.NoError(t, os.MkdirAll(filepath.Join(build.Workspace, "site"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(build.Workspace, "site", "index.html"), []byte("<p>pw=hunter2</p>"), 0o644))

	err := r.Invoke(ctx, "actions/upload-artifact@v4", map[string]cty.Value{
		"name":      cty.StringVal("github-pages"),
		"path":      cty.StringVal("site/index.html"),
		"retention": cty.StringVal("1d"),
	}, build)
	require.NoError(t, err)

	ref, err := store.Stat(ctx, "run-1", "github-pages")
	require.NoError(t, err)
	assert.Equal(t, "build", ref.Producer)
	assert.False(t, ref.ExpiresAt.IsZero())

	deploy := invocation(t, store, "deploy")
	err = r.Invoke(ctx, "download-artifact", map[string]cty.Value{
		"name": cty.StringVal("github-pages"),
		"path": cty.StringVal("public/index.html"),
	}, deploy)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(deploy.Workspace, "public", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<p>pw=***</p>", string(got), "secrets never reach the store")
}

func TestDownloadMissing(t *testing.T) {
	m := &Module{}
	inv := invocation(t, artifact.NewMemoryStore(), "deploy")
	err := m.download(context.Background(), inv, &DownloadInput{Name: "nothing"})
	assert.ErrorIs(t, err, model.ErrArtifactNotFound)
}

func TestUploadRejectsEscapingPath(t *testing.T) {
	m := &Module{}
	inv := invocation(t, artifact.NewMemoryStore(), "build")
	err := m.upload(context.Background(), inv, &UploadInput{Name: "x", Path: "../../etc/passwd"})
	assert.ErrorContains(t, err, "escapes the workspace")
}

func TestUploadToPresignedURL(t *testing.T) {
	var gotBody []byte
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := &Module{Client: srv.Client()}
	inv := invocation(t, artifact.NewMemoryStore(), "build")
	require.NoError(t, os.WriteFile(filepath.Join(inv.Workspace, "report.json"), []byte(`{"token":"hunter2"}`), 0o644))

	err := m.upload(context.Background(), inv, &UploadInput{Name: "report", Path: "report.json", UploadURL: srv.URL + "/bucket/report.json?sig=abc"})
	require.NoError(t, err)
	assert.Equal(t, `{"token":"***"}`, string(gotBody))
	assert.Equal(t, "application/json", gotType)
}

func TestParseRetention(t *testing.T) {
	d, err := ParseRetention("7d")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)

	d, err = ParseRetention("90m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	d, err = ParseRetention("")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseRetention("soon")
	assert.Error(t, err)
}
