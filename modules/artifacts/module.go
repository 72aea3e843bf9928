// Package artifacts provides the upload-artifact and download-artifact
// actions, the only way steps reach the artifact store.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct {
	// Client performs upload_url PUTs; nil means http.DefaultClient.
	Client *http.Client
}

// UploadInput defines the arguments for upload-artifact.
type UploadInput struct {
	Name      string `cty:"name"`
	Path      string `cty:"path"`
	Retention string `cty:"retention,optional"`
	// UploadURL is a pre-signed URL the payload is also PUT to.
	UploadURL string `cty:"upload_url,optional"`
}

// DownloadInput defines the arguments for download-artifact.
type DownloadInput struct {
	Name string `cty:"name"`
	Path string `cty:"path,optional"`
	// RunID reads from another run; empty means the current one.
	RunID string `cty:"run_id,optional"`
}

func (m *Module) upload(ctx context.Context, inv *registry.Invocation, input *UploadInput) error {
	src, err := workspacePath(inv.Workspace, input.Path)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read source file '%s': %w", input.Path, err)
	}
	retention, err := ParseRetention(input.Retention)
	if err != nil {
		return err
	}

	payload := inv.Redactor.Bytes(raw)
	ref, err := inv.Artifacts.Put(ctx, artifact.PutRequest{
		RunID:     inv.RunID,
		Name:      input.Name,
		Producer:  inv.JobID,
		Payload:   payload,
		Retention: retention,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(inv.Output, "uploaded artifact %s (%d bytes, %s)\n", ref.Name, ref.Size, ref.Digest)

	if input.UploadURL != "" {
		return m.put(ctx, inv, input.UploadURL, src, payload)
	}
	return nil
}

// put sends the payload to a pre-signed URL.
func (m *Module) put(ctx context.Context, inv *registry.Invocation, url, src string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(src))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(payload))

	inv.Logger.Info("Uploading artifact to URL.", "size", len(payload), "contentType", contentType)
	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload failed with status: %s", resp.Status)
	}
	fmt.Fprintf(inv.Output, "uploaded to pre-signed URL: %s\n", resp.Status)
	return nil
}

func (m *Module) download(ctx context.Context, inv *registry.Invocation, input *DownloadInput) error {
	runID := input.RunID
	if runID == "" {
		runID = inv.RunID
	}
	payload, err := inv.Artifacts.Get(ctx, runID, input.Name)
	if err != nil {
		return err
	}
	target := input.Path
	if target == "" {
		target = input.Name
	}
	dst, err := workspacePath(inv.Workspace, target)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := os.WriteFile(dst, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact to '%s': %w", target, err)
	}
	fmt.Fprintf(inv.Output, "downloaded artifact %s to %s (%d bytes)\n", input.Name, target, len(payload))
	return nil
}

// workspacePath resolves p inside the workspace and refuses to escape it.
func workspacePath(workspace, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}
	full := filepath.Join(workspace, p)
	rel, err := filepath.Rel(workspace, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path '%s' escapes the workspace", p)
	}
	return full, nil
}

// ParseRetention accepts Go durations and a day suffix ("7d").
func ParseRetention(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid retention %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid retention %q", s)
	}
	return d, nil
}

// Register registers the handlers with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterAction("upload-artifact", registry.Action(m.upload))
	r.RegisterAction("download-artifact", registry.Action(m.download))
}
