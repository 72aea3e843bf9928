package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vk/pipegrid/internal/model"
)

const (
	dataDir = "data"
	metaDir = "meta"
	metaExt = ".json"
)

// FileStore keeps artifacts under <root>/<run>/data/<name> with a JSON
// sidecar in <root>/<run>/meta/<name>.json. The data file is created with
// O_EXCL, which makes the write-once rule hold across processes.
type FileStore struct {
	root string
	opts options
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates root if needed.
func NewFileStore(root string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root %s: %w", root, err)
	}
	return &FileStore{root: root, opts: buildOptions(opts)}, nil
}

// Root returns the store directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) dataPath(runID, name string) string {
	return filepath.Join(s.root, runID, dataDir, name)
}

func (s *FileStore) metaPath(runID, name string) string {
	return filepath.Join(s.root, runID, metaDir, name+metaExt)
}

func (s *FileStore) Put(ctx context.Context, req PutRequest) (Ref, error) {
	if err := validate(req.RunID, req.Name); err != nil {
		return Ref{}, err
	}
	for _, dir := range []string{dataDir, metaDir} {
		if err := os.MkdirAll(filepath.Join(s.root, req.RunID, dir), 0o755); err != nil {
			return Ref{}, fmt.Errorf("failed to create run directory: %w", err)
		}
	}

	f, err := os.OpenFile(s.dataPath(req.RunID, req.Name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		// Expired payloads still hold their name until Prune removes them.
		return Ref{}, &model.DuplicateArtifactError{RunID: req.RunID, Name: req.Name}
	}
	if err != nil {
		return Ref{}, fmt.Errorf("failed to create artifact %s: %w", req.Name, err)
	}

	ref := s.opts.newRef(req)
	if err := s.writeData(f, req.Payload); err != nil {
		s.remove(req.RunID, req.Name)
		return Ref{}, err
	}
	if err := s.writeMeta(ref); err != nil {
		s.remove(req.RunID, req.Name)
		return Ref{}, err
	}
	return ref, nil
}

func (s *FileStore) writeData(f *os.File, payload []byte) error {
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("failed to write artifact payload: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close artifact payload: %w", err)
	}
	return nil
}

// writeMeta publishes the sidecar atomically; an artifact without a sidecar
// is invisible to readers.
func (s *FileStore) writeMeta(ref Ref) error {
	b, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact metadata: %w", err)
	}
	final := s.metaPath(ref.RunID, ref.Name)
	tmp, err := os.CreateTemp(filepath.Dir(final), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write artifact metadata: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write artifact metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write artifact metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish artifact metadata: %w", err)
	}
	return nil
}

func (s *FileStore) readMeta(runID, name string) (Ref, error) {
	b, err := os.ReadFile(s.metaPath(runID, name))
	if err != nil {
		return Ref{}, err
	}
	var ref Ref
	if err := json.Unmarshal(b, &ref); err != nil {
		return Ref{}, fmt.Errorf("corrupt artifact metadata for %s: %w", name, err)
	}
	return ref, nil
}

func (s *FileStore) remove(runID, name string) {
	os.Remove(s.metaPath(runID, name))
	os.Remove(s.dataPath(runID, name))
}

func (s *FileStore) Stat(_ context.Context, runID, name string) (Ref, error) {
	if err := validate(runID, name); err != nil {
		return Ref{}, err
	}
	ref, err := s.readMeta(runID, name)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && ref.Expired(s.opts.now())) {
		return Ref{}, &model.ArtifactNotFoundError{RunID: runID, Name: name}
	}
	return ref, err
}

func (s *FileStore) Get(ctx context.Context, runID, name string) ([]byte, error) {
	if _, err := s.Stat(ctx, runID, name); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.dataPath(runID, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &model.ArtifactNotFoundError{RunID: runID, Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	return b, nil
}

func (s *FileStore) List(_ context.Context, runID string) ([]Ref, error) {
	if err := ValidateName(runID); err != nil {
		return nil, err
	}
	return s.listRun(runID, func(r Ref) bool { return !r.Expired(s.opts.now()) })
}

func (s *FileStore) listRun(runID string, keep func(Ref) bool) ([]Ref, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, runID, metaDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts of run %s: %w", runID, err)
	}
	var refs []Ref
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metaExt) || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		ref, err := s.readMeta(runID, strings.TrimSuffix(name, metaExt))
		if err != nil {
			continue
		}
		if keep(ref) {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Prune removes expired artifacts and empty run directories.
func (s *FileStore) Prune(ctx context.Context, now time.Time) (int, error) {
	runs, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read artifact root: %w", err)
	}
	n := 0
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if !run.IsDir() {
			continue
		}
		expired, err := s.listRun(run.Name(), func(r Ref) bool { return r.Expired(now) })
		if err != nil {
			return n, err
		}
		for _, ref := range expired {
			s.remove(ref.RunID, ref.Name)
			n++
		}
		// os.Remove refuses non-empty directories, so a Put in flight keeps its run.
		dir := filepath.Join(s.root, run.Name())
		os.Remove(filepath.Join(dir, metaDir))
		os.Remove(filepath.Join(dir, dataDir))
		os.Remove(dir)
	}
	return n, nil
}
