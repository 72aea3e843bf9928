package artifact

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vk/pipegrid/internal/model"
)

type memKey struct{ run, name string }

type memEntry struct {
	ref     Ref
	payload []byte
}

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	opts    options
	mu      sync.Mutex
	entries map[memKey]*memEntry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{opts: buildOptions(opts), entries: make(map[memKey]*memEntry)}
}

func (s *MemoryStore) Put(_ context.Context, req PutRequest) (Ref, error) {
	if err := validate(req.RunID, req.Name); err != nil {
		return Ref{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Expired entries still hold their name until Prune removes them.
	k := memKey{req.RunID, req.Name}
	if _, ok := s.entries[k]; ok {
		return Ref{}, &model.DuplicateArtifactError{RunID: req.RunID, Name: req.Name}
	}
	ref := s.opts.newRef(req)
	s.entries[k] = &memEntry{ref: ref, payload: append([]byte(nil), req.Payload...)}
	return ref, nil
}

func (s *MemoryStore) lookup(runID, name string) (*memEntry, error) {
	e, ok := s.entries[memKey{runID, name}]
	if !ok || e.ref.Expired(s.opts.now()) {
		return nil, &model.ArtifactNotFoundError{RunID: runID, Name: name}
	}
	return e, nil
}

func (s *MemoryStore) Get(_ context.Context, runID, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookup(runID, name)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), e.payload...), nil
}

func (s *MemoryStore) Stat(_ context.Context, runID, name string) (Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookup(runID, name)
	if err != nil {
		return Ref{}, err
	}
	return e.ref, nil
}

func (s *MemoryStore) List(_ context.Context, runID string) ([]Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.now()
	var refs []Ref
	for k, e := range s.entries {
		if k.run == runID && !e.ref.Expired(now) {
			refs = append(refs, e.ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (s *MemoryStore) Prune(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.ref.Expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}
