package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Ref describes a stored artifact.
type Ref struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Producer  string    `json:"producer"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the retention window has passed at now.
func (r Ref) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// PutRequest is the input of Store.Put. A zero Retention uses the store default.
type PutRequest struct {
	RunID     string
	Name      string
	Producer  string
	Payload   []byte
	Retention time.Duration
}

// Store is implemented by MemoryStore and FileStore.
type Store interface {
	Put(ctx context.Context, req PutRequest) (Ref, error)
	Get(ctx context.Context, runID, name string) ([]byte, error)
	Stat(ctx context.Context, runID, name string) (Ref, error)
	List(ctx context.Context, runID string) ([]Ref, error)
	Prune(ctx context.Context, now time.Time) (int, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	retention time.Duration
	now       func() time.Time
}

// WithRetention sets the default retention for requests without one. Zero
// keeps artifacts until pruned explicitly.
func WithRetention(d time.Duration) Option {
	return func(o *options) { o.retention = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) newRef(req PutRequest) Ref {
	sum := sha256.Sum256(req.Payload)
	now := o.now().UTC()
	ref := Ref{
		RunID:     req.RunID,
		Name:      req.Name,
		Producer:  req.Producer,
		Size:      int64(len(req.Payload)),
		Digest:    "sha256:" + hex.EncodeToString(sum[:]),
		CreatedAt: now,
	}
	retention := req.Retention
	if retention == 0 {
		retention = o.retention
	}
	if retention > 0 {
		ref.ExpiresAt = now.Add(retention)
	}
	return ref
}

// ValidateName rejects names that could escape the run's namespace.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("artifact name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("invalid artifact name %q", name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("artifact name %q must not contain path separators", name)
	}
	return nil
}

func validate(runID, name string) error {
	if err := ValidateName(runID); err != nil {
		return fmt.Errorf("invalid run id: %w", err)
	}
	return ValidateName(name)
}
