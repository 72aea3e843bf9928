package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/pipegrid/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// storeFactories runs every contract test against both implementations.
func storeFactories(t *testing.T) map[string]func(clock *fakeClock) Store {
	return map[string]func(clock *fakeClock) Store{
		"memory": func(clock *fakeClock) Store {
			return NewMemoryStore(WithClock(clock.Now))
		},
		"file": func(clock *fakeClock) Store {
			s, err := NewFileStore(t.TempDir(), WithClock(clock.Now))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("round trip", func(t *testing.T) {
				s := factory(&fakeClock{now: time.Unix(1000, 0)})
				payload := []byte("<html>pages</html>\x00\x01")
				ref, err := s.Put(ctx, PutRequest{RunID: "run-1", Name: "github-pages", Producer: "build", Payload: payload})
				require.NoError(t, err)
				assert.Equal(t, int64(len(payload)), ref.Size)
				assert.Equal(t, "build", ref.Producer)
				assert.Contains(t, ref.Digest, "sha256:")
				assert.True(t, ref.ExpiresAt.IsZero())

				got, err := s.Get(ctx, "run-1", "github-pages")
				require.NoError(t, err)
				assert.Equal(t, payload, got)

				stat, err := s.Stat(ctx, "run-1", "github-pages")
				require.NoError(t, err)
				assert.Equal(t, ref.Digest, stat.Digest)
			})

			t.Run("write once", func(t *testing.T) {
				s := factory(&fakeClock{now: time.Unix(1000, 0)})
				_, err := s.Put(ctx, PutRequest{RunID: "run-1", Name: "a", Payload: []byte("one")})
				require.NoError(t, err)

				_, err = s.Put(ctx, PutRequest{RunID: "run-1", Name: "a", Payload: []byte("two")})
				var dup *model.DuplicateArtifactError
				require.True(t, errors.As(err, &dup))
				assert.Equal(t, "a", dup.Name)

				got, err := s.Get(ctx, "run-1", "a")
				require.NoError(t, err)
				assert.Equal(t, []byte("one"), got)

				// Another run has its own namespace.
				_, err = s.Put(ctx, PutRequest{RunID: "run-2", Name: "a", Payload: []byte("two")})
				assert.NoError(t, err)
			})

			t.Run("not found", func(t *testing.T) {
				s := factory(&fakeClock{now: time.Unix(1000, 0)})
				_, err := s.Get(ctx, "run-1", "missing")
				assert.ErrorIs(t, err, model.ErrArtifactNotFound)
			})

			t.Run("retention", func(t *testing.T) {
				clock := &fakeClock{now: time.Unix(1000, 0)}
				s := factory(clock)
				_, err := s.Put(ctx, PutRequest{RunID: "run-1", Name: "short", Payload: []byte("x"), Retention: time.Hour})
				require.NoError(t, err)
				_, err = s.Put(ctx, PutRequest{RunID: "run-1", Name: "long", Payload: []byte("y")})
				require.NoError(t, err)

				refs, err := s.List(ctx, "run-1")
				require.NoError(t, err)
				require.Len(t, refs, 2)
				assert.Equal(t, "long", refs[0].Name)

				clock.Advance(2 * time.Hour)
				_, err = s.Get(ctx, "run-1", "short")
				var nf *model.ArtifactNotFoundError
				require.True(t, errors.As(err, &nf))

				refs, err = s.List(ctx, "run-1")
				require.NoError(t, err)
				require.Len(t, refs, 1)

				_, err = s.Put(ctx, PutRequest{RunID: "run-1", Name: "short", Payload: []byte("z")})
				var dup *model.DuplicateArtifactError
				require.True(t, errors.As(err, &dup), "an expired name stays taken")
				_, err = s.Get(ctx, "run-1", "short")
				require.True(t, errors.As(err, &nf), "the expired payload is not replaced")

				n, err := s.Prune(ctx, clock.Now())
				require.NoError(t, err)
				assert.Equal(t, 1, n)
			})

			t.Run("concurrent puts have one winner", func(t *testing.T) {
				s := factory(&fakeClock{now: time.Unix(1000, 0)})
				var wg sync.WaitGroup
				var mu sync.Mutex
				wins, dups := 0, 0
				for i := 0; i < 16; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := s.Put(ctx, PutRequest{RunID: "r", Name: "race", Payload: []byte(fmt.Sprint(i))})
						mu.Lock()
						defer mu.Unlock()
						if err == nil {
							wins++
						} else if errors.Is(err, model.ErrDuplicateArtifact) {
							dups++
						}
					}(i)
				}
				wg.Wait()
				assert.Equal(t, 1, wins)
				assert.Equal(t, 15, dups)
			})

			t.Run("invalid names", func(t *testing.T) {
				s := factory(&fakeClock{now: time.Unix(1000, 0)})
				for _, bad := range []string{"", "..", "a/b", `a\b`} {
					_, err := s.Put(ctx, PutRequest{RunID: "r", Name: bad})
					assert.Error(t, err, bad)
				}
			})
		})
	}
}

func TestPruneRemovesExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	root := t.TempDir()
	s, err := NewFileStore(root, WithClock(clock.Now), WithRetention(time.Hour))
	require.NoError(t, err)

	_, err = s.Put(ctx, PutRequest{RunID: "old", Name: "pages", Payload: []byte("x")})
	require.NoError(t, err)
	_, err = s.Put(ctx, PutRequest{RunID: "new", Name: "pages", Payload: []byte("y"), Retention: 48 * time.Hour})
	require.NoError(t, err)

	n, err := s.Prune(ctx, clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(filepath.Join(root, "old"))
	assert.True(t, os.IsNotExist(err), "empty run directory is removed")
	_, err = os.Stat(filepath.Join(root, "new", "data", "pages"))
	assert.NoError(t, err)

	mem := NewMemoryStore(WithClock(clock.Now), WithRetention(time.Hour))
	_, err = mem.Put(ctx, PutRequest{RunID: "old", Name: "pages", Payload: []byte("x")})
	require.NoError(t, err)
	n, err = mem.Prune(ctx, clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
