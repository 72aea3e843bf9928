package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vk/pipegrid/internal/artifact"
	"github.com/vk/pipegrid/internal/concurrency"
	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/registry"
	"github.com/vk/pipegrid/internal/runner"
	"github.com/vk/pipegrid/internal/secrets"
	"github.com/vk/pipegrid/internal/trigger"
)

// DefaultWorkers is the size of the worker pool when Options.Workers is unset.
const DefaultWorkers = 4

var (
	// ErrRunCancelled is the cause used by RunHandle.Cancel(nil).
	ErrRunCancelled = errors.New("run cancelled")
	// ErrClosed is returned by Submit after Close, and is the cause handed
	// to runs still in flight when Close is called.
	ErrClosed = errors.New("scheduler closed")
)

// Options configures a Scheduler. Zero values get working defaults.
type Options struct {
	Workers     int
	Provisioner runner.Provisioner
	Resolver    *secrets.Resolver
	Artifacts   artifact.Store
	Groups      *concurrency.Manager
	Actions     *registry.Registry
	Observer    Observer
	Logger      *slog.Logger
	// Now is the clock used for reports.
	Now func() time.Time
}

// Scheduler owns the worker pool shared by all runs.
type Scheduler struct {
	opts  Options
	steps *runner.StepRunner

	work chan func()
	quit chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// New creates a Scheduler and starts its workers.
func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Provisioner == nil {
		opts.Provisioner = runner.NewLocalProvisioner("")
	}
	if opts.Resolver == nil {
		opts.Resolver = secrets.NewResolver(secrets.MapSource{}, nil, nil)
	}
	if opts.Artifacts == nil {
		opts.Artifacts = artifact.NewMemoryStore()
	}
	if opts.Groups == nil {
		opts.Groups = concurrency.NewManager()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		opts:  opts,
		steps: &runner.StepRunner{Actions: opts.Actions, Artifacts: opts.Artifacts},
		work:  make(chan func()),
		quit:  make(chan struct{}),
		runs:  make(map[string]*run),
	}
	for i := 0; i < opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	opts.Logger.Debug("Scheduler started.", "workers", opts.Workers)
	return s
}

// worker is the processing loop of a single pool member.
func (s *Scheduler) worker(workerID int) {
	defer s.wg.Done()
	for {
		select {
		case task := <-s.work:
			task()
		case <-s.quit:
			s.opts.Logger.Debug("Worker finished.", "workerID", workerID)
			return
		}
	}
}

// Submit validates p and starts a Run for it. Definition problems are
// returned as *model.DefinitionError and nothing is scheduled. ctx only
// supplies the logger; the Run is stopped with RunHandle.Cancel.
func (s *Scheduler) Submit(ctx context.Context, p *model.Pipeline, tc trigger.Context) (*RunHandle, error) {
	if err := Validate(p, s.opts.Actions); err != nil {
		return nil, err
	}
	r, err := newRun(ctx, s, p, tc)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		r.cancel(ErrClosed)
		return nil, ErrClosed
	}
	s.runs[r.id] = r
	s.mu.Unlock()

	go r.start()
	return &RunHandle{r: r}, nil
}

// Lookup returns the handle of a Run that has not finished yet.
func (s *Scheduler) Lookup(runID string) (*RunHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, false
	}
	return &RunHandle{r: r}, true
}

// Active returns the handles of all unfinished runs, ordered by id.
func (s *Scheduler) Active() []*RunHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RunHandle, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, &RunHandle{r: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (s *Scheduler) forget(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

// Close cancels unfinished runs, waits for them to settle and stops the
// worker pool.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		r.cancel(ErrClosed)
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	close(s.quit)
	s.wg.Wait()
	return nil
}
