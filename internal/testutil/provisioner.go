package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vk/pipegrid/internal/runner"
)

// ExecutionRecord holds the start and end times of one job environment.
type ExecutionRecord struct {
	Start time.Time
	End   time.Time
}

// FakeProvisioner hands out environments that interpret a tiny script
// language instead of running a shell:
//
//	fail            exit 1
//	exit N          exit N
//	block           wait until cancelled
//	sleep DURATION  sleep, honouring cancellation
//	echo TEXT       write TEXT
//	printenv NAME   write the value of NAME
//
// Anything else exits 0. Lines are run in order.
type FakeProvisioner struct {
	t *testing.T

	mu          sync.Mutex
	provisioned int
	executions  map[string]*ExecutionRecord
}

// NewFakeProvisioner creates a provisioner whose workspaces live in t.TempDir().
func NewFakeProvisioner(t *testing.T) *FakeProvisioner {
	return &FakeProvisioner{t: t, executions: make(map[string]*ExecutionRecord)}
}

func (p *FakeProvisioner) Provision(_ context.Context, spec runner.EnvSpec) (runner.Environment, error) {
	if err := runner.ValidateRunsOn(spec.RunsOn); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(p.t.TempDir(), spec.JobID+"-")
	if err != nil {
		return nil, err
	}
	key := spec.RunID + "/" + spec.JobID

	p.mu.Lock()
	p.provisioned++
	p.executions[key] = &ExecutionRecord{Start: time.Now()}
	p.mu.Unlock()
	return &fakeEnv{p: p, key: key, dir: dir}, nil
}

// Provisioned returns how many environments were created.
func (p *FakeProvisioner) Provisioned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.provisioned
}

// Execution returns the record of a job environment.
func (p *FakeProvisioner) Execution(runID, jobID string) (ExecutionRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.executions[runID+"/"+jobID]
	if !ok {
		return ExecutionRecord{}, false
	}
	return *rec, true
}

type fakeEnv struct {
	p   *FakeProvisioner
	key string
	dir string
}

func (e *fakeEnv) Workspace() string { return e.dir }

func (e *fakeEnv) Exec(ctx context.Context, cmd runner.Command) (int, error) {
	for _, line := range strings.Split(strings.TrimSpace(cmd.Script), "\n") {
		verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch verb {
		case "fail":
			return 1, nil
		case "exit":
			code, err := strconv.Atoi(arg)
			if err != nil {
				return -1, err
			}
			if code != 0 {
				return code, nil
			}
		case "block":
			<-ctx.Done()
			return -1, context.Cause(ctx)
		case "sleep":
			d, err := time.ParseDuration(arg)
			if err != nil {
				return -1, err
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return -1, context.Cause(ctx)
			}
		case "echo":
			fmt.Fprintln(cmd.Output, arg)
		case "printenv":
			for _, kv := range cmd.Env {
				if k, v, _ := strings.Cut(kv, "="); k == arg {
					fmt.Fprintln(cmd.Output, v)
				}
			}
		}
	}
	return 0, nil
}

func (e *fakeEnv) Close(context.Context) error {
	e.p.mu.Lock()
	e.p.executions[e.key].End = time.Now()
	e.p.mu.Unlock()
	return os.RemoveAll(e.dir)
}
