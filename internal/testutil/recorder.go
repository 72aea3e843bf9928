package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/scheduler"
)

// Event is one entry of the global happens-before log.
type Event struct {
	Seq    int
	RunID  string
	JobID  string
	To     model.JobState
	Reason model.SkipReason
}

// Recorder is a scheduler.Observer that keeps a single ordered log of every
// job transition of every run it observes.
type Recorder struct {
	mu       sync.Mutex
	events   []Event
	finished map[string]*scheduler.Report
	changed  chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{finished: make(map[string]*scheduler.Report), changed: make(chan struct{})}
}

func (r *Recorder) RunStarted(*scheduler.Report) {}

func (r *Recorder) JobTransition(t scheduler.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Seq: len(r.events), RunID: t.RunID, JobID: t.JobID, To: t.To, Reason: t.Reason})
	r.notifyLocked()
}

func (r *Recorder) RunFinished(rep *scheduler.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[rep.RunID] = rep
	r.notifyLocked()
}

func (r *Recorder) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Events returns a copy of the log.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Index returns the position of the first transition of job into state, or -1.
func (r *Recorder) Index(runID, jobID string, state model.JobState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.RunID == runID && e.JobID == jobID && e.To == state {
			return e.Seq
		}
	}
	return -1
}

// terminalIndex returns the position of the terminal transition of job, or -1.
func terminalIndex(events []Event, runID, jobID string) int {
	for _, e := range events {
		if e.RunID == runID && e.JobID == jobID && e.To.Terminal() {
			return e.Seq
		}
	}
	return -1
}

// WaitFor blocks until job has entered state or the timeout passes.
func (r *Recorder) WaitFor(runID, jobID string, state model.JobState, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		ch := r.changed
		found := false
		for _, e := range r.events {
			if e.RunID == runID && e.JobID == jobID && e.To == state {
				found = true
				break
			}
		}
		r.mu.Unlock()
		if found {
			return true
		}
		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
}

// Finished returns how many runs have finished.
func (r *Recorder) Finished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.finished)
}

// CheckHappensBefore verifies that no job of the run entered Running before
// every job it needs had reached a terminal state.
func (r *Recorder) CheckHappensBefore(p *model.Pipeline, runID string) error {
	events := r.Events()
	for _, id := range p.JobIDs() {
		running := -1
		for _, e := range events {
			if e.RunID == runID && e.JobID == id && e.To == model.JobRunning {
				running = e.Seq
				break
			}
		}
		if running < 0 {
			continue
		}
		for _, need := range p.Jobs[id].Needs {
			done := terminalIndex(events, runID, need)
			if done < 0 || done > running {
				return fmt.Errorf("job %q entered running at #%d before need %q was terminal (#%d)", id, running, need, done)
			}
		}
	}
	return nil
}
