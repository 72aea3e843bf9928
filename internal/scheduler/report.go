package scheduler

import (
	"time"

	"github.com/vk/pipegrid/internal/model"
)

// Report is a point-in-time view of a Run.
type Report struct {
	RunID      string          `json:"run_id"`
	Pipeline   string          `json:"pipeline"`
	Event      model.EventKind `json:"event"`
	Ref        string          `json:"ref"`
	Actor      string          `json:"actor,omitempty"`
	SHA        string          `json:"sha,omitempty"`
	Status     model.RunStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Jobs       []JobReport     `json:"jobs"`
}

// JobReport is the state of one job inside a Report.
type JobReport struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	State      model.JobState   `json:"state"`
	Conclusion model.Conclusion `json:"conclusion,omitempty"`
	SkipReason model.SkipReason `json:"skip_reason,omitempty"`
	StartedAt  time.Time        `json:"started_at,omitempty"`
	FinishedAt time.Time        `json:"finished_at,omitempty"`
	Duration   time.Duration    `json:"duration"`
	Error      string           `json:"error,omitempty"`
	// Output is the redacted tail of the last step that ran.
	Output string `json:"output,omitempty"`

	Err error `json:"-"`
}

// Job returns the report of a job by id.
func (r *Report) Job(id string) (JobReport, bool) {
	for _, j := range r.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return JobReport{}, false
}

// States maps job ids to their state.
func (r *Report) States() map[string]model.JobState {
	out := make(map[string]model.JobState, len(r.Jobs))
	for _, j := range r.Jobs {
		out[j.ID] = j.State
	}
	return out
}
