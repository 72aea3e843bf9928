package scheduler

import (
	"time"

	"github.com/vk/pipegrid/internal/model"
)

// Transition is a single job state change.
type Transition struct {
	RunID  string
	JobID  string
	From   model.JobState
	To     model.JobState
	Reason model.SkipReason
	Err    error
	At     time.Time
}

// Observer receives the lifecycle of every Run. Calls for one Run are
// serialized and ordered. Implementations must not block for long and must not
// call back into the RunHandle.
type Observer interface {
	RunStarted(rep *Report)
	JobTransition(t Transition)
	RunFinished(rep *Report)
}

// Observers fans every call out to each element in order.
type Observers []Observer

func (o Observers) RunStarted(rep *Report) {
	for _, obs := range o {
		obs.RunStarted(rep)
	}
}

func (o Observers) JobTransition(t Transition) {
	for _, obs := range o {
		obs.JobTransition(t)
	}
}

func (o Observers) RunFinished(rep *Report) {
	for _, obs := range o {
		obs.RunFinished(rep)
	}
}

type nopObserver struct{}

func (nopObserver) RunStarted(*Report)       {}
func (nopObserver) JobTransition(Transition) {}
func (nopObserver) RunFinished(*Report)      {}
