package history

import (
	"errors"
	"time"

	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/scheduler"
)

// RunRecord is one row per run.
type RunRecord struct {
	ID         string    `gorm:"primaryKey;size:36"`
	Pipeline   string    `gorm:"size:255;index"`
	Event      string    `gorm:"size:32"`
	Ref        string    `gorm:"size:255"`
	Actor      string    `gorm:"size:255"`
	SHA        string    `gorm:"size:64"`
	Status     string    `gorm:"size:16;index"`
	Error      string    `gorm:"type:text"`
	StartedAt  time.Time `gorm:"index"`
	FinishedAt *time.Time
	Jobs       []JobRecord `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

// JobRecord is one row per job of a run.
type JobRecord struct {
	RunID      string `gorm:"primaryKey;size:36"`
	JobID      string `gorm:"primaryKey;size:255"`
	Name       string `gorm:"size:255"`
	State      string `gorm:"size:16"`
	Conclusion string `gorm:"size:32"`
	SkipReason string `gorm:"size:16"`
	DurationMS int64
	Output     string `gorm:"type:text"`
	Error      string `gorm:"type:text"`
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// fromReport converts a report into rows.
func fromReport(rep *scheduler.Report) *RunRecord {
	rec := &RunRecord{
		ID:         rep.RunID,
		Pipeline:   rep.Pipeline,
		Event:      string(rep.Event),
		Ref:        rep.Ref,
		Actor:      rep.Actor,
		SHA:        rep.SHA,
		Status:     string(rep.Status),
		Error:      rep.Error,
		StartedAt:  rep.StartedAt,
		FinishedAt: timePtr(rep.FinishedAt),
	}
	for _, j := range rep.Jobs {
		rec.Jobs = append(rec.Jobs, JobRecord{
			RunID:      rep.RunID,
			JobID:      j.ID,
			Name:       j.Name,
			State:      string(j.State),
			Conclusion: string(j.Conclusion),
			SkipReason: string(j.SkipReason),
			DurationMS: j.Duration.Milliseconds(),
			Output:     j.Output,
			Error:      j.Error,
			StartedAt:  timePtr(j.StartedAt),
			FinishedAt: timePtr(j.FinishedAt),
		})
	}
	return rec
}

// Report converts the rows back into a report. Job errors survive only as text.
func (r *RunRecord) Report() *scheduler.Report {
	rep := &scheduler.Report{
		RunID:      r.ID,
		Pipeline:   r.Pipeline,
		Event:      model.EventKind(r.Event),
		Ref:        r.Ref,
		Actor:      r.Actor,
		SHA:        r.SHA,
		Status:     model.RunStatus(r.Status),
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		FinishedAt: timeVal(r.FinishedAt),
		Jobs:       make([]scheduler.JobReport, 0, len(r.Jobs)),
	}
	for _, j := range r.Jobs {
		jr := scheduler.JobReport{
			ID:         j.JobID,
			Name:       j.Name,
			State:      model.JobState(j.State),
			Conclusion: model.Conclusion(j.Conclusion),
			SkipReason: model.SkipReason(j.SkipReason),
			StartedAt:  timeVal(j.StartedAt),
			FinishedAt: timeVal(j.FinishedAt),
			Duration:   time.Duration(j.DurationMS) * time.Millisecond,
			Output:     j.Output,
			Error:      j.Error,
		}
		if j.Error != "" {
			jr.Err = errors.New(j.Error)
		}
		rep.Jobs = append(rep.Jobs, jr)
	}
	return rep
}
