// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package model

// JobState is the lifecycle state of a JobInstance.
type JobState string

const (
	JobPending   JobState = "pending"
	JobBlocked   JobState = "blocked"
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobSkipped   JobState = "skipped"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobSkipped, JobCancelled:
		return true
	}
	return false
}

// RunStatus is the aggregate status of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// Conclusion is the user visible outcome of a terminal job.
type Conclusion string

const (
	ConclusionNone     Conclusion = ""
	ConclusionSuccess  Conclusion = "success"
	ConclusionWarnings Conclusion = "succeeded-with-warnings"
	ConclusionFailure  Conclusion = "failure"
	ConclusionSkipped  Conclusion = "skipped"
	ConclusionCanceled Conclusion = "cancelled"
)

// ConclusionFor derives the conclusion of a terminal state.
func ConclusionFor(s JobState, warnings bool) Conclusion {
	switch s {
	case JobSucceeded:
		if warnings {
			return ConclusionWarnings
		}
		return ConclusionSuccess
	case JobFailed:
		return ConclusionFailure
	case JobSkipped:
		return ConclusionSkipped
	case JobCancelled:
		return ConclusionCanceled
	}
	return ConclusionNone
}

// SkipReason explains why a job was skipped.
type SkipReason string

const (
	SkipNone SkipReason = ""
	// SkipUpstream: a required predecessor did not succeed.
	SkipUpstream SkipReason = "upstream"
	// SkipCondition: the job's condition evaluated to false.
	SkipCondition SkipReason = "condition"
	// SkipCancelled: the Run was aborted before the job started.
	SkipCancelled SkipReason = "cancelled"
)
