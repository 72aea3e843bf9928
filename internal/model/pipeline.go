// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
)

// EventKind identifies the kind of event that can admit a pipeline.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
	EventSchedule    EventKind = "schedule"
	EventManual      EventKind = "manual"
)

// ParseEventKind normalizes user input ("pull-request", "PR", ...) into an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "push":
		return EventPush, nil
	case "pull_request", "pull-request", "pr":
		return EventPullRequest, nil
	case "schedule":
		return EventSchedule, nil
	case "manual", "workflow_dispatch":
		return EventManual, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// Pipeline is a loaded pipeline definition. It is immutable once loaded.
type Pipeline struct {
	Name     string
	Source   string
	Triggers []*TriggerRule
	Env      map[string]string

	// Concurrency, when set, makes the whole Run a holder of the group.
	Concurrency *ConcurrencySpec

	Jobs map[string]*JobSpec
}

// JobIDs returns the job identifiers in lexical order.
func (p *Pipeline) JobIDs() []string {
	ids := make([]string, 0, len(p.Jobs))
	for id := range p.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TriggerRule is one `on` entry of a pipeline.
type TriggerRule struct {
	Event          EventKind
	Branches       []string
	BranchesIgnore []string
	// Schedule is a cron expression, only meaningful for schedule events.
	Schedule string
}

// ConcurrencySpec names a concurrency group. Group is a template that may
// interpolate trigger metadata, e.g. "release-plz-${trigger.ref}".
type ConcurrencySpec struct {
	Group            hcl.Expression
	CancelInProgress bool
}

// JobSpec is the declaration of a single job.
type JobSpec struct {
	ID   string
	Name string

	Needs []string
	// RunsOn is the environment descriptor: "local" or "docker://<image>".
	RunsOn      string
	Concurrency *ConcurrencySpec

	// Condition is the `if` predicate. A nil Condition means success().
	Condition hcl.Expression

	Permissions []string
	Secrets     []string
	Env         map[string]string

	// TolerateFailure lists the needs whose failure does not skip this job.
	TolerateFailure []string
	// ContinueOnError keeps a failure of this job from failing the Run.
	ContinueOnError bool

	Timeout time.Duration
	Steps   []*StepSpec
}

// DisplayName returns Name, falling back to ID.
func (j *JobSpec) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID
}

// Tolerates reports whether a failure of the need `id` is tolerated.
func (j *JobSpec) Tolerates(id string) bool {
	for _, t := range j.TolerateFailure {
		if t == id {
			return true
		}
	}
	return false
}

// StepSpec is a single command or action reference inside a job.
type StepSpec struct {
	Name string

	// Run is a template evaluated into a shell script. Exactly one of Run and
	// Uses is set.
	Run  hcl.Expression
	Uses string
	With map[string]hcl.Expression

	Env             map[string]string
	ContinueOnError bool
	Timeout         time.Duration
}

// Label returns a human readable name for the step at position i.
func (s *StepSpec) Label(i int) string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return fmt.Sprintf("#%d %s", i+1, s.Uses)
	default:
		return fmt.Sprintf("#%d run", i+1)
	}
}
