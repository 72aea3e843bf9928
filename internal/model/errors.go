// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrDefinition        = errors.New("invalid pipeline definition")
	ErrCyclicGraph       = errors.New("cyclic job graph")
	ErrUnknownDependency = errors.New("unknown job dependency")
	ErrScopeDenied       = errors.New("secret scope denied")
	ErrStepExecution     = errors.New("step execution failed")
	ErrPreempted         = errors.New("preempted by concurrency group")
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrDuplicateArtifact = errors.New("duplicate artifact")
)

// DefinitionError rejects a Run before any job is scheduled.
type DefinitionError struct {
	Pipeline string
	Job      string
	Err      error
}

func (e *DefinitionError) Error() string {
	var b strings.Builder
	b.WriteString("definition error")
	if e.Pipeline != "" {
		fmt.Fprintf(&b, " in pipeline %q", e.Pipeline)
	}
	if e.Job != "" {
		fmt.Fprintf(&b, " job %q", e.Job)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DefinitionError) Unwrap() error        { return e.Err }
func (e *DefinitionError) Is(target error) bool { return target == ErrDefinition }

// CyclicGraphError carries the cycle as a closed path, first element repeated last.
type CyclicGraphError struct {
	Path []string
}

func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("cycle detected in needs: %s", strings.Join(e.Path, " -> "))
}

func (e *CyclicGraphError) Is(target error) bool { return target == ErrCyclicGraph }

// UnknownDependencyError is returned when a job needs a job that does not exist.
type UnknownDependencyError struct {
	Job        string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("job %q needs unknown job %q", e.Job, e.Dependency)
}

func (e *UnknownDependencyError) Is(target error) bool { return target == ErrUnknownDependency }

// ScopeDeniedError fails the requesting job only.
type ScopeDeniedError struct {
	Secret     string
	Permission string
	// Missing is set when the secret does not exist in the source at all.
	Missing bool
}

func (e *ScopeDeniedError) Error() string {
	if e.Missing {
		return fmt.Sprintf("secret %q is not available", e.Secret)
	}
	return fmt.Sprintf("secret %q requires permission %q", e.Secret, e.Permission)
}

func (e *ScopeDeniedError) Is(target error) bool { return target == ErrScopeDenied }

// StepExecutionError reports a failed step. ExitCode is -1 when the step never
// produced an exit status (start failure, action error).
type StepExecutionError struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %q exited with code %d", e.Step, e.ExitCode)
}

func (e *StepExecutionError) Unwrap() error        { return e.Err }
func (e *StepExecutionError) Is(target error) bool { return target == ErrStepExecution }

// ConcurrencyPreemptedError is the cancellation cause handed to a holder
// evicted by a cancel-in-progress acquisition.
type ConcurrencyPreemptedError struct {
	Group string
	By    string
}

func (e *ConcurrencyPreemptedError) Error() string {
	return fmt.Sprintf("preempted in concurrency group %q by %s", e.Group, e.By)
}

func (e *ConcurrencyPreemptedError) Is(target error) bool { return target == ErrPreempted }

type ArtifactNotFoundError struct {
	RunID string
	Name  string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact %q not found in run %s", e.Name, e.RunID)
}

func (e *ArtifactNotFoundError) Is(target error) bool { return target == ErrArtifactNotFound }

type DuplicateArtifactError struct {
	RunID string
	Name  string
}

func (e *DuplicateArtifactError) Error() string {
	return fmt.Sprintf("artifact %q already exists in run %s", e.Name, e.RunID)
}

func (e *DuplicateArtifactError) Is(target error) bool { return target == ErrDuplicateArtifact }
