// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinitionErrorWrapping(t *testing.T) {
	cause := &CyclicGraphError{Path: []string{"a", "b", "a"}}
	err := fmt.Errorf("submit: %w", &DefinitionError{Pipeline: "ci", Err: cause})

	assert.ErrorIs(t, err, ErrDefinition)
	assert.ErrorIs(t, err, ErrCyclicGraph)
	assert.NotErrorIs(t, err, ErrUnknownDependency)

	var cyc *CyclicGraphError
	require.True(t, errors.As(err, &cyc))
	assert.Equal(t, []string{"a", "b", "a"}, cyc.Path)
	assert.Contains(t, err.Error(), `pipeline "ci"`)
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestStepExecutionErrorMessages(t *testing.T) {
	err := &StepExecutionError{Step: "build", ExitCode: 3}
	assert.Equal(t, `step "build" exited with code 3`, err.Error())
	assert.ErrorIs(t, err, ErrStepExecution)

	inner := errors.New("boom")
	err = &StepExecutionError{Step: "upload", ExitCode: -1, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "boom")
}

func TestConclusionFor(t *testing.T) {
	assert.Equal(t, ConclusionSuccess, ConclusionFor(JobSucceeded, false))
	assert.Equal(t, ConclusionWarnings, ConclusionFor(JobSucceeded, true))
	assert.Equal(t, ConclusionFailure, ConclusionFor(JobFailed, true))
	assert.Equal(t, ConclusionSkipped, ConclusionFor(JobSkipped, false))
	assert.Equal(t, ConclusionCanceled, ConclusionFor(JobCancelled, false))
	assert.Equal(t, ConclusionNone, ConclusionFor(JobRunning, false))
}

func TestJobStateTerminal(t *testing.T) {
	for _, s := range []JobState{JobPending, JobBlocked, JobQueued, JobRunning} {
		assert.False(t, s.Terminal(), s)
	}
	for _, s := range []JobState{JobSucceeded, JobFailed, JobSkipped, JobCancelled} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestParseEventKind(t *testing.T) {
	k, err := ParseEventKind("Pull-Request")
	require.NoError(t, err)
	assert.Equal(t, EventPullRequest, k)

	_, err = ParseEventKind("tag")
	assert.Error(t, err)
}
