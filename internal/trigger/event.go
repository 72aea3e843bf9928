package trigger

import (
	"fmt"
	"strings"

	"github.com/vk/pipegrid/internal/model"
)

const (
	headsPrefix = "refs/heads/"
	tagsPrefix  = "refs/tags/"
)

// Event is an incoming occurrence that may admit pipelines.
type Event struct {
	Kind       model.EventKind   `json:"event"`
	Ref        string            `json:"ref"`
	Actor      string            `json:"actor,omitempty"`
	SHA        string            `json:"sha,omitempty"`
	Repository string            `json:"repository,omitempty"`
	Schedule   string            `json:"schedule,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
}

// Validate checks that the event can be matched.
func (ev Event) Validate() error {
	if _, err := model.ParseEventKind(string(ev.Kind)); err != nil {
		return err
	}
	if ev.Kind == model.EventSchedule && ev.Schedule == "" {
		return fmt.Errorf("schedule event without a schedule")
	}
	return nil
}

// NormalizeRef expands a bare branch name into a full ref. Full refs are
// returned unchanged.
func NormalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "refs/") {
		return ref
	}
	return headsPrefix + ref
}

// RefName returns the short name of a ref: "refs/heads/main" -> "main".
func RefName(ref string) string {
	ref = NormalizeRef(ref)
	switch {
	case strings.HasPrefix(ref, headsPrefix):
		return strings.TrimPrefix(ref, headsPrefix)
	case strings.HasPrefix(ref, tagsPrefix):
		return strings.TrimPrefix(ref, tagsPrefix)
	}
	return ref
}
