package trigger

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/vk/pipegrid/internal/model"
)

// matchGlob matches a branch name against a filter pattern. `*` matches any
// run of characters except '/', `**` also crosses '/', and `?` matches one
// character. A malformed pattern matches nothing.
func matchGlob(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if matchGlob(RefName(p), name) {
			return true
		}
	}
	return false
}

// ValidateFilters rejects branch filters that can never match.
func ValidateFilters(rule *model.TriggerRule) error {
	for _, list := range [][]string{rule.Branches, rule.BranchesIgnore} {
		for _, p := range list {
			if !doublestar.ValidatePattern(RefName(p)) {
				return fmt.Errorf("invalid branch filter %q on %s trigger", p, rule.Event)
			}
		}
	}
	return nil
}
