//go:build !unix

package runner

import (
	"os/exec"
	"time"
)

// configureProcessGroup falls back to killing the direct child.
func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) (stop func()) {
	cmd.WaitDelay = grace
	return func() {}
}
