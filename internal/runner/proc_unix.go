//go:build unix

package runner

import (
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// configureProcessGroup starts the command in its own process group. On
// cancellation the whole group gets SIGTERM and, after grace, SIGKILL. The
// returned func must be called after Wait.
func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) (stop func()) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var mu sync.Mutex
	var killTimer *time.Timer
	exited := false

	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		err := syscall.Kill(pgid, syscall.SIGTERM)
		mu.Lock()
		defer mu.Unlock()
		if !exited {
			killTimer = time.AfterFunc(grace, func() {
				syscall.Kill(pgid, syscall.SIGKILL)
			})
		}
		return err
	}
	// Bounds the wait for pipes held open by orphaned children.
	cmd.WaitDelay = grace + time.Second

	return func() {
		mu.Lock()
		defer mu.Unlock()
		exited = true
		if killTimer != nil {
			killTimer.Stop()
			// The leader is gone; take down stragglers in its group.
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
}
