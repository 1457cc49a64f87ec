//go:build !unix

package git

import (
	"os/exec"
	"time"
)

func setProcessGroup(*exec.Cmd) {}

// stopProcessGroup kills git outright; there is no portable graceful signal.
func stopProcessGroup(cmd *exec.Cmd, done <-chan error, _ time.Duration) {
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
}
