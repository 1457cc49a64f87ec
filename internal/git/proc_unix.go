//go:build unix

package git

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup starts git in its own process group so that helpers it
// spawns (ssh, credential helpers, hooks) are stopped along with it.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// stopProcessGroup sends SIGTERM to the group, which lets git drop its
// index.lock and ref locks, and escalates to SIGKILL once grace has passed.
// It returns after the leader has been reaped through done. Group members
// that outlive the leader are killed.
func stopProcessGroup(cmd *exec.Cmd, done <-chan error, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		<-done
		return
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		// Already gone, or never got its own group.
		_ = cmd.Process.Kill()
		<-done
		return
	}

	if signalGroup(pgid, syscall.SIGTERM) {
		select {
		case <-done:
			signalGroup(pgid, syscall.SIGKILL)
			return
		case <-time.After(grace):
		}
	}

	signalGroup(pgid, syscall.SIGKILL)
	<-done
}

// signalGroup reports whether the group still had members to signal.
func signalGroup(pgid int, sig syscall.Signal) bool {
	err := syscall.Kill(-pgid, sig)
	return err == nil || !errors.Is(err, syscall.ESRCH)
}
