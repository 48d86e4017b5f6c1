//go:build darwin || linux

// Package procgroup runs helper processes (browsers, proxy subprocesses) in
// their own session so a whole process tree can be signalled at once.
package procgroup

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/treykane/chrome-server/internal/util"
)

// ErrForced is returned by Stop when the group ignored SIGTERM for the whole
// grace period and was sent SIGKILL.
var ErrForced = errors.New("process group killed after grace period")

// Setup configures cmd to start in a new session. The child becomes the
// leader of a process group whose id equals its pid.
func Setup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setpgid = false
	cmd.SysProcAttr.Pgid = 0
}

// Signal delivers sig to the process group led by pid. A group that no
// longer exists yields os.ErrProcessDone.
func Signal(pid int, sig syscall.Signal) error {
	// kill(-1) and kill(0) would hit unrelated processes.
	if pid <= 1 {
		return os.ErrProcessDone
	}
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// Stop sends SIGTERM to the group led by pid and waits for done to close.
// When ctx ends first (or ProcessStopGrace elapses for a ctx without
// deadline) the group gets SIGKILL and ErrForced is returned without waiting
// further; the caller's reaper still collects the exit status.
func Stop(ctx context.Context, pid int, done <-chan struct{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, util.ProcessStopGrace)
		defer cancel()
	}
	if err := Signal(pid, unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	_ = Signal(pid, unix.SIGKILL)
	return ErrForced
}
