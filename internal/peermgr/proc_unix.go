//go:build unix

package peermgr

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	termSignal os.Signal = unix.SIGTERM
	killSignal os.Signal = unix.SIGKILL
)

// detachAttr puts the peer in its own process group so that Stop can signal
// everything it spawned.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func signalGroup(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		s = unix.SIGTERM
	}
	if err := unix.Kill(-pid, s); err != nil {
		// Not a group leader (or already gone as a group): fall back to the pid.
		if errors.Is(err, unix.ESRCH) {
			return unix.Kill(pid, s)
		}
		return err
	}
	return nil
}
