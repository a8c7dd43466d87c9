//go:build !unix

package peermgr

import (
	"os"
	"syscall"
)

var (
	termSignal os.Signal = os.Kill
	killSignal os.Signal = os.Kill
)

func detachAttr() *syscall.SysProcAttr { return nil }

func alive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func signalGroup(pid int, sig os.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}
