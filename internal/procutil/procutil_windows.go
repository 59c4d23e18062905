//go:build windows

package procutil

import (
	"errors"
	"os"
	"os/exec"
)

func ProcFSAvailable() bool { return false }

func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}

func PIDZombie(int) bool { return false }

func SetProcessGroup(*exec.Cmd) {}

func OwnsProcessGroup(*exec.Cmd) bool { return false }

// Terminate has no graceful form on Windows; the process is killed.
func Terminate(cmd *exec.Cmd) error { return Kill(cmd) }

func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
