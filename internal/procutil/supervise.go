package procutil

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// DefaultKillGrace is the delay between SIGTERM and SIGKILL.
const DefaultKillGrace = 2 * time.Second

// killWait bounds the wait for cmd.Wait after SIGKILL.
var killWait = 2 * time.Second

// Wait waits for a started cmd. When ctx ends first the process group gets
// SIGTERM, then SIGKILL after grace, and interrupted is true. waitErr is the
// error from cmd.Wait; err reports a failure to stop the process.
//
// cmd.Wait can outlive the process when a descendant that left the group
// still holds its output pipes. If the leader is confirmed dead once killWait
// passes, the stop is reported as successful and the Wait goroutine is left
// to finish when the pipes close.
func Wait(ctx context.Context, cmd *exec.Cmd, grace time.Duration) (waitErr error, interrupted bool, err error) {
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	select {
	case waitErr := <-waitCh:
		return waitErr, false, nil
	case <-ctx.Done():
	}

	if err := Terminate(cmd); err != nil {
		return nil, true, err
	}
	if grace > 0 {
		select {
		case waitErr := <-waitCh:
			return waitErr, true, nil
		case <-time.After(grace):
		}
	}
	if err := Kill(cmd); err != nil {
		return nil, true, err
	}
	select {
	case waitErr := <-waitCh:
		return waitErr, true, nil
	case <-time.After(killWait):
	}
	if pid := cmd.Process.Pid; PIDAlive(pid) {
		return nil, true, fmt.Errorf("process %d still alive after SIGKILL", pid)
	}
	return nil, true, nil
}
