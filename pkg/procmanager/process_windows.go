//go:build windows

package procmanager

import (
	"errors"
	"os/exec"

	winjob "github.com/kolesnikovae/go-winjob"
)

// platformState holds the Windows job object the child was assigned to.
// Closing the job terminates every process it contains, which is how we
// reach grandchildren a backend spawns — Windows has no process-group
// signal equivalent to POSIX's negative-PID kill.
type platformState struct {
	job *winjob.Job
}

func setPlatformAttrs(cmd *exec.Cmd) {}

// afterStart assigns the freshly started process to a new job object
// configured to kill all member processes when the job handle closes.
func (p *platformState) afterStart(cmd *exec.Cmd) error {
	job, err := winjob.Assign(cmd.Process.Pid)
	if err != nil {
		return err
	}
	p.job = job
	return nil
}

// terminateGracefully has no POSIX-signal equivalent on Windows; the
// caller falls straight through to kill.
func terminateGracefully(cmd *exec.Cmd) error {
	return errors.New("graceful termination unsupported on windows")
}

func (p *platformState) kill(cmd *exec.Cmd) error {
	if p.job != nil {
		return p.job.Close()
	}
	return cmd.Process.Kill()
}
