package scan

import (
	"os/exec"
	"strconv"
	"sync"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// CommandEngine runs evaluations through an external analysis runner:
// one process per project, exit means done. The runner takes the
// project path, the run mode and the result path as arguments.
type CommandEngine struct {
	binary string

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func NewCommandEngine(binary string) *CommandEngine {
	return &CommandEngine{binary: binary}
}

func (e *CommandEngine) Start(project *Project) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil {
		select {
		case <-e.done:
		default:
			return ErrEngineBusy
		}
	}

	cmd := exec.Command(e.binary,
		"--project", project.ProjectPath,
		"--mode", strconv.Itoa(int(project.Mode)),
		"--out", project.ResultPath,
	)
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start runner").With("binary", e.binary)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := cmd.Wait(); err != nil {
			logs.Warnf("runner exited, err: %+v", err)
		}
	}()

	e.cmd = cmd
	e.done = done
	return nil
}

func (e *CommandEngine) Busy() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return false, nil
	}
	select {
	case <-e.done:
		return false, nil
	default:
		return true, nil
	}
}

func (e *CommandEngine) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil || e.cmd.Process == nil {
		return nil
	}
	select {
	case <-e.done:
		return nil
	default:
	}
	if err := e.cmd.Process.Kill(); err != nil {
		return errors.Wrap(err, "kill runner")
	}
	return nil
}
