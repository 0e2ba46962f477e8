package node

import (
	"bufio"
	"errors"
	"io"
	"os/exec"
	"sync"
)

// Process is a started external process.
type Process interface {
	Pid() int

	// Wait blocks until the process exits and returns its exit code.  A
	// non-nil error means the exit status could not be determined.
	Wait() (int, error)
}

// ProcessStarter spawns external processes.  Each output line of the child
// (stdout and stderr) is handed to onOutput.
type ProcessStarter interface {
	Start(name string, args []string, onOutput func(stream, line string)) (Process, error)
}

// ExecStarter starts real processes.  Processes are not tied to a context
// and are placed in their own process group, so they outlive the bring-up
// run and a terminal interrupt aimed at the launcher does not reach them.
type ExecStarter struct{}

var _ ProcessStarter = ExecStarter{}

func (ExecStarter) Start(name string, args []string, onOutput func(stream, line string)) (Process, error) {
	cmd := exec.Command(name, args...)
	detachProcessGroup(cmd)

	stdOut, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stdErr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	err = cmd.Start()
	if err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd}
	p.readers.Add(2)
	go p.forward("stdout", stdOut, onOutput)
	go p.forward("stderr", stdErr, onOutput)

	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	readers sync.WaitGroup
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) forward(stream string, rdr io.Reader, onOutput func(stream, line string)) {
	defer p.readers.Done()

	bufRdr := bufio.NewReader(rdr)
	for {
		line, _, err := bufRdr.ReadLine()
		if err != nil {
			return
		}

		if onOutput != nil {
			onOutput(stream, string(line))
		}
	}
}

func (p *execProcess) Wait() (int, error) {
	// the pipes must be drained before Wait closes them
	p.readers.Wait()

	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
