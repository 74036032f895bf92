// Package process launches the interpreter for a workspace file and exposes
// its output as two line streams plus an exit status.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

var (
	// ErrSpawn means the interpreter could not be started.
	ErrSpawn = errors.New("process: spawn failed")
	// ErrPipe means an output pipe could not be attached.
	ErrPipe = errors.New("process: output pipe unavailable")
	// ErrWait means waiting for the process failed for a reason other than
	// a non-zero exit.
	ErrWait = errors.New("process: wait failed")
)

// Supervisor starts one fresh interpreter process per request.
type Supervisor struct {
	binary string
}

// New returns a Supervisor that runs binary with the workspace file as its
// only argument.
func New(binary string) *Supervisor {
	return &Supervisor{binary: binary}
}

// Binary returns the interpreter executable.
func (s *Supervisor) Binary() string { return s.binary }

// Handle is a running interpreter. Both line streams must reach io.EOF
// before Wait is called.
type Handle struct {
	cmd    *exec.Cmd
	Stdout *LineReader
	Stderr *LineReader
}

// Spawn starts the interpreter against path with stdout and stderr piped.
// Stdin is left unconnected.
func (s *Supervisor) Spawn(path string) (*Handle, error) {
	cmd := exec.Command(s.binary, path)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout: %w", ErrPipe, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr: %w", ErrPipe, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, s.binary, err)
	}

	return &Handle{
		cmd:    cmd,
		Stdout: NewLineReader(stdout),
		Stderr: NewLineReader(stderr),
	}, nil
}

// PID returns the operating system process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// ExitStatus is how the interpreter terminated.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   string
}

func (s ExitStatus) String() string {
	if s.Signaled {
		return "signal: " + s.Signal
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// Success reports whether the process exited with code zero.
func (s ExitStatus) Success() bool { return !s.Signaled && s.Code == 0 }

// Wait blocks until the process exits. A non-zero exit is reported in the
// status, not as an error.
func (h *Handle) Wait() (ExitStatus, error) {
	err := h.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return ExitStatus{}, fmt.Errorf("%w: %w", ErrWait, err)
		}
	}
	return statusOf(h.cmd), nil
}

// Kill stops the process. It is used only on fatal relay errors.
func (h *Handle) Kill() error {
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing pid %d: %w", h.PID(), err)
	}
	return nil
}

func statusOf(cmd *exec.Cmd) ExitStatus {
	ps := cmd.ProcessState
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signaled: true, Signal: ws.Signal().String()}
	}
	return ExitStatus{Code: ps.ExitCode()}
}
