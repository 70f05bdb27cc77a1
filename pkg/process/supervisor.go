// Package process provides child process supervision for backend engines.
package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/lemonade-sdk/lemonade/pkg/logging"
	"github.com/pkg/errors"
	gops "github.com/shirou/gopsutil/v4/process"
)

const (
	// DefaultStopGrace is how long a child gets to exit after a terminate
	// signal before it is force killed.
	DefaultStopGrace = 5 * time.Second
)

// ErrWaitTimeout indicates that a child did not exit before the deadline.
var ErrWaitTimeout = errors.New("process did not exit before deadline")

// Spec describes a child process to spawn.
type Spec struct {
	// Path is the executable path.
	Path string
	// Args are the command arguments, not including the executable name.
	Args []string
	// Env is appended to the current environment when non-nil.
	Env []string
	// Dir is the working directory. Empty means inherit.
	Dir string
	// Stdout receives the child's stdout when non-nil.
	Stdout io.Writer
	// Stderr receives the child's stderr when non-nil.
	Stderr io.Writer
}

// Handle tracks a spawned child process.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	exitErr  error
}

// Pid returns the child's process ID.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Alive reports whether the child is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the child exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the child's exit code. It is only meaningful after Done
// is closed; -1 means the child was killed by a signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Err returns the error reported when the child was reaped, nil for a
// clean zero exit. Like ExitCode it is only meaningful after Done is
// closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Supervisor spawns and terminates backend child processes.
type Supervisor struct {
	log logging.Logger
}

// NewSupervisor creates a supervisor using the given logger.
func NewSupervisor(log logging.Logger) *Supervisor {
	return &Supervisor{log: log}
}

// Spawn starts the described child and begins reaping it in the background.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", spec.Path)
	}
	s.log.Infof("started %s (pid %d)", spec.Path, cmd.Process.Pid)

	h := &Handle{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		h.exitCode = cmd.ProcessState.ExitCode()
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

// Wait blocks until the child exits or the context is done. It returns the
// exit code on normal exit and ErrWaitTimeout when the context expires
// first.
func (s *Supervisor) Wait(ctx context.Context, h *Handle) (int, error) {
	select {
	case <-h.done:
		return h.ExitCode(), nil
	case <-ctx.Done():
		return -1, ErrWaitTimeout
	}
}

// Stop terminates the child gracefully, escalating to a tree kill after the
// grace period. It always waits for the child to be reaped before
// returning.
func (s *Supervisor) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	if !h.Alive() {
		return nil
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	pid := int32(h.Pid())
	// Capture children before signalling the parent. Once the parent dies
	// its children get reparented and can no longer be enumerated through
	// it.
	children := childrenOf(pid)

	if err := terminate(pid); err != nil {
		s.log.Warnf("failed to signal pid %d: %v", pid, err)
	}

	select {
	case <-h.done:
	case <-time.After(grace):
		s.log.Warnf("pid %d did not exit within %s, killing process tree", pid, grace)
		s.KillTree(pid)
		<-h.done
	case <-ctx.Done():
		s.KillTree(pid)
		<-h.done
	}

	// Reap any children that survived the parent.
	for _, child := range children {
		if alive, _ := child.IsRunning(); alive {
			s.log.Warnf("terminating orphaned child pid %d", child.Pid)
			_ = child.Terminate()
		}
	}
	time.Sleep(100 * time.Millisecond)
	for _, child := range children {
		if alive, _ := child.IsRunning(); alive {
			_ = child.Kill()
		}
	}
	return nil
}

// KillTree force kills a process and all of its descendants, children
// first having been enumerated before the parent dies.
func (s *Supervisor) KillTree(pid int32) {
	children := childrenOf(pid)
	if proc, err := gops.NewProcess(pid); err == nil {
		_ = proc.Kill()
	}
	for _, child := range children {
		s.KillTree(child.Pid)
	}
}

// childrenOf enumerates the direct children of pid. A dead or unreadable
// process yields an empty set.
func childrenOf(pid int32) []*gops.Process {
	proc, err := gops.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := proc.Children()
	if err != nil {
		return nil
	}
	return children
}

// terminate sends the platform's graceful termination signal to pid.
func terminate(pid int32) error {
	proc, err := gops.NewProcess(pid)
	if err != nil {
		return err
	}
	return proc.Terminate()
}
