// Package exec provides an abstraction around package os' Process
// implementation for easier testing, extended with merged stdout+stderr
// pipe capture since the deputy forwards a command's combined output
// verbatim as printf messages.
package exec

import (
	"os"
	"runtime"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Process describes a spawned command process.
type Process interface {
	PID() int
	Signal(os.Signal) error
	Kill() error
	Wait() ExitStatus
}

// ExitStatus is a process' exit status, classified the way the reap path
// needs it: a plain exit code, or the signal that terminated it and whether
// that termination dumped core.
type ExitStatus struct {
	PID      int
	Code     int // meaningful only when Signaled is false
	Signaled bool
	Signal   syscall.Signal
	CoreDump bool
	Error    error
}

type process struct {
	*os.Process
}

var _ Process = process{}

// FindProcess wraps an existing process ID, used for takeover of a process
// that outlived a prior deputy incarnation.
func FindProcess(pid int) (Process, error) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}
	return process{p}, nil
}

// StartProcess forks and execs argv, returning the running process and the
// read end of a pipe carrying its merged stdout and stderr.
func StartProcess(argv []string, env []string) (Process, *os.File, error) {
	// Lock this goroutine to the OS thread for the duration of fork+exec so
	// Pdeathsig is delivered to the right child; see golang.org/issue/27505.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create output pipe")
	}

	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, nil, errors.Wrap(err, "failed to set pipe non-blocking")
	}

	p, err := os.StartProcess(argv[0], argv, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{devNull(), w, w},
		Sys: &syscall.SysProcAttr{
			// Die with the parent rather than being reparented into an
			// indeterminate process group when the deputy itself is killed.
			Pdeathsig: syscall.SIGTERM,
		},
	})

	// The write end belongs to the child now; the parent must not hold it
	// open; only the child's copy dying triggers EOF on r.
	w.Close()

	if err != nil {
		r.Close()
		return nil, nil, err
	}

	return process{p}, r, nil
}

func devNull() *os.File {
	f, err := os.Open(os.DevNull)
	if err != nil {
		// Extremely unlikely; fall back to no stdin rather than failing
		// the spawn outright.
		return nil
	}
	return f
}

func (proc process) PID() int {
	return proc.Pid
}

// Wait waits for the process to exit. It must be called on the same
// goroutine for the lifetime of the process; the caller's goroutine may
// block here, since this is run off the event loop.
func (proc process) Wait() ExitStatus {
	state, err := proc.Process.Wait()
	if err != nil {
		return ExitStatus{PID: proc.Pid, Code: -1, Error: err}
	}

	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitStatus{PID: proc.Pid, Code: state.ExitCode()}
	}

	if ws.Signaled() {
		return ExitStatus{
			PID:      proc.Pid,
			Signaled: true,
			Signal:   ws.Signal(),
			CoreDump: ws.CoreDump(),
		}
	}

	return ExitStatus{PID: proc.Pid, Code: ws.ExitStatus()}
}
