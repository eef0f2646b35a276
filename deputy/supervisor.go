package deputy

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/procdeputy/deputy/exec"
)

const (
	// killRateLimit is the minimum time between successive stop signals to
	// the same command
	killRateLimit = 900 * time.Millisecond
	// killsBeforeSIGKILL is the number of SIGTERMs sent before escalating
	// to SIGKILL.
	killsBeforeSIGKILL = 5
	// readChunk is the size of each read from a command's output pipe,
	// well above the minimum useful chunk size for line-buffered output.
	readChunk = 4096
)

// Sink receives everything the Supervisor observes: output lines, status
// notices, and terminations. The Deputy's event loop implements Sink so that
// every callback funnels back onto the single loop goroutine instead of
// mutating Command state from a reader or waiter goroutine.
type Sink interface {
	Printf(sheriffID int32, text string)
	ChildExited(sheriffID int32, status exec.ExitStatus)
}

// running is the bookkeeping the Supervisor keeps per live command, kept out
// of Command itself since Command's field set is the public data model,
// not an implementation detail.
type running struct {
	proc   exec.Process
	stdout io.ReadCloser
	done   chan struct{} // closed once the output-forwarding goroutine exits
}

// Supervisor owns the set of managed Commands, keyed by SheriffID, and the
// OS-level machinery to spawn, signal, and reap them.
type Supervisor struct {
	mu       sync.Mutex
	commands map[int32]*Command
	procs    map[int32]*running

	sink  Sink
	now   func() time.Time
	spawn func(argv []string) (exec.Process, io.ReadCloser, error)
}

// NewSupervisor creates an empty Supervisor reporting to sink.
func NewSupervisor(sink Sink) *Supervisor {
	return &Supervisor{
		commands: make(map[int32]*Command),
		procs:    make(map[int32]*running),
		sink:     sink,
		now:      time.Now,
		spawn: func(argv []string) (exec.Process, io.ReadCloser, error) {
			p, r, err := exec.StartProcess(argv, nil)
			if err != nil {
				return nil, nil, err
			}
			return p, r, nil
		},
	}
}

// Add inserts a new stopped Command under sheriffID. It is the Reconciler's
// entry point for a sheriff_id it hasn't seen before.
func (s *Supervisor) Add(sheriffID int32, commandString string) *Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := &Command{SheriffID: sheriffID, CommandString: commandString}
	s.commands[sheriffID] = cmd
	return cmd
}

// Get returns the Command for sheriffID, or nil if absent.
func (s *Supervisor) Get(sheriffID int32) *Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[sheriffID]
}

// All returns every currently-tracked Command. The returned slice is a
// snapshot; safe to range over without further locking.
func (s *Supervisor) All() []*Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Command, 0, len(s.commands))
	for _, c := range s.commands {
		out = append(out, c)
	}
	return out
}

// Status reports whether cmd currently has a live child.
func (s *Supervisor) Status(cmd *Command) Status {
	return cmd.Status()
}

// Start spawns cmd.CommandString if it isn't already running, assigning
// runid as its ActualRunID only on success — on failure ActualRunID is left
// where it was, so the next reconciliation naturally retries the start.
func (s *Supervisor) Start(cmd *Command, runid int32) {
	if cmd.PID != 0 {
		return
	}

	argv := strings.Fields(cmd.CommandString)
	if len(argv) == 0 {
		s.sink.Printf(cmd.SheriffID, fmt.Sprintf("cannot start %q: empty command", cmd.CommandString))
		return
	}

	proc, stdout, err := s.spawn(argv)
	if err != nil {
		s.sink.Printf(cmd.SheriffID, fmt.Sprintf("couldn't start %s: %v", cmd.CommandString, err))
		return
	}

	cmd.PID = proc.PID()
	cmd.ActualRunID = runid
	cmd.NumKillsSent = 0
	cmd.LastKillTime = time.Time{}

	r := &running{proc: proc, stdout: stdout, done: make(chan struct{})}

	s.mu.Lock()
	s.procs[cmd.SheriffID] = r
	s.mu.Unlock()

	go s.forwardOutput(cmd.SheriffID, stdout, r.done)
	go s.waitForExit(cmd.SheriffID, proc)

	s.sink.Printf(cmd.SheriffID, fmt.Sprintf("started %s (pid %d)", cmd.CommandString, cmd.PID))
}

// forwardOutput drains stdout in fixed chunks, forwarding each chunk
// verbatim as a printf, until EOF or a read error, then reports a single
// notice and exits.
func (s *Supervisor) forwardOutput(sheriffID int32, stdout io.ReadCloser, done chan struct{}) {
	defer close(done)

	buf := make([]byte, readChunk)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			s.sink.Printf(sheriffID, string(buf[:n]))
		}
		if err != nil {
			if err != io.EOF {
				s.sink.Printf(sheriffID, fmt.Sprintf("read error on output pipe: %v", err))
			}
			return
		}
	}
}

// waitForExit blocks (on its own goroutine, never on the loop) until proc
// exits, then reports the exit to the sink exactly once.
func (s *Supervisor) waitForExit(sheriffID int32, proc exec.Process) {
	status := proc.Wait()
	s.sink.ChildExited(sheriffID, status)
}

// Stop escalates a termination signal toward cmd, rate-limited to at most
// one signal per killRateLimit. The first killsBeforeSIGKILL signals are
// SIGTERM; the next is SIGKILL. Stop never blocks waiting for the child to
// actually exit.
func (s *Supervisor) Stop(cmd *Command) {
	if cmd.PID == 0 {
		return
	}

	now := s.now()
	if !cmd.LastKillTime.IsZero() && now.Sub(cmd.LastKillTime) < killRateLimit {
		return
	}

	sig := syscall.SIGTERM
	if cmd.NumKillsSent >= killsBeforeSIGKILL {
		sig = syscall.SIGKILL
	}

	s.KillCmd(cmd, sig)
	cmd.NumKillsSent++
	cmd.LastKillTime = now
}

// KillCmd delivers sig to cmd's child unconditionally, regardless of rate
// limiting. Used by Stop, and directly by RemoveAll's final sweep.
func (s *Supervisor) KillCmd(cmd *Command, sig syscall.Signal) {
	s.mu.Lock()
	r := s.procs[cmd.SheriffID]
	s.mu.Unlock()

	if r == nil {
		return
	}

	if err := r.proc.Signal(sig); err != nil {
		s.sink.Printf(cmd.SheriffID, fmt.Sprintf("failed to send %s: %v", sig, err))
	}
}

// Reap finalizes a terminated child: it drains any output still buffered in
// the pipe, emits the termination notice (including a "Core dumped." notice
// when applicable), deregisters and closes the pipe, and either deletes the
// Command (if RemoveRequested) or resets it to pid=0 with ExitStatus set.
func (s *Supervisor) Reap(cmd *Command, status exec.ExitStatus) {
	s.mu.Lock()
	r := s.procs[cmd.SheriffID]
	delete(s.procs, cmd.SheriffID)
	s.mu.Unlock()

	if r != nil {
		// Wait for the forwarding goroutine to observe EOF and drain
		// whatever was left, rather than racing a manual final read
		// against it.
		<-r.done
		r.stdout.Close()
	}

	cmd.PID = 0
	if status.Signaled {
		cmd.ExitStatus = ExitStatus{Signaled: true, Signal: status.Signal.String(), CoreDump: status.CoreDump}
		s.sink.Printf(cmd.SheriffID, fmt.Sprintf("terminated by signal %s", status.Signal))
		if status.CoreDump {
			s.sink.Printf(cmd.SheriffID, "Core dumped.")
		}
	} else {
		cmd.ExitStatus = ExitStatus{Code: status.Code}
		s.sink.Printf(cmd.SheriffID, fmt.Sprintf("exited with status %d", status.Code))
	}

	if cmd.RemoveRequested {
		s.mu.Lock()
		delete(s.commands, cmd.SheriffID)
		s.mu.Unlock()
	}
}

// removeImmediately deletes sheriffID's Command with no signals sent, used
// by the Reconciler's cull step for a command that never had a live child.
func (s *Supervisor) removeImmediately(sheriffID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.commands, sheriffID)
}

// RemoveAll stops every running child and removes every Command; used only
// during deputy shutdown.
func (s *Supervisor) RemoveAll() {
	for _, cmd := range s.All() {
		if cmd.PID != 0 {
			s.KillCmd(cmd, syscall.SIGTERM)
		}
	}

	s.mu.Lock()
	s.commands = make(map[int32]*Command)
	s.mu.Unlock()
}
