package exec

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// sleepProcess is a Process that only idles for a duration, used in tests in
// place of a real fork+exec. If delay is larger than 0, it sleeps that long
// after receiving a catchable signal before actually exiting, modelling a
// command that ignores SIGTERM for a while.
type sleepProcess struct {
	once  sync.Once
	stop  chan struct{}
	timer *time.Timer
	delay time.Duration

	pid    int
	exit   int32 // 0 = clean, >0 = signal number, -1 = still running sentinel unused
	signal int32
}

// NewSleepProcess creates a mock Process for tests.
func NewSleepProcess(dura, delay time.Duration, pid int) Process {
	return &sleepProcess{
		stop:  make(chan struct{}),
		timer: time.NewTimer(dura),
		delay: delay,
		pid:   pid,
	}
}

func (mock *sleepProcess) PID() int { return mock.pid }

func (mock *sleepProcess) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return errors.New("unknown signal type")
	}

	switch s {
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGKILL:
	default:
		return errors.New("unknown signal")
	}

	go func() {
		if mock.delay > 0 && s != syscall.SIGKILL {
			select {
			case <-time.After(mock.delay):
			case <-mock.stop:
				return
			}
		}

		if !atomic.CompareAndSwapInt32(&mock.signal, 0, int32(s)) {
			return
		}

		close(mock.stop)
		mock.timer.Stop()
	}()

	return nil
}

func (mock *sleepProcess) Kill() error {
	return mock.Signal(syscall.SIGKILL)
}

func (mock *sleepProcess) Wait() ExitStatus {
	mock.once.Do(func() {
		select {
		case <-mock.stop:
		case <-mock.timer.C:
		}
	})

	if sig := syscall.Signal(atomic.LoadInt32(&mock.signal)); sig != 0 {
		return ExitStatus{PID: mock.pid, Signaled: true, Signal: sig}
	}
	return ExitStatus{PID: mock.pid, Code: 0}
}

// ScriptedProcess is a mock Process that produces a fixed byte sequence on
// its output pipe and then exits with a fixed status, used to test output
// forwarding fidelity without spawning a real command.
type ScriptedProcess struct {
	pid    int
	output []byte
	status ExitStatus
	done   chan struct{}
}

// NewScriptedProcess creates a mock process along with the read end of a
// pipe; a background goroutine writes output into the pipe and then closes
// its write end, as if the real child had produced that output and exited.
func NewScriptedProcess(pid int, output []byte, status ExitStatus) (*ScriptedProcess, *os.File) {
	r, w, err := os.Pipe()
	if err != nil {
		panic(err)
	}

	go func() {
		w.Write(output)
		w.Close()
	}()

	status.PID = pid
	return &ScriptedProcess{pid: pid, output: output, status: status, done: make(chan struct{})}, r
}

func (s *ScriptedProcess) PID() int             { return s.pid }
func (s *ScriptedProcess) Signal(os.Signal) error { return nil }
func (s *ScriptedProcess) Kill() error           { return nil }

func (s *ScriptedProcess) Wait() ExitStatus {
	<-s.done
	return s.status
}

// Finish unblocks Wait, simulating the moment the process actually exits.
func (s *ScriptedProcess) Finish() {
	close(s.done)
}
