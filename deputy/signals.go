package deputy

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SignalEvent tags which kind of signal woke the loop.
type SignalEvent byte

const (
	// SigChild means a child (or several) has exited; the loop should call
	// the Supervisor's reap path.
	SigChild SignalEvent = 1 << iota
	// SigTerminate means one of SIGINT/SIGHUP/SIGQUIT/SIGTERM arrived; the
	// loop should begin graceful shutdown.
	SigTerminate
)

// signalBridge converts asynchronous OS signals into typed events delivered
// on the event loop's goroutine via a self-pipe: the only thing touched from
// signal-handling context is a write of one byte to a pipe (performed by the
// pump goroutine fed by the runtime's own async-safe signal channel), never
// deputy state directly. Repeated occurrences of the same signal kind
// between two reads by the loop collapse into a single event, via the
// pending bitmask rather than the pipe's byte count.
type signalBridge struct {
	raw     chan os.Signal
	wake    chan struct{}
	pending uint32 // bitmask of SignalEvent bits, set from pump, read by loop
	r, w    *os.File
	stopCh  chan struct{}
}

// newSignalBridge installs handlers for the five signals the deputy tracks.
func newSignalBridge() (*signalBridge, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create signal self-pipe")
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, errors.Wrap(err, "failed to set self-pipe non-blocking")
	}

	b := &signalBridge{
		raw:    make(chan os.Signal, 16),
		wake:   make(chan struct{}, 1),
		r:      r,
		w:      w,
		stopCh: make(chan struct{}),
	}

	signal.Notify(b.raw,
		syscall.SIGCHLD,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)

	go b.pump()

	return b, nil
}

// pump is fed by the runtime's signal-delivery channel. It sets the
// appropriate bit in pending, wakes the loop through the wake channel, and
// writes one byte to the self-pipe; the byte's value is never inspected,
// Take only drains it.
func (b *signalBridge) pump() {
	for {
		select {
		case sig := <-b.raw:
			bit := uint32(SigTerminate)
			if sig == syscall.SIGCHLD {
				bit = uint32(SigChild)
			}
			for {
				old := atomic.LoadUint32(&b.pending)
				if atomic.CompareAndSwapUint32(&b.pending, old, old|bit) {
					break
				}
			}

			select {
			case b.wake <- struct{}{}:
			default:
			}
			b.w.Write([]byte{0})

		case <-b.stopCh:
			return
		}
	}
}

// Wake is the channel the loop selects on for signal readiness.
func (b *signalBridge) Wake() <-chan struct{} { return b.wake }

// Take atomically consumes and returns the set of coalesced SignalEvents
// pending since the last call, also draining the self-pipe bytes that
// accompanied them.
func (b *signalBridge) Take() []SignalEvent {
	mask := atomic.SwapUint32(&b.pending, 0)

	// Best-effort drain of whatever accumulated in the self-pipe; the real
	// signal information lives in the bitmask above, this only keeps the
	// pipe from filling up. The read end is non-blocking, so this returns
	// promptly whether or not there was anything queued.
	// (*os.File).Fd switches the descriptor back to blocking mode, and
	// (*os.File).Read would park in the poller on an empty pipe, so the
	// descriptor is set non-blocking again and read directly.
	buf := make([]byte, 64)
	fd := int(b.r.Fd())
	unix.SetNonblock(fd, true)
	unix.Read(fd, buf)

	var events []SignalEvent
	if mask&uint32(SigChild) != 0 {
		events = append(events, SigChild)
	}
	if mask&uint32(SigTerminate) != 0 {
		events = append(events, SigTerminate)
	}
	return events
}

// Close stops the signal pump and closes the self-pipe.
func (b *signalBridge) Close() {
	signal.Stop(b.raw)
	close(b.stopCh)
	b.w.Close()
	b.r.Close()
}
