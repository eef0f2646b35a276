package deputy

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/procdeputy/deputy/bus/inmem"
	"github.com/procdeputy/deputy/exec"
	"github.com/procdeputy/deputy/probe"
)

// fakeProbe returns a fixed system sample and, for process reads, whatever
// the test stashed in procSamples keyed by PID.
type fakeProbe struct {
	sys          probe.SystemSample
	procSamples  map[int32]probe.ProcSample
}

func (f *fakeProbe) ReadSystem(ctx context.Context) (probe.SystemSample, error) {
	return f.sys, nil
}

func (f *fakeProbe) ReadProcess(ctx context.Context, pid int32) (probe.ProcSample, error) {
	if s, ok := f.procSamples[pid]; ok {
		return s, nil
	}
	return probe.ProcSample{}, nil
}

func newTestDeputy(t *testing.T) (*Deputy, *inmem.Bus, chan *exec.ScriptedProcess) {
	t.Helper()

	b := inmem.New()
	spawned := make(chan *exec.ScriptedProcess, 8)

	dep, err := NewDeputy(Options{
		Host:   "h1",
		Bus:    b,
		Probe:  &fakeProbe{procSamples: make(map[int32]probe.ProcSample)},
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewDeputy: %v", err)
	}

	pid := 100
	dep.supervisor.spawn = func(argv []string) (exec.Process, io.ReadCloser, error) {
		pid++
		proc, r := exec.NewScriptedProcess(pid, nil, exec.ExitStatus{Code: 0})
		spawned <- proc
		return proc, r, nil
	}

	return dep, b, spawned
}

func collectInfo(t *testing.T, b *inmem.Bus) (<-chan Info, func()) {
	t.Helper()
	ch := make(chan Info, 32)
	sub, err := b.Subscribe(InfoTopic, func(payload []byte) {
		var info Info
		if err := json.Unmarshal(payload, &info); err == nil {
			select {
			case ch <- info:
			default:
			}
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return ch, sub.Cancel
}

func waitForInfo(t *testing.T, ch <-chan Info, want func(Info) bool, timeout time.Duration) Info {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case info := <-ch:
			if want(info) {
				return info
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching Info broadcast")
		}
	}
}

// waitForRunLoop blocks until the deputy's Run loop has broadcast its first
// periodic Info. Run subscribes to OrdersTopic on its own goroutine before its
// first tick, and inmem.Bus.Publish reaches only the subscribers registered at
// call time, so Orders published before this returns could be lost.
func waitForRunLoop(t *testing.T, b *inmem.Bus) {
	t.Helper()
	ch, cancel := collectInfo(t, b)
	defer cancel()
	waitForInfo(t, ch, func(Info) bool { return true }, 3*tickInterval)
}

func publishOrders(t *testing.T, b *inmem.Bus, o Orders) {
	t.Helper()
	payload, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal orders: %v", err)
	}
	if err := b.Publish(OrdersTopic, payload); err != nil {
		t.Fatalf("publish orders: %v", err)
	}
}

// TestDeputyStartScenario: a new sheriff_id in an Orders message for this
// host causes the command to be spawned and reported running in the next
// Info broadcast.
func TestDeputyStartScenario(t *testing.T) {
	dep, b, spawned := newTestDeputy(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- dep.Run(ctx) }()
	waitForRunLoop(t, b)

	infoCh, cancelSub := collectInfo(t, b)
	defer cancelSub()

	publishOrders(t, b, Orders{
		Host: "h1", SheriffName: "s1", UTime: time.Now().UnixMicro(),
		Cmds: []OrderCommand{{SheriffID: 1, Name: "/bin/true", DesiredRunID: 1}},
	})

	select {
	case <-spawned:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command to spawn")
	}

	waitForInfo(t, infoCh, func(info Info) bool {
		for _, c := range info.Cmds {
			if c.SheriffID == 1 && c.PID != 0 && c.ActualRunID == 1 {
				return true
			}
		}
		return false
	}, time.Second)

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestDeputyWrongHostScenario: an Orders message for a different host must
// never start anything here.
func TestDeputyWrongHostScenario(t *testing.T) {
	dep, b, spawned := newTestDeputy(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dep.Run(ctx)
	waitForRunLoop(t, b)

	publishOrders(t, b, Orders{
		Host: "other-host", SheriffName: "s1", UTime: time.Now().UnixMicro(),
		Cmds: []OrderCommand{{SheriffID: 1, Name: "/bin/true", DesiredRunID: 1}},
	})

	select {
	case <-spawned:
		t.Fatal("command spawned for an orders message addressed to a different host")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestDeputyStaleOrdersScenario: an Orders message older than MaxMessageAge
// is dropped without starting anything.
func TestDeputyStaleOrdersScenario(t *testing.T) {
	dep, b, spawned := newTestDeputy(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dep.Run(ctx)
	waitForRunLoop(t, b)

	publishOrders(t, b, Orders{
		Host: "h1", SheriffName: "s1", UTime: time.Now().Add(-time.Minute).UnixMicro(),
		Cmds: []OrderCommand{{SheriffID: 1, Name: "/bin/true", DesiredRunID: 1}},
	})

	select {
	case <-spawned:
		t.Fatal("command spawned from stale orders")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestDeputyCullScenario: a previously-ordered command absent from a later
// batch is stopped and, once its process actually exits, removed.
func TestDeputyCullScenario(t *testing.T) {
	dep, b, spawned := newTestDeputy(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dep.Run(ctx)
	waitForRunLoop(t, b)

	publishOrders(t, b, Orders{
		Host: "h1", SheriffName: "s1", UTime: time.Now().UnixMicro(),
		Cmds: []OrderCommand{{SheriffID: 1, Name: "/bin/true", DesiredRunID: 1}},
	})

	var proc *exec.ScriptedProcess
	select {
	case proc = <-spawned:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command to spawn")
	}

	deadline := time.After(time.Second)
	for dep.Supervisor().Get(1) == nil || dep.Supervisor().Get(1).PID == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for command 1 to be running")
		case <-time.After(time.Millisecond):
		}
	}

	// Cull it: absent from this batch, Reconcile marks it for removal and
	// signals it to stop. The process only actually exits once Finish is
	// called, simulating the moment the real SIGTERM takes effect.
	publishOrders(t, b, Orders{
		Host: "h1", SheriffName: "s1", UTime: time.Now().UnixMicro(),
		Cmds: nil,
	})

	deadline = time.After(time.Second)
	for !dep.Supervisor().Get(1).RemoveRequested {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for command 1 to be marked for removal")
		case <-time.After(time.Millisecond):
		}
	}

	proc.Finish()

	deadline = time.After(time.Second)
	for dep.Supervisor().Get(1) != nil {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for command 1 to be culled")
		case <-time.After(time.Millisecond):
		}
	}
}
