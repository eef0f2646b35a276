package deputy

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/procdeputy/deputy/exec"
)

type recordingSink struct {
	lines []string
	exits []int32
}

func (s *recordingSink) Printf(sheriffID int32, text string) {
	s.lines = append(s.lines, text)
}

func (s *recordingSink) ChildExited(sheriffID int32, status exec.ExitStatus) {
	s.exits = append(s.exits, sheriffID)
}

func newTestReconciler(host string) (*Reconciler, *Supervisor, *recordingSink) {
	sink := &recordingSink{}
	sup := NewSupervisor(sink)
	return NewReconciler(host, sup, NewCounters(), sink), sup, sink
}

func TestReconcileNewCommandStarts(t *testing.T) {
	r, sup, _ := newTestReconciler("host1")

	orders := Orders{
		Host:  "host1",
		UTime: time.Now().UnixMicro(),
		Cmds: []OrderCommand{
			{SheriffID: 1, Name: "/bin/true", DesiredRunID: 1},
		},
	}

	acted := r.Reconcile(orders)
	if !acted {
		t.Fatal("expected Reconcile to report action on a new command")
	}

	cmd := sup.Get(1)
	if cmd == nil {
		t.Fatal("expected command 1 to be tracked")
	}
	if cmd.CommandString != "/bin/true" {
		t.Errorf("CommandString = %q, want /bin/true", cmd.CommandString)
	}
}

func TestReconcileWrongHostIgnored(t *testing.T) {
	r, sup, _ := newTestReconciler("host1")

	orders := Orders{
		Host:  "host2",
		UTime: time.Now().UnixMicro(),
		Cmds:  []OrderCommand{{SheriffID: 1, Name: "/bin/true", DesiredRunID: 1}},
	}

	if acted := r.Reconcile(orders); acted {
		t.Fatal("expected no action for an orders message addressed to another host")
	}
	if r.counters.OrdersSeen != 1 {
		t.Errorf("OrdersSeen = %d, want 1", r.counters.OrdersSeen)
	}
	if r.counters.OrdersForMe != 0 {
		t.Errorf("OrdersForMe = %d, want 0", r.counters.OrdersForMe)
	}
	if sup.Get(1) != nil {
		t.Fatal("expected no command to be created for a wrong-host message")
	}
}

func TestReconcileStaleOrdersIgnored(t *testing.T) {
	r, sup, sink := newTestReconciler("host1")

	old := time.Now().Add(-time.Minute).UnixMicro()
	orders := Orders{
		Host:  "host1",
		UTime: old,
		Cmds:  []OrderCommand{{SheriffID: 1, Name: "/bin/true", DesiredRunID: 1}},
	}

	if acted := r.Reconcile(orders); acted {
		t.Fatal("expected no action on stale orders")
	}
	if r.counters.OrdersSeen != 1 {
		t.Errorf("OrdersSeen = %d, want 1", r.counters.OrdersSeen)
	}
	if r.counters.OrdersForMe != 1 {
		t.Errorf("OrdersForMe = %d, want 1", r.counters.OrdersForMe)
	}
	if r.counters.StaleOrders != 1 {
		t.Errorf("StaleOrders = %d, want 1", r.counters.StaleOrders)
	}
	if sup.Get(1) != nil {
		t.Fatal("expected no command to be created from stale orders")
	}
	if len(sink.lines) == 0 {
		t.Fatal("expected a printf notice about the stale orders")
	}
}

func TestReconcileCullsMissingCommand(t *testing.T) {
	r, sup, _ := newTestReconciler("host1")
	now := time.Now().UnixMicro()

	// Every spawn fails, so Start leaves command 1 with PID==0.
	sup.spawn = func(argv []string) (exec.Process, io.ReadCloser, error) {
		return nil, nil, errors.New("spawn disabled for this test")
	}

	r.Reconcile(Orders{
		Host: "host1", UTime: now,
		Cmds: []OrderCommand{{SheriffID: 1, Name: "/bin/true", DesiredRunID: 1}},
	})
	if sup.Get(1) == nil {
		t.Fatal("expected command 1 to exist after first orders")
	}

	// Start failed and left PID==0, so a second orders batch omitting the
	// command should cull it immediately without going through Stop's
	// kill-signal path.
	r.Reconcile(Orders{Host: "host1", UTime: now, Cmds: nil})

	if sup.Get(1) != nil {
		t.Fatal("expected command 1 to be culled once absent from orders")
	}
}

func TestReconcileRepeatedOrdersIsIdempotent(t *testing.T) {
	r, sup, _ := newTestReconciler("host1")
	now := time.Now().UnixMicro()

	orders := Orders{
		Host: "host1", UTime: now,
		Cmds: []OrderCommand{{SheriffID: 1, Name: "/bin/true", Nickname: "svc", Group: "g", DesiredRunID: 1}},
	}
	r.Reconcile(orders)
	r.Reconcile(orders)

	cmd := sup.Get(1)
	if cmd.CommandString != "/bin/true" || cmd.Nickname != "svc" || cmd.Group != "g" {
		t.Fatalf("unexpected command fields after idempotent reconcile: %+v", cmd)
	}
}

func TestReconcileForceQuitStopsRunning(t *testing.T) {
	r, sup, sink := newTestReconciler("host1")
	now := time.Now().UnixMicro()

	cmd := sup.Add(1, "/bin/sleep")
	cmd.PID = 4242 // simulate a running command without a real spawn
	sink.lines = nil

	acted := r.Reconcile(Orders{
		Host: "host1", UTime: now,
		Cmds: []OrderCommand{{SheriffID: 1, Name: "/bin/sleep", DesiredRunID: 1, ForceQuit: true}},
	})

	if !acted {
		t.Fatal("expected force_quit against a running command to report action")
	}
	// Reconcile only ever signals; it never clears PID itself (that happens
	// when the child actually exits and Supervisor.Reap runs), so PID
	// should be untouched here.
	if cmd.PID != 4242 {
		t.Fatalf("expected Stop path to not mutate PID directly, got %d", cmd.PID)
	}
	if cmd.NumKillsSent != 1 {
		t.Fatalf("NumKillsSent = %d, want 1", cmd.NumKillsSent)
	}
}
