package deputy

import (
	"fmt"
	"time"
)

// MaxMessageAge is the wall-clock threshold beyond which an Orders message
// is considered stale and dropped without action. The protocol fixes this;
// it is not configurable per-deputy.
const MaxMessageAge = 30 * time.Second

// Counters tracks the introspection counters the Reconciler bumps on every
// Orders message.
type Counters struct {
	OrdersSeen       int
	OrdersForMe      int
	StaleOrders      int
	ObservedSheriffs map[string]struct{}
	LastSheriffName  string
}

// NewCounters returns a zeroed Counters ready to accumulate.
func NewCounters() *Counters {
	return &Counters{ObservedSheriffs: make(map[string]struct{})}
}

// Reset zeroes the counters and empties ObservedSheriffs, as Introspection
// does on every 120s mark.
func (c *Counters) Reset() {
	c.OrdersSeen = 0
	c.OrdersForMe = 0
	c.StaleOrders = 0
	c.ObservedSheriffs = make(map[string]struct{})
}

// Reconciler maps an incoming Orders snapshot onto a Supervisor's Command
// set: start what's newly desired, stop what's force-quit or superseded by
// a new run id, and cull what's no longer ordered at all.
type Reconciler struct {
	host       string
	supervisor *Supervisor
	counters   *Counters
	sink       Sink
	now        func() time.Time
}

// NewReconciler creates a Reconciler for host, driving supervisor and
// bumping counters as it processes Orders.
func NewReconciler(host string, supervisor *Supervisor, counters *Counters, sink Sink) *Reconciler {
	return &Reconciler{
		host:       host,
		supervisor: supervisor,
		counters:   counters,
		sink:       sink,
		now:        time.Now,
	}
}

// Reconcile applies one Orders message, returning true iff anything about
// the command set changed: a start, a stop, a cull, a new command, or a
// rename/nickname/group update — the caller uses this to trigger an
// immediate out-of-cadence Info broadcast.
func (r *Reconciler) Reconcile(orders Orders) bool {
	r.counters.OrdersSeen++

	if orders.Host != r.host {
		return false
	}

	r.counters.OrdersForMe++

	age := time.Duration(r.now().UnixMicro()-orders.UTime) * time.Microsecond
	if age > MaxMessageAge {
		r.counters.StaleOrders++
		for _, o := range orders.Cmds {
			r.sink.Printf(o.SheriffID, fmt.Sprintf("stale orders from %s ignored (age %s)", orders.SheriffName, age))
		}
		return false
	}

	r.counters.ObservedSheriffs[orders.SheriffName] = struct{}{}
	r.counters.LastSheriffName = orders.SheriffName

	acted := false
	seen := make(map[int32]struct{}, len(orders.Cmds))

	for _, o := range orders.Cmds {
		seen[o.SheriffID] = struct{}{}

		cmd := r.supervisor.Get(o.SheriffID)
		if cmd == nil {
			cmd = r.supervisor.Add(o.SheriffID, o.Name)
			cmd.Nickname = o.Nickname
			cmd.Group = o.Group
			acted = true
		}

		if cmd.CommandString != o.Name {
			cmd.CommandString = o.Name // renames take effect on next start
			acted = true
		}
		if cmd.Nickname != o.Nickname {
			cmd.Nickname = o.Nickname
			acted = true
		}
		if cmd.Group != o.Group {
			cmd.Group = o.Group
			acted = true
		}

		switch {
		case cmd.Status() == Stopped && cmd.ActualRunID != o.DesiredRunID && !o.ForceQuit:
			r.supervisor.Start(cmd, o.DesiredRunID)
			acted = true

		case cmd.Status() == Running && (o.ForceQuit || cmd.ActualRunID != o.DesiredRunID):
			r.supervisor.Stop(cmd)
			acted = true

		default:
			cmd.ActualRunID = o.DesiredRunID
		}
	}

	// Cull: any local command absent from this order batch.
	for _, cmd := range r.supervisor.All() {
		if _, ok := seen[cmd.SheriffID]; ok {
			continue
		}

		if cmd.Status() == Running {
			cmd.RemoveRequested = true
			r.supervisor.Stop(cmd)
		} else {
			r.supervisor.removeImmediately(cmd.SheriffID)
		}
		acted = true
	}

	return acted
}
