package deputy

import (
	"time"

	"github.com/procdeputy/deputy/probe"
)

// Status is the run-state of a Command as observed by the Supervisor.
type Status int

const (
	Stopped Status = iota
	Running
)

func (s Status) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "STOPPED"
}

// ExitStatus records how a Command's most recent run instance terminated.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   string
	CoreDump bool
}

// Command is a single managed child process, keyed by SheriffID within a
// Deputy's command set. Field-level invariants are enforced by Supervisor
// and Reconciler, never by Command itself.
type Command struct {
	SheriffID      int32
	CommandString  string
	Nickname       string
	Group          string
	DesiredRunID   int32
	ActualRunID    int32

	PID        int
	ExitStatus ExitStatus

	NumKillsSent int
	LastKillTime time.Time

	CPUUsage float64
	procStat [2]probe.ProcSample // procStat[0] = latest, procStat[1] = previous

	RemoveRequested bool
}

// Status reports RUNNING iff the command has a live PID.
func (c *Command) Status() Status {
	if c.PID != 0 {
		return Running
	}
	return Stopped
}

// pushProcSample records a new resource sample, shifting the previous one
// down for delta computation on the next tick.
func (c *Command) pushProcSample(s probe.ProcSample) {
	c.procStat[1] = c.procStat[0]
	c.procStat[0] = s
}

// latestAndPrevious returns the two most recent samples for delta math.
func (c *Command) latestAndPrevious() (latest, previous probe.ProcSample) {
	return c.procStat[0], c.procStat[1]
}
