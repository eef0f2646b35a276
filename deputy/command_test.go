package deputy

import (
	"testing"

	"github.com/procdeputy/deputy/probe"
)

func TestCommandStatusReflectsPID(t *testing.T) {
	c := &Command{SheriffID: 1}
	if c.Status() != Stopped {
		t.Fatalf("status = %v, want Stopped", c.Status())
	}

	c.PID = 123
	if c.Status() != Running {
		t.Fatalf("status = %v, want Running", c.Status())
	}
}

func TestCommandProcSampleShifting(t *testing.T) {
	c := &Command{}

	a := probe.ProcSample{User: 1, System: 1}
	b := probe.ProcSample{User: 2, System: 2}

	c.pushProcSample(a)
	latest, previous := c.latestAndPrevious()
	if latest != a || !previous.IsZero() {
		t.Fatalf("after first sample: latest=%+v previous=%+v", latest, previous)
	}

	c.pushProcSample(b)
	latest, previous = c.latestAndPrevious()
	if latest != b || previous != a {
		t.Fatalf("after second sample: latest=%+v previous=%+v", latest, previous)
	}
}

func TestStatusString(t *testing.T) {
	if Running.String() != "RUNNING" {
		t.Errorf("Running.String() = %q", Running.String())
	}
	if Stopped.String() != "STOPPED" {
		t.Errorf("Stopped.String() = %q", Stopped.String())
	}
}
