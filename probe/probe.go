// Package probe takes one-shot snapshots of system and per-process CPU and
// memory counters. It never retains state between calls: deltas are the
// caller's responsibility, since it's the caller (the Supervisor, for a
// single command, or the deputy shell, for the whole host) that knows which
// two snapshots belong together.
package probe

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSample is a snapshot of host-wide memory and CPU-jiffy counters.
type SystemSample struct {
	PhysMemTotal uint64
	PhysMemFree  uint64
	SwapTotal    uint64
	SwapFree     uint64

	// Jiffy decomposition. User folds in "nice" time; UserLow folds in
	// iowait/irq/softirq/steal, matching the four-bucket breakdown read
	// out of /proc/stat.
	User     float64
	UserLow  float64
	System   float64
	Idle     float64
}

// ProcSample is a snapshot of one process' CPU-jiffy and memory counters.
type ProcSample struct {
	User   float64
	System float64
	VSize  uint64
	RSS    uint64
}

// IsZero reports whether the sample is the zero value, i.e. no real sample
// has been taken yet.
func (p ProcSample) IsZero() bool {
	return p == ProcSample{}
}

// Reader takes resource snapshots. A Reader is stateless; implementations
// must not cache or average across calls.
type Reader interface {
	ReadSystem(ctx context.Context) (SystemSample, error)
	ReadProcess(ctx context.Context, pid int32) (ProcSample, error)
}

// gopsutilReader is the production Reader, backed by gopsutil.
type gopsutilReader struct{}

// New returns the production resource Reader.
func New() Reader { return gopsutilReader{} }

func (gopsutilReader) ReadSystem(ctx context.Context) (SystemSample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemSample{}, errors.Wrap(err, "failed to read virtual memory")
	}

	sm, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return SystemSample{}, errors.Wrap(err, "failed to read swap memory")
	}

	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return SystemSample{}, errors.Wrap(err, "failed to read cpu times")
	}
	if len(times) == 0 {
		return SystemSample{}, errors.New("cpu.Times returned no aggregate sample")
	}
	t := times[0]

	return SystemSample{
		PhysMemTotal: vm.Total,
		PhysMemFree:  vm.Free,
		SwapTotal:    sm.Total,
		SwapFree:     sm.Free,
		User:         t.User + t.Nice,
		UserLow:      t.Iowait + t.Irq + t.Softirq + t.Steal,
		System:       t.System,
		Idle:         t.Idle,
	}, nil
}

func (gopsutilReader) ReadProcess(ctx context.Context, pid int32) (ProcSample, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcSample{}, errors.Wrapf(err, "failed to open process %d", pid)
	}

	times, err := proc.TimesWithContext(ctx)
	if err != nil {
		return ProcSample{}, errors.Wrapf(err, "failed to read times for pid %d", pid)
	}

	mi, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcSample{}, errors.Wrapf(err, "failed to read memory info for pid %d", pid)
	}

	return ProcSample{
		User:   times.User,
		System: times.System,
		VSize:  mi.VMS,
		RSS:    mi.RSS,
	}, nil
}

// Delta computes host CPU load between two successive SystemSample readings,
// following the elapsed/loaded jiffy arithmetic: cpu_load = loaded / elapsed,
// or 0 if elapsed is 0.
func Delta(a, b SystemSample) float64 {
	elapsed := (a.User - b.User) + (a.UserLow - b.UserLow) + (a.System - b.System) + (a.Idle - b.Idle)
	if elapsed == 0 {
		return 0
	}

	loaded := (a.User - b.User) + (a.UserLow - b.UserLow) + (a.System - b.System)
	return loaded / elapsed
}

// ProcessDelta computes a single process' CPU usage fraction between two
// successive ProcSample readings and the host-wide elapsed jiffies computed
// alongside them. If elapsed is 0 or the previous process sample was never
// taken (its zero value), usage is reported as 0 rather than divided.
func ProcessDelta(a, b ProcSample, elapsed float64) float64 {
	if elapsed == 0 || b.IsZero() {
		return 0
	}

	used := (a.User - b.User) + (a.System - b.System)
	return used / elapsed
}
