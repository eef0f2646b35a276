package deputy

import (
	"time"

	"github.com/procdeputy/deputy/probe"
)

// BuildInfo composes the periodic full-state Info message from the current
// Command set and a host resource sample. cpuLoad and perCmdUsage are
// precomputed by the caller (the loop, which owns the previous/current
// sample pairs needed for the delta arithmetic) so this function stays a
// pure, easily-tested composer.
func BuildInfo(host string, now time.Time, sys probe.SystemSample, cpuLoad float64, cmds []*Command, usage map[int32]float64) Info {
	info := Info{
		UTime:     now.UnixMicro(),
		Host:      host,
		CPULoad:   cpuLoad,
		MemTotal:  sys.PhysMemTotal,
		MemFree:   sys.PhysMemFree,
		SwapTotal: sys.SwapTotal,
		SwapFree:  sys.SwapFree,
		Cmds:      make([]InfoCommand, 0, len(cmds)),
	}

	for _, c := range cmds {
		latest, _ := c.latestAndPrevious()
		info.Cmds = append(info.Cmds, InfoCommand{
			Name:        c.CommandString,
			Nickname:    c.Nickname,
			ActualRunID: c.ActualRunID,
			PID:         c.PID,
			ExitCode:    c.ExitStatus.Code,
			SheriffID:   c.SheriffID,
			Group:       c.Group,
			CPUUsage:    usage[c.SheriffID],
			VSizeBytes:  latest.VSize,
			RSSBytes:    latest.RSS,
		})
	}

	return info
}

// BuildPrintf composes a single printf notice.
func BuildPrintf(deputyName string, sheriffID int32, text string, now time.Time) Printf {
	return Printf{
		DeputyName: deputyName,
		SheriffID:  sheriffID,
		Text:       text,
		UTime:      now.UnixMicro(),
	}
}
