package deputy

// Orders is the authoritative desired-state message the sheriff publishes
// for one host.
type Orders struct {
	Host        string         `json:"host"`
	SheriffName string         `json:"sheriff_name"`
	UTime       int64          `json:"utime"` // microseconds since epoch
	Cmds        []OrderCommand `json:"cmds"`
}

// OrderCommand is one entry in an Orders message.
type OrderCommand struct {
	SheriffID    int32  `json:"sheriff_id"`
	Name         string `json:"name"`
	Nickname     string `json:"nickname"`
	Group        string `json:"group"`
	DesiredRunID int32  `json:"desired_runid"`
	ForceQuit    bool   `json:"force_quit"`
}

// Info is the periodic full-state broadcast the deputy produces.
type Info struct {
	UTime    int64        `json:"utime"`
	Host     string       `json:"host"`
	CPULoad  float64      `json:"cpu_load"`
	MemTotal uint64       `json:"phys_mem_total"`
	MemFree  uint64       `json:"phys_mem_free"`
	SwapTotal uint64      `json:"swap_total"`
	SwapFree  uint64      `json:"swap_free"`
	Cmds     []InfoCommand `json:"cmds"`
}

// InfoCommand is one command's entry within an Info message.
type InfoCommand struct {
	Name       string  `json:"name"`
	Nickname   string  `json:"nickname"`
	ActualRunID int32  `json:"actual_runid"`
	PID        int     `json:"pid"`
	ExitCode   int     `json:"exit_code"`
	SheriffID  int32   `json:"sheriff_id"`
	Group      string  `json:"group"`
	CPUUsage   float64 `json:"cpu_usage"`
	VSizeBytes uint64  `json:"mem_vsize_bytes"`
	RSSBytes   uint64  `json:"mem_rss_bytes"`
}

// Printf is a single out-of-band text notice: child output, a status event,
// or an error report.
type Printf struct {
	DeputyName string `json:"deputy_name"`
	SheriffID  int32  `json:"sheriff_id"` // 0 when unattributed
	Text       string `json:"text"`
	UTime      int64  `json:"utime"`
}

const (
	// OrdersTopic is the fixed channel the deputy subscribes to for orders.
	OrdersTopic = "orders"
	// InfoTopic is the fixed channel the deputy publishes Info on.
	InfoTopic = "info"
	// PrintfTopic is the fixed channel the deputy publishes Printf on.
	PrintfTopic = "printf"
)
