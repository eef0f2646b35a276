package deputy

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/procdeputy/deputy/bus"
	"github.com/procdeputy/deputy/exec"
	"github.com/procdeputy/deputy/introspect"
	"github.com/procdeputy/deputy/probe"
)

// tickInterval is the cadence of the resource-probe/info-broadcast timer.
const tickInterval = time.Second

// markInterval is the cadence of the introspection checkpoint.
const markInterval = 120 * time.Second

type childExit struct {
	sheriffID int32
	status    exec.ExitStatus
}

type printfMsg struct {
	sheriffID int32
	text      string
}

// Options configures a Deputy.
type Options struct {
	// Host identifies this deputy for order-matching.
	Host string
	// Name is used as the deputy_name field on outgoing printfs; defaults
	// to Host when empty.
	Name string
	// Verbose mirrors printf text to Logger.
	Verbose bool

	Bus    bus.Bus
	Probe  probe.Reader
	Logger *log.Logger
}

// Deputy is the deputy shell: it owns host identity, the bus handle, the
// Command set (via its Supervisor), and drives the single-threaded event
// loop that serializes every mutation onto one goroutine.
type Deputy struct {
	host    string
	name    string
	verbose bool

	bus    bus.Bus
	probe  probe.Reader
	logger *log.Logger

	supervisor *Supervisor
	reconciler *Reconciler
	counters   *Counters
	metrics    *introspect.Metrics

	signals *signalBridge

	ordersCh      chan Orders
	childExitedCh chan childExit
	printfCh      chan printfMsg

	ordersSub bus.Subscription

	sysSample [2]probe.SystemSample

	closing chan struct{}
}

// NewDeputy wires the components together but does not yet subscribe to the
// bus or start the loop; call Run for that.
func NewDeputy(opts Options) (*Deputy, error) {
	if opts.Host == "" {
		return nil, errors.New("deputy: Host is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("deputy: Bus is required")
	}

	name := opts.Name
	if name == "" {
		name = opts.Host
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	probeReader := opts.Probe
	if probeReader == nil {
		probeReader = probe.New()
	}

	bridge, err := newSignalBridge()
	if err != nil {
		return nil, wrapErr(Fatal, 0, err, "failed to install signal bridge")
	}

	d := &Deputy{
		host:          opts.Host,
		name:          name,
		verbose:       opts.Verbose,
		bus:           opts.Bus,
		probe:         probeReader,
		logger:        logger,
		metrics:       introspect.NewMetrics(opts.Host),
		signals:       bridge,
		ordersCh:      make(chan Orders, 8),
		childExitedCh: make(chan childExit, 8),
		printfCh:      make(chan printfMsg, 64),
		closing:       make(chan struct{}),
	}

	d.supervisor = NewSupervisor(d)
	d.counters = NewCounters()
	d.reconciler = NewReconciler(d.host, d.supervisor, d.counters, d)

	return d, nil
}

// Printf implements Sink: it is called from Supervisor/Reconciler and only
// ever forwards onto printfCh, keeping all Command-set mutation on the loop
// goroutine.
func (d *Deputy) Printf(sheriffID int32, text string) {
	select {
	case d.printfCh <- printfMsg{sheriffID, text}:
	case <-d.closing:
	}
}

// ChildExited implements Sink.
func (d *Deputy) ChildExited(sheriffID int32, status exec.ExitStatus) {
	select {
	case d.childExitedCh <- childExit{sheriffID, status}:
	case <-d.closing:
	}
}

// Run subscribes to orders and drives the event loop until ctx is canceled
// or a termination signal arrives, at which point it gracefully stops every
// child, unsubscribes, and returns.
func (d *Deputy) Run(ctx context.Context) error {
	sub, err := d.bus.Subscribe(OrdersTopic, d.onOrdersPayload)
	if err != nil {
		return wrapErr(BusError, 0, err, "failed to subscribe to orders")
	}
	d.ordersSub = sub

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()

	mark := time.NewTicker(markInterval)
	defer mark.Stop()

	defer func() {
		close(d.closing)
		d.signals.Close()
		d.ordersSub.Cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil

		case orders := <-d.ordersCh:
			if d.reconciler.Reconcile(orders) {
				d.broadcastInfo()
			}

		case ce := <-d.childExitedCh:
			if cmd := d.supervisor.Get(ce.sheriffID); cmd != nil {
				d.supervisor.Reap(cmd, ce.status)
				d.broadcastInfo()
			}

		case pm := <-d.printfCh:
			d.publishPrintf(pm.sheriffID, pm.text)

		case <-d.signals.Wake():
			for _, ev := range d.signals.Take() {
				switch ev {
				case SigChild:
					// Real reaping already happened via childExitedCh:
					// os.Process.Wait, not a manual waitpid, is what
					// actually collects the child, since Go's runtime
					// owns SIGCHLD for any process started with
					// os.StartProcess. This case exists so the signal is
					// still visibly observed on the loop, rather than
					// silently discarded.
				case SigTerminate:
					d.shutdown()
					return nil
				}
			}

		case <-tick.C:
			d.onTick(ctx)

		case <-mark.C:
			d.onMark(ctx)
		}
	}
}

// shutdown stops and removes every child. Unsubscribing and tearing down the signal
// bridge happen in Run's deferred cleanup; tearing down the bus itself is
// the caller's responsibility once Run returns (see cmd/deputyd).
func (d *Deputy) shutdown() {
	d.supervisor.RemoveAll()
}

// onOrdersPayload decodes a wire payload and forwards it onto ordersCh; this
// runs on whatever goroutine the bus delivers on (for inmem, the publisher's),
// never touching Command state.
func (d *Deputy) onOrdersPayload(payload []byte) {
	var orders Orders
	if err := json.Unmarshal(payload, &orders); err != nil {
		d.logger.Printf("deputy: dropping malformed orders message: %v", err)
		return
	}

	select {
	case d.ordersCh <- orders:
	case <-d.closing:
	}
}

// onTick refreshes the resource probe and broadcasts Info, applying the
// elapsed/loaded delta arithmetic to the two most recent samples.
func (d *Deputy) onTick(ctx context.Context) {
	sys, err := d.probe.ReadSystem(ctx)
	if err != nil {
		d.report(wrapErr(ProbeFailed, 0, err, "failed to read system resource sample"))
		sys = probe.SystemSample{}
	}
	d.sysSample[1] = d.sysSample[0]
	d.sysSample[0] = sys

	cpuLoad := probe.Delta(d.sysSample[0], d.sysSample[1])
	elapsed := elapsedJiffies(d.sysSample[0], d.sysSample[1])

	usage := make(map[int32]float64)
	for _, cmd := range d.supervisor.All() {
		if cmd.PID == 0 {
			continue
		}

		sample, err := d.probe.ReadProcess(ctx, int32(cmd.PID))
		if err != nil {
			d.report(wrapErr(ProbeFailed, cmd.SheriffID, err, "failed to read process resource sample"))
			continue
		}

		cmd.pushProcSample(sample)
		latest, previous := cmd.latestAndPrevious()
		cmd.CPUUsage = probe.ProcessDelta(latest, previous, elapsed)
		usage[cmd.SheriffID] = cmd.CPUUsage
	}

	d.metrics.ObserveHost(cpuLoad, d.sysSample[0])
	d.broadcastInfoWith(cpuLoad, usage)
}

// elapsedJiffies mirrors probe.Delta's elapsed computation so per-process
// usage is normalized against the same window as the host's cpu_load.
func elapsedJiffies(a, b probe.SystemSample) float64 {
	return (a.User - b.User) + (a.UserLow - b.UserLow) + (a.System - b.System) + (a.Idle - b.Idle)
}

// onMark performs the 120s introspection checkpoint: it logs the counters
// accumulated since the previous mark, mirrors them to Prometheus, and
// resets them for the next window.
func (d *Deputy) onMark(ctx context.Context) {
	live := 0
	for _, cmd := range d.supervisor.All() {
		if cmd.PID != 0 {
			live++
		}
	}

	self, err := d.probe.ReadProcess(ctx, int32(os.Getpid()))
	if err != nil {
		d.report(wrapErr(ProbeFailed, 0, err, "failed to read self resource sample for introspection"))
		self = probe.ProcSample{}
	}

	d.logger.Printf(
		"mark: orders_seen=%d orders_for_me=%d stale_orders=%d observed_sheriffs=%d last_sheriff=%q live_children=%d self_rss=%d self_vsize=%d",
		d.counters.OrdersSeen, d.counters.OrdersForMe, d.counters.StaleOrders,
		len(d.counters.ObservedSheriffs), d.counters.LastSheriffName, live, self.RSS, self.VSize,
	)

	d.metrics.ObserveIntrospection(d.counters.OrdersSeen, d.counters.OrdersForMe, d.counters.StaleOrders, live, self)
	d.counters.Reset()
}

func (d *Deputy) report(err *Error) {
	d.logger.Printf("deputy: %v", err)
	d.Printf(err.SheriffID, err.Error())
}

// broadcastInfo emits Info using the last resource sample taken; used when
// the reconciler or reap path triggers an out-of-cadence broadcast.
func (d *Deputy) broadcastInfo() {
	cpuLoad := probe.Delta(d.sysSample[0], d.sysSample[1])
	usage := make(map[int32]float64, len(d.supervisor.All()))
	for _, cmd := range d.supervisor.All() {
		usage[cmd.SheriffID] = cmd.CPUUsage
	}
	d.broadcastInfoWith(cpuLoad, usage)
}

func (d *Deputy) broadcastInfoWith(cpuLoad float64, usage map[int32]float64) {
	info := BuildInfo(d.host, time.Now(), d.sysSample[0], cpuLoad, d.supervisor.All(), usage)

	payload, err := json.Marshal(info)
	if err != nil {
		d.logger.Printf("deputy: failed to marshal info: %v", err)
		return
	}

	if err := d.bus.Publish(InfoTopic, payload); err != nil {
		d.logger.Printf("deputy: failed to publish info: %v", err)
	}
}

func (d *Deputy) publishPrintf(sheriffID int32, text string) {
	if d.verbose {
		d.logger.Print(text)
	}

	pf := BuildPrintf(d.name, sheriffID, text, time.Now())
	payload, err := json.Marshal(pf)
	if err != nil {
		d.logger.Printf("deputy: failed to marshal printf: %v", err)
		return
	}

	if err := d.bus.Publish(PrintfTopic, payload); err != nil {
		d.logger.Printf("deputy: failed to publish printf: %v", err)
	}
}

// Supervisor exposes the underlying Supervisor, mainly for the debug HTTP
// surface and tests.
func (d *Deputy) Supervisor() *Supervisor { return d.supervisor }

// Counters exposes the introspection counters, read-only, for the debug
// HTTP surface.
func (d *Deputy) Counters() *Counters { return d.counters }

// Host returns the deputy's host identity.
func (d *Deputy) Host() string { return d.host }
