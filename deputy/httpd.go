package deputy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/procdeputy/deputy/probe"
)

// DebugServer is the optional loopback-only HTTP surface:
// a Prometheus scrape target and a JSON status dump. It has no bearing on
// the orders/info/printf contract and can be disabled entirely.
type DebugServer struct {
	srv *http.Server
	ln  net.Listener
}

// NewDebugServer builds the mux-routed handler for d, without binding a
// listener yet.
func NewDebugServer(d *Deputy) *DebugServer {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(d.metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", d.serveStatus).Methods(http.MethodGet)

	return &DebugServer{srv: &http.Server{Handler: r}}
}

// Serve binds addr and serves until ctx is canceled.
func (s *DebugServer) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type statusResponse struct {
	Host     string        `json:"host"`
	Commands []InfoCommand `json:"commands"`
}

func (d *Deputy) serveStatus(w http.ResponseWriter, r *http.Request) {
	cmds := d.supervisor.All()
	usage := make(map[int32]float64, len(cmds))
	for _, c := range cmds {
		usage[c.SheriffID] = c.CPUUsage
	}
	info := BuildInfo(d.host, time.Now(), d.sysSample[0], probe.Delta(d.sysSample[0], d.sysSample[1]), cmds, usage)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{Host: info.Host, Commands: info.Cmds})
}
