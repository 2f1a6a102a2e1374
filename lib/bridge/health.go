/*
Copyright 2024 Patze, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bridge

import (
	"net"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/httplib"
	"github.com/patzehq/patze/lib/sink"
	"github.com/patzehq/patze/lib/utils"
)

var (
	bridgeTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "patze_bridge_ticks_total",
		Help: "Heartbeat ticks since the bridge started.",
	})
	bridgeTickFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "patze_bridge_tick_failures_total",
		Help: "Ticks that failed to collect or deliver.",
	})
	bridgeCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "patze_bridge_commands_total",
		Help: "Commands the poller finished, by result status.",
	}, []string{"status"})
)

func registerMetrics() error {
	return trace.Wrap(utils.RegisterPrometheusCollectors(
		bridgeTicks, bridgeTickFailures, bridgeCommands))
}

// healthResponse is the /healthz body. The sink stats ride along
// unmodified so the installer and operators see queue depth, breaker
// state and the last spool error without another endpoint.
type healthResponse struct {
	Status                  string     `json:"status"`
	OK                      bool       `json:"ok"`
	Version                 string     `json:"version"`
	MachineID               string     `json:"machineId"`
	ConsecutiveTickFailures int        `json:"consecutiveTickFailures"`
	Sink                    sink.Stats `json:"sink"`
}

// listen binds the health address. A port still held by a previous
// bridge instance is retried a few times: the supervisor restarts us
// faster than the old process lets the socket go.
func (b *Bridge) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", b.cfg.HealthAddr)
	for attempt := 0; attempt < defaults.BindRetries && err != nil && utils.IsAddrInUse(err); attempt++ {
		b.log.Debugf("Health address %v is in use, waiting for it.", b.cfg.HealthAddr)
		b.cfg.Clock.Sleep(defaults.BindRetrySleep)
		ln, err = net.Listen("tcp", b.cfg.HealthAddr)
	}
	if err != nil {
		return nil, trace.Wrap(err, "cannot bind the health listener on %v", b.cfg.HealthAddr)
	}
	return ln, nil
}

// healthHandler serves the local surface the installer verifies:
// /healthz (with /health as an alias) and Prometheus /metrics.
func (b *Bridge) healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", b.serveHealth)
	mux.HandleFunc("/health", b.serveHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (b *Bridge) serveHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		OK:                      b.Healthy(),
		Version:                 patze.Version,
		MachineID:               b.cfg.MachineID,
		ConsecutiveTickFailures: int(b.tickFailures.Load()),
		Sink:                    b.sink.Stats(),
	}
	status := http.StatusOK
	resp.Status = "ok"
	if !resp.OK {
		status = http.StatusServiceUnavailable
		resp.Status = "degraded"
	}
	httplib.ReplyJSON(w, status, resp)
}
