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

// Package web implements the control plane HTTP API: telemetry ingest,
// the unified snapshot and live event stream for the UI, bridge
// lifecycle management, the remote command queue, the cron mirror and
// the scheduled task store.
package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/cronsync"
	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/events"
	"github.com/patzehq/patze/lib/httplib"
	"github.com/patzehq/patze/lib/projector"
	"github.com/patzehq/patze/lib/queue"
	"github.com/patzehq/patze/lib/tasks"
	"github.com/patzehq/patze/lib/utils"
)

// Config holds the wiring for the API handler. The handler owns none
// of the stores and closes none of them.
type Config struct {
	// Store is the telemetry event store behind ingest and the SSE stream.
	Store *events.Store
	// Projector maintains the machine, session and run read models.
	Projector *projector.Projector
	// Publisher folds events into the unified UI snapshot.
	Publisher *Publisher
	// Queue is the remote command queue.
	Queue *queue.Queue
	// Tasks is the scheduled task store.
	Tasks *tasks.Store
	// Cron mirrors per-machine OpenClaw cron state.
	Cron *cronsync.Registry
	// Bridges manages SSH bridge connections. Optional: bridge routes
	// reply 501 when unset, for a plane running without SSH management.
	Bridges BridgeManager
	// AuthToken is the shared bearer token. Empty disables auth, which
	// is only sensible on a loopback listener.
	AuthToken string
	// Clock is used for snapshot pruning and stream health.
	Clock clockwork.Clock
	// Log is the parent logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Projector == nil {
		return trace.BadParameter("missing parameter Projector")
	}
	if c.Publisher == nil {
		return trace.BadParameter("missing parameter Publisher")
	}
	if c.Queue == nil {
		return trace.BadParameter("missing parameter Queue")
	}
	if c.Tasks == nil {
		return trace.BadParameter("missing parameter Tasks")
	}
	if c.Cron == nil {
		return trace.BadParameter("missing parameter Cron")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Handler is the control plane API server. It embeds the router so it
// can be passed directly to an http.Server.
type Handler struct {
	httprouter.Router

	cfg   Config
	log   logrus.FieldLogger
	clock clockwork.Clock

	streamClients atomic.Int64
	unsubscribe   []func()
}

// NewHandler builds the API handler, registers all routes and
// subscribes the projector and the snapshot publisher to the event
// store. Close detaches the subscriptions again.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(ingestAccepted, ingestRejected); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:   cfg,
		clock: cfg.Clock,
		log: cfg.Log.WithFields(logrus.Fields{
			trace.Component: patze.ComponentWeb,
		}),
	}
	if cfg.AuthToken == "" {
		h.log.Warn("API auth token is empty; anyone who can reach the listener can use it.")
	}

	// Telemetry ingest (bridge facing).
	h.POST("/ingest", h.withAuth(h.ingestEvent))
	h.POST("/ingest/batch", h.withAuth(h.ingestBatch))

	// UI surface.
	h.GET("/healthz", httplib.MakeHandler(h.health))
	h.GET("/snapshot", h.withAuth(h.getSnapshot))
	h.GET("/events", h.streamEvents)
	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	// Read models.
	h.GET("/machines", h.withAuth(h.listMachines))
	h.GET("/machines/:id", h.withAuth(h.getMachine))
	h.GET("/sessions", h.withAuth(h.listSessions))
	h.GET("/runs", h.withAuth(h.listRuns))
	h.GET("/runs/:id", h.withAuth(h.getRunDetail))

	// Bridge lifecycle. Mutations on a single connection live under the
	// static /bridge/connections prefix so they do not collide with
	// /bridge/preflight and /bridge/setup in the same routing tree.
	h.POST("/bridge/preflight", h.withAuth(h.preflightBridge))
	h.POST("/bridge/setup", h.withAuth(h.setupBridge))
	h.GET("/bridge/connections", h.withAuth(h.listBridges))
	h.GET("/bridge/connections/:id", h.withAuth(h.getBridge))
	h.POST("/bridge/connections/:id/sudo-retry", h.withAuth(h.sudoRetryBridge))
	h.POST("/bridge/connections/:id/user-mode-retry", h.withAuth(h.userModeRetryBridge))
	h.POST("/bridge/connections/:id/disconnect", h.withAuth(h.disconnectBridge))
	h.DELETE("/bridge/connections/:id", h.withAuth(h.removeBridge))

	// Cron mirror: bridges push, the UI reads.
	h.POST("/openclaw/bridge/cron-sync", h.withAuth(h.applyCronSync))
	h.GET("/openclaw/bridge/cron-sync", h.withAuth(h.listCronMachines))
	h.GET("/openclaw/bridge/cron-sync/:machineId", h.withAuth(h.getCronMachine))

	// Remote command queue. GET /commands/poll is dispatched through
	// the :id route because httprouter cannot mix a static and a
	// wildcard child at the same position.
	h.POST("/commands", h.withAuth(h.createCommand))
	h.GET("/commands", h.withAuth(h.listCommands))
	h.GET("/commands/:id", h.withAuth(h.getOrPollCommand))
	h.POST("/commands/:id/approve", h.withAuth(h.approveCommand))
	h.POST("/commands/:id/reject", h.withAuth(h.rejectCommand))
	h.POST("/commands/:id/ack-running", h.withAuth(h.ackRunningCommand))
	h.POST("/commands/:id/renew-lease", h.withAuth(h.renewCommandLease))
	h.POST("/commands/:id/result", h.withAuth(h.pushCommandResult))

	// Scheduled tasks, snapshots and run history.
	h.POST("/tasks", h.withAuth(h.createTask))
	h.GET("/tasks", h.withAuth(h.listTasks))
	h.GET("/tasks/:id", h.withAuth(h.getTask))
	h.PUT("/tasks/:id", h.withAuth(h.updateTask))
	h.DELETE("/tasks/:id", h.withAuth(h.deleteTask))
	h.POST("/tasksnapshots", h.withAuth(h.captureTaskSnapshot))
	h.GET("/tasksnapshots", h.withAuth(h.listTaskSnapshots))
	h.GET("/tasksnapshots/:id", h.withAuth(h.getTaskSnapshot))
	h.POST("/tasksnapshots/:id/rollback", h.withAuth(h.rollbackTasks))
	h.GET("/taskhistory", h.withAuth(h.taskHistory))

	h.unsubscribe = []func(){
		cfg.Store.Subscribe(cfg.Projector.Apply),
		cfg.Store.Subscribe(cfg.Publisher.Apply),
	}
	return h, nil
}

// Close detaches the handler from the event store. In-flight SSE
// streams drain on their own when their requests end.
func (h *Handler) Close() error {
	for _, stop := range h.unsubscribe {
		stop()
	}
	h.unsubscribe = nil
	return nil
}

// withAuth enforces the bearer token before dispatching to fn.
func (h *Handler) withAuth(fn httplib.HandlerFunc) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		if err := h.authorize(r); err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p)
	})
}

// authorize checks the shared bearer token. EventSource clients cannot
// set headers, so the token is also accepted as an access_token query
// parameter.
func (h *Handler) authorize(r *http.Request) error {
	if h.cfg.AuthToken == "" {
		return nil
	}
	var token string
	if header := r.Header.Get("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	} else {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return trace.AccessDenied("missing bearer token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AuthToken)) != 1 {
		return trace.AccessDenied("bad bearer token")
	}
	return nil
}

// health reports liveness plus stream freshness.
//
// GET /healthz
//
// {"status": "ok", "version": "0.4.2", "lastEventAt": "RFC3339", "eventsApplied": 10, "streamClients": 1, "store": {...}}
//
// The status degrades when events stop flowing for longer than the
// staleness threshold after at least one event has been seen; a plane
// that has never received anything is simply idle.
func (h *Handler) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	now := h.clock.Now()
	status := "ok"
	var lastEventAt *time.Time
	if last := h.cfg.Publisher.LastEventAt(); !last.IsZero() {
		lastEventAt = &last
		if now.Sub(last) > defaults.StreamStaleAfter {
			status = "degraded"
		}
	}
	return healthStatus{
		Status:        status,
		Version:       patze.Version,
		LastEventAt:   lastEventAt,
		EventsApplied: h.cfg.Publisher.Applied(),
		StreamClients: h.streamClients.Load(),
		Store:         h.cfg.Store.Stats(),
	}, nil
}

type healthStatus struct {
	Status        string       `json:"status"`
	Version       string       `json:"version"`
	LastEventAt   *time.Time   `json:"lastEventAt,omitempty"`
	EventsApplied uint64       `json:"eventsApplied"`
	StreamClients int64        `json:"streamClients"`
	Store         events.Stats `json:"store"`
}

func message(msg string) map[string]any {
	return map[string]any{"message": msg}
}

func ok() map[string]any {
	return message("ok")
}
