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

// Package bridge is the runtime installed next to OpenClaw on every
// managed host. It heartbeats host telemetry into the plane, watches
// OpenClaw runs and reports their state changes, executes queued
// commands, mirrors the cron surface, and serves a local health and
// metrics endpoint for the installer to verify.
package bridge

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/cronsync"
	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/sink"
	"github.com/patzehq/patze/lib/telemetry"
)

// ExitRestart is the exit code a SIGHUP turns into: non-zero, so a
// supervisor running the unit with Restart=on-failure starts a fresh
// process instead of treating the stop as clean.
const ExitRestart = 7

// shutdownTimeout bounds the health server shutdown and the final sink
// drain once the run context is gone.
const shutdownTimeout = 5 * time.Second

// Config configures a Bridge.
type Config struct {
	// MachineID is the stable identity reported in every envelope.
	// Defaults to /etc/machine-id, then the hostname, the same order
	// the installer reads it in.
	MachineID string
	// MachineName is the display name carried on heartbeats. Defaults
	// to the hostname.
	MachineName string
	// MachineKind says where this host runs. Defaults to vps: bridges
	// are normally installed over SSH onto remote hosts.
	MachineKind telemetry.MachineKind
	// Endpoint is the control plane base URL. On installed hosts this
	// is the loopback side of the reverse tunnel.
	Endpoint string
	// Token is the bearer token attached to every plane call.
	Token string
	// OpenClawHome is the OpenClaw state directory, e.g. ~/.openclaw.
	OpenClawHome string
	// DataDir holds bridge state: the spool, the cron watermark and
	// the executed-command dedup file. Defaults to OpenClawHome/bridge.
	DataDir string
	// HealthAddr is the local health/metrics listen address.
	HealthAddr string
	// HeartbeatInterval is the tick period.
	HeartbeatInterval time.Duration
	// Collector supplies run snapshots; chosen from OpenClawHome and
	// OPENCLAW_BIN when unset.
	Collector Collector
	// Sampler probes host resources for heartbeats; gopsutil when
	// unset.
	Sampler SamplerFunc
	// Sink delivers envelopes to the plane; built from Endpoint, Token
	// and DataDir when unset.
	Sink *sink.Sink
	// Client is the HTTP client for command queue and cron sync calls.
	Client *http.Client
	// Clock drives every loop.
	Clock clockwork.Clock
	// Log is the logger; a component logger is built when unset.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Endpoint == "" {
		return trace.BadParameter("missing parameter Endpoint")
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.MachineID == "" {
		id, err := hostMachineID()
		if err != nil {
			return trace.Wrap(err)
		}
		c.MachineID = id
	}
	if c.MachineName == "" {
		name, err := os.Hostname()
		if err != nil {
			return trace.Wrap(err)
		}
		c.MachineName = name
	}
	if c.MachineKind == "" {
		c.MachineKind = telemetry.MachineKindVPS
	}
	if !c.MachineKind.IsValid() {
		return trace.BadParameter("unknown machine kind %q", c.MachineKind)
	}
	if c.OpenClawHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return trace.Wrap(err)
		}
		c.OpenClawHome = filepath.Join(home, ".openclaw")
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.OpenClawHome, "bridge")
	}
	if c.HealthAddr == "" {
		c.HealthAddr = defaults.BridgeHealthAddr()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			trace.Component: patze.ComponentBridge,
		})
	}
	if c.Collector == nil {
		c.Collector = NewCollector(c.OpenClawHome, c.Log)
	}
	if c.Sampler == nil {
		c.Sampler = sampleHostResources
	}
	return nil
}

// hostMachineID mirrors what the installer reads after a setup:
// /etc/machine-id when present, the hostname otherwise.
func hostMachineID() (string, error) {
	data, err := os.ReadFile("/etc/machine-id")
	if id := strings.TrimSpace(string(data)); err == nil && id != "" {
		return id, nil
	}
	name, err := os.Hostname()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return name, nil
}

// Bridge ties the per-host workers together: the heartbeat tick loop,
// the command poller, the cron sync pusher and the health server.
type Bridge struct {
	cfg Config
	log logrus.FieldLogger

	sink   *sink.Sink
	poller *Poller
	pusher *cronsync.Pusher

	mu       sync.Mutex
	lastRuns map[string]telemetry.LifecycleState

	// tickFailures counts consecutive failed ticks; MaxTickFailures of
	// them mark /healthz degraded until a tick goes through again.
	tickFailures atomic.Int64
	bound        atomic.Bool
	healthAddr   atomic.Value // string, set once the listener is up
}

// New validates the configuration and assembles a bridge ready to Run.
func New(cfg Config) (*Bridge, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	b := &Bridge{
		cfg:      cfg,
		log:      cfg.Log,
		sink:     cfg.Sink,
		lastRuns: make(map[string]telemetry.LifecycleState),
	}
	if b.sink == nil {
		delivery, err := sink.New(sink.Config{
			Endpoint:  cfg.Endpoint,
			Token:     cfg.Token,
			SpoolPath: filepath.Join(cfg.DataDir, "spool.json"),
			Clock:     cfg.Clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		b.sink = delivery
	}

	poller, err := NewPoller(PollerConfig{
		Endpoint:  cfg.Endpoint,
		Token:     cfg.Token,
		MachineID: cfg.MachineID,
		DedupPath: filepath.Join(cfg.DataDir, "executed-commands.json"),
		Client:    cfg.Client,
		Clock:     cfg.Clock,
		Log:       cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	b.poller = poller

	pusher, err := cronsync.NewPusher(cronsync.PusherConfig{
		Dir:       cfg.OpenClawHome,
		Endpoint:  cfg.Endpoint,
		Token:     cfg.Token,
		MachineID: cfg.MachineID,
		StatePath: filepath.Join(cfg.DataDir, "cron-sync-state.json"),
		Client:    cfg.Client,
		Clock:     cfg.Clock,
		Log:       cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	b.pusher = pusher

	if err := registerMetrics(); err != nil {
		return nil, trace.Wrap(err)
	}
	return b, nil
}

// Run binds the health listener, announces the machine and drives all
// workers until the context is cancelled, then drains the sink.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := b.listen()
	if err != nil {
		return trace.Wrap(err)
	}
	b.healthAddr.Store(ln.Addr().String())
	b.bound.Store(true)
	defer b.bound.Store(false)

	b.log.Infof("Bridge %v is up: plane at %v, health on %v.",
		b.cfg.MachineID, b.cfg.Endpoint, ln.Addr())

	if err := b.register(ctx); err != nil {
		b.log.WithError(err).Warn("Machine registration did not reach the plane yet, the spool holds it.")
	}
	b.notifyReady()

	server := &http.Server{Handler: b.healthHandler()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.tickLoop(gctx) })
	g.Go(func() error { return b.poller.Run(gctx) })
	g.Go(func() error { return b.pusher.Run(gctx) })
	g.Go(func() error { return b.watchdogLoop(gctx) })
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return trace.Wrap(server.Shutdown(shutdownCtx))
	})
	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if closeErr := b.sink.Close(drainCtx); closeErr != nil {
		b.log.WithError(closeErr).Warn("Sink did not drain cleanly.")
	}
	return trace.Wrap(err)
}

// HealthAddr returns the bound health listener address, empty before
// Run binds it. Tests listen on port zero and read the address here.
func (b *Bridge) HealthAddr() string {
	addr, _ := b.healthAddr.Load().(string)
	return addr
}

// Healthy reports the /healthz verdict: the listener is bound and the
// tick loop has not failed MaxTickFailures times in a row.
func (b *Bridge) Healthy() bool {
	return b.bound.Load() && b.tickFailures.Load() < defaults.MaxTickFailures
}

// register announces the machine and pushes the envelope out right
// away, so a freshly installed bridge shows up before the first tick.
func (b *Bridge) register(ctx context.Context) error {
	env, err := telemetry.NewEnvelope(b.cfg.Clock.Now(), telemetry.EventMachineRegistered,
		telemetry.SeverityInfo, b.cfg.MachineID, b.machinePayload())
	if err != nil {
		return trace.Wrap(err)
	}
	if err := b.sink.Ingest(env); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(b.sink.Flush(ctx))
}

// tickLoop runs the heartbeat tick on the configured interval and
// keeps the consecutive failure count the health endpoint reports.
func (b *Bridge) tickLoop(ctx context.Context) error {
	ticker := b.cfg.Clock.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		bridgeTicks.Inc()
		if err := b.tick(ctx); err != nil {
			bridgeTickFailures.Inc()
			failures := b.tickFailures.Add(1)
			b.log.WithError(err).Warnf("Tick failed, %v in a row.", failures)
			continue
		}
		b.tickFailures.Store(0)
	}
}

// tick is one supervised pass: heartbeat, run collection and diffing,
// then a sink flush. Every stage runs even when an earlier one failed,
// so a broken collector does not stop heartbeats from going out.
func (b *Bridge) tick(ctx context.Context) error {
	var errors []error
	if err := b.heartbeat(ctx); err != nil {
		errors = append(errors, err)
	}

	runs, err := b.cfg.Collector.Snapshot(ctx)
	if err != nil {
		errors = append(errors, err)
	} else {
		for _, env := range b.diffRuns(runs) {
			if err := b.sink.Ingest(env); err != nil {
				errors = append(errors, err)
			}
		}
	}

	if err := b.sink.Flush(ctx); err != nil {
		errors = append(errors, err)
	}
	return trace.NewAggregate(errors...)
}

// heartbeat samples host resources and enqueues a machine.heartbeat.
func (b *Bridge) heartbeat(ctx context.Context) error {
	payload := b.machinePayload()
	payload.Resource = b.cfg.Sampler(ctx)
	env, err := telemetry.NewEnvelope(b.cfg.Clock.Now(), telemetry.EventMachineHeartbeat,
		telemetry.SeverityDebug, b.cfg.MachineID, payload)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(b.sink.Ingest(env))
}

// machinePayload describes this host. Heartbeats carry the full
// description, not just liveness: the plane keeps its read models in
// memory and relearns machines from heartbeats after a restart.
func (b *Bridge) machinePayload() telemetry.MachinePayload {
	return telemetry.MachinePayload{
		MachineID: b.cfg.MachineID,
		Name:      b.cfg.MachineName,
		Kind:      b.cfg.MachineKind,
		Status:    telemetry.MachineOnline,
	}
}

// diffRuns compares a collected snapshot against the last observed runs
// and returns one run.state.changed envelope per transition. A run that
// stops being reported while in a non-terminal state is closed out as
// completed, so the plane never shows an active run the host forgot.
func (b *Bridge) diffRuns(runs []RunState) []*telemetry.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make(map[string]telemetry.LifecycleState, len(runs))
	var envs []*telemetry.Envelope
	for _, run := range runs {
		prev, seen := b.lastRuns[run.RunID]
		next[run.RunID] = run.State
		if seen && prev == run.State {
			continue
		}
		envs = b.appendRunChange(envs, telemetry.StateChangePayload{
			MachineID: b.cfg.MachineID,
			RunID:     run.RunID,
			SessionID: run.SessionID,
			AgentID:   run.AgentID,
			From:      prev,
			To:        run.State,
			Reason:    run.Reason,
		})
	}

	for runID, prev := range b.lastRuns {
		if _, stillReported := next[runID]; stillReported || prev.Terminal() {
			continue
		}
		envs = b.appendRunChange(envs, telemetry.StateChangePayload{
			MachineID: b.cfg.MachineID,
			RunID:     runID,
			From:      prev,
			To:        telemetry.StateCompleted,
			Reason:    "no longer reported",
		})
	}

	b.lastRuns = next
	return envs
}

func (b *Bridge) appendRunChange(envs []*telemetry.Envelope, payload telemetry.StateChangePayload) []*telemetry.Envelope {
	env, err := telemetry.NewEnvelope(b.cfg.Clock.Now(), telemetry.EventRunState,
		severityForState(payload.To), b.cfg.MachineID, payload)
	if err != nil {
		b.log.WithError(err).Warnf("Cannot build a state change for run %v.", payload.RunID)
		return envs
	}
	return append(envs, env)
}

func severityForState(state telemetry.LifecycleState) telemetry.Severity {
	switch state {
	case telemetry.StateFailed:
		return telemetry.SeverityError
	case telemetry.StateCancelled:
		return telemetry.SeverityWarn
	}
	return telemetry.SeverityInfo
}
