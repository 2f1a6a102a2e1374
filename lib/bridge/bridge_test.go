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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/telemetry"
	"github.com/patzehq/patze/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// fakeTelemetryPlane accepts everything a bridge sends and records the
// ingested envelopes by type.
type fakeTelemetryPlane struct {
	srv *httptest.Server

	mu        sync.Mutex
	envelopes []*telemetry.Envelope
}

func newFakeTelemetryPlane(t *testing.T) *fakeTelemetryPlane {
	f := &fakeTelemetryPlane{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest/batch", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Events []*telemetry.Envelope `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.envelopes = append(f.envelopes, req.Events...)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]int{"accepted": len(req.Events)})
	})
	mux.HandleFunc("/ingest", func(w http.ResponseWriter, r *http.Request) {
		var env telemetry.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.envelopes = append(f.envelopes, &env)
		f.mu.Unlock()
	})
	mux.HandleFunc("/openclaw/bridge/cron-sync", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "{}")
	})
	mux.HandleFunc("/commands/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "null")
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTelemetryPlane) byType(eventType telemetry.EventType) []*telemetry.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*telemetry.Envelope
	for _, env := range f.envelopes {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

// fakeCollector serves whatever snapshot the test queued last.
type fakeCollector struct {
	mu   sync.Mutex
	runs []RunState
	err  error
}

func (c *fakeCollector) set(runs []RunState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = runs
	c.err = err
}

func (c *fakeCollector) Snapshot(ctx context.Context) ([]RunState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs, c.err
}

func staticSampler(ctx context.Context) *telemetry.Resource {
	return &telemetry.Resource{CPUPct: 12.5, MemoryBytes: 1 << 30, MemoryPct: 50}
}

func newTestBridge(t *testing.T, plane *fakeTelemetryPlane, collector Collector, clock clockwork.Clock) *Bridge {
	t.Helper()
	b, err := New(Config{
		MachineID:    "machine-1",
		MachineName:  "host-1",
		MachineKind:  telemetry.MachineKindLocal,
		Endpoint:     plane.srv.URL,
		Token:        "test-token",
		OpenClawHome: t.TempDir(),
		DataDir:      t.TempDir(),
		HealthAddr:   "127.0.0.1:0",
		Collector:    collector,
		Sampler:      staticSampler,
		Clock:        clock,
	})
	require.NoError(t, err)
	return b
}

func TestBridgeConfigDefaults(t *testing.T) {
	err := (&Config{}).CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))

	cfg := Config{Endpoint: "http://127.0.0.1:1", MachineKind: "toaster"}
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))

	cfg = Config{Endpoint: "http://127.0.0.1:1/", OpenClawHome: t.TempDir()}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, "http://127.0.0.1:1", cfg.Endpoint)
	require.NotEmpty(t, cfg.MachineID)
	require.NotEmpty(t, cfg.MachineName)
	require.Equal(t, telemetry.MachineKindVPS, cfg.MachineKind)
	require.Equal(t, filepath.Join(cfg.OpenClawHome, "bridge"), cfg.DataDir)
	require.Equal(t, defaults.BridgeHealthAddr(), cfg.HealthAddr)
	require.Equal(t, defaults.HeartbeatInterval, cfg.HeartbeatInterval)
	require.NotNil(t, cfg.Collector)
	require.NotNil(t, cfg.Sampler)
}

func TestBridgeTickHeartbeatAndRunDiff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeTelemetryPlane(t)
	collector := &fakeCollector{}
	b := newTestBridge(t, plane, collector, clock)
	ctx := context.Background()

	require.NoError(t, b.tick(ctx))

	heartbeats := plane.byType(telemetry.EventMachineHeartbeat)
	require.Len(t, heartbeats, 1)
	payload, err := heartbeats[0].MachinePayload()
	require.NoError(t, err)
	require.Equal(t, "machine-1", payload.MachineID)
	require.Equal(t, "host-1", payload.Name)
	require.Equal(t, telemetry.MachineKindLocal, payload.Kind)
	require.Equal(t, telemetry.MachineOnline, payload.Status)
	require.NotNil(t, payload.Resource)
	require.Equal(t, 12.5, payload.Resource.CPUPct)

	// a new run appears
	collector.set([]RunState{{RunID: "run-1", State: telemetry.StateRunning, AgentID: "agent-1"}}, nil)
	require.NoError(t, b.tick(ctx))
	changes := plane.byType(telemetry.EventRunState)
	require.Len(t, changes, 1)
	change, err := changes[0].StateChangePayload()
	require.NoError(t, err)
	require.Equal(t, "run-1", change.RunID)
	require.Equal(t, "agent-1", change.AgentID)
	require.Empty(t, change.From)
	require.Equal(t, telemetry.StateRunning, change.To)

	// no transition, no envelope
	require.NoError(t, b.tick(ctx))
	require.Len(t, plane.byType(telemetry.EventRunState), 1)

	// the run finishes
	collector.set([]RunState{{RunID: "run-1", State: telemetry.StateCompleted}}, nil)
	require.NoError(t, b.tick(ctx))
	changes = plane.byType(telemetry.EventRunState)
	require.Len(t, changes, 2)
	change, err = changes[1].StateChangePayload()
	require.NoError(t, err)
	require.Equal(t, telemetry.StateRunning, change.From)
	require.Equal(t, telemetry.StateCompleted, change.To)

	// a terminal run dropping out of the snapshot is silent
	collector.set(nil, nil)
	require.NoError(t, b.tick(ctx))
	require.Len(t, plane.byType(telemetry.EventRunState), 2)
}

func TestBridgeClosesVanishedRuns(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeTelemetryPlane(t)
	collector := &fakeCollector{}
	b := newTestBridge(t, plane, collector, clock)
	ctx := context.Background()

	collector.set([]RunState{{RunID: "run-9", State: telemetry.StateStreaming}}, nil)
	require.NoError(t, b.tick(ctx))

	// the host stops reporting the run while it was still active
	collector.set(nil, nil)
	require.NoError(t, b.tick(ctx))

	changes := plane.byType(telemetry.EventRunState)
	require.Len(t, changes, 2)
	change, err := changes[1].StateChangePayload()
	require.NoError(t, err)
	require.Equal(t, "run-9", change.RunID)
	require.Equal(t, telemetry.StateStreaming, change.From)
	require.Equal(t, telemetry.StateCompleted, change.To)
	require.Equal(t, "no longer reported", change.Reason)
}

func TestBridgeRegister(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeTelemetryPlane(t)
	b := newTestBridge(t, plane, &fakeCollector{}, clock)

	require.NoError(t, b.register(context.Background()))

	registered := plane.byType(telemetry.EventMachineRegistered)
	require.Len(t, registered, 1)
	payload, err := registered[0].MachinePayload()
	require.NoError(t, err)
	require.Equal(t, "machine-1", payload.MachineID)
	require.Equal(t, telemetry.MachineOnline, payload.Status)
}

func TestBridgeTickLoopCountsFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeTelemetryPlane(t)
	collector := &fakeCollector{}
	collector.set(nil, trace.ConnectionProblem(nil, "openclaw is down"))
	b := newTestBridge(t, plane, collector, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.tickLoop(ctx) }()

	require.Eventually(t, func() bool {
		clock.Advance(b.cfg.HeartbeatInterval)
		return b.tickFailures.Load() >= defaults.MaxTickFailures
	}, 10*time.Second, 10*time.Millisecond)

	// one good tick clears the count
	collector.set(nil, nil)
	require.Eventually(t, func() bool {
		clock.Advance(b.cfg.HeartbeatInterval)
		return b.tickFailures.Load() == 0
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestBridgeRunServesHealth(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeTelemetryPlane(t)
	b := newTestBridge(t, plane, &fakeCollector{}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return b.HealthAddr() != "" }, 10*time.Second, 10*time.Millisecond)
	base := "http://" + b.HealthAddr()

	// registration goes out before the first tick
	require.Eventually(t, func() bool {
		return len(plane.byType(telemetry.EventMachineRegistered)) == 1
	}, 10*time.Second, 10*time.Millisecond)

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, health.OK)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "machine-1", health.MachineID)

	// heartbeats flow once ticks fire
	require.Eventually(t, func() bool {
		clock.Advance(b.cfg.HeartbeatInterval)
		return len(plane.byType(telemetry.EventMachineHeartbeat)) > 0
	}, 10*time.Second, 10*time.Millisecond)

	// enough consecutive failures degrade the verdict, on both paths
	b.tickFailures.Store(defaults.MaxTickFailures)
	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.False(t, health.OK)
	require.Equal(t, defaults.MaxTickFailures, health.ConsecutiveTickFailures)
	b.tickFailures.Store(0)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "patze_bridge_ticks_total")

	cancel()
	require.NoError(t, <-done)
	require.False(t, b.Healthy())
}

func TestBridgeListenRetriesBusyPort(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeTelemetryPlane(t)

	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b, err := New(Config{
		MachineID:    "machine-1",
		Endpoint:     plane.srv.URL,
		OpenClawHome: t.TempDir(),
		DataDir:      t.TempDir(),
		HealthAddr:   blocker.Addr().String(),
		Collector:    &fakeCollector{},
		Sampler:      staticSampler,
		Clock:        clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.NoError(t, blocker.Close())
	require.Eventually(t, func() bool {
		clock.Advance(defaults.BindRetrySleep)
		return b.HealthAddr() != ""
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSeverityForState(t *testing.T) {
	require.Equal(t, telemetry.SeverityError, severityForState(telemetry.StateFailed))
	require.Equal(t, telemetry.SeverityWarn, severityForState(telemetry.StateCancelled))
	require.Equal(t, telemetry.SeverityInfo, severityForState(telemetry.StateCompleted))
	require.Equal(t, telemetry.SeverityInfo, severityForState(telemetry.StateRunning))
}
