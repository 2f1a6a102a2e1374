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

// Package defaults contains default constants set in various parts of
// the patze codebase
package defaults

import (
	"net"
	"strconv"
	"time"
)

// Default port numbers used by the plane and the bridge
const (
	// PlaneListenPort serves the UI snapshot/event API and bridge ingest
	PlaneListenPort = 4680

	// BridgeHealthPort is where the bridge serves /health and /metrics
	// on the target host
	BridgeHealthPort = 4617

	// TunnelRemotePort is the port opened on the remote host that
	// forwards back into the plane
	TunnelRemotePort = 4618

	// SSHPort is the standard SSH daemon port
	SSHPort = 22

	// BindAddr is the loopback bind used by the bridge health server and
	// both ends of the reverse forward
	BindAddr = "127.0.0.1"
)

// PlaneListenAddr is the default control plane listen address.
func PlaneListenAddr() string {
	return net.JoinHostPort(BindAddr, strconv.Itoa(PlaneListenPort))
}

// BridgeHealthAddr is the default bridge health/metrics listen address.
func BridgeHealthAddr() string {
	return net.JoinHostPort(BindAddr, strconv.Itoa(BridgeHealthPort))
}

// Telemetry pipeline bounds
const (
	// EventStoreCapacity bounds the append-only telemetry log; when the
	// bound is exceeded the oldest events are evicted in bulk
	EventStoreCapacity = 100000

	// EventStoreEvictChunk is how many events one bulk eviction removes
	// at minimum
	EventStoreEvictChunk = EventStoreCapacity / 10

	// MaxPayloadBytes caps the serialized payload of a single envelope
	MaxPayloadBytes = 512 * 1024

	// MaxIDLength caps envelope id and machineId fields
	MaxIDLength = 256

	// SnapshotLogLines bounds logs[] in the frontend snapshot
	SnapshotLogLines = 200

	// SnapshotRecentEvents bounds recentEvents[] in the frontend snapshot
	SnapshotRecentEvents = 50

	// RunDetailMaxToolCalls bounds tool calls retained per run; the
	// earliest started call is evicted on overflow
	RunDetailMaxToolCalls = 50

	// GhostMachineAge is how stale an unnamed machine must be, with no
	// recent session or run, before the frontend snapshot omits it
	GhostMachineAge = 2 * time.Minute

	// DedupCacheSize bounds the (machineId, id) ingest dedup index
	DedupCacheSize = 200000
)

// HTTP sink and spool
const (
	// SinkQueueCapacity bounds the in-memory outbound queue
	SinkQueueCapacity = 10000

	// SinkBatchSize is the flush chunk size
	SinkBatchSize = 100

	// SinkFlushInterval is the periodic flush cadence
	SinkFlushInterval = 1 * time.Second

	// SinkRequestTimeout applies to every delivery POST
	SinkRequestTimeout = 10 * time.Second

	// SinkRetryBase is the first retry delay for a transient failure
	SinkRetryBase = 500 * time.Millisecond

	// SinkRetryCap is the ceiling on the retry delay
	SinkRetryCap = 10 * time.Second

	// SinkRetryJitter is the ± randomization applied to each retry delay
	SinkRetryJitter = 250 * time.Millisecond

	// SinkMaxRetries bounds retries for one chunk before giving up
	SinkMaxRetries = 3

	// BreakerThreshold is how many consecutive transient failures open
	// the circuit
	BreakerThreshold = 5

	// BreakerCooldown is how long flushes are skipped once the circuit
	// opens
	BreakerCooldown = 15 * time.Second

	// SpoolDebounce coalesces spool persists scheduled close together
	SpoolDebounce = 250 * time.Millisecond
)

// Bridge runtime
const (
	// HeartbeatInterval is the bridge tick period
	HeartbeatInterval = 5 * time.Second

	// MaxTickFailures is how many consecutive tick failures mark the
	// bridge /health degraded
	MaxTickFailures = 3

	// BindRetries is how many times the health listener retries a port
	// held by a previous instance
	BindRetries = 6

	// BindRetrySleep is the pause between bind attempts
	BindRetrySleep = 100 * time.Millisecond

	// CommandPollInterval is the command queue poll cadence
	CommandPollInterval = 3 * time.Second

	// CommandLeaseTTL is the lease requested by the bridge poller
	CommandLeaseTTL = 30 * time.Second

	// CronSyncInterval is the cron jobs/runs push cadence
	CronSyncInterval = 20 * time.Second

	// CronRunsPerMachine bounds the run records the plane mirrors per
	// machine; older records fall off
	CronRunsPerMachine = 500
)

// SSH, tunnel and lifecycle timeouts
const (
	// SSHConnectTimeout bounds the TCP+handshake phase of a connect
	SSHConnectTimeout = 15 * time.Second

	// SSHReadyTimeout bounds the overall time to a usable client
	SSHReadyTimeout = 15 * time.Second

	// PreflightTimeout bounds the `echo ok` probe
	PreflightTimeout = 10 * time.Second

	// SFTPOpenTimeout bounds opening the SFTP subsystem
	SFTPOpenTimeout = 20 * time.Second

	// SFTPUploadTimeout bounds a single bundle transfer
	SFTPUploadTimeout = 60 * time.Second

	// TelemetryVerifyTimeout is the total budget for confirming the
	// installed bridge answers its local /health
	TelemetryVerifyTimeout = 30 * time.Second

	// TelemetryVerifyPoll is the probe cadence inside the verify budget
	TelemetryVerifyPoll = 2 * time.Second

	// ReconnectBase is the first delay of the bridge auto-retry schedule
	ReconnectBase = 4 * time.Second

	// ReconnectCap is the ceiling of the auto-retry schedule
	ReconnectCap = 60 * time.Second

	// ReconnectMaxAttempts bounds auto-retry before the bridge stays in
	// error
	ReconnectMaxAttempts = 6

	// BridgeLogLines bounds the per-bridge scrubbed log ring
	BridgeLogLines = 200
)

// Command queue
const (
	// CommandListLimit caps one listing page
	CommandListLimit = 500

	// CommandMaxAttempts dead-letters a command once lease or execution
	// attempts reach it
	CommandMaxAttempts = 3

	// CommandExecTimeout bounds a command execution on the bridge when
	// the command carries no timeout of its own
	CommandExecTimeout = 60 * time.Second

	// CommandOutputMaxBytes caps captured stdout and stderr, each
	CommandOutputMaxBytes = 32 * 1024

	// CommandDedupKeys is how many executed idempotency keys the bridge
	// remembers across restarts
	CommandDedupKeys = 512
)

// Scheduled tasks
const (
	// TaskRunsPerTask bounds the run history kept inline on each task
	TaskRunsPerTask = 20

	// TaskHistoryMaxBytes caps the JSONL run history file; the oldest
	// half is dropped when the cap is hit
	TaskHistoryMaxBytes = 1 << 20
)

// SSE stream
const (
	// SSEPingInterval is the comment heartbeat cadence on /events
	SSEPingInterval = 15 * time.Second

	// SSERetryHint is the reconnect delay suggested to EventSource
	// clients
	SSERetryHint = 3 * time.Second

	// StreamStaleAfter marks snapshot health degraded when the event
	// stream has been disconnected from its upstream longer than this
	StreamStaleAfter = 30 * time.Second

	// SSEClientBuffer is the per-client event buffer; a client that
	// falls this far behind is disconnected and resumes via Last-Event-ID
	SSEClientBuffer = 256
)
