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

package patze

import (
	"time"
)

const (
	// Version is the semantic version of the control plane and bridge.
	Version = "0.4.2"

	// TelemetrySchemaVersion is the only envelope schema accepted on ingest
	TelemetrySchemaVersion = "telemetry.v1"

	// BridgeUnitName is the systemd unit installed on managed hosts
	BridgeUnitName = "patze-bridge"

	// Component indicates a component of patze, used for logging
	Component = "component"

	// ComponentFields stores component-specific fields
	ComponentFields = "fields"

	// ComponentStore is the bounded telemetry event store
	ComponentStore = "store"

	// ComponentProjector folds telemetry into read models
	ComponentProjector = "projector"

	// ComponentFrontend is the unified snapshot reducer
	ComponentFrontend = "frontend"

	// ComponentWeb is the control plane HTTP service
	ComponentWeb = "web"

	// ComponentPlane is the control plane daemon process
	ComponentPlane = "plane"

	// ComponentSink is the bridge-side HTTP delivery sink
	ComponentSink = "sink"

	// ComponentSpool is the sink's on-disk queue mirror
	ComponentSpool = "spool"

	// ComponentBridge is the per-host bridge runtime
	ComponentBridge = "bridge"

	// ComponentLifecycle manages remote bridge installs over SSH
	ComponentLifecycle = "lifecycle"

	// ComponentSSH is the SSH client and host key handling
	ComponentSSH = "ssh"

	// ComponentTunnel is the SSH reverse tunnel handler
	ComponentTunnel = "tunnel"

	// ComponentQueue is the bridge command queue
	ComponentQueue = "queue"

	// ComponentCronSync pushes OpenClaw cron state to the plane
	ComponentCronSync = "cronsync"

	// ComponentTasks is the scheduled task store
	ComponentTasks = "tasks"

	// DefaultTimeout sets read and write timeouts for plane HTTP ops
	DefaultTimeout time.Duration = 30 * time.Second

	// SSHAuthSock is the environment variable pointing to the
	// SSH agent socket
	SSHAuthSock = "SSH_AUTH_SOCK"

	// DebugOutputEnvVar tells tests to use verbose debug output
	DebugOutputEnvVar = "PATZE_DEBUG_TESTS"

	// OpenClawBinEnvVar overrides the OpenClaw CLI the bridge invokes
	OpenClawBinEnvVar = "OPENCLAW_BIN"

	// ControlPlaneURLEnvVar carries the plane endpoint into an
	// installed bridge; the installer writes it into bridge.env
	ControlPlaneURLEnvVar = "CONTROL_PLANE_URL"

	// ControlPlaneTokenEnvVar carries the shared bearer token into an
	// installed bridge
	ControlPlaneTokenEnvVar = "CONTROL_PLANE_TOKEN"

	// BridgeHealthPortEnvVar sets the port of the bridge's local
	// health and metrics listener
	BridgeHealthPortEnvVar = "HEALTH_PORT"

	// OpenClawHomeEnvVar overrides the OpenClaw state directory the
	// bridge watches
	OpenClawHomeEnvVar = "OPENCLAW_HOME"
)
