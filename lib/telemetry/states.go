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

package telemetry

// LifecycleState is the shared state vocabulary of sessions and runs.
type LifecycleState string

const (
	StateCreated     LifecycleState = "created"
	StateQueued      LifecycleState = "queued"
	StateRunning     LifecycleState = "running"
	StateWaitingTool LifecycleState = "waiting_tool"
	StateStreaming   LifecycleState = "streaming"
	StateCompleted   LifecycleState = "completed"
	StateFailed      LifecycleState = "failed"
	StateCancelled   LifecycleState = "cancelled"
)

// IsValid reports whether s belongs to the closed lifecycle set.
func (s LifecycleState) IsValid() bool {
	switch s {
	case StateCreated, StateQueued, StateRunning, StateWaitingTool,
		StateStreaming, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether a session or run in this state is finished.
func (s LifecycleState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// MachineKind distinguishes where a managed host runs.
type MachineKind string

const (
	MachineKindLocal MachineKind = "local"
	MachineKindVPS   MachineKind = "vps"
)

// IsValid reports whether k belongs to the closed kind set.
func (k MachineKind) IsValid() bool {
	return k == MachineKindLocal || k == MachineKindVPS
}

// MachineStatus is the reported liveness of a machine.
type MachineStatus string

const (
	MachineOnline   MachineStatus = "online"
	MachineDegraded MachineStatus = "degraded"
	MachineOffline  MachineStatus = "offline"
)

// IsValid reports whether s belongs to the closed status set.
func (s MachineStatus) IsValid() bool {
	return s == MachineOnline || s == MachineDegraded || s == MachineOffline
}
