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

// Package frontend reduces the telemetry stream into the unified
// snapshot served to UI clients. The reducer is a pure function over
// (snapshot, event); published snapshots are never mutated in place.
package frontend

import (
	"sort"
	"time"

	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/projector"
	"github.com/patzehq/patze/lib/telemetry"
)

// Overall health grades, worst to best.
const (
	HealthCritical = "critical"
	HealthDegraded = "degraded"
	HealthHealthy  = "healthy"
	HealthUnknown  = "unknown"
)

// MachineHealth grades one machine inside Health.
type MachineHealth struct {
	MachineID string `json:"machineId"`
	Health    string `json:"health"`
}

// Health is the fleet-wide derivation shipped with every snapshot.
type Health struct {
	Overall  string          `json:"overall"`
	Machines []MachineHealth `json:"machines"`
}

// LogLine is one retained run log entry.
type LogLine struct {
	TS        time.Time `json:"ts"`
	MachineID string    `json:"machineId"`
	RunID     string    `json:"runId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
}

// EventSummary is one retained entry of the recent event feed.
type EventSummary struct {
	ID        string              `json:"id"`
	TS        time.Time           `json:"ts"`
	MachineID string              `json:"machineId"`
	Type      telemetry.EventType `json:"type"`
	Severity  telemetry.Severity  `json:"severity"`
	Summary   string              `json:"summary"`
}

// Snapshot is the unified read-only document delivered to UI clients.
type Snapshot struct {
	Machines     []projector.Machine            `json:"machines"`
	Sessions     []projector.Session            `json:"sessions"`
	Runs         []projector.Run                `json:"runs"`
	ActiveRuns   []projector.Run                `json:"activeRuns"`
	Health       Health                         `json:"health"`
	RunDetails   map[string]projector.RunDetail `json:"runDetails"`
	Logs         []LogLine                      `json:"logs"`
	RecentEvents []EventSummary                 `json:"recentEvents"`
	LastUpdated  time.Time                      `json:"lastUpdated"`
}

// ReduceContext carries the deterministic bounds of a reduction. It
// deliberately has no clock; anything time-relative happens at publish
// time, not reduce time.
type ReduceContext struct {
	// MaxLogs bounds Logs.
	MaxLogs int
	// MaxRecentEvents bounds RecentEvents.
	MaxRecentEvents int
	// MaxToolCalls bounds tool calls per run detail.
	MaxToolCalls int
}

// setDefaults fills unset bounds.
func (c *ReduceContext) setDefaults() {
	if c.MaxLogs <= 0 {
		c.MaxLogs = defaults.SnapshotLogLines
	}
	if c.MaxRecentEvents <= 0 {
		c.MaxRecentEvents = defaults.SnapshotRecentEvents
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = defaults.RunDetailMaxToolCalls
	}
}

// NewSnapshot returns the empty initial snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Machines:     []projector.Machine{},
		Sessions:     []projector.Session{},
		Runs:         []projector.Run{},
		ActiveRuns:   []projector.Run{},
		Health:       Health{Overall: HealthUnknown, Machines: []MachineHealth{}},
		RunDetails:   map[string]projector.RunDetail{},
		Logs:         []LogLine{},
		RecentEvents: []EventSummary{},
	}
}

// clone copies every container so the previous snapshot stays frozen.
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		Machines:     append([]projector.Machine(nil), s.Machines...),
		Sessions:     append([]projector.Session(nil), s.Sessions...),
		Runs:         append([]projector.Run(nil), s.Runs...),
		ActiveRuns:   append([]projector.Run(nil), s.ActiveRuns...),
		Health:       Health{Overall: s.Health.Overall, Machines: append([]MachineHealth(nil), s.Health.Machines...)},
		RunDetails:   make(map[string]projector.RunDetail, len(s.RunDetails)),
		Logs:         append([]LogLine(nil), s.Logs...),
		RecentEvents: append([]EventSummary(nil), s.RecentEvents...),
		LastUpdated:  s.LastUpdated,
	}
	for id, detail := range s.RunDetails {
		copied := projector.RunDetail{RunID: detail.RunID}
		copied.ToolCalls = append([]projector.ToolCall(nil), detail.ToolCalls...)
		if detail.ModelUsage != nil {
			usage := *detail.ModelUsage
			copied.ModelUsage = &usage
		}
		next.RunDetails[id] = copied
	}
	return next
}

// Pruned returns a snapshot without ghost machines: unnamed machines
// whose last heartbeat is older than the ghost age and which no
// session or run touched within that window. Health is rederived from
// what remains.
func (s *Snapshot) Pruned(now time.Time) *Snapshot {
	ghosts := make(map[string]bool)
	for _, m := range s.Machines {
		if m.Name != "" {
			continue
		}
		if now.Sub(m.LastSeenAt) <= defaults.GhostMachineAge {
			continue
		}
		recent := false
		for _, sess := range s.Sessions {
			if sess.MachineID == m.ID && now.Sub(sess.UpdatedAt) <= defaults.GhostMachineAge {
				recent = true
				break
			}
		}
		if !recent {
			for _, run := range s.Runs {
				if run.MachineID == m.ID && now.Sub(run.UpdatedAt) <= defaults.GhostMachineAge {
					recent = true
					break
				}
			}
		}
		if !recent {
			ghosts[m.ID] = true
		}
	}
	if len(ghosts) == 0 {
		return s
	}

	next := s.clone()
	kept := next.Machines[:0]
	for _, m := range next.Machines {
		if !ghosts[m.ID] {
			kept = append(kept, m)
		}
	}
	next.Machines = kept
	next.Health = deriveHealth(next.Machines, next.Runs)
	return next
}

// sortMachines keeps machines ordered by id.
func sortMachines(machines []projector.Machine) {
	sort.Slice(machines, func(i, j int) bool { return machines[i].ID < machines[j].ID })
}

// sortSessions keeps sessions ordered newest update first, id as the
// tie break.
func sortSessions(sessions []projector.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
}

// sortRuns keeps runs ordered newest update first, id as the tie
// break.
func sortRuns(runs []projector.Run) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].UpdatedAt.Equal(runs[j].UpdatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
	})
}

// activeRuns filters out terminal runs; the result shares element
// values, not backing storage.
func activeRuns(runs []projector.Run) []projector.Run {
	active := []projector.Run{}
	for _, run := range runs {
		if !run.State.Terminal() {
			active = append(active, run)
		}
	}
	sortRuns(active)
	return active
}

// deriveHealth maps machine status and run failures onto the fleet
// grade.
func deriveHealth(machines []projector.Machine, runs []projector.Run) Health {
	health := Health{Machines: make([]MachineHealth, 0, len(machines))}

	anyCritical, anyDegraded := false, false
	for _, m := range machines {
		grade := HealthHealthy
		switch m.Status {
		case telemetry.MachineDegraded:
			grade = HealthDegraded
			anyDegraded = true
		case telemetry.MachineOffline:
			grade = HealthCritical
			anyCritical = true
		}
		health.Machines = append(health.Machines, MachineHealth{MachineID: m.ID, Health: grade})
	}
	sort.Slice(health.Machines, func(i, j int) bool {
		return health.Machines[i].MachineID < health.Machines[j].MachineID
	})

	if len(machines) == 0 {
		health.Overall = HealthUnknown
		return health
	}
	for _, run := range runs {
		if run.State == telemetry.StateFailed {
			anyCritical = true
			break
		}
	}
	switch {
	case anyCritical:
		health.Overall = HealthCritical
	case anyDegraded:
		health.Overall = HealthDegraded
	default:
		health.Overall = HealthHealthy
	}
	return health
}
