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

package cronsync

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/defaults"
)

// MachineState is the plane's mirror of one machine's cron surface.
type MachineState struct {
	MachineID  string            `json:"machineId"`
	ConfigHash string            `json:"configHash,omitempty"`
	ConfigRaw  json.RawMessage   `json:"configRaw,omitempty"`
	Jobs       []json.RawMessage `json:"jobs"`
	Runs       []json.RawMessage `json:"runs"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// MaxRunsPerMachine bounds the mirrored run records per machine.
	MaxRunsPerMachine int
	// Clock stamps UpdatedAt.
	Clock clockwork.Clock
	// Log is the logger; a component logger is built when unset.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *RegistryConfig) CheckAndSetDefaults() error {
	if c.MaxRunsPerMachine < 0 {
		return trace.BadParameter("parameter MaxRunsPerMachine must not be negative")
	}
	if c.MaxRunsPerMachine == 0 {
		c.MaxRunsPerMachine = defaults.CronRunsPerMachine
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			trace.Component: patze.ComponentCronSync,
		})
	}
	return nil
}

// machineState is the mutable registry entry; jobs are indexed by id
// for upserts and flattened on read.
type machineState struct {
	configHash string
	configRaw  json.RawMessage
	jobs       map[string]json.RawMessage
	runs       []json.RawMessage
	updatedAt  time.Time
}

// Registry holds the mirrored cron state of every reporting machine.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	machines map[string]*machineState
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg:      cfg,
		machines: make(map[string]*machineState),
	}, nil
}

// Apply folds one report into the registry and returns the ack the
// bridge uses to decide whether to mirror its config.
func (r *Registry) Apply(report Report) (Ack, error) {
	if err := report.Check(); err != nil {
		return Ack{}, trace.Wrap(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.machines[report.MachineID]
	if state == nil {
		state = &machineState{jobs: make(map[string]json.RawMessage)}
		r.machines[report.MachineID] = state
	}

	jobsStored := 0
	for _, raw := range report.JobsDelta {
		id := jobID(raw)
		if id == "" {
			r.cfg.Log.WithField("machine", report.MachineID).Warn("Dropping cron job record without an id.")
			continue
		}
		state.jobs[id] = append(json.RawMessage(nil), raw...)
		jobsStored++
	}

	runsStored := 0
	for _, raw := range report.RunsDelta {
		state.runs = append(state.runs, append(json.RawMessage(nil), raw...))
		runsStored++
	}
	if over := len(state.runs) - r.cfg.MaxRunsPerMachine; over > 0 {
		state.runs = append([]json.RawMessage(nil), state.runs[over:]...)
	}

	if len(report.ConfigRaw) > 0 {
		state.configRaw = append(json.RawMessage(nil), report.ConfigRaw...)
		// hash what was actually stored, not what the bridge claimed
		state.configHash = HashConfig(report.ConfigRaw)
		if report.ConfigHash != "" && report.ConfigHash != state.configHash {
			r.cfg.Log.WithFields(logrus.Fields{
				"machine":  report.MachineID,
				"reported": report.ConfigHash,
				"stored":   state.configHash,
			}).Warn("Mirrored config hash disagrees with the reported hash.")
		}
	}
	state.updatedAt = r.cfg.Clock.Now().UTC()

	return Ack{
		MachineID:  report.MachineID,
		ConfigHash: state.configHash,
		JobsStored: jobsStored,
		RunsStored: runsStored,
	}, nil
}

// Machine returns the mirrored state of one machine.
func (r *Registry) Machine(machineID string) (MachineState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.machines[machineID]
	if !ok {
		return MachineState{}, trace.NotFound("no cron state for machine %v", machineID)
	}
	return r.exportLocked(machineID, state), nil
}

// Machines returns every mirrored machine, sorted by id.
func (r *Registry) Machines() []MachineState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MachineState, 0, len(r.machines))
	for id, state := range r.machines {
		out = append(out, r.exportLocked(id, state))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

// exportLocked flattens one entry into its wire form; jobs come out
// sorted by id so reads are deterministic.
func (r *Registry) exportLocked(machineID string, state *machineState) MachineState {
	ids := make([]string, 0, len(state.jobs))
	for id := range state.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	jobs := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, append(json.RawMessage(nil), state.jobs[id]...))
	}
	runs := make([]json.RawMessage, 0, len(state.runs))
	for _, raw := range state.runs {
		runs = append(runs, append(json.RawMessage(nil), raw...))
	}
	return MachineState{
		MachineID:  machineID,
		ConfigHash: state.configHash,
		ConfigRaw:  append(json.RawMessage(nil), state.configRaw...),
		Jobs:       jobs,
		Runs:       runs,
		UpdatedAt:  state.updatedAt,
	}
}
