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

// Package projector folds the telemetry stream into machine, session
// and run read models consumed by the control plane APIs.
package projector

import (
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/telemetry"
)

// Config configures a Projector.
type Config struct {
	// MaxToolCalls bounds tool calls retained per run.
	MaxToolCalls int
	// Log is the logger; a component logger is built when unset.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.MaxToolCalls < 0 {
		return trace.BadParameter("parameter MaxToolCalls must not be negative")
	}
	if c.MaxToolCalls == 0 {
		c.MaxToolCalls = defaults.RunDetailMaxToolCalls
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			trace.Component: patze.ComponentProjector,
		})
	}
	return nil
}

// Projector is the single writer of the read-model maps. Apply is
// meant to run on the store fan-out path; accessors hand out copies.
type Projector struct {
	cfg Config

	mu       sync.RWMutex
	machines map[string]Machine
	sessions map[string]Session
	runs     map[string]Run
	details  map[string]*RunDetail
}

// New returns an empty projector.
func New(cfg Config) (*Projector, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Projector{
		cfg:      cfg,
		machines: make(map[string]Machine),
		sessions: make(map[string]Session),
		runs:     make(map[string]Run),
		details:  make(map[string]*RunDetail),
	}, nil
}

// Apply folds one envelope into the read models. Malformed payloads on
// a validated envelope are logged and skipped rather than failing the
// fan-out.
func (p *Projector) Apply(env *telemetry.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch env.Type {
	case telemetry.EventMachineRegistered:
		p.applyMachine(env, true)
	case telemetry.EventMachineHeartbeat:
		p.applyMachine(env, false)
	case telemetry.EventSessionState:
		p.applySessionState(env)
	case telemetry.EventRunState:
		p.applyRunState(env)
	case telemetry.EventRunToolStarted, telemetry.EventRunToolCompleted:
		p.applyToolCall(env)
	case telemetry.EventRunModelUsage:
		p.applyModelUsage(env)
	}
}

func (p *Projector) applyMachine(env *telemetry.Envelope, registered bool) {
	var payload telemetry.MachinePayload
	if len(env.Payload) > 0 {
		decoded, err := env.MachinePayload()
		if err != nil {
			p.cfg.Log.WithError(err).Warnf("Skipping malformed %v payload.", env.Type)
			return
		}
		payload = *decoded
	}

	machine, ok := p.machines[env.MachineID]
	if !ok {
		machine = Machine{ID: env.MachineID}
	}
	if payload.Name != "" || registered {
		machine.Name = payload.Name
	}
	if payload.Kind != "" || registered {
		machine.Kind = payload.Kind
	}
	switch {
	case payload.Status != "":
		machine.Status = payload.Status
	case machine.Status == "":
		machine.Status = telemetry.MachineOnline
	}
	if payload.Resource != nil {
		machine.LastResource = payload.Resource
	}
	machine.LastSeenAt = env.TS
	machine.LastEventID = env.ID
	p.machines[env.MachineID] = machine
}

func (p *Projector) applySessionState(env *telemetry.Envelope) {
	payload, err := env.StateChangePayload()
	if err != nil {
		p.cfg.Log.WithError(err).Warnf("Skipping malformed %v payload.", env.Type)
		return
	}

	session, ok := p.sessions[payload.SessionID]
	if !ok {
		session = Session{
			ID:        payload.SessionID,
			MachineID: env.MachineID,
			CreatedAt: env.TS,
		}
	}
	if payload.AgentID != "" {
		session.AgentID = payload.AgentID
	}
	session.State = payload.To
	session.UpdatedAt = env.TS
	session.LastEventID = env.ID
	if payload.To.Terminal() {
		endedAt := env.TS
		session.EndedAt = &endedAt
	}
	p.sessions[payload.SessionID] = session
}

func (p *Projector) applyRunState(env *telemetry.Envelope) {
	payload, err := env.StateChangePayload()
	if err != nil {
		p.cfg.Log.WithError(err).Warnf("Skipping malformed %v payload.", env.Type)
		return
	}

	run, ok := p.runs[payload.RunID]
	if !ok {
		run = Run{
			ID:        payload.RunID,
			MachineID: env.MachineID,
			CreatedAt: env.TS,
		}
	}
	if payload.SessionID != "" {
		run.SessionID = payload.SessionID
	}
	if payload.AgentID != "" {
		run.AgentID = payload.AgentID
	}
	run.State = payload.To
	run.UpdatedAt = env.TS
	run.LastEventID = env.ID
	if payload.To == telemetry.StateFailed && payload.Reason != "" {
		run.FailureReason = payload.Reason
	}
	if payload.To.Terminal() {
		endedAt := env.TS
		run.EndedAt = &endedAt
	}
	p.runs[payload.RunID] = run
}

func (p *Projector) applyToolCall(env *telemetry.Envelope) {
	payload, err := env.ToolCallPayload()
	if err != nil {
		p.cfg.Log.WithError(err).Warnf("Skipping malformed %v payload.", env.Type)
		return
	}

	detail := p.details[payload.RunID]
	if detail == nil {
		detail = &RunDetail{RunID: payload.RunID}
		p.details[payload.RunID] = detail
	}

	idx := -1
	for i := range detail.ToolCalls {
		if detail.ToolCalls[i].ID == payload.ToolCallID {
			idx = i
			break
		}
	}

	if env.Type == telemetry.EventRunToolStarted {
		call := ToolCall{
			ID:        payload.ToolCallID,
			Name:      payload.Name,
			Status:    "running",
			StartedAt: parseRFC3339(payload.StartedAt, env.TS),
		}
		if idx >= 0 {
			detail.ToolCalls[idx] = call
		} else {
			detail.ToolCalls = append(detail.ToolCalls, call)
		}
	} else {
		if idx < 0 {
			// completion for a call whose start we never saw or
			// already evicted
			detail.ToolCalls = append(detail.ToolCalls, ToolCall{
				ID:        payload.ToolCallID,
				Name:      payload.Name,
				StartedAt: env.TS,
			})
			idx = len(detail.ToolCalls) - 1
		}
		call := &detail.ToolCalls[idx]
		call.Status = payload.Status
		if call.Status == "" {
			call.Status = "completed"
		}
		completedAt := parseRFC3339(payload.CompletedAt, env.TS)
		call.CompletedAt = &completedAt
		call.DurationMs = payload.DurationMs
		call.Error = payload.Error
	}

	// evict the earliest started call once over the bound
	for len(detail.ToolCalls) > p.cfg.MaxToolCalls {
		earliest := 0
		for i := range detail.ToolCalls {
			if detail.ToolCalls[i].StartedAt.Before(detail.ToolCalls[earliest].StartedAt) {
				earliest = i
			}
		}
		detail.ToolCalls = append(detail.ToolCalls[:earliest], detail.ToolCalls[earliest+1:]...)
	}
}

func (p *Projector) applyModelUsage(env *telemetry.Envelope) {
	payload, err := env.ModelUsagePayload()
	if err != nil {
		p.cfg.Log.WithError(err).Warnf("Skipping malformed %v payload.", env.Type)
		return
	}

	detail := p.details[payload.RunID]
	if detail == nil {
		detail = &RunDetail{RunID: payload.RunID}
		p.details[payload.RunID] = detail
	}
	if detail.ModelUsage == nil {
		detail.ModelUsage = &ModelUsage{}
	}

	usage := detail.ModelUsage
	usage.Provider = payload.Provider
	usage.Model = payload.Model
	usage.InputTokens += payload.InputTokens
	usage.OutputTokens += payload.OutputTokens
	usage.CacheReadTokens += payload.CacheReadTokens
	usage.CacheWriteTokens += payload.CacheWriteTokens
	if payload.EstimatedCostUSD != nil {
		usage.EstimatedCostUSD += *payload.EstimatedCostUSD
	}
	usage.Events++
}

// Machines returns all machines sorted by id.
func (p *Projector) Machines() []Machine {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Machine, 0, len(p.machines))
	for _, m := range p.machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Machine returns one machine by id.
func (p *Projector) Machine(id string) (Machine, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.machines[id]
	return m, ok
}

// Sessions returns all sessions sorted by most recent update.
func (p *Projector) Sessions() []Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Runs returns all runs sorted by most recent update.
func (p *Projector) Runs() []Run {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Run, 0, len(p.runs))
	for _, r := range p.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// RunDetail returns a copy of the drill-down view of one run.
func (p *Projector) RunDetail(runID string) (RunDetail, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	detail, ok := p.details[runID]
	if !ok {
		return RunDetail{}, false
	}
	out := RunDetail{RunID: detail.RunID}
	out.ToolCalls = append(out.ToolCalls, detail.ToolCalls...)
	if detail.ModelUsage != nil {
		usage := *detail.ModelUsage
		out.ModelUsage = &usage
	}
	return out, true
}

func parseRFC3339(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallback
	}
	return ts.UTC()
}
