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

// Package tasks stores the operator-defined scheduled tasks, their run
// history and the snapshots used to roll the task set back.
package tasks

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	// ScheduleAt fires once at a fixed time.
	ScheduleAt = "at"
	// ScheduleEvery fires on a fixed interval.
	ScheduleEvery = "every"
	// ScheduleCron fires per a standard five-field cron expression.
	ScheduleCron = "cron"
)

// Schedule says when a task wants to run. Exactly one of the
// kind-specific fields is set.
type Schedule struct {
	Kind string `json:"kind"`
	// At is the RFC3339 firing time for kind=at.
	At string `json:"at,omitempty"`
	// EveryMs is the interval for kind=every.
	EveryMs int64 `json:"everyMs,omitempty"`
	// Cron is the expression for kind=cron.
	Cron string `json:"cron,omitempty"`
}

// Check validates the schedule without mutating it.
func (s Schedule) Check() error {
	switch s.Kind {
	case ScheduleAt:
		if _, err := time.Parse(time.RFC3339, s.At); err != nil {
			return trace.BadParameter("schedule.at %q is not an RFC3339 timestamp", s.At)
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return trace.BadParameter("schedule.everyMs must be positive, got %v", s.EveryMs)
		}
	case ScheduleCron:
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return trace.BadParameter("schedule.cron %q does not parse: %v", s.Cron, err)
		}
	default:
		return trace.BadParameter("unsupported schedule kind %q, use %q, %q or %q",
			s.Kind, ScheduleAt, ScheduleEvery, ScheduleCron)
	}
	return nil
}

// NextRun computes the next firing time after now. ok is false when
// the schedule will not fire again, like a one-shot time in the past.
func (s Schedule) NextRun(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case ScheduleAt:
		at, err := time.Parse(time.RFC3339, s.At)
		if err != nil || !at.After(now) {
			return time.Time{}, false
		}
		return at, true
	case ScheduleEvery:
		return now.Add(time.Duration(s.EveryMs) * time.Millisecond), true
	case ScheduleCron:
		expr, err := cron.ParseStandard(s.Cron)
		if err != nil {
			return time.Time{}, false
		}
		return expr.Next(now), true
	}
	return time.Time{}, false
}

// Task statuses.
const (
	// StatusActive schedules the task normally.
	StatusActive = "active"
	// StatusPaused keeps the task on file but never schedules it.
	StatusPaused = "paused"
)

// Run is one execution of a task, kept inline on the task (bounded)
// and appended to the JSONL history.
type Run struct {
	TaskID     string    `json:"taskId,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exitCode,omitempty"`
	Output     string    `json:"output,omitempty"`
}

// Task is one operator-defined scheduled action.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Schedule    Schedule   `json:"schedule"`
	Action      string     `json:"action"`
	TimeoutMs   int64      `json:"timeoutMs,omitempty"`
	Status      string     `json:"status"`
	Runs        []Run      `json:"runs,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	NextRunAt   *time.Time `json:"nextRunAt,omitempty"`
}

// CheckAndSetDefaults validates the operator-supplied fields and
// defaults the status. Identity and timestamps are the store's job.
func (t *Task) CheckAndSetDefaults() error {
	if t.Name == "" {
		return trace.BadParameter("missing parameter name")
	}
	if t.Action == "" {
		return trace.BadParameter("missing parameter action")
	}
	if t.TimeoutMs < 0 {
		return trace.BadParameter("timeoutMs must not be negative, got %v", t.TimeoutMs)
	}
	if err := t.Schedule.Check(); err != nil {
		return trace.Wrap(err)
	}
	switch t.Status {
	case "":
		t.Status = StatusActive
	case StatusActive, StatusPaused:
	default:
		return trace.BadParameter("unsupported status %q, use %q or %q",
			t.Status, StatusActive, StatusPaused)
	}
	return nil
}

// refreshNextRun recomputes NextRunAt from the schedule. Paused tasks
// never schedule.
func (t *Task) refreshNextRun(now time.Time) {
	t.NextRunAt = nil
	if t.Status == StatusPaused {
		return
	}
	if next, ok := t.Schedule.NextRun(now); ok {
		t.NextRunAt = &next
	}
}

// clone returns a deep copy so callers can not reach into the store's
// state.
func (t Task) clone() Task {
	out := t
	out.Runs = append([]Run(nil), t.Runs...)
	if t.NextRunAt != nil {
		next := *t.NextRunAt
		out.NextRunAt = &next
	}
	return out
}
