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

package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/defaults"
)

// Config configures a Queue.
type Config struct {
	// Path is the JSON command store file. Empty keeps the queue
	// memory-only, used by tests.
	Path string
	// MaxAttempts dead-letters a command once lease or execution
	// attempts reach it.
	MaxAttempts int
	// Clock is used for lease arithmetic.
	Clock clockwork.Clock
	// Log is the logger; a component logger is built when unset.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.MaxAttempts < 0 {
		return trace.BadParameter("parameter MaxAttempts must not be negative")
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.CommandMaxAttempts
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			trace.Component: patze.ComponentQueue,
		})
	}
	return nil
}

// Queue is the at-most-once-per-target lease machine. All mutations
// run under one lock as load-update-save against the in-memory record
// list, followed by an atomic persist.
type Queue struct {
	cfg Config

	mu      sync.Mutex // serializes every mutation, including persist
	records []*Record
}

// New loads the command store and returns the queue.
func New(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	q := &Queue{cfg: cfg}
	if cfg.Path != "" {
		records, err := loadRecords(cfg.Path)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		q.records = records
	}
	return q, nil
}

// persistLocked writes the store file; callers hold the lock.
func (q *Queue) persistLocked() error {
	if q.cfg.Path == "" {
		return nil
	}
	return trace.Wrap(saveRecords(q.cfg.Path, q.records))
}

// Create enqueues a command in state queued. Commands with
// ApprovalRequired set stay queued but are not pollable until approved.
func (q *Queue) Create(snapshot Snapshot) (*Record, error) {
	if err := snapshot.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Clock.Now().UTC()
	record := &Record{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		State:     StateQueued,
		Snapshot:  snapshot,
	}
	q.records = append(q.records, record)
	if err := q.persistLocked(); err != nil {
		q.records = q.records[:len(q.records)-1]
		return nil, trace.Wrap(err)
	}
	q.cfg.Log.WithFields(logrus.Fields{
		"command": record.ID,
		"machine": snapshot.MachineID,
		"intent":  snapshot.Intent,
	}).Info("Queued command.")
	return record.clone(), nil
}

// Approve marks an approval-gated command as pollable. The caller's
// view of the target must still match the snapshot.
func (q *Queue) Approve(commandID, targetID, targetVersion, approvedBy string) (*Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	record := q.findLocked(commandID)
	if record == nil {
		return nil, trace.NotFound("command %v not found", commandID)
	}
	if record.State.Terminal() {
		return nil, trace.BadParameter("command %v is already %v", commandID, record.State)
	}
	if !record.Snapshot.ApprovalRequired {
		return nil, trace.BadParameter("command %v does not require approval", commandID)
	}
	if record.Snapshot.TargetID != targetID || record.Snapshot.TargetVersion != targetVersion {
		return nil, trace.CompareFailed("command %v was created against a different target version", commandID)
	}

	now := q.cfg.Clock.Now().UTC()
	record.ApprovedAt = &now
	record.ApprovedBy = approvedBy
	record.UpdatedAt = now
	if err := q.persistLocked(); err != nil {
		return nil, trace.Wrap(err)
	}
	return record.clone(), nil
}

// Reject transitions a non-terminal command to rejected.
func (q *Queue) Reject(commandID, reason string) (*Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	record := q.findLocked(commandID)
	if record == nil {
		return nil, trace.NotFound("command %v not found", commandID)
	}
	if record.State.Terminal() {
		return nil, trace.BadParameter("command %v is already %v", commandID, record.State)
	}

	record.State = StateRejected
	record.RejectedReason = reason
	record.clearLease()
	record.UpdatedAt = q.cfg.Clock.Now().UTC()
	if err := q.persistLocked(); err != nil {
		return nil, trace.Wrap(err)
	}
	return record.clone(), nil
}

// Poll expires overdue leases, then leases the single oldest eligible
// command for machineID. Returns nil when no work is available.
func (q *Queue) Poll(machineID string, leaseTTL time.Duration) (*Record, error) {
	if machineID == "" {
		return nil, trace.BadParameter("missing parameter machineID")
	}
	if leaseTTL <= 0 {
		leaseTTL = defaults.CommandLeaseTTL
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Clock.Now().UTC()
	expired := q.expireLocked(now)

	var oldest *Record
	for _, record := range q.records {
		if !record.pollable(machineID) {
			continue
		}
		if oldest == nil || record.CreatedAt.Before(oldest.CreatedAt) {
			oldest = record
		}
	}
	if oldest == nil {
		if expired > 0 {
			if err := q.persistLocked(); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		return nil, nil
	}

	leaseUntil := now.Add(leaseTTL)
	oldest.State = StateLeased
	oldest.LeaseOwnerMachineID = machineID
	oldest.LeaseUntil = &leaseUntil
	oldest.LeaseAttempts++
	oldest.UpdatedAt = now
	if err := q.persistLocked(); err != nil {
		return nil, trace.Wrap(err)
	}
	return oldest.clone(), nil
}

// AckRunning records that the leaseholder started executing. The
// execution attempt counter moves only on the leased to running edge,
// so renew-style re-acks do not inflate it.
func (q *Queue) AckRunning(commandID, machineID string) (*Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	record := q.findLocked(commandID)
	if record == nil || !record.leasedBy(machineID) {
		// lease contention is silent: the caller lost the lease
		return nil, nil
	}
	if record.State == StateLeased {
		record.ExecutionAttempts++
	}
	record.State = StateRunning
	record.UpdatedAt = q.cfg.Clock.Now().UTC()
	if err := q.persistLocked(); err != nil {
		return nil, trace.Wrap(err)
	}
	return record.clone(), nil
}

// RenewLease extends the caller's lease deadline.
func (q *Queue) RenewLease(commandID, machineID string, leaseTTL time.Duration) (*Record, error) {
	if leaseTTL <= 0 {
		leaseTTL = defaults.CommandLeaseTTL
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	record := q.findLocked(commandID)
	if record == nil || !record.leasedBy(machineID) {
		return nil, nil
	}
	now := q.cfg.Clock.Now().UTC()
	leaseUntil := now.Add(leaseTTL)
	record.LeaseUntil = &leaseUntil
	record.UpdatedAt = now
	if err := q.persistLocked(); err != nil {
		return nil, trace.Wrap(err)
	}
	return record.clone(), nil
}

// PushResult stores the execution result and finishes the command.
func (q *Queue) PushResult(commandID, machineID string, result Result) (*Record, error) {
	if err := result.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	record := q.findLocked(commandID)
	if record == nil || !record.leasedBy(machineID) {
		return nil, nil
	}
	record.State = State(result.Status)
	record.Result = &result
	record.clearLease()
	record.UpdatedAt = q.cfg.Clock.Now().UTC()
	if err := q.persistLocked(); err != nil {
		return nil, trace.Wrap(err)
	}
	q.cfg.Log.WithFields(logrus.Fields{
		"command": record.ID,
		"state":   record.State,
	}).Info("Command finished.")
	return record.clone(), nil
}

// ExpireOverdue sweeps overdue leases outside of poll, for callers
// driving expiry from a timer.
func (q *Queue) ExpireOverdue() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	expired := q.expireLocked(q.cfg.Clock.Now().UTC())
	if expired == 0 {
		return 0, nil
	}
	if err := q.persistLocked(); err != nil {
		return 0, trace.Wrap(err)
	}
	return expired, nil
}

// expireLocked moves overdue leases to expired, or to deadletter once
// the command burned through its attempt budget. Callers hold the lock
// and persist afterwards.
func (q *Queue) expireLocked(now time.Time) int {
	expired := 0
	for _, record := range q.records {
		if record.State != StateLeased && record.State != StateRunning {
			continue
		}
		if record.LeaseUntil == nil || record.LeaseUntil.After(now) {
			continue
		}
		if record.ExecutionAttempts >= q.cfg.MaxAttempts || record.LeaseAttempts >= q.cfg.MaxAttempts {
			record.State = StateDeadletter
			q.cfg.Log.WithFields(logrus.Fields{
				"command":  record.ID,
				"leases":   record.LeaseAttempts,
				"attempts": record.ExecutionAttempts,
			}).Warn("Command moved to deadletter.")
		} else {
			record.State = StateExpired
		}
		record.clearLease()
		record.UpdatedAt = now
		expired++
	}
	return expired
}

// Get returns one command by id.
func (q *Queue) Get(commandID string) (*Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	record := q.findLocked(commandID)
	if record == nil {
		return nil, trace.NotFound("command %v not found", commandID)
	}
	return record.clone(), nil
}

// List returns commands sorted newest first, capped at limit.
func (q *Queue) List(limit int) []*Record {
	if limit <= 0 || limit > defaults.CommandListLimit {
		limit = defaults.CommandListLimit
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Record, 0, len(q.records))
	for _, record := range q.records {
		out = append(out, record.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (q *Queue) findLocked(commandID string) *Record {
	for _, record := range q.records {
		if record.ID == commandID {
			return record
		}
	}
	return nil
}
