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

package tasks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/utils"
)

// storeVersion is the on-disk format version of the task store.
const storeVersion = 1

type storeFile struct {
	Version int    `json:"version"`
	Tasks   []Task `json:"tasks"`
}

// Event types emitted to task listeners.
const (
	// EventCreated fires for new tasks, including tasks reinstated by a
	// rollback.
	EventCreated = "task.created"
	// EventUpdated fires when an existing task changes.
	EventUpdated = "task.updated"
	// EventDeleted fires when a task is removed, including tasks a
	// rollback drops.
	EventDeleted = "task.deleted"
)

// Event tells listeners what changed.
type Event struct {
	Type string
	Task Task
}

// Listener receives task change events synchronously.
type Listener func(Event)

// Config configures the task store.
type Config struct {
	// Path is the task store file.
	Path string
	// SnapshotDir holds the <snapshotId>.json rollback captures.
	// Defaults to a snapshots/ directory next to Path.
	SnapshotDir string
	// HistoryPath is the JSONL run history. Defaults to Path with a
	// .history.jsonl suffix.
	HistoryPath string
	// HistoryMaxBytes caps the history file.
	HistoryMaxBytes int64
	// RunsPerTask bounds the run history kept inline per task.
	RunsPerTask int
	// Clock overrides time for tests.
	Clock clockwork.Clock
	// Log emits store events.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = filepath.Join(filepath.Dir(cfg.Path), "snapshots")
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = cfg.Path + ".history.jsonl"
	}
	if cfg.HistoryMaxBytes <= 0 {
		cfg.HistoryMaxBytes = defaults.TaskHistoryMaxBytes
	}
	if cfg.RunsPerTask <= 0 {
		cfg.RunsPerTask = defaults.TaskRunsPerTask
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.WithFields(logrus.Fields{
			trace.Component: patze.ComponentTasks,
		})
	}
	return nil
}

// Store keeps the task set on disk and notifies listeners about
// changes. All mutations are serialized and persisted before listeners
// run.
type Store struct {
	cfg   Config
	clock clockwork.Clock
	log   logrus.FieldLogger

	mu        sync.Mutex
	tasks     map[string]Task
	listeners map[int]Listener
	nextID    int
}

// NewStore loads the task store at cfg.Path. An absent or corrupt file
// starts empty: tasks are operator convenience, not ledger data.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Store{
		cfg:       cfg,
		clock:     cfg.Clock,
		log:       cfg.Log,
		tasks:     make(map[string]Task),
		listeners: make(map[int]Listener),
	}
	s.load()
	return s, nil
}

func (s *Store) load() {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithError(err).Warnf("Cannot read task store %v; starting empty.", s.cfg.Path)
		}
		return
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		s.log.WithError(err).Warnf("Task store %v is corrupt; starting empty.", s.cfg.Path)
		return
	}
	if f.Version != storeVersion {
		s.log.Warnf("Task store %v has unsupported version %v; starting empty.", s.cfg.Path, f.Version)
		return
	}
	for _, t := range f.Tasks {
		s.tasks[t.ID] = t
	}
}

// persistLocked writes the full task set, keeping a .bak of the
// previous file.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(storeFile{Version: storeVersion, Tasks: s.tasksLocked()}, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(utils.AtomicWriteFileWithBackup(s.cfg.Path, data, os.FileMode(0o600)))
}

// tasksLocked returns the tasks sorted by creation time, oldest first.
func (s *Store) tasksLocked() []Task {
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe registers a listener for task changes and returns the
// matching unsubscribe.
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// emit runs the listeners outside the store lock.
func (s *Store) emit(events ...Event) {
	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, ev := range events {
		for _, listener := range listeners {
			s.notify(listener, ev)
		}
	}
}

// notify shields the store from a panicking listener.
func (s *Store) notify(listener Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warnf("Task listener panicked on %v: %v.", ev.Type, r)
		}
	}()
	listener(ev)
}

// Create validates and stores a new task, capturing a rollback
// snapshot of the previous task set first.
func (s *Store) Create(t Task) (Task, error) {
	if err := t.CheckAndSetDefaults(); err != nil {
		return Task{}, trace.Wrap(err)
	}
	now := s.clock.Now().UTC()
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Runs = nil
	t.refreshNextRun(now)

	s.mu.Lock()
	if _, err := s.captureLocked(SourceAuto, "before create "+t.Name); err != nil {
		s.mu.Unlock()
		return Task{}, trace.Wrap(err)
	}
	s.tasks[t.ID] = t
	if err := s.persistLocked(); err != nil {
		delete(s.tasks, t.ID)
		s.mu.Unlock()
		return Task{}, trace.Wrap(err)
	}
	s.mu.Unlock()

	s.log.Infof("Created task %v (%v).", t.Name, t.ID)
	s.emit(Event{Type: EventCreated, Task: t.clone()})
	return t.clone(), nil
}

// Update replaces the operator-editable fields of an existing task.
// Identity, creation time and run history are preserved.
func (s *Store) Update(t Task) (Task, error) {
	if t.ID == "" {
		return Task{}, trace.BadParameter("missing parameter id")
	}
	if err := t.CheckAndSetDefaults(); err != nil {
		return Task{}, trace.Wrap(err)
	}
	now := s.clock.Now().UTC()

	s.mu.Lock()
	prev, ok := s.tasks[t.ID]
	if !ok {
		s.mu.Unlock()
		return Task{}, trace.NotFound("task %v is not known", t.ID)
	}
	if _, err := s.captureLocked(SourceAuto, "before update "+prev.Name); err != nil {
		s.mu.Unlock()
		return Task{}, trace.Wrap(err)
	}
	t.CreatedAt = prev.CreatedAt
	t.Runs = prev.Runs
	t.UpdatedAt = now
	t.refreshNextRun(now)
	s.tasks[t.ID] = t
	if err := s.persistLocked(); err != nil {
		s.tasks[t.ID] = prev
		s.mu.Unlock()
		return Task{}, trace.Wrap(err)
	}
	s.mu.Unlock()

	s.emit(Event{Type: EventUpdated, Task: t.clone()})
	return t.clone(), nil
}

// Delete removes a task.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	prev, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return trace.NotFound("task %v is not known", id)
	}
	if _, err := s.captureLocked(SourceAuto, "before delete "+prev.Name); err != nil {
		s.mu.Unlock()
		return trace.Wrap(err)
	}
	delete(s.tasks, id)
	if err := s.persistLocked(); err != nil {
		s.tasks[id] = prev
		s.mu.Unlock()
		return trace.Wrap(err)
	}
	s.mu.Unlock()

	s.log.Infof("Deleted task %v (%v).", prev.Name, id)
	s.emit(Event{Type: EventDeleted, Task: prev.clone()})
	return nil
}

// Get returns one task.
func (s *Store) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, trace.NotFound("task %v is not known", id)
	}
	return t.clone(), nil
}

// List returns every task, oldest first.
func (s *Store) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasksLocked()
}

// RecordRun appends one execution to a task's bounded inline history
// and to the JSONL history file. Run history does not snapshot: it is
// an audit trail, not configuration.
func (s *Store) RecordRun(id string, run Run) (Task, error) {
	run.TaskID = id
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock.Now().UTC()
	}

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return Task{}, trace.NotFound("task %v is not known", id)
	}
	t.Runs = append(t.Runs, run)
	if over := len(t.Runs) - s.cfg.RunsPerTask; over > 0 {
		t.Runs = append([]Run(nil), t.Runs[over:]...)
	}
	t.refreshNextRun(s.clock.Now().UTC())
	s.tasks[id] = t
	if err := s.persistLocked(); err != nil {
		s.mu.Unlock()
		return Task{}, trace.Wrap(err)
	}
	if err := s.appendHistoryLocked(run); err != nil {
		s.log.WithError(err).Warn("Cannot append the task run history.")
	}
	s.mu.Unlock()

	return t.clone(), nil
}

// appendHistoryLocked writes one JSONL line, trimming the oldest half
// of the file when it outgrows the cap.
func (s *Store) appendHistoryLocked(run Run) error {
	line, err := json.Marshal(run)
	if err != nil {
		return trace.Wrap(err)
	}
	line = append(line, '\n')

	if info, err := os.Stat(s.cfg.HistoryPath); err == nil &&
		info.Size()+int64(len(line)) > s.cfg.HistoryMaxBytes {
		if err := s.trimHistory(); err != nil {
			return trace.Wrap(err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.HistoryPath), 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	f, err := os.OpenFile(s.cfg.HistoryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	_, err = f.Write(line)
	return trace.ConvertSystemError(err)
}

// trimHistory keeps the newest complete lines that fit half the cap.
func (s *Store) trimHistory() error {
	data, err := os.ReadFile(s.cfg.HistoryPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	keep := int64(len(data))
	limit := s.cfg.HistoryMaxBytes / 2
	start := 0
	for keep > limit {
		next := start
		for next < len(data) && data[next] != '\n' {
			next++
		}
		if next >= len(data) {
			break
		}
		next++
		keep -= int64(next - start)
		start = next
	}
	return trace.Wrap(utils.AtomicWriteFile(s.cfg.HistoryPath, data[start:], os.FileMode(0o600)))
}

// History returns up to limit of the most recent history lines, oldest
// first.
func (s *Store) History(limit int) ([]Run, error) {
	s.mu.Lock()
	path := s.cfg.HistoryPath
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	var runs []Run
	start := 0
	for start < len(data) {
		end := start
		for end < len(data) && data[end] != '\n' {
			end++
		}
		line := data[start:end]
		start = end + 1
		if len(line) == 0 {
			continue
		}
		var run Run
		if err := json.Unmarshal(line, &run); err != nil {
			// a torn tail line from a crash is expected, skip it
			continue
		}
		runs = append(runs, run)
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	return runs, nil
}
