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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/patzehq/patze/lib/utils"
)

// Snapshot sources.
const (
	// SourceAuto marks snapshots captured before a mutation.
	SourceAuto = "auto"
	// SourceManual marks operator-requested snapshots.
	SourceManual = "manual"
)

// Snapshot is a full capture of the task set, stored as one JSON file
// per capture so a rollback needs nothing but the file.
type Snapshot struct {
	ID          string    `json:"id"`
	CapturedAt  time.Time `json:"ts"`
	Source      string    `json:"source"`
	Description string    `json:"description,omitempty"`
	Tasks       []Task    `json:"tasks"`
}

// Meta describes a snapshot without its payload.
type Meta struct {
	ID          string    `json:"id"`
	CapturedAt  time.Time `json:"ts"`
	Source      string    `json:"source"`
	Description string    `json:"description,omitempty"`
	TaskCount   int       `json:"taskCount"`
}

func (s Snapshot) meta() Meta {
	return Meta{
		ID:          s.ID,
		CapturedAt:  s.CapturedAt,
		Source:      s.Source,
		Description: s.Description,
		TaskCount:   len(s.Tasks),
	}
}

// Capture stores a snapshot of the current task set.
func (s *Store) Capture(source, description string) (Meta, error) {
	switch source {
	case SourceAuto, SourceManual:
	default:
		return Meta{}, trace.BadParameter("unsupported snapshot source %q", source)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureLocked(source, description)
}

func (s *Store) captureLocked(source, description string) (Meta, error) {
	snap := Snapshot{
		ID:          uuid.NewString(),
		CapturedAt:  s.clock.Now().UTC(),
		Source:      source,
		Description: description,
		Tasks:       s.tasksLocked(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Meta{}, trace.Wrap(err)
	}
	path := filepath.Join(s.cfg.SnapshotDir, snap.ID+".json")
	if err := utils.AtomicWriteFile(path, data, os.FileMode(0o600)); err != nil {
		return Meta{}, trace.Wrap(err)
	}
	return snap.meta(), nil
}

// Snapshots lists the captured snapshots, newest first. Unreadable
// files are skipped so one bad capture cannot hide the rest.
func (s *Store) Snapshots() ([]Meta, error) {
	entries, err := os.ReadDir(s.cfg.SnapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	metas := make([]Meta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		snap, err := s.readSnapshot(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			s.log.WithError(err).Warnf("Skipping unreadable snapshot %v.", entry.Name())
			continue
		}
		metas = append(metas, snap.meta())
	}
	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].CapturedAt.Equal(metas[j].CapturedAt) {
			return metas[i].CapturedAt.After(metas[j].CapturedAt)
		}
		return metas[i].ID < metas[j].ID
	})
	return metas, nil
}

// GetSnapshot returns one snapshot with its payload.
func (s *Store) GetSnapshot(id string) (Snapshot, error) {
	snap, err := s.readSnapshot(id)
	return snap, trace.Wrap(err)
}

func (s *Store) readSnapshot(id string) (Snapshot, error) {
	if id == "" || filepath.Base(id) != id {
		return Snapshot{}, trace.BadParameter("invalid snapshot id %q", id)
	}
	data, err := os.ReadFile(filepath.Join(s.cfg.SnapshotDir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, trace.NotFound("snapshot %v is not known", id)
		}
		return Snapshot{}, trace.ConvertSystemError(err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, trace.BadParameter("snapshot %v is corrupt: %v", id, err)
	}
	return snap, nil
}

// Rollback replaces the whole task set with a snapshot's, capturing
// the pre-rollback state first. Tasks come back verbatim, so a capture
// followed by a rollback restores the set exactly; listeners see every
// restored task as created.
func (s *Store) Rollback(id string) ([]Task, error) {
	snap, err := s.readSnapshot(id)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.mu.Lock()
	if _, err := s.captureLocked(SourceAuto, "before rollback to "+id); err != nil {
		s.mu.Unlock()
		return nil, trace.Wrap(err)
	}
	prev := s.tasks
	s.tasks = make(map[string]Task, len(snap.Tasks))
	for _, t := range snap.Tasks {
		s.tasks[t.ID] = t
	}
	if err := s.persistLocked(); err != nil {
		s.tasks = prev
		s.mu.Unlock()
		return nil, trace.Wrap(err)
	}
	restored := s.tasksLocked()
	s.mu.Unlock()

	s.log.Infof("Rolled task set back to snapshot %v (%v tasks).", id, len(restored))
	events := make([]Event, 0, len(restored))
	for _, t := range restored {
		events = append(events, Event{Type: EventCreated, Task: t})
	}
	s.emit(events...)
	return restored, nil
}
