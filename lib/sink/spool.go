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

package sink

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze/lib/telemetry"
	"github.com/patzehq/patze/lib/utils"
)

// persistState tracks the single-writer protocol of the spool file.
type persistState int

const (
	// persistIdle means no write is running.
	persistIdle persistState = iota
	// persistInflight means one write is running.
	persistInflight
	// persistInflightDirty means one write is running and the queue
	// changed again; exactly one re-run follows the current write.
	persistInflightDirty
)

// spool mirrors the sink's in-memory queue to a file so queued
// telemetry survives a crash. Writes are debounced, atomic, and never
// concurrent: one write may be in flight, and at most one re-run is
// scheduled when the queue changes mid-write.
type spool struct {
	path     string
	debounce time.Duration
	clock    clockwork.Clock
	log      logrus.FieldLogger
	// snapshot returns the current queue contents; it takes the
	// sink's queue lock internally.
	snapshot func() []*telemetry.Envelope

	mu       sync.Mutex
	state    persistState
	timer    clockwork.Timer
	closed   bool
	persists uint64
	lastErr  error
	writing  sync.WaitGroup
}

func newSpool(path string, debounce time.Duration, clock clockwork.Clock, log logrus.FieldLogger, snapshot func() []*telemetry.Envelope) *spool {
	return &spool{
		path:     path,
		debounce: debounce,
		clock:    clock,
		log:      log,
		snapshot: snapshot,
	}
}

// hydrate loads the spool file and returns up to max entries, oldest
// first, plus how many entries were dropped over the bound. A missing
// file is an empty spool. Corruption surfaces as an error; the caller
// logs it and starts empty, because a bad spool must never keep the
// bridge from starting.
func hydrate(path string, max int) ([]*telemetry.Envelope, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, trace.ConvertSystemError(err)
	}
	var entries []*telemetry.Envelope
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, 0, trace.BadParameter("spool file %v is corrupt: %v", path, err)
	}
	dropped := 0
	if max > 0 && len(entries) > max {
		dropped = len(entries) - max
		entries = entries[:max]
	}
	return entries, dropped, nil
}

// schedule arms the debounce timer. Back-to-back queue changes
// coalesce into one write; a change arriving mid-write marks the
// flight dirty instead of starting a second writer.
func (s *spool) schedule() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch s.state {
	case persistInflight:
		s.state = persistInflightDirty
		return
	case persistInflightDirty:
		return
	}
	if s.timer != nil {
		return
	}
	s.timer = s.clock.AfterFunc(s.debounce, s.fire)
}

// fire runs when the debounce expires.
func (s *spool) fire() {
	s.mu.Lock()
	s.timer = nil
	if s.closed || s.state != persistIdle {
		// a sync persist won the race; it wrote the latest queue
		s.mu.Unlock()
		return
	}
	s.state = persistInflight
	s.writing.Add(1)
	s.mu.Unlock()

	go s.run()
}

// run performs the write, re-running once per dirty marking.
func (s *spool) run() {
	defer s.writing.Done()
	for {
		err := s.write()

		s.mu.Lock()
		s.persists++
		s.lastErr = err
		if s.state == persistInflightDirty && !s.closed {
			s.state = persistInflight
			s.mu.Unlock()
			continue
		}
		s.state = persistIdle
		s.mu.Unlock()
		return
	}
}

// write marshals the queue snapshot and writes it atomically. Persist
// errors are recorded in stats but never block ingestion.
func (s *spool) write() error {
	entries := s.snapshot()
	data, err := json.Marshal(entries)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := utils.AtomicWriteFile(s.path, data, os.FileMode(0o600)); err != nil {
		s.log.WithError(err).Warn("Failed to persist spool.")
		return trace.Wrap(err)
	}
	s.log.Debugf("Persisted %v spooled events (%v).", len(entries), humanize.Bytes(uint64(len(data))))
	return nil
}

// sync cancels any pending debounce, waits out an in-flight write and
// writes the current queue synchronously. Used on close.
func (s *spool) sync() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writing.Wait()

	err := s.write()
	s.mu.Lock()
	s.persists++
	s.lastErr = err
	s.state = persistIdle
	s.mu.Unlock()
	return trace.Wrap(err)
}

// status returns the persist counters for stats reporting.
func (s *spool) status() (persists uint64, lastErr error) {
	if s == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persists, s.lastErr
}
