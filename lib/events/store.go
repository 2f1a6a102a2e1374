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

// Package events implements the bounded append-only telemetry log the
// control plane fans out from.
package events

import (
	"sync"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/telemetry"
)

// Listener receives every stored envelope in append order. Listeners
// run on the appending goroutine and must not call back into the
// store.
type Listener func(*telemetry.Envelope)

// StoreConfig configures a Store.
type StoreConfig struct {
	// Capacity bounds the log; older events are evicted in bulk when
	// it is exceeded.
	Capacity int
	// EvictChunk is the minimum number of events one eviction
	// removes, so eviction cost amortizes across appends.
	EvictChunk int
	// DedupSize bounds the (machineId, id) index used to drop
	// duplicate submissions.
	DedupSize int
	// Log is the logger; a component logger is built when unset.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *StoreConfig) CheckAndSetDefaults() error {
	if c.Capacity < 0 {
		return trace.BadParameter("parameter Capacity must not be negative")
	}
	if c.Capacity == 0 {
		c.Capacity = defaults.EventStoreCapacity
	}
	if c.EvictChunk <= 0 {
		c.EvictChunk = c.Capacity / 10
	}
	if c.EvictChunk < 1 {
		c.EvictChunk = 1
	}
	if c.DedupSize <= 0 {
		c.DedupSize = defaults.DedupCacheSize
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			trace.Component: patze.ComponentStore,
		})
	}
	return nil
}

// Stats is a point-in-time accounting of store activity.
type Stats struct {
	// Size is the number of retained events.
	Size int `json:"size"`
	// Appended counts accepted events since startup.
	Appended uint64 `json:"appended"`
	// Duplicates counts submissions dropped by the dedup index.
	Duplicates uint64 `json:"duplicates"`
	// Evicted counts events aged out by the capacity bound.
	Evicted uint64 `json:"evicted"`
}

// Store is the bounded append-only event log. Appends, evictions and
// fan-out are serialized under one lock so every subscriber observes
// the exact append order.
type Store struct {
	cfg StoreConfig

	mu         sync.Mutex
	events     []*telemetry.Envelope
	listeners  map[int64]Listener
	nextHandle int64
	seen       *lru.Cache[string, struct{}]
	stats      Stats
}

// NewStore returns an empty store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	seen, err := lru.New[string, struct{}](cfg.DedupSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{
		cfg:       cfg,
		listeners: make(map[int64]Listener),
		seen:      seen,
	}, nil
}

// Append stores one envelope and fans it out. Returns false when the
// (machineId, id) pair was seen before; duplicates are acknowledged
// but not stored.
func (s *Store) Append(env *telemetry.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(env)
}

// AppendMany stores the batch in order and returns how many envelopes
// were actually stored.
func (s *Store) AppendMany(envs []*telemetry.Envelope) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	appended := 0
	for _, env := range envs {
		if s.appendLocked(env) {
			appended++
		}
	}
	return appended
}

func (s *Store) appendLocked(env *telemetry.Envelope) bool {
	key := env.DedupKey()
	if s.seen.Contains(key) {
		s.stats.Duplicates++
		return false
	}
	s.seen.Add(key, struct{}{})

	s.events = append(s.events, env)
	s.stats.Appended++
	// TODO: emit a store.evicted event so stream consumers can see
	// data loss instead of inferring it from the stats counter.
	if len(s.events) > s.cfg.Capacity {
		drop := len(s.events) - s.cfg.Capacity
		if drop < s.cfg.EvictChunk {
			drop = s.cfg.EvictChunk
		}
		if drop > len(s.events) {
			drop = len(s.events)
		}
		// copy the tail out so evicted heads can be collected
		kept := make([]*telemetry.Envelope, len(s.events)-drop)
		copy(kept, s.events[drop:])
		s.events = kept
		s.stats.Evicted += uint64(drop)
	}

	for _, listener := range s.listeners {
		s.notify(listener, env)
	}
	return true
}

// notify shields fan-out from a panicking listener so the remaining
// listeners still observe the event.
func (s *Store) notify(listener Listener, env *telemetry.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Log.Warnf("Listener panicked on event %v: %v.", env.ID, r)
		}
	}()
	listener(env)
}

// Subscribe registers a listener and returns its unsubscribe func.
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.nextHandle
	s.nextHandle++
	s.listeners[handle] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, handle)
	}
}

// Recent returns up to n retained events ending at the newest one.
func (s *Store) Recent(n int) []*telemetry.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}
	out := make([]*telemetry.Envelope, n)
	copy(out, s.events[len(s.events)-n:])
	return out
}

// Since returns the retained events that follow the event with the
// given id. The second return is false when the id is not retained
// anymore, in which case the caller cannot resume and must refetch a
// snapshot.
func (s *Store) Since(lastID string) ([]*telemetry.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ID == lastID {
			out := make([]*telemetry.Envelope, len(s.events)-i-1)
			copy(out, s.events[i+1:])
			return out, true
		}
	}
	return nil, false
}

// Len returns the number of retained events.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Stats returns a copy of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Size = len(s.events)
	return stats
}
