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

package web

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/frontend"
	"github.com/patzehq/patze/lib/telemetry"
)

// PublisherConfig configures the snapshot publisher.
type PublisherConfig struct {
	// Reduce bounds the derived snapshot (log lines, recent events,
	// tool calls per run). Zero fields take the package defaults.
	Reduce frontend.ReduceContext
	// Clock stamps event arrival for stream health.
	Clock clockwork.Clock
	// Log is the parent logger.
	Log logrus.FieldLogger
}

func (c *PublisherConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Publisher folds stored envelopes into the unified UI snapshot. Every
// reduction produces a fresh value published with an atomic pointer
// swap, so readers never observe a snapshot mid-update and never block
// behind a reduction.
type Publisher struct {
	cfg PublisherConfig
	log logrus.FieldLogger

	// mu serializes reductions; reads go through current only.
	mu      sync.Mutex
	current atomic.Pointer[frontend.Snapshot]

	lastEvent atomic.Int64 // unix nanoseconds, 0 until the first event
	applied   atomic.Uint64
}

// NewPublisher returns a publisher seeded with an empty snapshot.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Publisher{
		cfg: cfg,
		log: cfg.Log.WithFields(logrus.Fields{
			trace.Component: patze.ComponentFrontend,
		}),
	}
	p.current.Store(frontend.NewSnapshot())
	return p, nil
}

// Apply reduces one envelope into the published snapshot. It satisfies
// events.Listener and must not call back into the event store.
func (p *Publisher) Apply(env *telemetry.Envelope) {
	p.mu.Lock()
	next := frontend.Reduce(p.current.Load(), env, p.cfg.Reduce)
	p.current.Store(next)
	p.mu.Unlock()

	p.lastEvent.Store(p.cfg.Clock.Now().UnixNano())
	p.applied.Add(1)
}

// Snapshot returns the currently published snapshot. The value is
// immutable; callers must not modify it.
func (p *Publisher) Snapshot() *frontend.Snapshot {
	return p.current.Load()
}

// LastEventAt returns the arrival time of the last applied event, or
// the zero time if nothing has been applied yet.
func (p *Publisher) LastEventAt() time.Time {
	ns := p.lastEvent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Applied returns the number of events folded into the snapshot.
func (p *Publisher) Applied() uint64 {
	return p.applied.Load()
}
