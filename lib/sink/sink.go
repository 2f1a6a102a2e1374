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

// Package sink delivers telemetry envelopes from the bridge to the
// control plane: a bounded in-memory queue flushed in batches, with
// retries, a circuit breaker, and an on-disk spool for crash
// durability.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/telemetry"
	"github.com/patzehq/patze/lib/utils"
)

// Config configures a Sink.
type Config struct {
	// Endpoint is the base URL of the control plane, e.g.
	// http://127.0.0.1:4680.
	Endpoint string
	// Token is the bearer token attached to every delivery.
	Token string
	// MaxQueueSize bounds the in-memory queue; ingest over the bound
	// is rejected.
	MaxQueueSize int
	// BatchSize is the flush chunk size.
	BatchSize int
	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration
	// RequestTimeout bounds each delivery POST.
	RequestTimeout time.Duration
	// MaxRetries bounds how many times one chunk is retried after its
	// first attempt before it goes back onto the queue.
	MaxRetries int
	// RetryBase, RetryCap and RetryJitter shape the backoff between
	// retries of one chunk.
	RetryBase   time.Duration
	RetryCap    time.Duration
	RetryJitter time.Duration
	// BreakerThreshold is how many consecutive transient give-ups
	// open the circuit.
	BreakerThreshold int
	// BreakerCooldown is how long flushes are skipped once open.
	BreakerCooldown time.Duration
	// SpoolPath mirrors the queue to this file when set.
	SpoolPath string
	// SpoolDebounce coalesces spool writes.
	SpoolDebounce time.Duration
	// Client is the HTTP client; built from RequestTimeout when
	// unset.
	Client *http.Client
	// Clock is used for flush scheduling and backoff.
	Clock clockwork.Clock
	// Log is the logger; a component logger is built when unset.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Endpoint == "" {
		return trace.BadParameter("missing parameter Endpoint")
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaults.SinkQueueCapacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.SinkBatchSize
	}
	if c.BatchSize > c.MaxQueueSize {
		c.BatchSize = c.MaxQueueSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaults.SinkFlushInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.SinkRequestTimeout
	}
	if c.MaxRetries < 0 {
		return trace.BadParameter("parameter MaxRetries must not be negative")
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.SinkMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaults.SinkRetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = defaults.SinkRetryCap
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = defaults.SinkRetryJitter
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaults.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaults.BreakerCooldown
	}
	if c.SpoolDebounce <= 0 {
		c.SpoolDebounce = defaults.SpoolDebounce
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.RequestTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			trace.Component: patze.ComponentSink,
		})
	}
	return nil
}

// Stats is the point-in-time accounting surfaced through the bridge
// health endpoint.
type Stats struct {
	// QueueSize is the current in-memory queue length.
	QueueSize int `json:"queueSize"`
	// Enqueued counts accepted envelopes since startup.
	Enqueued uint64 `json:"enqueued"`
	// Delivered counts envelopes acknowledged by the plane.
	Delivered uint64 `json:"delivered"`
	// Retries counts delivery attempts beyond the first per chunk.
	Retries uint64 `json:"retries"`
	// DroppedQueueFull counts envelopes rejected at ingest.
	DroppedQueueFull uint64 `json:"droppedQueueFull"`
	// DroppedBadBatch counts envelopes the plane refused outright.
	DroppedBadBatch uint64 `json:"droppedBadBatch"`
	// ConsecutiveFailures counts transient give-ups since the last
	// delivered chunk.
	ConsecutiveFailures int `json:"consecutiveFailures"`
	// CircuitState is the breaker state: closed, half-open or open.
	CircuitState string `json:"circuitState"`
	// BatchFallback reports that the plane has no batch endpoint and
	// events go out one at a time.
	BatchFallback bool `json:"batchFallback"`
	// HydratedCount is how many spooled envelopes were loaded at
	// startup.
	HydratedCount int `json:"hydratedCount"`
	// DroppedOnHydrate is how many spooled envelopes were over the
	// queue bound at startup.
	DroppedOnHydrate int `json:"droppedOnHydrate"`
	// Persists counts spool writes; LastPersistError carries the most
	// recent spool failure, empty when the last write succeeded.
	Persists         uint64 `json:"persists"`
	LastPersistError string `json:"lastPersistError,omitempty"`
	// LastFlushError carries the most recent delivery failure, empty
	// when the last flush succeeded.
	LastFlushError string `json:"lastFlushError,omitempty"`
}

// batchRequest is the wire shape of POST /ingest/batch.
type batchRequest struct {
	Events []*telemetry.Envelope `json:"events"`
}

// batchResponse is the wire shape the plane answers batches with.
// Per-event rejections arrive inside a 200, not as an error status.
type batchResponse struct {
	Accepted int `json:"accepted"`
	Rejected []struct {
		Index   int    `json:"index"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"rejected,omitempty"`
}

// Sink is the bridge-side delivery queue. One Sink owns its spool
// file exclusively; running two sinks over the same path is undefined.
type Sink struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	spool   *spool

	mu               sync.Mutex
	queue            []*telemetry.Envelope
	closed           bool
	batchUnsupported bool
	stats            Stats

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New builds the sink, hydrates the spool and starts the flush loop.
func New(cfg Config) (*Sink, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Sink{
		cfg:     cfg,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sink",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Log.Infof("Delivery circuit %v -> %v.", from, to)
		},
	})

	if cfg.SpoolPath != "" {
		entries, dropped, err := hydrate(cfg.SpoolPath, cfg.MaxQueueSize)
		if err != nil {
			cfg.Log.WithError(err).Warn("Starting with an empty queue: spool unreadable.")
		}
		s.queue = entries
		s.stats.HydratedCount = len(entries)
		s.stats.DroppedOnHydrate = dropped
		if len(entries) > 0 {
			cfg.Log.Infof("Hydrated %v spooled events.", len(entries))
		}
		s.spool = newSpool(cfg.SpoolPath, cfg.SpoolDebounce, cfg.Clock, cfg.Log, s.snapshotQueue)
	}

	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

// Ingest validates the envelope shape and enqueues it. A full queue
// rejects so the producer sees backpressure instead of silent loss.
func (s *Sink) Ingest(env *telemetry.Envelope) error {
	if err := telemetry.ValidateEnvelope(env); err != nil {
		return trace.Wrap(err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return trace.ConnectionProblem(nil, "sink is closed")
	}
	if len(s.queue) >= s.cfg.MaxQueueSize {
		s.stats.DroppedQueueFull++
		s.mu.Unlock()
		return trace.LimitExceeded("delivery queue is full at %v events", s.cfg.MaxQueueSize)
	}
	s.queue = append(s.queue, env)
	s.stats.Enqueued++
	full := len(s.queue) >= s.cfg.BatchSize
	s.mu.Unlock()

	s.spool.schedule()
	if full {
		s.kickFlush()
	}
	return nil
}

// kickFlush wakes the flush loop without blocking the caller.
func (s *Sink) kickFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// flushLoop drains the queue on a timer or when a batch fills up.
func (s *Sink) flushLoop() {
	defer s.wg.Done()
	ticker := s.cfg.Clock.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
		case <-s.flushCh:
		}
		if err := s.Flush(context.Background()); err != nil {
			s.cfg.Log.WithError(err).Debug("Flush failed.")
		}
	}
}

// Flush drains the queue in chunks until it is empty, the circuit is
// open, or a chunk gives up transiently. Whatever was not delivered
// goes back onto the queue head in its original order, so delivery
// stays first-in first-out across failures.
func (s *Sink) Flush(ctx context.Context) error {
	for {
		if s.breaker.State() == gobreaker.StateOpen {
			// cooling down: no requests at all until the breaker
			// lets a probe through
			return nil
		}

		chunk := s.takeChunk()
		if len(chunk) == 0 {
			return nil
		}

		var unsent []*telemetry.Envelope
		_, err := s.breaker.Execute(func() (interface{}, error) {
			remainder, err := s.deliverChunk(ctx, chunk)
			unsent = remainder
			return nil, err
		})
		switch {
		case err == nil:
			s.mu.Lock()
			s.stats.ConsecutiveFailures = 0
			s.stats.LastFlushError = ""
			s.mu.Unlock()
			s.spool.schedule()

		case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
			// raced with the breaker opening: nothing was sent
			s.prepend(chunk)
			return nil

		default:
			s.prepend(unsent)
			s.mu.Lock()
			s.stats.ConsecutiveFailures++
			s.stats.LastFlushError = err.Error()
			s.mu.Unlock()
			s.spool.schedule()
			return trace.Wrap(err)
		}
	}
}

// takeChunk pops up to BatchSize envelopes off the queue head.
func (s *Sink) takeChunk() []*telemetry.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if n == 0 {
		return nil
	}
	if n > s.cfg.BatchSize {
		n = s.cfg.BatchSize
	}
	chunk := make([]*telemetry.Envelope, n)
	copy(chunk, s.queue[:n])
	s.queue = append(s.queue[:0:0], s.queue[n:]...)
	return chunk
}

// prepend pushes undelivered envelopes back onto the queue head, ahead
// of anything enqueued since they were taken.
func (s *Sink) prepend(envs []*telemetry.Envelope) {
	if len(envs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make([]*telemetry.Envelope, 0, len(envs)+len(s.queue))
	merged = append(merged, envs...)
	merged = append(merged, s.queue...)
	s.queue = merged
}

// deliverChunk sends one chunk, retrying transient failures with
// exponential backoff. It returns the undelivered remainder and the
// final error, or (nil, nil) when every envelope was either delivered
// or dropped as refused.
func (s *Sink) deliverChunk(ctx context.Context, chunk []*telemetry.Envelope) ([]*telemetry.Envelope, error) {
	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Base:   s.cfg.RetryBase,
		Cap:    s.cfg.RetryCap,
		Jitter: utils.NewBandJitter(s.cfg.RetryJitter),
		Clock:  s.cfg.Clock,
	})
	if err != nil {
		return chunk, trace.Wrap(err)
	}

	pending := chunk
	var last error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			s.mu.Lock()
			s.stats.Retries++
			s.mu.Unlock()
			select {
			case <-retry.After():
				retry.Inc()
			case <-ctx.Done():
				return pending, trace.ConnectionProblem(ctx.Err(), "delivery interrupted")
			}
		}
		pending, last = s.postOnce(ctx, pending)
		if last == nil {
			return nil, nil
		}
	}
	return pending, trace.Wrap(last)
}

// postOnce performs one delivery attempt over the remaining envelopes:
// batch first, falling back to per-event posts for planes without a
// batch endpoint. It returns the undelivered remainder and a transient
// error, or (nil, nil) when the attempt finished the chunk. Refused
// envelopes are dropped here and do not appear in the remainder.
func (s *Sink) postOnce(ctx context.Context, pending []*telemetry.Envelope) ([]*telemetry.Envelope, error) {
	s.mu.Lock()
	single := s.batchUnsupported
	s.mu.Unlock()

	if !single {
		status, body, err := s.post(ctx, "/ingest/batch", batchRequest{Events: pending})
		switch {
		case err != nil:
			return pending, trace.Wrap(err)
		case status == http.StatusNotFound || status == http.StatusMethodNotAllowed:
			// legacy plane: remember and fall through to singles
			s.mu.Lock()
			s.batchUnsupported = true
			s.stats.BatchFallback = true
			s.mu.Unlock()
			s.cfg.Log.Info("Plane has no batch endpoint, falling back to per-event delivery.")
		case status == http.StatusTooManyRequests || status >= 500:
			return pending, trace.ConnectionProblem(nil, "plane answered %v to a batch of %v", status, len(pending))
		case status >= 400:
			s.dropRefused(len(pending), status)
			return nil, nil
		default:
			s.accountBatch(len(pending), body)
			return nil, nil
		}
	}

	for i, env := range pending {
		status, _, err := s.post(ctx, "/ingest", env)
		switch {
		case err != nil:
			return pending[i:], trace.Wrap(err)
		case status == http.StatusTooManyRequests || status >= 500:
			return pending[i:], trace.ConnectionProblem(nil, "plane answered %v", status)
		case status >= 400:
			// only this event is refused; the rest continue
			s.dropRefused(1, status)
		default:
			s.mu.Lock()
			s.stats.Delivered++
			s.mu.Unlock()
		}
	}
	return nil, nil
}

// post serializes body and POSTs it under the request timeout.
func (s *Sink) post(ctx context.Context, path string, body interface{}) (int, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, trace.Wrap(err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.cfg.Endpoint+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return 0, nil, trace.ConnectionProblem(err, "delivery to %v failed", s.cfg.Endpoint+path)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, trace.ConnectionProblem(err, "reading reply from %v failed", s.cfg.Endpoint+path)
	}
	return resp.StatusCode, out, nil
}

// accountBatch credits a 2xx batch reply. The plane may refuse
// individual events inside an accepted batch; those count as refused,
// not delivered.
func (s *Sink) accountBatch(sent int, body []byte) {
	var reply batchResponse
	if err := json.Unmarshal(body, &reply); err != nil || reply.Accepted+len(reply.Rejected) != sent {
		// unparseable or inconsistent reply, credit the whole batch
		s.mu.Lock()
		s.stats.Delivered += uint64(sent)
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.stats.Delivered += uint64(reply.Accepted)
	s.stats.DroppedBadBatch += uint64(len(reply.Rejected))
	s.mu.Unlock()
	for _, r := range reply.Rejected {
		s.cfg.Log.Warnf("Plane rejected event %v of the batch: %v %v.", r.Index, r.Code, r.Message)
	}
}

// dropRefused accounts envelopes the plane refused with a permanent
// status. Retrying those would refuse forever, so they are dropped.
func (s *Sink) dropRefused(n, status int) {
	s.mu.Lock()
	s.stats.DroppedBadBatch += uint64(n)
	s.mu.Unlock()
	s.cfg.Log.Warnf("Dropping %v events refused by the plane with %v.", n, status)
}

// snapshotQueue hands the spool a copy of the current queue.
func (s *Sink) snapshotQueue() []*telemetry.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*telemetry.Envelope, len(s.queue))
	copy(out, s.queue)
	return out
}

// QueueSize returns the current queue length.
func (s *Sink) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats returns a copy of the sink counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	stats := s.stats
	stats.QueueSize = len(s.queue)
	s.mu.Unlock()

	stats.CircuitState = s.breaker.State().String()
	persists, lastErr := s.spool.status()
	stats.Persists = persists
	if lastErr != nil {
		stats.LastPersistError = lastErr.Error()
	}
	return stats
}

// Close stops the flush loop, drains the queue best-effort and
// persists whatever remains. Draining stops as soon as a flush makes
// no progress, so an unreachable plane cannot hang shutdown.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	for {
		before := s.QueueSize()
		if before == 0 {
			break
		}
		if err := s.Flush(ctx); err != nil {
			break
		}
		if s.QueueSize() >= before {
			break
		}
	}
	return trace.Wrap(s.spool.sync())
}
