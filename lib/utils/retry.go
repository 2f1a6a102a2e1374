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

package utils

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Jitter is a function which applies random jitter to a
// duration.  Used to randomize backoff values.  Must be
// safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a new jitter on the range [n/2,n).  This is
// a large range and most suitable for jittering things like backoff
// operations where breaking cycles quickly is a priority.
func NewHalfJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// values less than 1 cause rng to panic, and some logic
		// relies on treating zero duration as non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// NewBandJitter returns a jitter on the range [d-width, d+width),
// clamped at zero.  Suitable for delivery backoff where the schedule
// should stay close to its nominal curve.
func NewBandJitter(width time.Duration) Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if width < 1 {
			return d
		}
		mu.Lock()
		defer mu.Unlock()
		d = d - width + time.Duration(rng.Int63n(int64(2*width)))
		if d < 0 {
			return 0
		}
		return d
	}
}

// Retry is an interface that provides retry logic
type Retry interface {
	// Reset resets retry state
	Reset()
	// Inc increments retry attempt
	Inc()
	// Duration returns retry duration,
	// could be 0
	Duration() time.Duration
	// After returns time.Time channel
	// that fires after Duration delay,
	// could fire right away if Duration is 0
	After() <-chan time.Time
	// Clone creates a copy of this retry in a
	// reset state.
	Clone() Retry
}

// LinearConfig sets up retry configuration
// using arithmetic progression
type LinearConfig struct {
	// First is a first element of the progression,
	// could be 0
	First time.Duration
	// Step is a step of the progression, can't be 0
	Step time.Duration
	// Max is a maximum value of the progression,
	// can't be 0
	Max time.Duration
	// Jitter is an optional jitter function to be applied
	// to the delay.  Note that supplying a jitter means that
	// successive calls to Duration may return different results.
	Jitter Jitter `json:"-"`
	// Clock to override clock in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step == 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewLinear returns a new instance of linear retry
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newLinear(cfg), nil
}

// newLinear creates an instance of Linear from a
// previously verified configuration.
func newLinear(cfg LinearConfig) *Linear {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Linear{LinearConfig: cfg, closedChan: closedChan}
}

// NewConstant returns a new linear retry with constant interval.
func NewConstant(interval time.Duration) (*Linear, error) {
	return NewLinear(LinearConfig{Step: interval, Max: interval})
}

// Linear is used to calculate retry period
// that grows by Step on every attempt up to Max
type Linear struct {
	// LinearConfig is a linear retry config
	LinearConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets retry period to initial state
func (r *Linear) Reset() {
	r.attempt = 0
}

// Clone creates an identical copy of Linear with fresh state.
func (r *Linear) Clone() Retry {
	return newLinear(r.LinearConfig)
}

// Inc increments attempt counter
func (r *Linear) Inc() {
	r.attempt++
}

// Duration returns retry duration based on state
func (r *Linear) Duration() time.Duration {
	a := r.First + time.Duration(r.attempt)*r.Step
	if a < 1 {
		return 0
	}
	if a > r.Max {
		a = r.Max
	}
	if r.Jitter != nil {
		a = r.Jitter(a)
	}
	return a
}

// After returns channel that fires with timeout
// defined in Duration method, as a special case
// if Duration is 0 returns a closed channel
func (r *Linear) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns user-friendly representation of the Linear retry
func (r *Linear) String() string {
	return fmt.Sprintf("Linear(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// For retries the provided function until it succeeds or the context expires.
func (r *Linear) For(ctx context.Context, retryFn func() error) error {
	for {
		err := retryFn()
		if err == nil {
			return nil
		}
		if _, ok := trace.Unwrap(err).(*permanentRetryError); ok {
			return trace.Wrap(err)
		}
		log.Debugf("Will retry in %v: %v.", r.Duration(), err)
		select {
		case <-r.After():
			r.Inc()
		case <-ctx.Done():
			return trace.LimitExceeded(ctx.Err().Error())
		}
	}
}

// PermanentRetryError returns a new instance of a permanent retry error.
func PermanentRetryError(err error) error {
	return &permanentRetryError{err: err}
}

// permanentRetryError indicates that retry loop should stop.
type permanentRetryError struct {
	err error
}

// Error returns the original error message.
func (e *permanentRetryError) Error() string {
	return e.err.Error()
}

// ExponentialConfig sets up retry configuration using geometric
// progression
type ExponentialConfig struct {
	// Base is the delay of the first retry, can't be 0
	Base time.Duration
	// Factor multiplies the delay on every attempt,
	// defaults to 2
	Factor int64
	// Cap is the ceiling on the delay, can't be 0
	Cap time.Duration
	// MaxAttempts bounds the schedule when greater than zero;
	// Exhausted reports when the bound is reached
	MaxAttempts int64
	// Jitter is an optional jitter function to be applied
	// to the delay
	Jitter Jitter `json:"-"`
	// Clock to override clock in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults
func (c *ExponentialConfig) CheckAndSetDefaults() error {
	if c.Base == 0 {
		return trace.BadParameter("missing parameter Base")
	}
	if c.Cap == 0 {
		return trace.BadParameter("missing parameter Cap")
	}
	if c.Factor == 0 {
		c.Factor = 2
	}
	if c.Factor < 1 {
		return trace.BadParameter("parameter Factor must be >= 1")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewExponential returns a new instance of exponential retry
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newExponential(cfg), nil
}

func newExponential(cfg ExponentialConfig) *Exponential {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Exponential{ExponentialConfig: cfg, closedChan: closedChan}
}

// Exponential is used to calculate retry periods
// that double (or multiply by Factor) on every attempt
// up to Cap
type Exponential struct {
	// ExponentialConfig is an exponential retry config
	ExponentialConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets retry period to initial state
func (r *Exponential) Reset() {
	r.attempt = 0
}

// Clone creates an identical copy of Exponential with fresh state.
func (r *Exponential) Clone() Retry {
	return newExponential(r.ExponentialConfig)
}

// Inc increments attempt counter
func (r *Exponential) Inc() {
	r.attempt++
}

// Attempt returns the current attempt counter
func (r *Exponential) Attempt() int64 {
	return r.attempt
}

// Exhausted reports whether the attempt counter reached MaxAttempts.
// Always false when MaxAttempts is zero.
func (r *Exponential) Exhausted() bool {
	return r.MaxAttempts > 0 && r.attempt >= r.MaxAttempts
}

// Duration returns retry duration based on state; the progression is
// capped before jitter is applied so the jitter band straddles Cap
// rather than stopping under it
func (r *Exponential) Duration() time.Duration {
	a := r.Base
	for i := int64(0); i < r.attempt; i++ {
		a *= time.Duration(r.Factor)
		if a >= r.Cap {
			a = r.Cap
			break
		}
	}
	if r.Jitter != nil {
		a = r.Jitter(a)
	}
	return a
}

// After returns channel that fires with timeout
// defined in Duration method, as a special case
// if Duration is 0 returns a closed channel
func (r *Exponential) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns user-friendly representation of the Exponential retry
func (r *Exponential) String() string {
	return fmt.Sprintf("Exponential(attempt=%v, duration=%v)", r.attempt, r.Duration())
}
