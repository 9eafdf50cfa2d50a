// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/aegis/pkg/clock"
	"github.com/kadirpekel/aegis/pkg/fault"
)

// unhealthyRetryWindow and unhealthyFailureRate define when an open breaker
// counts as unhealthy.
const (
	unhealthyRetryWindow = time.Second
	unhealthyFailureRate = 0.5
)

// Breaker is a circuit breaker for one key. The OPEN to HALF_OPEN transition
// happens lazily inside IsRequestAllowed; the monitoring loop never changes
// state.
type Breaker struct {
	mu sync.Mutex

	key    string
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	state         State
	failures      int
	successes     int
	halfOpenCalls int
	totalCalls    int64
	lastFailure   time.Time
	lastSuccess   time.Time
	closed        bool

	listenersMu sync.Mutex
	listeners   []listener
	nextID      int
}

type listener struct {
	id int
	fn func(Transition)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a breaker in the CLOSED state.
func New(key string, cfg Config, opts ...Option) (*Breaker, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{
		key:    key,
		cfg:    cfg,
		clock:  clock.Real{},
		logger: slog.Default(),
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Key returns the breaker's key.
func (b *Breaker) Key() string { return b.key }

// IsRequestAllowed reports whether a call may be attempted. It counts the
// call, and moves an OPEN breaker whose recovery timeout has elapsed to
// HALF_OPEN, admitting that call as the first trial.
func (b *Breaker) IsRequestAllowed() bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	b.totalCalls++
	var tr *Transition
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		now := b.clock.Now()
		if now.Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
			tr = b.transitionLocked(StateHalfOpen, now)
			b.halfOpenCalls = 1
			allowed = true
		}
	case StateHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			allowed = true
		}
	}
	b.mu.Unlock()

	b.notify(tr)
	return allowed
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	now := b.clock.Now()
	b.lastSuccess = now
	var tr *Transition

	switch b.state {
	case StateClosed:
		if b.failures > 0 {
			b.failures--
		}
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMaxCalls {
			tr = b.transitionLocked(StateClosed, now)
		}
	}
	b.mu.Unlock()

	b.notify(tr)
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	now := b.clock.Now()
	b.lastFailure = now
	b.failures++
	var tr *Transition

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			tr = b.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		tr = b.transitionLocked(StateOpen, now)
	}
	b.mu.Unlock()

	b.notify(tr)
}

// transitionLocked moves to state to and resets the per-state counters.
func (b *Breaker) transitionLocked(to State, now time.Time) *Transition {
	tr := &Transition{Key: b.key, From: b.state, To: to, Failures: b.failures, At: now}
	b.state = to
	b.successes = 0
	b.halfOpenCalls = 0
	if to == StateClosed {
		b.failures = 0
	}
	return tr
}

// GetRetryAfter returns the time left before a trial is considered. It is
// zero unless the breaker is OPEN.
func (b *Breaker) GetRetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retryAfterLocked(b.clock.Now())
}

func (b *Breaker) retryAfterLocked(now time.Time) time.Duration {
	if b.closed || b.state != StateOpen {
		return 0
	}
	return max(0, b.cfg.RecoveryTimeout-now.Sub(b.lastFailure))
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a health snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Stats{Key: b.key, State: b.state, Closed: true}
	}

	now := b.clock.Now()
	retry := b.retryAfterLocked(now)
	rate := b.failureRateLocked()
	return Stats{
		Key:             b.key,
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		HalfOpenCalls:   b.halfOpenCalls,
		TotalCalls:      b.totalCalls,
		FailureRate:     rate,
		LastFailureTime: b.lastFailure,
		LastSuccessTime: b.lastSuccess,
		RetryAfter:      retry,
		RecoveryDue:     b.state == StateOpen && retry == 0,
		Healthy:         b.healthyLocked(retry, rate),
	}
}

func (b *Breaker) failureRateLocked() float64 {
	if b.totalCalls == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.totalCalls)
}

func (b *Breaker) healthyLocked(retry time.Duration, rate float64) bool {
	return !(b.state == StateOpen && retry > unhealthyRetryWindow && rate >= unhealthyFailureRate)
}

// IsHealthy is true unless the breaker is OPEN with more than a second left
// before the next trial and a failure rate of at least 50%.
func (b *Breaker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthyLocked(b.retryAfterLocked(b.clock.Now()), b.failureRateLocked())
}

// Reset returns the breaker to CLOSED and clears its counters. A transition
// is published when the state actually changes.
func (b *Breaker) Reset() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var tr *Transition
	if b.state != StateClosed {
		tr = b.transitionLocked(StateClosed, b.clock.Now())
	}
	b.failures = 0
	b.totalCalls = 0
	b.lastFailure = time.Time{}
	b.lastSuccess = time.Time{}
	b.mu.Unlock()

	b.notify(tr)
}

// Subscribe registers fn for every state change and returns a function that
// removes it. Listeners run synchronously on the goroutine that caused the
// transition, after the breaker lock is released.
func (b *Breaker) Subscribe(fn func(Transition)) (unsubscribe func()) {
	b.listenersMu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	b.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.listenersMu.Lock()
			defer b.listenersMu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Breaker) notify(tr *Transition) {
	if tr == nil {
		return
	}
	b.logger.Info("Circuit breaker state changed",
		"breaker", tr.Key,
		"from", tr.From,
		"to", tr.To,
		"failures", tr.Failures)

	b.listenersMu.Lock()
	ls := make([]listener, len(b.listeners))
	copy(ls, b.listeners)
	b.listenersMu.Unlock()

	for _, l := range ls {
		b.invoke(l.fn, *tr)
	}
}

func (b *Breaker) invoke(fn func(Transition), tr Transition) {
	defer func() {
		if err := fault.FromPanic(recover()); err != nil {
			b.logger.Error("Circuit breaker listener failed",
				"breaker", tr.Key,
				"to", tr.To,
				"error", err)
		}
	}()
	fn(tr)
}

// Run logs a health snapshot every MonitoringPeriod until ctx is cancelled
// or the breaker is closed. It never changes state.
func (b *Breaker) Run(ctx context.Context) {
	b.mu.Lock()
	period := b.cfg.MonitoringPeriod
	b.mu.Unlock()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.ReportHealth().Closed {
				return
			}
		}
	}
}

// ReportHealth logs the current health snapshot and returns it.
func (b *Breaker) ReportHealth() Stats {
	st := b.Stats()
	if st.Closed {
		return st
	}
	switch {
	case st.RecoveryDue:
		b.logger.Info("Circuit breaker eligible for trial",
			"breaker", st.Key,
			"failures", st.Failures)
	case !st.Healthy:
		b.logger.Warn("Circuit breaker unhealthy",
			"breaker", st.Key,
			"failure_rate", st.FailureRate,
			"retry_after", st.RetryAfter)
	default:
		b.logger.Debug("Circuit breaker health",
			"breaker", st.Key,
			"state", st.State,
			"failure_rate", st.FailureRate)
	}
	return st
}

// Close disposes the breaker and drops its listeners. It is idempotent.
func (b *Breaker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.listenersMu.Lock()
	b.listeners = nil
	b.listenersMu.Unlock()
}

// UpdateConfig replaces the configuration without changing state.
func (b *Breaker) UpdateConfig(cfg Config) error {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.cfg = cfg
	b.halfOpenCalls = min(b.halfOpenCalls, cfg.HalfOpenMaxCalls)
	return nil
}

// Config returns the current configuration.
func (b *Breaker) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}
