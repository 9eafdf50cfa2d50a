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

// Package audit implements the security audit ledger. It consumes events
// from the rate limiter, the circuit breakers and the validation gateway,
// keeps them in memory with a retention window, maintains counters and
// aggregate metrics, and raises alerts when an event is critical or a
// rolling one-hour count crosses a per-event threshold.
//
// Persistence is left to callers through Export.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/aegis/pkg/clock"
	"github.com/kadirpekel/aegis/pkg/fault"
	"github.com/kadirpekel/aegis/pkg/security"
)

// Notifier receives every raised alert. Implementations must not block.
type Notifier interface {
	NotifyAlert(ctx context.Context, alert Alert, shouldNotifyUser bool)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, alert Alert, shouldNotifyUser bool)

// NotifyAlert calls f.
func (f NotifierFunc) NotifyAlert(ctx context.Context, alert Alert, shouldNotifyUser bool) {
	f(ctx, alert, shouldNotifyUser)
}

// MetricsRecorder receives ledger measurements.
type MetricsRecorder interface {
	RecordAuditEvent(ctx context.Context, event, severity string)
	RecordAlert(ctx context.Context, level string)
}

type nopMetrics struct{}

func (nopMetrics) RecordAuditEvent(context.Context, string, string) {}
func (nopMetrics) RecordAlert(context.Context, string)              {}

// Ledger is the in-memory audit ledger. It is safe for concurrent use.
type Ledger struct {
	opts     Options
	clock    clock.Clock
	logger   *slog.Logger
	notifier Notifier
	metrics  MetricsRecorder
	faults   fault.Handler
	newID    func() string

	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
	alerts  []*Alert
	alertID map[string]*Alert
	counts  map[security.EventKind]int64
	agg     Metrics
	windows map[windowKey]*window
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithNotifier sets the alert sink.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) {
		if n != nil {
			l.notifier = n
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m MetricsRecorder) Option {
	return func(l *Ledger) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithFaultHandler sets where notifier panics are reported.
func WithFaultHandler(h fault.Handler) Option {
	return func(l *Ledger) {
		if h != nil {
			l.faults = h
		}
	}
}

// New creates a ledger.
func New(opts Options, fns ...Option) (*Ledger, error) {
	opts.SetDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audit options: %w", err)
	}
	l := &Ledger{
		opts:     opts,
		clock:    clock.Real{},
		logger:   slog.Default(),
		notifier: NotifierFunc(func(context.Context, Alert, bool) {}),
		metrics:  nopMetrics{},
		newID:    uuid.NewString,
		byID:     make(map[string]*Entry),
		alertID:  make(map[string]*Alert),
		counts:   make(map[security.EventKind]int64),
		windows:  make(map[windowKey]*window),
		done:     make(chan struct{}),
	}
	for _, fn := range fns {
		fn(l)
	}
	if l.faults == nil {
		l.faults = fault.NewLogHandler(l.logger, nil)
	}
	return l, nil
}

// Options returns the ledger's options.
func (l *Ledger) Options() Options {
	return l.opts
}

// RecordEvent implements security.EventRecorder.
func (l *Ledger) RecordEvent(ctx context.Context, kind security.EventKind, ectx security.EventContext) {
	l.LogSecurityEvent(ctx, kind, ectx)
}

// LogSecurityEvent appends an event to the ledger and evaluates alert rules.
// It never fails; on a closed ledger it returns a zero Entry.
func (l *Ledger) LogSecurityEvent(ctx context.Context, kind security.EventKind, ectx security.EventContext) Entry {
	now := l.clock.Now()
	entry := &Entry{
		ID:        l.newID(),
		Timestamp: now,
		Event:     kind,
		Context:   ectx.Clone(),
		Severity:  SeverityOf(kind, ectx),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Entry{}
	}
	l.entries = append(l.entries, entry)
	l.byID[entry.ID] = entry
	l.counts[kind]++
	l.aggregateLocked(kind, ectx)
	raised := l.evaluateLocked(entry)
	dropped := l.enforceCapLocked()
	out := entry.clone()
	var notify []Alert
	for _, a := range raised {
		notify = append(notify, a.clone())
	}
	l.mu.Unlock()

	l.metrics.RecordAuditEvent(ctx, string(kind), string(out.Severity))
	if dropped > 0 {
		l.logger.DebugContext(ctx, "Audit ledger at capacity, dropped oldest entries", "dropped", dropped)
	}
	l.logger.DebugContext(ctx, "Security event recorded",
		"event", kind,
		"severity", out.Severity,
		"entry_id", out.ID)

	for _, a := range notify {
		l.dispatch(ctx, a)
	}
	return out
}

func (l *Ledger) aggregateLocked(kind security.EventKind, ectx security.EventContext) {
	switch kind {
	case security.EventRateLimitExceeded:
		l.agg.BucketRejections++
	case security.EventCircuitOpened:
		l.agg.CircuitActivations++
	case security.EventThreatDetected:
		if ectx.Threat != nil {
			l.agg.ThreatsDetected += int64(max(1, len(ectx.Threat.Threats)))
			if ectx.Threat.Blocked {
				l.agg.ThreatsBlocked++
			}
		} else {
			l.agg.ThreatsDetected++
		}
	case security.EventCSPViolation:
		l.agg.CSPViolations++
	case security.EventSanitizationApplied:
		l.agg.SanitizationsApplied++
	case security.EventMessageRejected:
		l.agg.MessagesRejected++
	case security.EventConsentGranted, security.EventConsentWithdrawn:
		l.agg.ConsentChanges++
	case security.EventInternalFault:
		l.agg.InternalFaults++
	}
}

// enforceCapLocked drops the oldest entries beyond MaxEntries together with
// their alerts.
func (l *Ledger) enforceCapLocked() int {
	over := len(l.entries) - l.opts.MaxEntries
	if over <= 0 {
		return 0
	}
	gone := make(map[string]struct{}, over)
	for _, e := range l.entries[:over] {
		gone[e.ID] = struct{}{}
		delete(l.byID, e.ID)
	}
	l.entries = append([]*Entry(nil), l.entries[over:]...)
	l.dropAlertsLocked(func(a *Alert) bool {
		_, ok := gone[a.EntryID]
		return ok
	})
	return over
}

func (l *Ledger) dropAlertsLocked(drop func(*Alert) bool) int {
	kept := l.alerts[:0]
	n := 0
	for _, a := range l.alerts {
		if drop(a) {
			delete(l.alertID, a.ID)
			n++
			continue
		}
		kept = append(kept, a)
	}
	for i := len(kept); i < len(l.alerts); i++ {
		l.alerts[i] = nil
	}
	l.alerts = kept
	return n
}

// Entry returns the entry with the given ID.
func (l *Ledger) Entry(id string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byID[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// ResolveEntry marks an entry resolved. It reports false when the entry was
// already resolved.
func (l *Ledger) ResolveEntry(id, by string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, ErrClosed
	}
	e, ok := l.byID[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if e.Resolved {
		return false, nil
	}
	now := l.clock.Now()
	e.Resolved = true
	e.ResolvedBy = by
	e.ResolvedAt = &now
	return true, nil
}

// RecordConsent records a consent change for a user.
func (l *Ledger) RecordConsent(ctx context.Context, userID, purpose string, granted bool) Entry {
	kind := security.EventConsentWithdrawn
	if granted {
		kind = security.EventConsentGranted
	}
	return l.LogSecurityEvent(ctx, kind, security.EventContext{
		UserID:  userID,
		Source:  "consent",
		Consent: &security.ConsentDetail{Purpose: purpose, Granted: granted},
	})
}

// Prune removes entries older than the retention window, and their alerts.
// Alerts older than the window are removed too.
func (l *Ledger) Prune(now time.Time) (entries, alerts int) {
	cutoff := now.Add(-l.opts.Retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	gone := make(map[string]struct{})
	for _, e := range l.entries {
		if e.Timestamp.Before(cutoff) {
			gone[e.ID] = struct{}{}
			delete(l.byID, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(l.entries); i++ {
		l.entries[i] = nil
	}
	l.entries = kept

	alerts = l.dropAlertsLocked(func(a *Alert) bool {
		_, ok := gone[a.EntryID]
		return ok || a.Timestamp.Before(cutoff)
	})
	return len(gone), alerts
}

// Run prunes the ledger every PruneInterval until ctx is cancelled or the
// ledger is closed.
func (l *Ledger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.done:
			return nil
		case <-ticker.C:
			entries, alerts := l.Prune(l.clock.Now())
			if entries > 0 || alerts > 0 {
				l.logger.Info("Pruned audit ledger", "entries", entries, "alerts", alerts)
			}
		}
	}
}

// Close stops the ledger. Later events are discarded and queries return
// empty results. It is idempotent.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.entries = nil
		l.byID = make(map[string]*Entry)
		l.alerts = nil
		l.alertID = make(map[string]*Alert)
		l.windows = make(map[windowKey]*window)
		l.mu.Unlock()
		close(l.done)
	})
	return nil
}
