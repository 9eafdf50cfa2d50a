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

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/aegis/pkg/fault"
	"github.com/kadirpekel/aegis/pkg/security"
)

// windowKey groups events counted against one threshold.
type windowKey struct {
	event security.EventKind
	group string
}

// window is a rolling count of event times. latched is set once an alert is
// raised and cleared when the count falls back below the threshold.
type window struct {
	times   []time.Time
	latched bool
}

func (w *window) observe(now time.Time, span time.Duration) int {
	cutoff := now.Add(-span)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	w.times = append(w.times[:0], w.times[i:]...)
	w.times = append(w.times, now)
	return len(w.times)
}

type thresholdRule struct {
	threshold func(Thresholds) int
	level     AlertLevel
	title     string
	group     func(security.EventContext) string
}

var thresholdRules = map[security.EventKind]thresholdRule{
	security.EventRateLimitExceeded: {
		threshold: func(t Thresholds) int { return t.RateLimit },
		level:     AlertWarning,
		title:     "Repeated rate limit violations",
		group: func(c security.EventContext) string {
			if c.RateLimit != nil {
				return c.RateLimit.RuleID
			}
			return c.ResourceID
		},
	},
	security.EventThreatDetected: {
		threshold: func(t Thresholds) int { return t.Threats },
		level:     AlertError,
		title:     "Repeated threats detected",
		group:     func(security.EventContext) string { return "" },
	},
	security.EventCSPViolation: {
		threshold: func(t Thresholds) int { return t.CSP },
		level:     AlertWarning,
		title:     "Repeated content security policy violations",
		group:     func(security.EventContext) string { return "" },
	},
}

// evaluateLocked applies the alert rules to a freshly appended entry.
func (l *Ledger) evaluateLocked(e *Entry) []*Alert {
	var raised []*Alert

	if e.Severity == security.SeverityCritical {
		raised = append(raised, l.raiseLocked(e, AlertCritical,
			fmt.Sprintf("Critical security event: %s", e.Event),
			fmt.Sprintf("A critical %s event was recorded", e.Event)))
	}

	rule, ok := thresholdRules[e.Event]
	if !ok {
		return raised
	}
	key := windowKey{event: e.Event, group: rule.group(e.Context)}
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	threshold := rule.threshold(l.opts.Thresholds)
	n := w.observe(e.Timestamp, l.opts.AlertWindow)
	switch {
	case n < threshold:
		w.latched = false
	case !w.latched:
		w.latched = true
		// A critical alert already covers this entry.
		if len(raised) > 0 {
			break
		}
		msg := fmt.Sprintf("%d %s events within %s", n, e.Event, l.opts.AlertWindow)
		if key.group != "" {
			msg = fmt.Sprintf("%d %s events for %s within %s", n, e.Event, key.group, l.opts.AlertWindow)
		}
		raised = append(raised, l.raiseLocked(e, rule.level, rule.title, msg))
	}
	return raised
}

func (l *Ledger) raiseLocked(e *Entry, level AlertLevel, title, message string) *Alert {
	a := &Alert{
		ID:        l.newID(),
		Timestamp: e.Timestamp,
		Level:     level,
		Title:     title,
		Message:   message,
		EntryID:   e.ID,
		Event:     e.Event,
		Context:   e.Context.Clone(),
	}
	l.alerts = append(l.alerts, a)
	l.alertID[a.ID] = a
	return a
}

// dispatch forwards an alert to the notifier outside the ledger lock.
func (l *Ledger) dispatch(ctx context.Context, a Alert) {
	should := a.Level.NotifiesUser() && !l.opts.SuppressNotifications

	switch a.Level {
	case AlertCritical, AlertError:
		l.logger.ErrorContext(ctx, "Security alert raised",
			"alert_id", a.ID, "level", a.Level, "title", a.Title, "event", a.Event)
	default:
		l.logger.WarnContext(ctx, "Security alert raised",
			"alert_id", a.ID, "level", a.Level, "title", a.Title, "event", a.Event)
	}
	l.metrics.RecordAlert(ctx, string(a.Level))

	defer func() {
		if err := fault.FromPanic(recover()); err != nil {
			l.faults.HandleError(ctx, fmt.Errorf("alert notifier: %w", err), "audit")
		}
	}()
	l.notifier.NotifyAlert(ctx, a, should)
}

// AlertFilter selects alerts. Zero values match everything.
type AlertFilter struct {
	Level          AlertLevel
	Unacknowledged bool
	Since          time.Time
}

// Alerts returns alerts matching f, newest first.
func (l *Ledger) Alerts(f AlertFilter) []Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []Alert{}
	for i := len(l.alerts) - 1; i >= 0; i-- {
		a := l.alerts[i]
		if f.Level != "" && a.Level != f.Level {
			continue
		}
		if f.Unacknowledged && a.Acknowledged {
			continue
		}
		if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, a.clone())
	}
	return out
}

// Acknowledge marks an alert acknowledged. Acknowledgement is permanent: an
// already acknowledged alert is left untouched and false is returned.
func (l *Ledger) Acknowledge(alertID, by string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, ErrClosed
	}
	a, ok := l.alertID[alertID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if a.Acknowledged {
		return false, nil
	}
	now := l.clock.Now()
	a.Acknowledged = true
	a.AcknowledgedBy = by
	a.AcknowledgedAt = &now
	return true, nil
}
