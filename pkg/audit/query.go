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
	"fmt"
	"sort"
	"time"

	"github.com/kadirpekel/aegis/pkg/security"
)

// Criteria select entries for Search. Zero values match everything.
type Criteria struct {
	Events     []security.EventKind `json:"events,omitempty"`
	Severities []security.Severity  `json:"severities,omitempty"`
	UserID     string               `json:"user_id,omitempty"`
	SessionID  string               `json:"session_id,omitempty"`
	ResourceID string               `json:"resource_id,omitempty"`
	Start      time.Time            `json:"start,omitzero"`
	End        time.Time            `json:"end,omitzero"`
	Resolved   *bool                `json:"resolved,omitempty"`

	// Limit caps the result; zero means no cap.
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func (c Criteria) match(e *Entry) bool {
	if len(c.Events) > 0 && !containsKind(c.Events, e.Event) {
		return false
	}
	if len(c.Severities) > 0 && !containsSeverity(c.Severities, e.Severity) {
		return false
	}
	if c.UserID != "" && e.Context.UserID != c.UserID {
		return false
	}
	if c.SessionID != "" && e.Context.SessionID != c.SessionID {
		return false
	}
	if c.ResourceID != "" && e.Context.ResourceID != c.ResourceID {
		return false
	}
	if !inRange(e.Timestamp, c.Start, c.End) {
		return false
	}
	if c.Resolved != nil && e.Resolved != *c.Resolved {
		return false
	}
	return true
}

func containsKind(list []security.EventKind, k security.EventKind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}

func containsSeverity(list []security.Severity, s security.Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// inRange reports start <= t < end, treating zero bounds as open.
func inRange(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && !t.Before(end) {
		return false
	}
	return true
}

// Search returns matching entries, newest first.
func (l *Ledger) Search(c Criteria) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []Entry{}
	skipped := 0
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if !c.match(e) {
			continue
		}
		if skipped < c.Offset {
			skipped++
			continue
		}
		out = append(out, e.clone())
		if c.Limit > 0 && len(out) >= c.Limit {
			break
		}
	}
	return out
}

// Export returns entries in [start, end), oldest first. Zero bounds are
// open. With stripPII, Extra keys listed in PIIKeys are removed.
func (l *Ledger) Export(start, end time.Time, stripPII bool) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []Entry{}
	for _, e := range l.entries {
		if !inRange(e.Timestamp, start, end) {
			continue
		}
		cp := e.clone()
		if stripPII {
			for k := range cp.Context.Extra {
				if l.opts.isPII(k) {
					delete(cp.Context.Extra, k)
				}
			}
		}
		out = append(out, cp)
	}
	return out
}

// Stats is a snapshot of the ledger.
type Stats struct {
	TotalEntries         int                          `json:"total_entries"`
	UnresolvedEntries    int                          `json:"unresolved_entries"`
	TotalAlerts          int                          `json:"total_alerts"`
	UnacknowledgedAlerts int                          `json:"unacknowledged_alerts"`
	EventCounts          map[security.EventKind]int64 `json:"event_counts"`
	BySeverity           map[security.Severity]int    `json:"by_severity"`
	Metrics              Metrics                      `json:"metrics"`
	Oldest               time.Time                    `json:"oldest,omitzero"`
	Newest               time.Time                    `json:"newest,omitzero"`
	Closed               bool                         `json:"closed,omitempty"`
}

// Stats returns counters and aggregates. EventCounts and Metrics are
// lifetime values; the rest reflect retained entries.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := Stats{
		TotalEntries: len(l.entries),
		TotalAlerts:  len(l.alerts),
		EventCounts:  make(map[security.EventKind]int64, len(l.counts)),
		BySeverity:   make(map[security.Severity]int),
		Metrics:      l.agg,
		Closed:       l.closed,
	}
	for k, v := range l.counts {
		st.EventCounts[k] = v
	}
	for _, e := range l.entries {
		st.BySeverity[e.Severity]++
		if !e.Resolved {
			st.UnresolvedEntries++
		}
	}
	for _, a := range l.alerts {
		if !a.Acknowledged {
			st.UnacknowledgedAlerts++
		}
	}
	if n := len(l.entries); n > 0 {
		st.Oldest = l.entries[0].Timestamp
		st.Newest = l.entries[n-1].Timestamp
	}
	return st
}

// DailyTrend counts the entries of one UTC day.
type DailyTrend struct {
	Date       string                    `json:"date"`
	Total      int                       `json:"total"`
	BySeverity map[security.Severity]int `json:"by_severity"`
}

// ThreatCount ranks a threat type.
type ThreatCount struct {
	Type  security.ThreatType `json:"type"`
	Count int                 `json:"count"`
}

// Report summarises a period of the ledger.
type Report struct {
	GeneratedAt     time.Time                  `json:"generated_at"`
	PeriodDays      int                        `json:"period_days"`
	Start           time.Time                  `json:"start"`
	End             time.Time                  `json:"end"`
	TotalEvents     int                        `json:"total_events"`
	CriticalEvents  int                        `json:"critical_events"`
	ComplianceScore float64                    `json:"compliance_score"`
	EventCounts     map[security.EventKind]int `json:"event_counts"`
	Daily           []DailyTrend               `json:"daily"`
	TopThreats      []ThreatCount              `json:"top_threats"`
	AlertsByLevel   map[AlertLevel]int         `json:"alerts_by_level"`
	Recommendations []string                   `json:"recommendations"`
}

// maxTopThreats bounds Report.TopThreats.
const maxTopThreats = 5

// MaxReportDays caps the period of a report.
const MaxReportDays = 366

// ReportDays returns the period GenerateReport uses for periodDays: at least
// one day and at most the retention window or MaxReportDays.
func (l *Ledger) ReportDays(periodDays int) int {
	retained := int((l.opts.Retention + 24*time.Hour - 1) / (24 * time.Hour))
	return min(max(1, periodDays), max(1, retained), MaxReportDays)
}

// GenerateReport summarises the last periodDays days, clamped by ReportDays.
// Nothing older than the retention window is left to report on.
func (l *Ledger) GenerateReport(periodDays int) Report {
	periodDays = l.ReportDays(periodDays)
	now := l.clock.Now()
	end := now
	start := now.AddDate(0, 0, -periodDays)

	r := Report{
		GeneratedAt:     now,
		PeriodDays:      periodDays,
		Start:           start,
		End:             end,
		EventCounts:     make(map[security.EventKind]int),
		AlertsByLevel:   make(map[AlertLevel]int),
		Daily:           make([]DailyTrend, 0, periodDays+1),
		TopThreats:      []ThreatCount{},
		Recommendations: []string{},
	}

	days := make(map[string]int)
	for d := start.UTC(); ; d = d.AddDate(0, 0, 1) {
		key := d.Format(time.DateOnly)
		if _, ok := days[key]; !ok {
			days[key] = len(r.Daily)
			r.Daily = append(r.Daily, DailyTrend{Date: key, BySeverity: make(map[security.Severity]int)})
		}
		if key == end.UTC().Format(time.DateOnly) {
			break
		}
	}

	threats := make(map[security.ThreatType]int)

	l.mu.RLock()
	for _, e := range l.entries {
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		r.TotalEvents++
		r.EventCounts[e.Event]++
		if e.Severity == security.SeverityCritical {
			r.CriticalEvents++
		}
		if i, ok := days[e.Timestamp.UTC().Format(time.DateOnly)]; ok {
			r.Daily[i].Total++
			r.Daily[i].BySeverity[e.Severity]++
		}
		if e.Context.Threat != nil {
			for _, t := range e.Context.Threat.Threats {
				threats[t.Type]++
			}
		}
	}
	for _, a := range l.alerts {
		if a.Timestamp.Before(start) || a.Timestamp.After(end) {
			continue
		}
		r.AlertsByLevel[a.Level]++
	}
	l.mu.RUnlock()

	r.ComplianceScore = 1
	if r.TotalEvents > 0 {
		r.ComplianceScore = 1 - float64(r.CriticalEvents)/float64(r.TotalEvents)
	}

	for t, n := range threats {
		r.TopThreats = append(r.TopThreats, ThreatCount{Type: t, Count: n})
	}
	sort.Slice(r.TopThreats, func(i, j int) bool {
		if r.TopThreats[i].Count != r.TopThreats[j].Count {
			return r.TopThreats[i].Count > r.TopThreats[j].Count
		}
		return r.TopThreats[i].Type < r.TopThreats[j].Type
	})
	if len(r.TopThreats) > maxTopThreats {
		r.TopThreats = r.TopThreats[:maxTopThreats]
	}

	r.Recommendations = recommendations(r)
	return r
}

func recommendations(r Report) []string {
	out := []string{}
	if r.CriticalEvents > 0 {
		out = append(out, fmt.Sprintf("Investigate %d critical events recorded in the period", r.CriticalEvents))
	}
	if n := r.EventCounts[security.EventRateLimitExceeded]; n > 0 {
		out = append(out, fmt.Sprintf("Review rate limit rules: %d requests were rejected", n))
	}
	if n := r.EventCounts[security.EventCircuitOpened]; n > 0 {
		out = append(out, fmt.Sprintf("Check downstream health: circuits opened %d times", n))
	}
	if n := r.EventCounts[security.EventCSPViolation]; n > 0 {
		out = append(out, "Audit the content security policy and the resources it blocks")
	}
	if len(r.TopThreats) > 0 {
		out = append(out, fmt.Sprintf("Harden input handling against %s, the most frequent threat", r.TopThreats[0].Type))
	}
	if r.ComplianceScore < 0.95 {
		out = append(out, "Compliance score is below 95%; enable strict mode and review blocked sessions")
	}
	return out
}
