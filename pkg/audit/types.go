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
	"errors"
	"strings"
	"time"

	"github.com/kadirpekel/aegis/pkg/security"
)

// Common errors.
var (
	ErrEntryNotFound = errors.New("audit entry not found")
	ErrAlertNotFound = errors.New("alert not found")
	ErrClosed        = errors.New("audit ledger closed")
)

// AlertLevel grades an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// NotifiesUser reports whether alerts of this level are surfaced to users.
func (l AlertLevel) NotifiesUser() bool {
	return l == AlertError || l == AlertCritical
}

// Entry is one immutable record of a security-relevant event. Only the
// resolution fields change after creation.
type Entry struct {
	ID        string                `json:"id"`
	Timestamp time.Time             `json:"timestamp"`
	Event     security.EventKind    `json:"event"`
	Context   security.EventContext `json:"context"`
	Severity  security.Severity     `json:"severity"`

	Resolved   bool       `json:"resolved"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (e *Entry) clone() Entry {
	out := *e
	out.Context = e.Context.Clone()
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// Alert is raised when an event is critical or a threshold is crossed. It
// always references a ledger entry.
type Alert struct {
	ID        string                `json:"id"`
	Timestamp time.Time             `json:"timestamp"`
	Level     AlertLevel            `json:"level"`
	Title     string                `json:"title"`
	Message   string                `json:"message"`
	EntryID   string                `json:"entry_id"`
	Event     security.EventKind    `json:"event"`
	Context   security.EventContext `json:"context"`

	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

func (a *Alert) clone() Alert {
	out := *a
	out.Context = a.Context.Clone()
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	return out
}

// Metrics are the ledger's lifetime aggregates.
type Metrics struct {
	BucketRejections     int64 `json:"bucket_rejections"`
	CircuitActivations   int64 `json:"circuit_activations"`
	ThreatsDetected      int64 `json:"threats_detected"`
	ThreatsBlocked       int64 `json:"threats_blocked"`
	CSPViolations        int64 `json:"csp_violations"`
	SanitizationsApplied int64 `json:"sanitizations_applied"`
	MessagesRejected     int64 `json:"messages_rejected"`
	ConsentChanges       int64 `json:"consent_changes"`
	InternalFaults       int64 `json:"internal_faults"`
}

// Thresholds are the rolling-window event counts that raise alerts.
type Thresholds struct {
	RateLimit int `yaml:"rate_limit" json:"rate_limit"`
	Threats   int `yaml:"threats" json:"threats"`
	CSP       int `yaml:"csp" json:"csp"`
}

// Default option values.
const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultPruneInterval = time.Hour
	DefaultMaxEntries    = 10000
	DefaultAlertWindow   = time.Hour
)

// DefaultPIIKeys are the Extra keys stripped from exports.
var DefaultPIIKeys = []string{"email", "phone", "password", "token", "api_key", "secret", "ssn", "address", "credit_card"}

// Options configure a Ledger.
type Options struct {
	Retention     time.Duration `yaml:"retention" json:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval" json:"prune_interval"`
	MaxEntries    int           `yaml:"max_entries" json:"max_entries"`
	AlertWindow   time.Duration `yaml:"alert_window" json:"alert_window"`
	Thresholds    Thresholds    `yaml:"thresholds" json:"thresholds"`

	// SuppressNotifications clears ShouldNotifyUser on every alert.
	SuppressNotifications bool `yaml:"suppress_notifications" json:"suppress_notifications"`

	// PIIKeys are matched case-insensitively against Extra keys on export.
	PIIKeys []string `yaml:"pii_keys" json:"pii_keys"`
}

// SetDefaults fills zero-valued fields.
func (o *Options) SetDefaults() {
	if o.Retention == 0 {
		o.Retention = DefaultRetention
	}
	if o.PruneInterval == 0 {
		o.PruneInterval = DefaultPruneInterval
	}
	if o.MaxEntries == 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.AlertWindow == 0 {
		o.AlertWindow = DefaultAlertWindow
	}
	if o.Thresholds.RateLimit == 0 {
		o.Thresholds.RateLimit = 10
	}
	if o.Thresholds.Threats == 0 {
		o.Thresholds.Threats = 5
	}
	if o.Thresholds.CSP == 0 {
		o.Thresholds.CSP = 3
	}
	if o.PIIKeys == nil {
		o.PIIKeys = append([]string(nil), DefaultPIIKeys...)
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	switch {
	case o.Retention <= 0:
		return errors.New("retention must be positive")
	case o.PruneInterval <= 0:
		return errors.New("prune_interval must be positive")
	case o.MaxEntries <= 0:
		return errors.New("max_entries must be positive")
	case o.AlertWindow <= 0:
		return errors.New("alert_window must be positive")
	case o.Thresholds.RateLimit <= 0 || o.Thresholds.Threats <= 0 || o.Thresholds.CSP <= 0:
		return errors.New("alert thresholds must be positive")
	}
	return nil
}

func (o Options) isPII(key string) bool {
	for _, k := range o.PIIKeys {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// severityTable is the base severity of each event kind.
var severityTable = map[security.EventKind]security.Severity{
	security.EventRateLimitExceeded:   security.SeverityMedium,
	security.EventThreatDetected:      security.SeverityHigh,
	security.EventCSPViolation:        security.SeverityMedium,
	security.EventCircuitOpened:       security.SeverityHigh,
	security.EventCircuitHalfOpen:     security.SeverityLow,
	security.EventCircuitClosed:       security.SeverityLow,
	security.EventConsentGranted:      security.SeverityLow,
	security.EventConsentWithdrawn:    security.SeverityMedium,
	security.EventSanitizationApplied: security.SeverityLow,
	security.EventMessageRejected:     security.SeverityLow,
	security.EventTrustLevelChanged:   security.SeverityLow,
	security.EventInternalFault:       security.SeverityHigh,
}

// SeverityOf derives the severity of an event: the table value elevated by
// an attached threat's severity.
func SeverityOf(kind security.EventKind, ectx security.EventContext) security.Severity {
	sev, ok := severityTable[kind]
	if !ok {
		sev = security.SeverityLow
	}
	if ectx.Threat != nil {
		sev = security.MaxSeverity(sev, ectx.Threat.Highest.Severity)
	}
	return sev
}
