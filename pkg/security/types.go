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

// Package security defines the vocabulary shared by the rate limiter, the
// message validation gateway and the audit ledger: severities, threats,
// event kinds and the event context each producer attaches.
package security

import (
	"context"
	"strings"
)

// Severity classifies how serious an event or threat is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the declared severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity converts a string to a Severity. Unknown values map to low.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return SeverityLow
	}
	return sev
}

// ThreatType identifies the family a detected threat belongs to.
type ThreatType string

const (
	ThreatXSS           ThreatType = "xss"
	ThreatInjection     ThreatType = "injection"
	ThreatPathTraversal ThreatType = "path-traversal"
	ThreatTampering     ThreatType = "tampering"
	ThreatUnknown       ThreatType = "unknown"
)

// ThreatInfo describes one detected indicator of malicious or malformed input.
type ThreatInfo struct {
	Type     ThreatType `json:"type" yaml:"type"`
	Severity Severity   `json:"severity" yaml:"severity"`
	Patterns []string   `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Blocked  bool       `json:"blocked" yaml:"blocked"`
}

// HighestThreat returns the most severe threat in threats, or nil.
func HighestThreat(threats []ThreatInfo) *ThreatInfo {
	var top *ThreatInfo
	for i := range threats {
		if top == nil || threats[i].Severity.Rank() > top.Severity.Rank() {
			top = &threats[i]
		}
	}
	if top == nil {
		return nil
	}
	cp := *top
	cp.Patterns = append([]string(nil), top.Patterns...)
	return &cp
}

// EventKind enumerates security-relevant events recorded in the audit ledger.
type EventKind string

const (
	EventRateLimitExceeded   EventKind = "rate-limit-exceeded"
	EventThreatDetected      EventKind = "threat-detected"
	EventCSPViolation        EventKind = "csp-violation"
	EventCircuitOpened       EventKind = "circuit-opened"
	EventCircuitHalfOpen     EventKind = "circuit-half-open"
	EventCircuitClosed       EventKind = "circuit-closed"
	EventConsentGranted      EventKind = "consent-granted"
	EventConsentWithdrawn    EventKind = "consent-withdrawn"
	EventSanitizationApplied EventKind = "sanitization-applied"
	EventMessageRejected     EventKind = "message-rejected"
	EventTrustLevelChanged   EventKind = "trust-level-changed"
	EventInternalFault       EventKind = "internal-fault"
)

// EventContext is the payload attached to an audit event. Exactly one of the
// detail pointers is expected to be set, matching the event kind; Extra holds
// free-form diagnostic fields and is subject to PII stripping on export.
type EventContext struct {
	UserID     string `json:"user_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	Source     string `json:"source,omitempty"`

	RateLimit    *RateLimitDetail    `json:"rate_limit,omitempty"`
	Circuit      *CircuitDetail      `json:"circuit,omitempty"`
	Threat       *ThreatDetail       `json:"threat,omitempty"`
	CSP          *CSPDetail          `json:"csp,omitempty"`
	Consent      *ConsentDetail      `json:"consent,omitempty"`
	Sanitization *SanitizationDetail `json:"sanitization,omitempty"`
	Trust        *TrustDetail        `json:"trust,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// RateLimitDetail describes a rejected rate-limit check.
type RateLimitDetail struct {
	RuleID        string  `json:"rule_id"`
	BucketKey     string  `json:"bucket_key"`
	RejectionRate float64 `json:"rejection_rate"`
	RetryAfterMs  int64   `json:"retry_after_ms"`
}

// CircuitDetail describes a circuit-breaker state transition.
type CircuitDetail struct {
	Key      string `json:"key"`
	From     string `json:"from"`
	To       string `json:"to"`
	Failures int    `json:"failures"`
}

// ThreatDetail describes threats found in one inbound message.
type ThreatDetail struct {
	MessageType string       `json:"message_type,omitempty"`
	Highest     ThreatInfo   `json:"highest"`
	Threats     []ThreatInfo `json:"threats"`
	Blocked     bool         `json:"blocked"`
}

// CSPDetail describes a content-security-policy violation report.
type CSPDetail struct {
	DocumentURI       string `json:"document_uri,omitempty"`
	ViolatedDirective string `json:"violated_directive"`
	BlockedURI        string `json:"blocked_uri,omitempty"`
	Disposition       string `json:"disposition,omitempty"`
}

// ConsentDetail describes a consent change.
type ConsentDetail struct {
	Purpose string `json:"purpose"`
	Granted bool   `json:"granted"`
}

// SanitizationDetail describes fields the sanitizer rewrote.
type SanitizationDetail struct {
	MessageType string   `json:"message_type,omitempty"`
	Fields      []string `json:"fields"`
}

// TrustDetail describes a session trust-level change.
type TrustDetail struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// Clone returns a deep copy of c.
func (c EventContext) Clone() EventContext {
	out := c
	if c.RateLimit != nil {
		v := *c.RateLimit
		out.RateLimit = &v
	}
	if c.Circuit != nil {
		v := *c.Circuit
		out.Circuit = &v
	}
	if c.Threat != nil {
		v := *c.Threat
		v.Threats = append([]ThreatInfo(nil), c.Threat.Threats...)
		out.Threat = &v
	}
	if c.CSP != nil {
		v := *c.CSP
		out.CSP = &v
	}
	if c.Consent != nil {
		v := *c.Consent
		out.Consent = &v
	}
	if c.Sanitization != nil {
		v := *c.Sanitization
		v.Fields = append([]string(nil), c.Sanitization.Fields...)
		out.Sanitization = &v
	}
	if c.Trust != nil {
		v := *c.Trust
		out.Trust = &v
	}
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// EventRecorder is implemented by the audit ledger and consumed by every
// event producer. Implementations must not block and must not fail the caller.
type EventRecorder interface {
	RecordEvent(ctx context.Context, kind EventKind, ectx EventContext)
}

// RecorderFunc adapts a function to EventRecorder.
type RecorderFunc func(ctx context.Context, kind EventKind, ectx EventContext)

// RecordEvent calls f.
func (f RecorderFunc) RecordEvent(ctx context.Context, kind EventKind, ectx EventContext) {
	f(ctx, kind, ectx)
}

// NopRecorder discards events.
type NopRecorder struct{}

// RecordEvent does nothing.
func (NopRecorder) RecordEvent(context.Context, EventKind, EventContext) {}
