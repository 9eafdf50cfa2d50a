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

package ratelimit

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kadirpekel/aegis/pkg/circuitbreaker"
	"github.com/kadirpekel/aegis/pkg/tokenbucket"
)

// Scope selects which identifier a rule's buckets are keyed on.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeUser     Scope = "user"
	ScopeSession  Scope = "session"
	ScopeResource Scope = "resource"
)

// Placeholders used when the scoped identifier is absent.
const (
	anonymousUser   = "anonymous"
	defaultSession  = "default"
	defaultResource = "default"
	globalIdent     = "all"
)

// ParseScope converts a config string to a Scope. Empty means global.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(strings.ToLower(strings.TrimSpace(s))); sc {
	case "":
		return ScopeGlobal, nil
	case ScopeGlobal, ScopeUser, ScopeSession, ScopeResource:
		return sc, nil
	default:
		return "", fmt.Errorf("unknown scope %q", s)
	}
}

// ActionType names a threshold-gated side effect of a rejection.
type ActionType string

const (
	ActionCircuitBreak ActionType = "circuit-break"
	ActionAlert        ActionType = "alert"
	ActionLog          ActionType = "log"
	ActionThrottle     ActionType = "throttle"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionCircuitBreak, ActionAlert, ActionLog, ActionThrottle:
		return true
	}
	return false
}

// Action is returned with a rejection when the bucket's rejection rate, as
// a percentage, is at least Threshold.
type Action struct {
	Type      ActionType `yaml:"type" json:"type"`
	Threshold float64    `yaml:"threshold" json:"threshold"`
}

// MatchAll is the pattern that matches every resource.
const MatchAll = "*"

// Rule binds a resource pattern to a bucket configuration.
type Rule struct {
	ID string `yaml:"id" json:"id"`

	// Pattern is matched against the resource ID, first as a literal
	// substring and then as a regular expression.
	Pattern  string `yaml:"pattern" json:"pattern"`
	Scope    Scope  `yaml:"scope" json:"scope"`
	Priority int    `yaml:"priority" json:"priority"`

	Bucket tokenbucket.Config `yaml:"bucket" json:"bucket"`

	// Breaker overrides the limiter's default breaker configuration.
	Breaker *circuitbreaker.Config `yaml:"breaker,omitempty" json:"breaker,omitempty"`

	Actions []Action `yaml:"actions,omitempty" json:"actions,omitempty"`
	Enabled bool     `yaml:"enabled" json:"enabled"`
}

// Clone returns a deep copy of r.
func (r Rule) Clone() Rule {
	out := r
	out.Bucket = r.Bucket.Clone()
	if r.Breaker != nil {
		b := *r.Breaker
		out.Breaker = &b
	}
	out.Actions = append([]Action(nil), r.Actions...)
	return out
}

// Validate checks the rule and fills its defaults.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return NewValidationError("id", "is required")
	}
	if strings.Contains(r.ID, ":") {
		return NewValidationError("id", "must not contain ':'")
	}
	if r.Pattern == "" {
		return NewValidationError("pattern", "is required")
	}
	scope, err := ParseScope(string(r.Scope))
	if err != nil {
		return NewValidationError("scope", err.Error())
	}
	r.Scope = scope

	r.Bucket.SetDefaults()
	if err := r.Bucket.Validate(); err != nil {
		return NewValidationError("bucket", err.Error())
	}
	if r.Breaker != nil {
		r.Breaker.SetDefaults()
		if err := r.Breaker.Validate(); err != nil {
			return NewValidationError("breaker", err.Error())
		}
	}
	for i, a := range r.Actions {
		if !a.Type.Valid() {
			return NewValidationError(fmt.Sprintf("actions[%d].type", i), fmt.Sprintf("unknown action %q", a.Type))
		}
		if a.Threshold < 0 || a.Threshold > 100 {
			return NewValidationError(fmt.Sprintf("actions[%d].threshold", i), "must be within [0, 100]")
		}
	}
	return nil
}

// matcher is a rule's compiled pattern.
type matcher struct {
	literal string
	re      *regexp.Regexp
	all     bool
}

func compilePattern(p string) matcher {
	if p == MatchAll {
		return matcher{all: true}
	}
	m := matcher{literal: p}
	if re, err := regexp.Compile(p); err == nil {
		m.re = re
	}
	return m
}

func (m matcher) match(resource string) bool {
	if m.all || strings.Contains(resource, m.literal) {
		return true
	}
	return m.re != nil && m.re.MatchString(resource)
}

// Context identifies the caller of a check.
type Context struct {
	ResourceID string `json:"resource_id"`
	UserID     string `json:"user_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// BucketKey returns the bucket key rule r resolves for c.
func BucketKey(r Rule, c Context) string {
	var ident string
	switch r.Scope {
	case ScopeUser:
		ident = nonEmpty(c.UserID, anonymousUser)
	case ScopeSession:
		ident = nonEmpty(c.SessionID, defaultSession)
	case ScopeResource:
		ident = nonEmpty(c.ResourceID, defaultResource)
	default:
		ident = globalIdent
	}
	return string(r.Scope) + ":" + ident + ":" + r.ID
}

// ruleIDFromKey extracts the rule ID from a bucket key.
func ruleIDFromKey(key string) string {
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return key
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// Reasons carried in Result.Reason.
const (
	ReasonNoRule       = "no matching rule"
	ReasonAllowed      = "allowed"
	ReasonExceeded     = "rate limit exceeded"
	ReasonCircuitOpen  = "circuit open"
	ReasonFailOpen     = "internal error, allowed"
	ReasonLimiterClose = "rate limiter closed"
)

// Result is the outcome of a check.
type Result struct {
	Allowed         bool     `json:"allowed"`
	Rule            *Rule    `json:"rule,omitempty"`
	BucketKey       string   `json:"bucket_key,omitempty"`
	RemainingTokens int      `json:"remaining_tokens"`
	RetryAfterMs    int64    `json:"retry_after_ms"`
	Actions         []Action `json:"actions,omitempty"`
	Reason          string   `json:"reason"`
}

// RetryAfter returns the suggested backoff.
func (r Result) RetryAfter() time.Duration {
	return time.Duration(r.RetryAfterMs) * time.Millisecond
}

// HasAction reports whether an action of type t was triggered.
func (r Result) HasAction(t ActionType) bool {
	for _, a := range r.Actions {
		if a.Type == t {
			return true
		}
	}
	return false
}

// Options are the limiter's tunables.
type Options struct {
	// RefillTick is the cadence of the shared bucket refill loop.
	RefillTick time.Duration `yaml:"refill_tick" json:"refill_tick"`

	// SweepInterval is how often idle buckets are reclaimed.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// IdleTTL is the inactivity age after which a bucket is reclaimed.
	IdleTTL time.Duration `yaml:"idle_ttl" json:"idle_ttl"`

	// DefaultBreaker applies to rules without their own breaker config.
	DefaultBreaker circuitbreaker.Config `yaml:"default_breaker" json:"default_breaker"`
}

// Default tunables.
const (
	DefaultRefillTick    = time.Second
	DefaultSweepInterval = 5 * time.Minute
	DefaultIdleTTL       = 10 * time.Minute
)

// SetDefaults fills zero-valued fields.
func (o *Options) SetDefaults() {
	if o.RefillTick == 0 {
		o.RefillTick = DefaultRefillTick
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.IdleTTL == 0 {
		o.IdleTTL = DefaultIdleTTL
	}
	o.DefaultBreaker.SetDefaults()
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.RefillTick <= 0 {
		return NewValidationError("refill_tick", "must be positive")
	}
	if o.SweepInterval <= 0 {
		return NewValidationError("sweep_interval", "must be positive")
	}
	if o.IdleTTL <= 0 {
		return NewValidationError("idle_ttl", "must be positive")
	}
	if err := o.DefaultBreaker.Validate(); err != nil {
		return NewValidationError("default_breaker", err.Error())
	}
	return nil
}

// Stats is a snapshot of the limiter.
type Stats struct {
	Rules         int                             `json:"rules"`
	ActiveBuckets int                             `json:"active_buckets"`
	Allowed       int64                           `json:"allowed"`
	Denied        int64                           `json:"denied"`
	CircuitDenied int64                           `json:"circuit_denied"`
	FailOpen      int64                           `json:"fail_open"`
	Breakers      map[string]circuitbreaker.Stats `json:"breakers"`
	Closed        bool                            `json:"closed,omitempty"`
}
