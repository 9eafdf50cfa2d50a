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

package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/aegis/pkg/circuitbreaker"
	"github.com/kadirpekel/aegis/pkg/ratelimit"
	"github.com/kadirpekel/aegis/pkg/tokenbucket"
)

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	// Enabled controls whether requests are checked at all.
	// Default: true
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// RefillTick is the cadence of the shared bucket refill loop.
	// Default: 1s
	RefillTick time.Duration `yaml:"refill_tick,omitempty" json:"refill_tick,omitempty"`

	// SweepInterval is how often idle buckets are reclaimed.
	// Default: 5m
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty" json:"sweep_interval,omitempty"`

	// IdleTTL is the inactivity age after which a bucket is reclaimed.
	// Default: 10m
	IdleTTL time.Duration `yaml:"idle_ttl,omitempty" json:"idle_ttl,omitempty"`

	// DefaultBreaker applies to rules without their own breaker.
	DefaultBreaker circuitbreaker.Config `yaml:"default_breaker,omitempty" json:"default_breaker,omitempty"`

	// Rules are evaluated in priority order.
	Rules []RuleConfig `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// RuleConfig is the configuration form of a ratelimit.Rule.
type RuleConfig struct {
	ID       string `yaml:"id" json:"id"`
	Pattern  string `yaml:"pattern" json:"pattern"`
	Scope    string `yaml:"scope,omitempty" json:"scope,omitempty"`
	Priority int    `yaml:"priority,omitempty" json:"priority,omitempty"`

	Bucket  tokenbucket.Config     `yaml:"bucket" json:"bucket"`
	Breaker *circuitbreaker.Config `yaml:"breaker,omitempty" json:"breaker,omitempty"`
	Actions []ratelimit.Action     `yaml:"actions,omitempty" json:"actions,omitempty"`

	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled returns true if rate limiting is enabled.
func (c *RateLimitConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

func (c *RateLimitConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.RefillTick == 0 {
		c.RefillTick = ratelimit.DefaultRefillTick
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = ratelimit.DefaultSweepInterval
	}
	if c.IdleTTL == 0 {
		c.IdleTTL = ratelimit.DefaultIdleTTL
	}
	c.DefaultBreaker.SetDefaults()
}

func (c *RateLimitConfig) Validate() error {
	if err := c.Options().Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Rules))
	for i, rc := range c.Rules {
		r := rc.ToRateLimit()
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("rules[%d]: duplicate rule id %q", i, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// Options returns the limiter tunables.
func (c *RateLimitConfig) Options() ratelimit.Options {
	return ratelimit.Options{
		RefillTick:     c.RefillTick,
		SweepInterval:  c.SweepInterval,
		IdleTTL:        c.IdleTTL,
		DefaultBreaker: c.DefaultBreaker,
	}
}

// RateLimitRules converts every configured rule.
func (c *RateLimitConfig) RateLimitRules() []ratelimit.Rule {
	out := make([]ratelimit.Rule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		out = append(out, rc.ToRateLimit())
	}
	return out
}

// ToRateLimit converts the configuration form into a rule.
func (c RuleConfig) ToRateLimit() ratelimit.Rule {
	r := ratelimit.Rule{
		ID:       c.ID,
		Pattern:  c.Pattern,
		Scope:    ratelimit.Scope(c.Scope),
		Priority: c.Priority,
		Bucket:   c.Bucket,
		Breaker:  c.Breaker,
		Actions:  c.Actions,
		Enabled:  BoolValue(c.Enabled, true),
	}
	return r.Clone()
}

// RuleFromRateLimit converts a rule into its configuration form.
// RuleFromRateLimit(r).ToRateLimit() equals r.
func RuleFromRateLimit(r ratelimit.Rule) RuleConfig {
	r = r.Clone()
	return RuleConfig{
		ID:       r.ID,
		Pattern:  r.Pattern,
		Scope:    string(r.Scope),
		Priority: r.Priority,
		Bucket:   r.Bucket,
		Breaker:  r.Breaker,
		Actions:  r.Actions,
		Enabled:  BoolPtr(r.Enabled),
	}
}
