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

// Package tokenbucket implements a token bucket with timed refill and a
// transient burst allowance.
package tokenbucket

import (
	"errors"
	"fmt"
	"time"
)

// DefaultRefillInterval is used when Config.RefillInterval is zero.
const DefaultRefillInterval = time.Second

// ErrClosed is returned by mutating operations on a disposed bucket.
var ErrClosed = errors.New("token bucket closed")

// Config describes a bucket.
type Config struct {
	// Capacity is the maximum number of regular credits.
	Capacity int `yaml:"capacity" json:"capacity"`

	// RefillRate is the number of credits earned per second.
	RefillRate float64 `yaml:"refill_rate" json:"refill_rate"`

	// RefillInterval is the cadence of the background refill tick.
	RefillInterval time.Duration `yaml:"refill_interval,omitempty" json:"refill_interval,omitempty"`

	// InitialTokens is the starting credit count. Nil starts full.
	InitialTokens *int `yaml:"initial_tokens,omitempty" json:"initial_tokens,omitempty"`

	// BurstAllowance is the extra one-time credit pool beyond capacity.
	BurstAllowance int `yaml:"burst_allowance,omitempty" json:"burst_allowance,omitempty"`
}

// SetDefaults fills zero-valued optional fields.
func (c *Config) SetDefaults() {
	if c.RefillInterval == 0 {
		c.RefillInterval = DefaultRefillInterval
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("refill_rate must be positive, got %g", c.RefillRate)
	}
	if c.RefillInterval < 0 {
		return fmt.Errorf("refill_interval must not be negative, got %s", c.RefillInterval)
	}
	if c.BurstAllowance < 0 {
		return fmt.Errorf("burst_allowance must not be negative, got %d", c.BurstAllowance)
	}
	if c.InitialTokens != nil && (*c.InitialTokens < 0 || *c.InitialTokens > c.Capacity) {
		return fmt.Errorf("initial_tokens must be within [0, %d], got %d", c.Capacity, *c.InitialTokens)
	}
	return nil
}

func (c Config) initialTokens() int {
	if c.InitialTokens == nil {
		return c.Capacity
	}
	return *c.InitialTokens
}

// Clone returns a copy that shares no pointers with c.
func (c Config) Clone() Config {
	if c.InitialTokens != nil {
		v := *c.InitialTokens
		c.InitialTokens = &v
	}
	return c
}

// Patch is a partial configuration update. Nil fields are left unchanged.
type Patch struct {
	Capacity       *int
	RefillRate     *float64
	RefillInterval *time.Duration
	BurstAllowance *int
}

// Apply returns c with p's non-nil fields applied.
func (c Config) Apply(p Patch) Config {
	out := c.Clone()
	if p.Capacity != nil {
		out.Capacity = *p.Capacity
		if out.InitialTokens != nil && *out.InitialTokens > out.Capacity {
			v := out.Capacity
			out.InitialTokens = &v
		}
	}
	if p.RefillRate != nil {
		out.RefillRate = *p.RefillRate
	}
	if p.RefillInterval != nil {
		out.RefillInterval = *p.RefillInterval
	}
	if p.BurstAllowance != nil {
		out.BurstAllowance = *p.BurstAllowance
	}
	return out
}

// PatchFrom builds a Patch that turns any config into c (except InitialTokens).
func PatchFrom(c Config) Patch {
	return Patch{
		Capacity:       &c.Capacity,
		RefillRate:     &c.RefillRate,
		RefillInterval: &c.RefillInterval,
		BurstAllowance: &c.BurstAllowance,
	}
}

// State is the mutable part of a bucket.
type State struct {
	Tokens           int       `json:"tokens"`
	LastRefill       time.Time `json:"last_refill"`
	TotalRequests    int64     `json:"total_requests"`
	RejectedRequests int64     `json:"rejected_requests"`
	BurstTokensUsed  int       `json:"burst_tokens_used"`
}

// Stats is a read-only snapshot of a bucket.
type Stats struct {
	Name             string    `json:"name,omitempty"`
	Tokens           int       `json:"tokens"`
	Capacity         int       `json:"capacity"`
	BurstAllowance   int       `json:"burst_allowance"`
	BurstTokensUsed  int       `json:"burst_tokens_used"`
	TotalRequests    int64     `json:"total_requests"`
	RejectedRequests int64     `json:"rejected_requests"`
	RejectionRate    float64   `json:"rejection_rate"`
	IsHealthy        bool      `json:"is_healthy"`
	LastRefill       time.Time `json:"last_refill"`
	LastActivity     time.Time `json:"last_activity"`
	Closed           bool      `json:"closed,omitempty"`
}

// Equal reports whether c and o describe the same bucket.
func (c Config) Equal(o Config) bool {
	if c.Capacity != o.Capacity || c.RefillRate != o.RefillRate ||
		c.RefillInterval != o.RefillInterval || c.BurstAllowance != o.BurstAllowance {
		return false
	}
	if c.InitialTokens == nil || o.InitialTokens == nil {
		return c.InitialTokens == o.InitialTokens
	}
	return *c.InitialTokens == *o.InitialTokens
}
