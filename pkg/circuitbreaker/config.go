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

// Package circuitbreaker implements a per-key CLOSED/OPEN/HALF_OPEN circuit
// breaker with lazy recovery and state-change listeners.
package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied by SetDefaults.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultMonitoringPeriod = 10 * time.Second
	DefaultHalfOpenMaxCalls = 3
)

// ErrClosed is returned by mutating operations on a disposed breaker.
var ErrClosed = errors.New("circuit breaker closed")

// State is the breaker's position in its state machine.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config describes a breaker.
type Config struct {
	// FailureThreshold is the failure count that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout is how long the circuit stays open before a trial.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`

	// MonitoringPeriod is the cadence of the diagnostics loop.
	MonitoringPeriod time.Duration `yaml:"monitoring_period,omitempty" json:"monitoring_period,omitempty"`

	// HalfOpenMaxCalls is the number of trial calls admitted while half-open,
	// and the number of trial successes needed to close again.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls,omitempty" json:"half_open_max_calls,omitempty"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() Config {
	var c Config
	c.SetDefaults()
	return c
}

// SetDefaults fills zero-valued fields.
func (c *Config) SetDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.MonitoringPeriod == 0 {
		c.MonitoringPeriod = DefaultMonitoringPeriod
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeout < 0 {
		return fmt.Errorf("recovery_timeout must not be negative, got %s", c.RecoveryTimeout)
	}
	if c.MonitoringPeriod < 0 {
		return fmt.Errorf("monitoring_period must not be negative, got %s", c.MonitoringPeriod)
	}
	if c.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("half_open_max_calls must be at least 1, got %d", c.HalfOpenMaxCalls)
	}
	return nil
}

// Transition is delivered to listeners on every state change.
type Transition struct {
	Key      string    `json:"key"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Failures int       `json:"failures"`
	At       time.Time `json:"at"`
}

// Stats is a health snapshot.
type Stats struct {
	Key             string        `json:"key"`
	State           State         `json:"state"`
	Failures        int           `json:"failures"`
	Successes       int           `json:"successes"`
	HalfOpenCalls   int           `json:"half_open_calls"`
	TotalCalls      int64         `json:"total_calls"`
	FailureRate     float64       `json:"failure_rate"`
	LastFailureTime time.Time     `json:"last_failure_time,omitzero"`
	LastSuccessTime time.Time     `json:"last_success_time,omitzero"`
	RetryAfter      time.Duration `json:"retry_after"`
	RecoveryDue     bool          `json:"recovery_due"`
	Healthy         bool          `json:"healthy"`
	Closed          bool          `json:"closed,omitempty"`
}
