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

// Package config defines the aegis configuration model and its loader.
//
// A configuration document is YAML (or JSON). It is read from a
// provider, has environment variables expanded, is decoded with
// mapstructure, then defaulted and validated.
package config

import (
	"fmt"

	"github.com/kadirpekel/aegis/pkg/audit"
	"github.com/kadirpekel/aegis/pkg/observability"
)

// Config is the root configuration document.
type Config struct {
	// Logger configures structured logging.
	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty"`

	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty"`

	// Observability configures tracing and metrics.
	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty"`

	// RateLimiting configures the rate limiter and its rules.
	RateLimiting RateLimitConfig `yaml:"rate_limiting,omitempty" json:"rate_limiting,omitempty"`

	// Gateway configures message validation.
	Gateway GatewayConfig `yaml:"gateway,omitempty" json:"gateway,omitempty"`

	// Audit configures the security audit ledger.
	Audit audit.Options `yaml:"audit,omitempty" json:"audit,omitempty"`

	// Sanitizer selects the out-of-process sanitizer plugin.
	Sanitizer SanitizerConfig `yaml:"sanitizer,omitempty" json:"sanitizer,omitempty"`

	// Notifications configures where alerts are delivered.
	Notifications NotificationsConfig `yaml:"notifications,omitempty" json:"notifications,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults applies default values to every section.
func (c *Config) SetDefaults() {
	c.Logger.SetDefaults()
	c.Server.SetDefaults()
	c.Observability.SetDefaults()
	c.RateLimiting.SetDefaults()
	c.Gateway.SetDefaults()
	c.Audit.SetDefaults()
	c.Notifications.SetDefaults()
}

// Validate checks every section, naming the first one that fails.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		fn   func() error
	}{
		{"logger", c.Logger.Validate},
		{"server", c.Server.Validate},
		{"observability", c.Observability.Validate},
		{"rate_limiting", c.RateLimiting.Validate},
		{"gateway", c.Gateway.Validate},
		{"audit", c.Audit.Validate},
		{"notifications", c.Notifications.Validate},
	}
	for _, s := range sections {
		if err := s.fn(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// SanitizerConfig selects the sanitizer implementation.
type SanitizerConfig struct {
	// PluginPath is the executable of a go-plugin sanitizer.
	// If empty, values pass through unchanged.
	PluginPath string `yaml:"plugin_path,omitempty" json:"plugin_path,omitempty"`
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

// BoolValue dereferences b, falling back to def when nil.
func BoolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
