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
	"sort"
	"time"

	"github.com/kadirpekel/aegis/pkg/validation"
)

// GatewayConfig configures the message validation gateway.
type GatewayConfig struct {
	// MaxMessageBytes is the size ceiling of a raw message.
	// Default: 1MiB
	MaxMessageBytes int `yaml:"max_message_bytes,omitempty" json:"max_message_bytes,omitempty"`

	// SessionRate is the per-session message rate per second.
	// Default: 10
	SessionRate float64 `yaml:"session_rate,omitempty" json:"session_rate,omitempty"`

	// SessionBurst defaults to SessionRate rounded up.
	SessionBurst int `yaml:"session_burst,omitempty" json:"session_burst,omitempty"`

	// StrictMode blocks messages carrying a critical threat.
	// Default: true
	StrictMode *bool `yaml:"strict_mode,omitempty" json:"strict_mode,omitempty"`

	// SessionTTL evicts sessions idle for longer.
	// Default: 30m
	SessionTTL time.Duration `yaml:"session_ttl,omitempty" json:"session_ttl,omitempty"`

	// Schemas adds or replaces message schemas, keyed by message type.
	Schemas map[string]SchemaConfig `yaml:"schemas,omitempty" json:"schemas,omitempty"`
}

// SchemaConfig is a message schema without its type, which is the map key.
type SchemaConfig struct {
	Fields       map[string]validation.FieldRule `yaml:"fields" json:"fields"`
	AllowUnknown bool                            `yaml:"allow_unknown,omitempty" json:"allow_unknown,omitempty"`
}

func (c *GatewayConfig) SetDefaults() {
	if c.StrictMode == nil {
		c.StrictMode = BoolPtr(true)
	}
	opts := c.Options()
	c.MaxMessageBytes = opts.MaxMessageBytes
	c.SessionRate = opts.SessionRate
	c.SessionBurst = opts.SessionBurst
	c.SessionTTL = opts.SessionTTL
}

func (c *GatewayConfig) Validate() error {
	if err := c.Options().Validate(); err != nil {
		return err
	}
	for name := range c.Schemas {
		if name == "" {
			return fmt.Errorf("schemas: empty message type")
		}
	}
	return nil
}

// Options returns the gateway tunables with defaults applied.
func (c *GatewayConfig) Options() validation.Options {
	o := validation.Options{
		MaxMessageBytes: c.MaxMessageBytes,
		SessionRate:     c.SessionRate,
		SessionBurst:    c.SessionBurst,
		StrictMode:      BoolValue(c.StrictMode, true),
		SessionTTL:      c.SessionTTL,
	}
	o.SetDefaults()
	return o
}

// SchemaList returns the configured schemas ordered by message type.
func (c *GatewayConfig) SchemaList() []validation.Schema {
	names := make([]string, 0, len(c.Schemas))
	for name := range c.Schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]validation.Schema, 0, len(names))
	for _, name := range names {
		sc := c.Schemas[name]
		out = append(out, validation.Schema{
			Type:         name,
			Fields:       sc.Fields,
			AllowUnknown: sc.AllowUnknown,
		})
	}
	return out
}
