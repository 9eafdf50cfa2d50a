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

	"github.com/kadirpekel/aegis/pkg/notify"
)

// NotificationsConfig selects the alert sinks. The in-process bus is
// always present.
type NotificationsConfig struct {
	// Log writes every alert to the process logger.
	// Default: true
	Log *bool `yaml:"log,omitempty" json:"log,omitempty"`

	// Redis publishes alerts to a Redis pub/sub channel when set.
	Redis *notify.RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	// Webhooks receive every alert as an HTTP POST.
	Webhooks []notify.WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

func (c *NotificationsConfig) SetDefaults() {
	if c.Log == nil {
		c.Log = BoolPtr(true)
	}
	if c.Redis != nil {
		c.Redis.SetDefaults()
	}
	for i := range c.Webhooks {
		c.Webhooks[i].SetDefaults()
	}
}

func (c *NotificationsConfig) Validate() error {
	if c.Redis != nil {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	for i, w := range c.Webhooks {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("webhooks[%d]: %w", i, err)
		}
	}
	return nil
}
