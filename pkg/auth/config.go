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

package auth

import (
	"errors"
	"net/url"
	"time"
)

// Config enables bearer-token authentication of the HTTP API.
type Config struct {
	// JWKSURL serves the identity provider's signing keys.
	JWKSURL string `yaml:"jwks_url" json:"jwks_url"`

	// Issuer must match the iss claim when set.
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty"`

	// Audience must appear in the aud claim when set.
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty"`

	// RefreshInterval is the minimum time between JWKS fetches.
	// Default: 15m
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty"`

	// AdminRoles may manage rules, resolve entries, acknowledge alerts and
	// export the ledger. Empty lets any authenticated caller do so.
	AdminRoles []string `yaml:"admin_roles,omitempty" json:"admin_roles,omitempty"`
}

func (c *Config) SetDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 15 * time.Minute
	}
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.JWKSURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("auth jwks_url must be an absolute http(s) URL")
	}
	if c.RefreshInterval < 0 {
		return errors.New("auth refresh_interval must not be negative")
	}
	return nil
}
