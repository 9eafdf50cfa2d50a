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

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/aegis/pkg/config"
	"github.com/kadirpekel/aegis/pkg/config/provider"
)

// ConfigSource selects where the configuration document is read from.
type ConfigSource struct {
	Config          string   `short:"c" help:"Config file path, or key path for remote sources." placeholder:"PATH"`
	ConfigType      string   `name:"config-type" help:"Config source: file, consul, etcd, zookeeper." default:"file" enum:"file,consul,etcd,zookeeper"`
	ConfigEndpoints []string `name:"config-endpoints" help:"Endpoints of a remote config source (comma-separated)." sep:","`
}

// load reads the configuration. Without --config the built-in defaults
// are used and no loader is returned.
func (s *ConfigSource) load(ctx context.Context, opts ...config.LoaderOption) (*config.Config, *config.Loader, error) {
	typ, err := provider.ParseType(s.ConfigType)
	if err != nil {
		return nil, nil, err
	}
	if s.Config == "" {
		if typ != provider.TypeFile {
			return nil, nil, fmt.Errorf("--config is required for %s sources", typ)
		}
		slog.Info("No config given, using defaults")
		return config.Default(), nil, nil
	}

	if typ == provider.TypeFile {
		_ = config.LoadDotEnvForConfig(s.Config)
	}
	cfg, loader, err := config.LoadConfig(ctx, provider.ProviderConfig{
		Type:      typ,
		Path:      s.Config,
		Endpoints: s.ConfigEndpoints,
	}, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("Loaded configuration", "source", typ, "path", s.Config)
	return cfg, loader, nil
}
