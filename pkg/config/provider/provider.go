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

// Package provider supplies raw gateway configuration documents and reports
// when they change, so policy can be re-applied without a restart.
package provider

import (
	"context"
	"fmt"
)

// Type names a configuration backend.
type Type string

const (
	TypeFile      Type = "file"
	TypeConsul    Type = "consul"
	TypeEtcd      Type = "etcd"
	TypeZookeeper Type = "zookeeper"
)

// ParseType maps a --config-type value to a Type. Empty selects a file.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "file":
		return TypeFile, nil
	case "consul":
		return TypeConsul, nil
	case "etcd":
		return TypeEtcd, nil
	case "zookeeper", "zk":
		return TypeZookeeper, nil
	}
	return "", fmt.Errorf("unknown provider type: %s", s)
}

// Provider is a source of configuration documents. Implementations are safe
// for concurrent use.
type Provider interface {
	Type() Type

	// Load returns the current document.
	Load(ctx context.Context) ([]byte, error)

	// Watch returns a channel that receives after each change and is closed
	// once ctx ends. A nil channel means the backend cannot watch.
	Watch(ctx context.Context) (<-chan struct{}, error)

	Close() error
}

// ProviderConfig selects and addresses a backend.
type ProviderConfig struct {
	Type Type
	// Path is a file path, or the key holding the document remotely.
	Path string
	// Endpoints of a remote backend; empty means its local default.
	Endpoints []string
}

const (
	DefaultConsulEndpoint    = "localhost:8500"
	DefaultEtcdEndpoint      = "localhost:2379"
	DefaultZookeeperEndpoint = "localhost:2181"
)

// signal never blocks; a change already queued covers this one.
func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// New opens the backend named by cfg.
func New(cfg ProviderConfig) (Provider, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	switch cfg.Type {
	case "", TypeFile:
		return NewFileProvider(cfg.Path)
	case TypeConsul:
		return NewConsulProvider(cfg.Endpoints, cfg.Path)
	case TypeEtcd:
		return NewEtcdProvider(cfg.Endpoints, cfg.Path)
	case TypeZookeeper:
		return NewZookeeperProvider(cfg.Endpoints, cfg.Path)
	}
	return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
}
