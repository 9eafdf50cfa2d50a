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

package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Manager owns the tracer and metrics recorder built from a Config.
type Manager struct {
	cfg      Config
	tracer   *Tracer
	recorder Recorder
	prom     *PrometheusMetrics
}

// NoopManager returns a Manager that records nothing.
func NoopManager() *Manager {
	return &Manager{recorder: NoopRecorder{}}
}

// NewManager initialises tracing and metrics according to cfg.
func NewManager(ctx context.Context, cfg Config, opts ...TracerOption) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{cfg: cfg, recorder: NoopRecorder{}}

	tracer, err := NewTracer(ctx, &cfg.Tracing, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	m.tracer = tracer

	if cfg.Metrics.Enabled {
		prom, err := NewPrometheusMetrics(cfg.Metrics)
		if err != nil {
			_ = tracer.Shutdown(ctx)
			return nil, fmt.Errorf("metrics: %w", err)
		}
		m.prom = prom
		m.recorder = prom
	}
	return m, nil
}

// Tracer returns the tracer, which is nil when tracing is disabled.
func (m *Manager) Tracer() *Tracer { return m.tracer }

// Recorder returns the metrics recorder. It is never nil.
func (m *Manager) Recorder() Recorder { return m.recorder }

// MetricsPath is the HTTP path metrics are served on.
func (m *Manager) MetricsPath() string {
	if m.cfg.Metrics.Endpoint == "" {
		return DefaultMetricsPath
	}
	return m.cfg.Metrics.Endpoint
}

// MetricsHandler serves the collected metrics.
func (m *Manager) MetricsHandler() http.Handler { return m.recorder.Handler() }

// Middleware returns HTTP middleware bound to this manager.
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	return HTTPMiddleware(m.tracer, m.recorder)
}

// Shutdown flushes and stops the tracer and meter providers.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	if err := m.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	if m.prom != nil {
		if err := m.prom.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}
