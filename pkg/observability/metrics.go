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
	"fmt"
	"net/http"
	"strconv"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// PrometheusMetrics records aegis metrics through an OpenTelemetry meter
// exported into a private Prometheus registry.
type PrometheusMetrics struct {
	registry *promclient.Registry
	provider *sdkmetric.MeterProvider

	decisions          metric.Int64Counter
	transitions        metric.Int64Counter
	activeBuckets      metric.Int64Gauge
	messages           metric.Int64Counter
	validationDuration metric.Float64Histogram
	threats            metric.Int64Counter
	auditEvents        metric.Int64Counter
	alerts             metric.Int64Counter
	faults             metric.Int64Counter
	httpRequests       metric.Int64Counter
	httpDuration       metric.Float64Histogram
}

// NewPrometheusMetrics builds the meter provider and every instrument.
func NewPrometheusMetrics(cfg MetricsConfig) (*PrometheusMetrics, error) {
	cfg.SetDefaults()

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(
		prometheus.WithRegisterer(registry),
		prometheus.WithoutScopeInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(cfg.Namespace)
	name := func(s string) string { return cfg.Namespace + "_" + s }

	m := &PrometheusMetrics{registry: registry, provider: provider}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.decisions, "ratelimit_decisions_total", "Rate limit decisions by rule and outcome"},
		{&m.transitions, "circuit_transitions_total", "Circuit breaker state transitions"},
		{&m.messages, "messages_validated_total", "Messages validated by type and outcome"},
		{&m.threats, "threats_total", "Threats detected by type and severity"},
		{&m.auditEvents, "audit_events_total", "Security events recorded in the audit ledger"},
		{&m.alerts, "alerts_total", "Alerts raised by level"},
		{&m.faults, "internal_faults_total", "Internal faults by component"},
		{&m.httpRequests, "http_requests_total", "HTTP requests by method, route and status"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(name(c.name), metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	if m.activeBuckets, err = meter.Int64Gauge(
		name("active_buckets"),
		metric.WithDescription("Token buckets currently held by the limiter"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active buckets gauge: %w", err)
	}

	if m.validationDuration, err = meter.Float64Histogram(
		name("message_validation_duration_seconds"),
		metric.WithDescription("Message validation duration in seconds"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	if m.httpDuration, err = meter.Float64Histogram(
		name("http_request_duration_seconds"),
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	return m, nil
}

func (m *PrometheusMetrics) RecordRateLimitDecision(ctx context.Context, ruleID, outcome string) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrRule, ruleID),
		attribute.String(AttrOutcome, outcome),
	))
}

func (m *PrometheusMetrics) RecordCircuitTransition(ctx context.Context, key, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrKey, key),
		attribute.String(AttrState, to),
	))
}

func (m *PrometheusMetrics) RecordActiveBuckets(ctx context.Context, n int) {
	m.activeBuckets.Record(ctx, int64(n))
}

func (m *PrometheusMetrics) RecordMessageValidated(ctx context.Context, messageType, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(AttrMessageType, messageType),
		attribute.String(AttrOutcome, outcome),
	)
	m.messages.Add(ctx, 1, attrs)
	m.validationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
}

func (m *PrometheusMetrics) RecordThreat(ctx context.Context, threatType, severity string) {
	m.threats.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrThreatType, threatType),
		attribute.String(AttrSeverity, severity),
	))
}

func (m *PrometheusMetrics) RecordAuditEvent(ctx context.Context, event, severity string) {
	m.auditEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrEvent, event),
		attribute.String(AttrSeverity, severity),
	))
}

func (m *PrometheusMetrics) RecordAlert(ctx context.Context, level string) {
	m.alerts.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrLevel, level)))
}

// RecordInternalFault has no caller context; faults are counted against
// the background context.
func (m *PrometheusMetrics) RecordInternalFault(component string) {
	m.faults.Add(context.Background(), 1, metric.WithAttributes(attribute.String(AttrComponent, component)))
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPRoute, route),
		attribute.String(AttrHTTPStatus, strconv.Itoa(status)),
	))
	m.httpDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPRoute, route),
	))
}

// Handler serves the private registry in the Prometheus text format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *PrometheusMetrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
