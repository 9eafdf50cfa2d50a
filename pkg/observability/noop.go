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
	"net/http"
	"time"

	"github.com/kadirpekel/aegis/pkg/audit"
	"github.com/kadirpekel/aegis/pkg/fault"
	"github.com/kadirpekel/aegis/pkg/ratelimit"
	"github.com/kadirpekel/aegis/pkg/validation"
)

// Recorder defines the interface for recording metrics.
// It covers the metrics ports of every aegis component.
type Recorder interface {
	ratelimit.Metrics
	validation.Metrics
	audit.MetricsRecorder
	fault.Counter

	RecordHTTPRequest(ctx context.Context, method, route string, status int, d time.Duration)

	// Handler serves the collected metrics.
	Handler() http.Handler
}

// NoopRecorder is a metrics implementation that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) RecordRateLimitDecision(context.Context, string, string)                 {}
func (NoopRecorder) RecordCircuitTransition(context.Context, string, string)                 {}
func (NoopRecorder) RecordActiveBuckets(context.Context, int)                                {}
func (NoopRecorder) RecordMessageValidated(context.Context, string, string, time.Duration)   {}
func (NoopRecorder) RecordThreat(context.Context, string, string)                            {}
func (NoopRecorder) RecordAuditEvent(context.Context, string, string)                        {}
func (NoopRecorder) RecordAlert(context.Context, string)                                     {}
func (NoopRecorder) RecordInternalFault(string)                                              {}
func (NoopRecorder) RecordHTTPRequest(context.Context, string, string, int, time.Duration)   {}

// Handler returns a handler that returns 503 Service Unavailable.
func (NoopRecorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

var (
	_ Recorder = (*PrometheusMetrics)(nil)
	_ Recorder = NoopRecorder{}
)
