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
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DefaultSpanBufferSize is the number of spans a SpanBuffer retains.
const DefaultSpanBufferSize = 1000

// SpanBuffer is a span exporter that keeps the most recent aegis spans in
// memory so they can be served for inspection.
type SpanBuffer struct {
	mu      sync.RWMutex
	spans   []SpanRecord
	next    int
	full    bool
	maxSize int
}

// SpanRecord is a flattened view of a finished span.
type SpanRecord struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Name         string            `json:"name"`
	StartTime    int64             `json:"start_time_unix_nano"`
	EndTime      int64             `json:"end_time_unix_nano"`
	DurationMs   float64           `json:"duration_ms"`
	Attributes   map[string]string `json:"attributes"`
	Status       string            `json:"status"`
	StatusMsg    string            `json:"status_message,omitempty"`
}

// NewSpanBuffer creates a buffer holding up to size spans.
func NewSpanBuffer(size int) *SpanBuffer {
	if size <= 0 {
		size = DefaultSpanBufferSize
	}
	return &SpanBuffer{spans: make([]SpanRecord, size), maxSize: size}
}

// ExportSpans implements sdktrace.SpanExporter.
func (b *SpanBuffer) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, span := range spans {
		if !captured(span.Name()) {
			continue
		}
		b.spans[b.next] = convertSpan(span)
		b.next = (b.next + 1) % b.maxSize
		if b.next == 0 {
			b.full = true
		}
	}
	return nil
}

func captured(name string) bool {
	switch name {
	case SpanRateLimitCheck, SpanValidationMessage, SpanHTTPRequest:
		return true
	}
	return false
}

func convertSpan(span sdktrace.ReadOnlySpan) SpanRecord {
	start := span.StartTime().UnixNano()
	end := span.EndTime().UnixNano()
	rec := SpanRecord{
		TraceID:    span.SpanContext().TraceID().String(),
		SpanID:     span.SpanContext().SpanID().String(),
		Name:       span.Name(),
		StartTime:  start,
		EndTime:    end,
		DurationMs: float64(end-start) / 1e6,
		Attributes: make(map[string]string, len(span.Attributes())),
		Status:     span.Status().Code.String(),
		StatusMsg:  span.Status().Description,
	}
	if span.Parent().HasSpanID() {
		rec.ParentSpanID = span.Parent().SpanID().String()
	}
	for _, attr := range span.Attributes() {
		rec.Attributes[string(attr.Key)] = attr.Value.Emit()
	}
	return rec
}

// Shutdown implements sdktrace.SpanExporter.
func (b *SpanBuffer) Shutdown(context.Context) error { return nil }

// Recent returns up to limit spans, newest first. A non-empty name filters
// by span name.
func (b *SpanBuffer) Recent(name string, limit int) []SpanRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.next
	if b.full {
		n = b.maxSize
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]SpanRecord, 0, limit)
	for i := 1; i <= n && len(out) < limit; i++ {
		rec := b.spans[(b.next-i+b.maxSize)%b.maxSize]
		if name != "" && rec.Name != name {
			continue
		}
		out = append(out, rec)
	}
	return out
}

var _ sdktrace.SpanExporter = (*SpanBuffer)(nil)
