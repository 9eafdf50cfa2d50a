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

package ratelimit

import (
	"context"
	"time"

	"github.com/kadirpekel/aegis/pkg/tokenbucket"
)

// Checker is the decision half of the limiter, consumed by the HTTP layer.
//
// Implementations must be thread-safe and must not block.
type Checker interface {
	Check(ctx context.Context, rc Context) Result
}

// Store owns the token buckets created by a limiter.
//
// Implementations must be thread-safe and support concurrent access.
type Store interface {
	// GetOrCreate returns the bucket for key, calling create when absent.
	// The boolean reports whether a new bucket was stored.
	GetOrCreate(key string, create func() (*tokenbucket.Bucket, error)) (*tokenbucket.Bucket, bool, error)

	// Get returns the bucket for key.
	Get(key string) (*tokenbucket.Bucket, bool)

	// ForRule returns every bucket whose key references ruleID.
	ForRule(ruleID string) []*tokenbucket.Bucket

	// DeleteRule closes and removes every bucket of ruleID.
	DeleteRule(ruleID string) int

	// DeleteIdle closes and removes buckets whose last activity is before
	// the given time, returning their keys.
	DeleteIdle(before time.Time) []string

	// Range calls fn for each bucket until fn returns false.
	Range(fn func(key string, b *tokenbucket.Bucket) bool)

	// Len returns the number of buckets.
	Len() int

	// Close closes every bucket and empties the store.
	Close() error
}

// Metrics receives limiter measurements. observability.Recorder satisfies it.
type Metrics interface {
	RecordRateLimitDecision(ctx context.Context, ruleID, outcome string)
	RecordCircuitTransition(ctx context.Context, key, to string)
	RecordActiveBuckets(ctx context.Context, n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordRateLimitDecision(context.Context, string, string) {}
func (nopMetrics) RecordCircuitTransition(context.Context, string, string) {}
func (nopMetrics) RecordActiveBuckets(context.Context, int)                {}

// Ensure interface compliance at compile time.
var (
	_ Checker = (*Limiter)(nil)
	_ Store   = (*MemoryStore)(nil)
	_ Metrics = nopMetrics{}
)
