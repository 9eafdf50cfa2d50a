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

package tokenbucket

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kadirpekel/aegis/pkg/clock"
)

// burstRecoveryPeriod is the number of refilled credits that restore one
// previously used burst credit (10%).
const burstRecoveryPeriod = 10

// highRejectionRate is the rejection rate above which a warning fires.
const highRejectionRate = 0.5

// healthyRejectionRate is the rejection rate below which a bucket is healthy.
const healthyRejectionRate = 0.9

// Bucket is a token bucket with a transient burst allowance.
//
// All methods are safe for concurrent use and never block beyond the
// bucket's own mutex.
type Bucket struct {
	mu sync.Mutex

	name   string
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	onHigh func(Stats)

	tokens       int
	burstUsed    int
	burstCarry   int // refilled credits not yet worth a burst credit
	lastRefill   time.Time
	lastActivity time.Time
	total        int64
	rejected     int64
	closed       bool
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(b *Bucket) { b.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bucket) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithName labels the bucket in logs and stats.
func WithName(name string) Option {
	return func(b *Bucket) { b.name = name }
}

// WithHighRejectionHook registers fn to be called (outside the bucket lock)
// whenever a rejection leaves the rejection rate above 50%.
func WithHighRejectionHook(fn func(Stats)) Option {
	return func(b *Bucket) { b.onHigh = fn }
}

// New creates a bucket from cfg after applying defaults and validating it.
func New(cfg Config, opts ...Option) (*Bucket, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bucket{
		cfg:    cfg,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	now := b.clock.Now()
	b.tokens = cfg.initialTokens()
	b.lastRefill = now
	b.lastActivity = now
	return b, nil
}

// Consume attempts to take n credits, drawing from regular tokens first and
// then from the remaining burst allowance. Values of n below 1 count as 1.
// A closed bucket always refuses.
func (b *Bucket) Consume(n int) bool {
	if n < 1 {
		n = 1
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	now := b.clock.Now()
	b.refillLocked(now)
	b.total++
	b.lastActivity = now

	burstLeft := b.cfg.BurstAllowance - b.burstUsed
	if b.tokens+burstLeft >= n {
		fromTokens := min(b.tokens, n)
		b.tokens -= fromTokens
		b.burstUsed += n - fromTokens
		b.mu.Unlock()
		return true
	}

	b.rejected++
	rate := float64(b.rejected) / float64(b.total)
	var snapshot Stats
	high := rate > highRejectionRate
	if high {
		snapshot = b.statsLocked()
	}
	b.mu.Unlock()

	if high {
		b.logger.Warn("Token bucket rejection rate is high",
			"bucket", b.name,
			"rejection_rate", rate,
			"total_requests", snapshot.TotalRequests)
		if b.onHigh != nil {
			b.onHigh(snapshot)
		}
	}
	return false
}

// Refill applies the credits earned since the last refill.
func (b *Bucket) Refill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.refillLocked(b.clock.Now())
}

// refillLocked adds floor(elapsed * refillRate) credits. Time that did not
// earn a whole credit is carried over to the next refill.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}

	credits := int(math.Floor(float64(elapsed.Nanoseconds())*b.cfg.RefillRate/1e9 + 1e-9))
	if credits <= 0 {
		return
	}

	b.tokens += credits
	if b.burstUsed > 0 {
		b.burstCarry += credits
		restored := b.burstCarry / burstRecoveryPeriod
		b.burstCarry %= burstRecoveryPeriod
		b.burstUsed = max(0, b.burstUsed-restored)
	}
	if b.burstUsed == 0 {
		b.burstCarry = 0
	}

	if b.tokens >= b.cfg.Capacity {
		b.tokens = b.cfg.Capacity
		b.lastRefill = now
		return
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(float64(credits) * 1e9 / b.cfg.RefillRate))
}

// AddTokens tops the bucket up by n credits, capped at capacity.
func (b *Bucket) AddTokens(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.tokens = min(b.cfg.Capacity, b.tokens+n)
}

// Reset restores the initial token count and clears all counters.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	now := b.clock.Now()
	b.tokens = b.cfg.initialTokens()
	b.burstUsed = 0
	b.burstCarry = 0
	b.total = 0
	b.rejected = 0
	b.lastRefill = now
	b.lastActivity = now
}

// UpdateConfig applies a partial configuration change. Shrinking capacity or
// burst allowance clamps the current counters down.
func (b *Bucket) UpdateConfig(p Patch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	next := b.cfg.Apply(p)
	if err := next.Validate(); err != nil {
		return err
	}

	b.refillLocked(b.clock.Now())
	b.cfg = next
	b.tokens = min(b.tokens, next.Capacity)
	b.burstUsed = min(b.burstUsed, next.BurstAllowance)
	return nil
}

// Config returns the current configuration.
func (b *Bucket) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// State returns a copy of the mutable bucket state.
func (b *Bucket) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Tokens:           b.tokens,
		LastRefill:       b.lastRefill,
		TotalRequests:    b.total,
		RejectedRequests: b.rejected,
		BurstTokensUsed:  b.burstUsed,
	}
}

// Stats returns a read-only snapshot. It does not refill.
func (b *Bucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

func (b *Bucket) statsLocked() Stats {
	if b.closed {
		return Stats{Name: b.name, Closed: true}
	}
	rate := 0.0
	if b.total > 0 {
		rate = float64(b.rejected) / float64(b.total)
	}
	return Stats{
		Name:             b.name,
		Tokens:           b.tokens,
		Capacity:         b.cfg.Capacity,
		BurstAllowance:   b.cfg.BurstAllowance,
		BurstTokensUsed:  b.burstUsed,
		TotalRequests:    b.total,
		RejectedRequests: b.rejected,
		RejectionRate:    rate,
		IsHealthy:        rate < healthyRejectionRate,
		LastRefill:       b.lastRefill,
		LastActivity:     b.lastActivity,
	}
}

// RejectionRate returns rejected/total, or 0 before the first request.
func (b *Bucket) RejectionRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.total == 0 {
		return 0
	}
	return float64(b.rejected) / float64(b.total)
}

// Remaining returns the regular tokens currently available.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// LastActivity returns the time of the last Consume call (or creation).
func (b *Bucket) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivity
}

// Run refills the bucket every RefillInterval until ctx is cancelled or the
// bucket is closed. The rate limiter drives many buckets from one loop instead.
func (b *Bucket) Run(ctx context.Context) {
	ticker := time.NewTicker(b.Config().RefillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.Closed() {
				return
			}
			b.Refill()
		}
	}
}

// Close disposes the bucket. It is idempotent.
func (b *Bucket) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// Closed reports whether Close has been called.
func (b *Bucket) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
