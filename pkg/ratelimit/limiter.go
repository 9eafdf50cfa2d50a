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
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/aegis/pkg/circuitbreaker"
	"github.com/kadirpekel/aegis/pkg/clock"
	"github.com/kadirpekel/aegis/pkg/fault"
	"github.com/kadirpekel/aegis/pkg/security"
	"github.com/kadirpekel/aegis/pkg/tokenbucket"
)

const component = "ratelimit"

// Decision outcomes reported to Metrics.
const (
	OutcomeAllowed     = "allowed"
	OutcomeDenied      = "denied"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeUnmatched   = "unmatched"
	OutcomeFailOpen    = "fail_open"
	OutcomeClosed      = "closed"
)

type ruleEntry struct {
	rule    Rule
	matcher matcher
}

// Limiter is the rule-driven rate limiter.
type Limiter struct {
	mu       sync.RWMutex
	opts     Options
	rules    []ruleEntry
	breakers map[string]*circuitbreaker.Breaker
	unsubs   map[string]func()

	store    Store
	clock    clock.Clock
	logger   *slog.Logger
	recorder security.EventRecorder
	faults   fault.Handler
	metrics  Metrics
	tracer   trace.Tracer

	allowed       atomic.Int64
	denied        atomic.Int64
	circuitDenied atomic.Int64
	failOpen      atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source shared with buckets and breakers.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithRecorder sets the sink for rate-limit and circuit events.
func WithRecorder(r security.EventRecorder) Option {
	return func(l *Limiter) {
		if r != nil {
			l.recorder = r
		}
	}
}

// WithFaultHandler sets the collaborator internal faults are reported to.
func WithFaultHandler(h fault.Handler) Option {
	return func(l *Limiter) {
		if h != nil {
			l.faults = h
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(l *Limiter) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithStore replaces the default in-memory bucket store.
func WithStore(s Store) Option {
	return func(l *Limiter) {
		if s != nil {
			l.store = s
		}
	}
}

// New creates a limiter with no rules.
func New(opts Options, fns ...Option) (*Limiter, error) {
	opts.SetDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limiter options: %w", err)
	}

	l := &Limiter{
		opts:     opts,
		breakers: make(map[string]*circuitbreaker.Breaker),
		unsubs:   make(map[string]func()),
		store:    NewMemoryStore(),
		clock:    clock.Real{},
		logger:   slog.Default(),
		recorder: security.NopRecorder{},
		metrics:  nopMetrics{},
		tracer:   otel.Tracer("github.com/kadirpekel/aegis/pkg/ratelimit"),
		done:     make(chan struct{}),
	}
	for _, fn := range fns {
		fn(l)
	}
	if l.faults == nil {
		l.faults = fault.NewLogHandler(l.logger, nil)
	}
	return l, nil
}

// Check decides whether the caller described by rc may proceed.
//
// It never returns an error: rejections are encoded in the result, internal
// faults allow the request, and a closed limiter denies it.
func (l *Limiter) Check(ctx context.Context, rc Context) (result Result) {
	ctx, span := l.tracer.Start(ctx, "ratelimit.check",
		trace.WithAttributes(attribute.String("ratelimit.resource_id", rc.ResourceID)))
	defer func() {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", result.Allowed),
			attribute.String("ratelimit.reason", result.Reason))
		span.End()
	}()

	if l.closed.Load() {
		l.metrics.RecordRateLimitDecision(ctx, "", OutcomeClosed)
		return Result{Allowed: false, Reason: ReasonLimiterClose}
	}

	defer func() {
		if err := fault.FromPanic(recover()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limit check failed")
			result = l.failOpenResult(ctx, err)
		}
	}()

	return l.check(ctx, rc)
}

func (l *Limiter) check(ctx context.Context, rc Context) Result {
	l.mu.RLock()
	entry := l.matchLocked(rc.ResourceID)
	var rule Rule
	var breaker *circuitbreaker.Breaker
	if entry != nil {
		rule = entry.rule.Clone()
		breaker = l.breakers[rule.ID]
	}
	l.mu.RUnlock()

	if entry == nil {
		l.allowed.Add(1)
		l.metrics.RecordRateLimitDecision(ctx, "", OutcomeUnmatched)
		return Result{Allowed: true, Reason: ReasonNoRule}
	}
	if breaker == nil {
		return l.failOpenResult(ctx, fmt.Errorf("rule %q has no circuit breaker", rule.ID))
	}

	if !breaker.IsRequestAllowed() {
		l.circuitDenied.Add(1)
		l.metrics.RecordRateLimitDecision(ctx, rule.ID, OutcomeCircuitOpen)
		return Result{
			Allowed:      false,
			Rule:         &rule,
			RetryAfterMs: ceilMillis(breaker.GetRetryAfter()),
			Actions:      []Action{{Type: ActionCircuitBreak}},
			Reason:       ReasonCircuitOpen,
		}
	}

	key := BucketKey(rule, rc)
	bucket, err := l.bucketFor(ctx, key, rule)
	if err != nil {
		return l.failOpenResult(ctx, err)
	}

	ok := bucket.Consume(1)
	if !ok && bucket.Closed() {
		// Swept or replaced between lookup and consume; retry on a fresh bucket.
		if bucket, err = l.bucketFor(ctx, key, rule); err != nil {
			return l.failOpenResult(ctx, err)
		}
		ok = bucket.Consume(1)
	}

	if ok {
		breaker.RecordSuccess()
		l.allowed.Add(1)
		l.metrics.RecordRateLimitDecision(ctx, rule.ID, OutcomeAllowed)
		return Result{
			Allowed:         true,
			Rule:            &rule,
			BucketKey:       key,
			RemainingTokens: bucket.Remaining(),
			Reason:          ReasonAllowed,
		}
	}

	breaker.RecordFailure()
	l.denied.Add(1)
	l.metrics.RecordRateLimitDecision(ctx, rule.ID, OutcomeDenied)

	stats := bucket.Stats()
	retryMs := int64(math.Ceil(1000 / rule.Bucket.RefillRate))
	actions := triggeredActions(rule.Actions, stats.RejectionRate*100)

	l.logger.DebugContext(ctx, "Rate limit exceeded",
		"rule_id", rule.ID,
		"bucket_key", key,
		"rejection_rate", stats.RejectionRate,
		"actions", len(actions))

	l.recorder.RecordEvent(ctx, security.EventRateLimitExceeded, security.EventContext{
		UserID:     rc.UserID,
		SessionID:  rc.SessionID,
		ResourceID: rc.ResourceID,
		Source:     component,
		RateLimit: &security.RateLimitDetail{
			RuleID:        rule.ID,
			BucketKey:     key,
			RejectionRate: stats.RejectionRate,
			RetryAfterMs:  retryMs,
		},
		Extra: actionExtra(actions),
	})

	return Result{
		Allowed:         false,
		Rule:            &rule,
		BucketKey:       key,
		RemainingTokens: stats.Tokens,
		RetryAfterMs:    retryMs,
		Actions:         actions,
		Reason:          ReasonExceeded,
	}
}

func (l *Limiter) bucketFor(ctx context.Context, key string, rule Rule) (*tokenbucket.Bucket, error) {
	b, created, err := l.store.GetOrCreate(key, func() (*tokenbucket.Bucket, error) {
		return tokenbucket.New(rule.Bucket,
			tokenbucket.WithClock(l.clock),
			tokenbucket.WithLogger(l.logger),
			tokenbucket.WithName(key))
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", key, err)
	}
	if created {
		l.metrics.RecordActiveBuckets(ctx, l.store.Len())
	}
	return b, nil
}

func (l *Limiter) failOpenResult(ctx context.Context, err error) Result {
	l.failOpen.Add(1)
	l.faults.HandleError(ctx, err, component)
	l.metrics.RecordRateLimitDecision(ctx, "", OutcomeFailOpen)
	return Result{Allowed: true, Reason: ReasonFailOpen}
}

// matchLocked returns the highest-priority enabled rule matching resource.
func (l *Limiter) matchLocked(resource string) *ruleEntry {
	for i := range l.rules {
		e := &l.rules[i]
		if e.rule.Enabled && e.matcher.match(resource) {
			return e
		}
	}
	return nil
}

func triggeredActions(actions []Action, rejectionPct float64) []Action {
	var out []Action
	for _, a := range actions {
		if rejectionPct >= a.Threshold {
			out = append(out, a)
		}
	}
	return out
}

func actionExtra(actions []Action) map[string]string {
	if len(actions) == 0 {
		return nil
	}
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a.Type)
	}
	return map[string]string{"actions": strings.Join(names, ",")}
}

func ceilMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(d) / float64(time.Millisecond)))
}

// AddRule validates rule and inserts it by descending priority.
func (l *Limiter) AddRule(rule Rule) error {
	rule = rule.Clone()
	if err := rule.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return ErrClosed
	}
	if l.indexLocked(rule.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
	}
	if err := l.addLocked(rule); err != nil {
		return err
	}
	l.sortLocked()
	l.logger.Info("Rate limit rule added", "rule_id", rule.ID, "priority", rule.Priority, "scope", rule.Scope)
	return nil
}

// UpdateRule replaces the rule with the same ID. Existing buckets adopt the
// new bucket configuration unless the scope changed, in which case they are
// dropped.
func (l *Limiter) UpdateRule(rule Rule) error {
	rule = rule.Clone()
	if err := rule.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return ErrClosed
	}
	if err := l.updateLocked(rule); err != nil {
		return err
	}
	l.sortLocked()
	l.logger.Info("Rate limit rule updated", "rule_id", rule.ID, "priority", rule.Priority)
	return nil
}

// RemoveRule deletes a rule, its breaker and every bucket keyed on it.
func (l *Limiter) RemoveRule(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return ErrClosed
	}
	if err := l.removeLocked(id); err != nil {
		return err
	}
	l.metrics.RecordActiveBuckets(context.Background(), l.store.Len())
	l.logger.Info("Rate limit rule removed", "rule_id", id)
	return nil
}

// ReplaceRules makes rules the complete rule set, adding, updating and
// removing as needed. Nothing changes if any rule is invalid.
func (l *Limiter) ReplaceRules(rules []Rule) error {
	next := make([]Rule, len(rules))
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		r = r.Clone()
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
		}
		seen[r.ID] = true
		next[i] = r
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return ErrClosed
	}

	var removed []string
	for _, e := range l.rules {
		if !seen[e.rule.ID] {
			removed = append(removed, e.rule.ID)
		}
	}
	for _, id := range removed {
		if err := l.removeLocked(id); err != nil {
			return err
		}
	}

	added, updated := 0, 0
	for _, r := range next {
		if l.indexLocked(r.ID) >= 0 {
			if err := l.updateLocked(r); err != nil {
				return err
			}
			updated++
			continue
		}
		if err := l.addLocked(r); err != nil {
			return err
		}
		added++
	}
	l.sortLocked()
	l.metrics.RecordActiveBuckets(context.Background(), l.store.Len())

	l.logger.Info("Rate limit rules replaced",
		"added", added,
		"updated", updated,
		"removed", len(removed))
	return nil
}

func (l *Limiter) addLocked(rule Rule) error {
	breaker, err := circuitbreaker.New(rule.ID, l.breakerConfig(rule),
		circuitbreaker.WithClock(l.clock),
		circuitbreaker.WithLogger(l.logger))
	if err != nil {
		return fmt.Errorf("%w: breaker: %v", ErrInvalidRule, err)
	}
	l.unsubs[rule.ID] = breaker.Subscribe(l.onTransition)
	l.breakers[rule.ID] = breaker
	l.rules = append(l.rules, ruleEntry{rule: rule, matcher: compilePattern(rule.Pattern)})
	return nil
}

func (l *Limiter) updateLocked(rule Rule) error {
	idx := l.indexLocked(rule.ID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	old := l.rules[idx].rule

	if breaker := l.breakers[rule.ID]; breaker != nil {
		if err := breaker.UpdateConfig(l.breakerConfig(rule)); err != nil {
			return fmt.Errorf("%w: breaker: %v", ErrInvalidRule, err)
		}
	}

	switch {
	case old.Scope != rule.Scope:
		l.store.DeleteRule(rule.ID)
	case !old.Bucket.Equal(rule.Bucket):
		patch := tokenbucket.PatchFrom(rule.Bucket)
		for _, b := range l.store.ForRule(rule.ID) {
			if err := b.UpdateConfig(patch); err != nil {
				l.logger.Warn("Failed to update bucket config", "rule_id", rule.ID, "error", err)
			}
		}
	}

	l.rules[idx] = ruleEntry{rule: rule, matcher: compilePattern(rule.Pattern)}
	return nil
}

func (l *Limiter) removeLocked(id string) error {
	idx := l.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	l.rules = append(l.rules[:idx], l.rules[idx+1:]...)

	if unsub := l.unsubs[id]; unsub != nil {
		unsub()
	}
	delete(l.unsubs, id)
	if breaker := l.breakers[id]; breaker != nil {
		breaker.Close()
	}
	delete(l.breakers, id)

	n := l.store.DeleteRule(id)
	l.logger.Debug("Disposed rule buckets", "rule_id", id, "buckets", n)
	return nil
}

func (l *Limiter) indexLocked(id string) int {
	for i := range l.rules {
		if l.rules[i].rule.ID == id {
			return i
		}
	}
	return -1
}

func (l *Limiter) sortLocked() {
	sort.SliceStable(l.rules, func(i, j int) bool {
		return l.rules[i].rule.Priority > l.rules[j].rule.Priority
	})
}

func (l *Limiter) breakerConfig(rule Rule) circuitbreaker.Config {
	if rule.Breaker != nil {
		return *rule.Breaker
	}
	return l.opts.DefaultBreaker
}

func (l *Limiter) onTransition(tr circuitbreaker.Transition) {
	var kind security.EventKind
	switch tr.To {
	case circuitbreaker.StateOpen:
		kind = security.EventCircuitOpened
	case circuitbreaker.StateHalfOpen:
		kind = security.EventCircuitHalfOpen
	default:
		kind = security.EventCircuitClosed
	}

	ctx := context.Background()
	l.metrics.RecordCircuitTransition(ctx, tr.Key, string(tr.To))
	l.recorder.RecordEvent(ctx, kind, security.EventContext{
		ResourceID: tr.Key,
		Source:     component,
		Circuit: &security.CircuitDetail{
			Key:      tr.Key,
			From:     string(tr.From),
			To:       string(tr.To),
			Failures: tr.Failures,
		},
	})
}

// Rules returns the rules in evaluation order.
func (l *Limiter) Rules() []Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Rule, len(l.rules))
	for i, e := range l.rules {
		out[i] = e.rule.Clone()
	}
	return out
}

// Rule returns the rule with the given ID.
func (l *Limiter) Rule(id string) (Rule, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.indexLocked(id)
	if idx < 0 {
		return Rule{}, false
	}
	return l.rules[idx].rule.Clone(), true
}

// ResetCircuit closes the breaker of rule id.
func (l *Limiter) ResetCircuit(id string) error {
	l.mu.RLock()
	breaker := l.breakers[id]
	l.mu.RUnlock()
	if breaker == nil {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	breaker.Reset()
	return nil
}

// ResetRule closes the breaker of rule id and resets all of its buckets.
func (l *Limiter) ResetRule(id string) error {
	if err := l.ResetCircuit(id); err != nil {
		return err
	}
	for _, b := range l.store.ForRule(id) {
		b.Reset()
	}
	return nil
}

// CircuitStats returns the breaker snapshot of rule id.
func (l *Limiter) CircuitStats(id string) (circuitbreaker.Stats, bool) {
	l.mu.RLock()
	breaker := l.breakers[id]
	l.mu.RUnlock()
	if breaker == nil {
		return circuitbreaker.Stats{}, false
	}
	return breaker.Stats(), true
}

// BucketStats returns the snapshot of the bucket stored under key.
func (l *Limiter) BucketStats(key string) (tokenbucket.Stats, bool) {
	b, ok := l.store.Get(key)
	if !ok {
		return tokenbucket.Stats{}, false
	}
	return b.Stats(), true
}

// Stats returns a snapshot of the limiter.
func (l *Limiter) Stats() Stats {
	if l.closed.Load() {
		return Stats{Closed: true, Breakers: map[string]circuitbreaker.Stats{}}
	}

	l.mu.RLock()
	breakers := make(map[string]circuitbreaker.Stats, len(l.breakers))
	for id, b := range l.breakers {
		breakers[id] = b.Stats()
	}
	rules := len(l.rules)
	l.mu.RUnlock()

	return Stats{
		Rules:         rules,
		ActiveBuckets: l.store.Len(),
		Allowed:       l.allowed.Load(),
		Denied:        l.denied.Load(),
		CircuitDenied: l.circuitDenied.Load(),
		FailOpen:      l.failOpen.Load(),
		Breakers:      breakers,
	}
}

// Refill refills every bucket.
func (l *Limiter) Refill() {
	l.store.Range(func(_ string, b *tokenbucket.Bucket) bool {
		b.Refill()
		return true
	})
}

// Sweep disposes buckets idle for longer than IdleTTL and returns their keys.
func (l *Limiter) Sweep() []string {
	if l.closed.Load() {
		return nil
	}
	keys := l.store.DeleteIdle(l.clock.Now().Add(-l.opts.IdleTTL))
	if len(keys) > 0 {
		l.logger.Debug("Swept idle buckets", "count", len(keys), "remaining", l.store.Len())
		l.metrics.RecordActiveBuckets(context.Background(), l.store.Len())
	}
	return keys
}

// ReportHealth logs the health of every breaker.
func (l *Limiter) ReportHealth() {
	l.mu.RLock()
	breakers := make([]*circuitbreaker.Breaker, 0, len(l.breakers))
	for _, b := range l.breakers {
		breakers = append(breakers, b)
	}
	l.mu.RUnlock()

	for _, b := range breakers {
		b.ReportHealth()
	}
}

// Run drives the shared refill tick, the idle sweep and breaker health
// reporting until ctx is cancelled or the limiter is closed.
func (l *Limiter) Run(ctx context.Context) error {
	refill := time.NewTicker(l.opts.RefillTick)
	defer refill.Stop()
	sweep := time.NewTicker(l.opts.SweepInterval)
	defer sweep.Stop()
	monitor := time.NewTicker(l.opts.DefaultBreaker.MonitoringPeriod)
	defer monitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.done:
			return nil
		case <-refill.C:
			l.Refill()
		case <-sweep.C:
			l.Sweep()
		case <-monitor.C:
			l.ReportHealth()
		}
	}
}

// Close disposes every breaker and bucket. It is idempotent; later checks
// are denied.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)

		l.mu.Lock()
		for id, b := range l.breakers {
			if unsub := l.unsubs[id]; unsub != nil {
				unsub()
			}
			b.Close()
		}
		l.breakers = make(map[string]*circuitbreaker.Breaker)
		l.unsubs = make(map[string]func())
		l.rules = nil
		l.mu.Unlock()

		_ = l.store.Close()
		close(l.done)
	})
	return nil
}
