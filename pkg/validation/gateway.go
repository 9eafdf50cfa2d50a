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

// Package validation implements the message validation gateway that every
// inbound message from the untrusted UI surface passes through.
//
// The pipeline stops at the first blocking failure:
//
//  1. structure: a JSON object with a non-empty "type" discriminator
//  2. size: at most MaxMessageBytes
//  3. per-session message rate
//  4. the schema registered for the message type
//  5. per-field sanitization through the external Sanitizer
//  6. in strict mode, any critical threat blocks the message
//
// Internal faults fail closed: the message is blocked and the fault is
// reported. Reasons returned to callers are generic and never echo input.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kadirpekel/aegis/pkg/clock"
	"github.com/kadirpekel/aegis/pkg/fault"
	"github.com/kadirpekel/aegis/pkg/sanitizer"
	"github.com/kadirpekel/aegis/pkg/security"
)

const component = "validation"

// DiscriminatorField is the field every message must carry.
const DiscriminatorField = "type"

// anonymousSession keys messages that carry no session ID.
const anonymousSession = "anonymous"

// UnknownType is the statistics and metrics label of messages whose type has
// no registered schema.
const UnknownType = "unknown"

// sessionRateRule names the gateway's session limiter in rate-limit events.
const sessionRateRule = "gateway-session-rate"

// Generic reasons returned to callers.
const (
	ReasonAccepted    = "accepted"
	ReasonMalformed   = "malformed message"
	ReasonTooLarge    = "message too large"
	ReasonRateLimited = "too many messages"
	ReasonInvalid     = "message failed validation"
	ReasonBlocked     = "message blocked by security policy"
	ReasonUnavailable = "message could not be validated"
)

// Outcomes reported to Metrics.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeBlocked  = "blocked"
	OutcomeError    = "error"
)

// Common errors.
var (
	// ErrClosed is returned by operations on a closed gateway.
	ErrClosed = errors.New("validation gateway closed")

	// ErrInvalidSchema wraps schema registration failures.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrUnknownMessageType is returned when no schema is registered for a type.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Default options.
const (
	DefaultMaxMessageBytes = 1 << 20
	DefaultSessionRate     = 10
	DefaultSessionTTL      = 30 * time.Minute
)

// Options are the gateway's tunables.
type Options struct {
	// MaxMessageBytes is the size ceiling of a raw message.
	MaxMessageBytes int `yaml:"max_message_bytes" json:"max_message_bytes"`

	// SessionRate is the per-session message rate per second.
	SessionRate float64 `yaml:"session_rate" json:"session_rate"`

	// SessionBurst defaults to SessionRate rounded up.
	SessionBurst int `yaml:"session_burst" json:"session_burst"`

	// StrictMode blocks messages carrying a critical threat.
	StrictMode bool `yaml:"strict_mode" json:"strict_mode"`

	// SessionTTL evicts sessions idle for longer.
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl"`
}

// DefaultOptions returns strict defaults.
func DefaultOptions() Options {
	o := Options{StrictMode: true}
	o.SetDefaults()
	return o
}

// SetDefaults fills zero-valued fields.
func (o *Options) SetDefaults() {
	if o.MaxMessageBytes == 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.SessionRate == 0 {
		o.SessionRate = DefaultSessionRate
	}
	if o.SessionBurst == 0 {
		o.SessionBurst = max(1, int(o.SessionRate+0.999))
	}
	if o.SessionTTL == 0 {
		o.SessionTTL = DefaultSessionTTL
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive")
	}
	if o.SessionRate <= 0 {
		return fmt.Errorf("session_rate must be positive")
	}
	if o.SessionBurst <= 0 {
		return fmt.Errorf("session_burst must be positive")
	}
	if o.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	return nil
}

// MessageContext identifies the sender of a message.
type MessageContext struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Origin    string `json:"origin,omitempty"`
}

// Result is the outcome of ValidateMessage.
type Result struct {
	IsValid     bool                  `json:"is_valid"`
	MessageType string                `json:"message_type,omitempty"`
	Sanitized   map[string]any        `json:"sanitized_message,omitempty"`
	Threats     []security.ThreatInfo `json:"threats,omitempty"`
	Errors      []string              `json:"errors,omitempty"`
	Blocked     bool                  `json:"blocked"`
	Reason      string                `json:"reason"`
	Trust       TrustLevel            `json:"trust,omitempty"`
}

// Metrics receives gateway measurements. observability.Recorder satisfies it.
type Metrics interface {
	RecordMessageValidated(ctx context.Context, messageType, outcome string, d time.Duration)
	RecordThreat(ctx context.Context, threatType, severity string)
}

type nopMetrics struct{}

func (nopMetrics) RecordMessageValidated(context.Context, string, string, time.Duration) {}
func (nopMetrics) RecordThreat(context.Context, string, string)                         {}

// Stats is a snapshot of the gateway.
type Stats struct {
	Total           int64            `json:"total"`
	Accepted        int64            `json:"accepted"`
	Rejected        int64            `json:"rejected"`
	Blocked         int64            `json:"blocked"`
	ThreatsDetected int64            `json:"threats_detected"`
	Sanitized       int64            `json:"sanitized"`
	FailClosed      int64            `json:"fail_closed"`
	CSPViolations   int64            `json:"csp_violations"`
	ActiveSessions  int              `json:"active_sessions"`
	ByType          map[string]int64 `json:"by_type"`
	Closed          bool             `json:"closed,omitempty"`
}

// Gateway validates inbound messages.
type Gateway struct {
	opts Options

	sanitizer sanitizer.Sanitizer
	recorder  security.EventRecorder
	faults    fault.Handler
	metrics   Metrics
	clock     clock.Clock
	logger    *slog.Logger
	tracer    trace.Tracer

	schemasMu sync.RWMutex
	schemas   map[string]*Schema

	mu       sync.Mutex
	sessions map[string]*session
	byType   map[string]int64

	total         atomic.Int64
	accepted      atomic.Int64
	rejected      atomic.Int64
	blocked       atomic.Int64
	threats       atomic.Int64
	sanitized     atomic.Int64
	failClosed    atomic.Int64
	cspViolations atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSanitizer sets the sanitizer. The default passes values through.
func WithSanitizer(s sanitizer.Sanitizer) Option {
	return func(g *Gateway) {
		if s != nil {
			g.sanitizer = s
		}
	}
}

// WithRecorder sets the audit event sink.
func WithRecorder(r security.EventRecorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithFaultHandler sets the collaborator internal faults are reported to.
func WithFaultHandler(h fault.Handler) Option {
	return func(g *Gateway) {
		if h != nil {
			g.faults = h
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(g *Gateway) { g.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a gateway with the default schemas registered.
func New(opts Options, fns ...Option) (*Gateway, error) {
	opts.SetDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway options: %w", err)
	}

	g := &Gateway{
		opts:      opts,
		sanitizer: sanitizer.Nop{},
		recorder:  security.NopRecorder{},
		metrics:   nopMetrics{},
		clock:     clock.Real{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/kadirpekel/aegis/pkg/validation"),
		schemas:   make(map[string]*Schema),
		sessions:  make(map[string]*session),
		byType:    make(map[string]int64),
		done:      make(chan struct{}),
	}
	for _, fn := range fns {
		fn(g)
	}
	if g.faults == nil {
		g.faults = fault.NewLogHandler(g.logger, nil)
	}

	for _, s := range DefaultSchemas() {
		if err := g.RegisterSchema(s); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func compileSchema(s Schema) (*Schema, error) {
	cp := Schema{Type: s.Type, AllowUnknown: s.AllowUnknown, Fields: make(map[string]FieldRule, len(s.Fields))}
	for name, f := range s.Fields {
		f.Enum = append([]string(nil), f.Enum...)
		cp.Fields[name] = f
	}
	if err := cp.compile(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return &cp, nil
}

// RegisterSchema adds or replaces the schema for s.Type.
func (g *Gateway) RegisterSchema(s Schema) error {
	cp, err := compileSchema(s)
	if err != nil {
		return err
	}

	g.schemasMu.Lock()
	g.schemas[cp.Type] = cp
	g.schemasMu.Unlock()
	return nil
}

// UnregisterSchema removes the schema for msgType. A built-in type falls
// back to its default schema. It reports whether anything changed.
func (g *Gateway) UnregisterSchema(msgType string) bool {
	var builtin *Schema
	for _, s := range DefaultSchemas() {
		if s.Type == msgType {
			builtin, _ = compileSchema(s)
		}
	}

	g.schemasMu.Lock()
	defer g.schemasMu.Unlock()
	if _, ok := g.schemas[msgType]; !ok {
		return false
	}
	if builtin != nil {
		g.schemas[msgType] = builtin
	} else {
		delete(g.schemas, msgType)
	}
	return true
}

// ReplaceSchemas resets the registry to the default schemas overlaid with
// custom. Nothing changes when any schema fails to compile.
func (g *Gateway) ReplaceSchemas(custom []Schema) error {
	next := make(map[string]*Schema)
	for _, s := range append(DefaultSchemas(), custom...) {
		cp, err := compileSchema(s)
		if err != nil {
			return fmt.Errorf("schema %s: %w", s.Type, err)
		}
		next[cp.Type] = cp
	}

	g.schemasMu.Lock()
	g.schemas = next
	g.schemasMu.Unlock()
	return nil
}

// Schemas returns the registered schemas ordered by type.
func (g *Gateway) Schemas() []Schema {
	g.schemasMu.RLock()
	defer g.schemasMu.RUnlock()

	out := make([]Schema, 0, len(g.schemas))
	for _, s := range g.schemas {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Schema returns the schema registered for msgType.
func (g *Gateway) Schema(msgType string) (Schema, error) {
	s := g.schema(msgType)
	if s == nil {
		return Schema{}, fmt.Errorf("%w: %s", ErrUnknownMessageType, msgType)
	}
	return *s, nil
}

func (g *Gateway) schema(msgType string) *Schema {
	g.schemasMu.RLock()
	defer g.schemasMu.RUnlock()
	return g.schemas[msgType]
}

// typeLabel bounds the label set to registered types.
func (g *Gateway) typeLabel(msgType string) string {
	if msgType == "" || g.schema(msgType) == nil {
		return UnknownType
	}
	return msgType
}

// ValidateMessage runs raw through the validation pipeline.
func (g *Gateway) ValidateMessage(ctx context.Context, raw []byte, mctx MessageContext) (res Result) {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "validation.message",
		trace.WithAttributes(attribute.Int("validation.bytes", len(raw))))
	defer func() {
		outcome := outcomeOf(res)
		span.SetAttributes(
			attribute.String("validation.type", res.MessageType),
			attribute.String("validation.outcome", outcome),
			attribute.Int("validation.threats", len(res.Threats)))
		span.End()
		g.metrics.RecordMessageValidated(ctx, g.typeLabel(res.MessageType), outcome, time.Since(start))
	}()

	if g.closed.Load() {
		return Result{Blocked: true, Reason: ReasonUnavailable, Errors: []string{"gateway closed"}}
	}
	g.total.Add(1)

	defer func() {
		if err := fault.FromPanic(recover()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "message validation failed")
			res = g.failClosedResult(ctx, err, mctx, res.MessageType)
		}
	}()

	res, err := g.validate(ctx, raw, mctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "message validation failed")
		return g.failClosedResult(ctx, err, mctx, res.MessageType)
	}
	return res
}

func outcomeOf(res Result) string {
	switch {
	case res.Reason == ReasonUnavailable:
		return OutcomeError
	case res.Blocked:
		return OutcomeBlocked
	case !res.IsValid:
		return OutcomeRejected
	default:
		return OutcomeAccepted
	}
}

func (g *Gateway) validate(ctx context.Context, raw []byte, mctx MessageContext) (Result, error) {
	now := g.clock.Now()
	sessionID := mctx.SessionID
	if sessionID == "" {
		sessionID = anonymousSession
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return g.reject(ctx, mctx, sessionID, "", ReasonMalformed, false, "message is not a JSON object"), nil
	}
	msgType, _ := fields[DiscriminatorField].(string)
	if msgType == "" {
		return g.reject(ctx, mctx, sessionID, "", ReasonMalformed, false, "message has no type discriminator"), nil
	}

	label := g.typeLabel(msgType)
	g.mu.Lock()
	g.byType[label]++
	g.mu.Unlock()

	if len(raw) > g.opts.MaxMessageBytes {
		return g.reject(ctx, mctx, sessionID, msgType, ReasonTooLarge, true,
			fmt.Sprintf("message exceeds %d bytes", g.opts.MaxMessageBytes)), nil
	}

	if !g.admit(sessionID, now) {
		return g.rateLimited(ctx, mctx, sessionID, msgType), nil
	}

	schema := g.schema(msgType)
	if schema == nil {
		return g.reject(ctx, mctx, sessionID, msgType, ReasonInvalid, false, "unknown message type"), nil
	}
	if errs := schema.validate(fields); len(errs) > 0 {
		return g.reject(ctx, mctx, sessionID, msgType, ReasonInvalid, false, errs...), nil
	}

	threats, changed, refused, err := g.sanitize(ctx, schema, fields, sessionID, msgType)
	if err != nil {
		return Result{MessageType: msgType}, err
	}

	critical := false
	for _, t := range threats {
		if t.Severity == security.SeverityCritical {
			critical = true
		}
		g.metrics.RecordThreat(ctx, string(t.Type), string(t.Severity))
	}
	blocked := refused || (g.opts.StrictMode && critical)

	ectx := security.EventContext{
		UserID:     mctx.UserID,
		SessionID:  mctx.SessionID,
		ResourceID: msgType,
		Source:     component,
	}
	if len(threats) > 0 {
		g.threats.Add(int64(len(threats)))
		tctx := ectx.Clone()
		tctx.Threat = &security.ThreatDetail{
			MessageType: msgType,
			Highest:     *security.HighestThreat(threats),
			Threats:     threats,
			Blocked:     blocked,
		}
		g.recorder.RecordEvent(ctx, security.EventThreatDetected, tctx)
	}
	if len(changed) > 0 && !blocked {
		g.sanitized.Add(1)
		sctx := ectx.Clone()
		sctx.Sanitization = &security.SanitizationDetail{MessageType: msgType, Fields: changed}
		g.recorder.RecordEvent(ctx, security.EventSanitizationApplied, sctx)
	}

	trust := g.observe(ctx, mctx, sessionID, blocked, critical, len(threats))

	if blocked {
		g.blocked.Add(1)
		g.logger.WarnContext(ctx, "Message blocked",
			"session_id", mctx.SessionID,
			"message_type", msgType,
			"threats", len(threats))
		reason := "message contains a critical threat"
		if refused {
			reason = "message content was refused"
		}
		if len(threats) == 0 {
			rctx := ectx.Clone()
			rctx.Extra = map[string]string{"reason": ReasonBlocked}
			g.recorder.RecordEvent(ctx, security.EventMessageRejected, rctx)
		}
		return Result{
			MessageType: msgType,
			Threats:     threats,
			Errors:      []string{reason},
			Blocked:     true,
			Reason:      ReasonBlocked,
			Trust:       trust,
		}, nil
	}

	g.accepted.Add(1)
	return Result{
		IsValid:     true,
		MessageType: msgType,
		Sanitized:   fields,
		Threats:     threats,
		Reason:      ReasonAccepted,
		Trust:       trust,
	}, nil
}

// sanitize passes every string field with a sanitize scope through the
// sanitizer, rewriting fields in place. refused is set when the sanitizer
// blocked any value outright.
func (g *Gateway) sanitize(ctx context.Context, schema *Schema, fields map[string]any, sessionID, msgType string) (threats []security.ThreatInfo, changed []string, refused bool, err error) {
	names := make([]string, 0, len(schema.Fields))
	for name, rule := range schema.Fields {
		if rule.Sanitize != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		value, ok := fields[name].(string)
		if !ok {
			continue
		}
		res, err := g.sanitizer.Sanitize(ctx, value, schema.Fields[name].Sanitize, sanitizer.Context{
			SessionID:   sessionID,
			MessageType: msgType,
			Field:       name,
		})
		if err != nil {
			return nil, nil, false, fmt.Errorf("sanitize field %s: %w", name, err)
		}
		threats = append(threats, res.Threats...)
		if res.Blocked {
			refused = true
			continue
		}
		if res.Sanitized != value {
			fields[name] = res.Sanitized
			changed = append(changed, name)
		}
	}
	return threats, changed, refused, nil
}

// admit records the message against its session and applies the rate limit.
func (g *Gateway) admit(sessionID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.sessionLocked(sessionID, now)
	s.messages++
	s.lastSeen = now
	return s.limiter.AllowN(now, 1)
}

func (g *Gateway) sessionLocked(id string, now time.Time) *session {
	s, ok := g.sessions[id]
	if !ok {
		s = &session{
			limiter:  rate.NewLimiter(rate.Limit(g.opts.SessionRate), g.opts.SessionBurst),
			trust:    TrustMedium,
			lastSeen: now,
		}
		g.sessions[id] = s
	}
	return s
}

// observe updates the session's trust level and reports changes.
func (g *Gateway) observe(ctx context.Context, mctx MessageContext, sessionID string, blocked, critical bool, threats int) TrustLevel {
	g.mu.Lock()
	s := g.sessionLocked(sessionID, g.clock.Now())
	change := s.observe(blocked, critical, threats)
	trust := s.trust
	g.mu.Unlock()

	if change != nil {
		g.logger.InfoContext(ctx, "Session trust level changed",
			"session_id", sessionID,
			"from", change.from,
			"to", change.to,
			"reason", change.reason)
		g.recorder.RecordEvent(ctx, security.EventTrustLevelChanged, security.EventContext{
			UserID:    mctx.UserID,
			SessionID: mctx.SessionID,
			Source:    component,
			Trust: &security.TrustDetail{
				From:   string(change.from),
				To:     string(change.to),
				Reason: change.reason,
			},
		})
	}
	return trust
}

func (g *Gateway) reject(ctx context.Context, mctx MessageContext, sessionID, msgType, reason string, blocked bool, errs ...string) Result {
	if blocked {
		g.blocked.Add(1)
	} else {
		g.rejected.Add(1)
	}
	g.recorder.RecordEvent(ctx, security.EventMessageRejected, security.EventContext{
		UserID:     mctx.UserID,
		SessionID:  mctx.SessionID,
		ResourceID: msgType,
		Source:     component,
		Extra:      map[string]string{"reason": reason},
	})

	res := Result{
		MessageType: msgType,
		Errors:      errs,
		Blocked:     blocked,
		Reason:      reason,
	}
	if blocked {
		res.Trust = g.observe(ctx, mctx, sessionID, true, false, 0)
	}
	return res
}

func (g *Gateway) rateLimited(ctx context.Context, mctx MessageContext, sessionID, msgType string) Result {
	g.blocked.Add(1)
	retryMs := int64(1000/g.opts.SessionRate + 0.999)
	g.recorder.RecordEvent(ctx, security.EventRateLimitExceeded, security.EventContext{
		UserID:     mctx.UserID,
		SessionID:  mctx.SessionID,
		ResourceID: msgType,
		Source:     component,
		RateLimit: &security.RateLimitDetail{
			RuleID:       sessionRateRule,
			BucketKey:    "session:" + sessionID,
			RetryAfterMs: retryMs,
		},
	})
	return Result{
		MessageType: msgType,
		Errors:      []string{"session message rate exceeded"},
		Blocked:     true,
		Reason:      ReasonRateLimited,
		Trust:       g.observe(ctx, mctx, sessionID, true, false, 0),
	}
}

func (g *Gateway) failClosedResult(ctx context.Context, err error, mctx MessageContext, msgType string) Result {
	g.failClosed.Add(1)
	g.faults.HandleError(ctx, err, component)
	g.recorder.RecordEvent(ctx, security.EventMessageRejected, security.EventContext{
		UserID:     mctx.UserID,
		SessionID:  mctx.SessionID,
		ResourceID: msgType,
		Source:     component,
		Extra:      map[string]string{"reason": ReasonUnavailable},
	})
	return Result{
		MessageType: msgType,
		Errors:      []string{ReasonUnavailable},
		Blocked:     true,
		Reason:      ReasonUnavailable,
	}
}

// MaxMessageBytes returns the configured size ceiling.
func (g *Gateway) MaxMessageBytes() int {
	return g.opts.MaxMessageBytes
}

// SessionTrust returns the trust level of a session.
func (g *Gateway) SessionTrust(id string) (TrustLevel, bool) {
	info, ok := g.Session(id)
	return info.Trust, ok
}

// Session returns a view of a session.
func (g *Gateway) Session(id string) (SessionInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return SessionInfo{ID: id, Trust: s.trust, Messages: s.messages, CleanRun: s.run, LastSeen: s.lastSeen}, true
}

// EndSession forgets a session. It reports whether the session existed.
func (g *Gateway) EndSession(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sessions[id]
	delete(g.sessions, id)
	return ok
}

// EvictIdle forgets sessions idle for longer than SessionTTL.
func (g *Gateway) EvictIdle() int {
	cutoff := g.clock.Now().Add(-g.opts.SessionTTL)

	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, s := range g.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(g.sessions, id)
			n++
		}
	}
	if n > 0 {
		g.logger.Debug("Evicted idle sessions", "count", n, "remaining", len(g.sessions))
	}
	return n
}

// Stats returns a snapshot of the gateway.
func (g *Gateway) Stats() Stats {
	if g.closed.Load() {
		return Stats{Closed: true, ByType: map[string]int64{}}
	}
	g.mu.Lock()
	byType := make(map[string]int64, len(g.byType))
	for k, v := range g.byType {
		byType[k] = v
	}
	sessions := len(g.sessions)
	g.mu.Unlock()

	return Stats{
		Total:           g.total.Load(),
		Accepted:        g.accepted.Load(),
		Rejected:        g.rejected.Load(),
		Blocked:         g.blocked.Load(),
		ThreatsDetected: g.threats.Load(),
		Sanitized:       g.sanitized.Load(),
		FailClosed:      g.failClosed.Load(),
		CSPViolations:   g.cspViolations.Load(),
		ActiveSessions:  sessions,
		ByType:          byType,
	}
}

// Run evicts idle sessions until ctx is cancelled or the gateway is closed.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(max(time.Second, g.opts.SessionTTL/2))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-g.done:
			return nil
		case <-ticker.C:
			g.EvictIdle()
		}
	}
}

// Close stops the gateway. Later messages are blocked. It is idempotent.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.closed.Store(true)
		g.mu.Lock()
		g.sessions = make(map[string]*session)
		g.mu.Unlock()
		close(g.done)
	})
	return nil
}
