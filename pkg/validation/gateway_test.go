package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/aegis/pkg/clock"
	"github.com/kadirpekel/aegis/pkg/fault"
	"github.com/kadirpekel/aegis/pkg/sanitizer"
	"github.com/kadirpekel/aegis/pkg/security"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type recorded struct {
	kind security.EventKind
	ectx security.EventContext
}

type eventSink struct {
	mu     sync.Mutex
	events []recorded
}

func (s *eventSink) RecordEvent(_ context.Context, kind security.EventKind, ectx security.EventContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recorded{kind, ectx})
}

func (s *eventSink) of(kind security.EventKind) []security.EventContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []security.EventContext
	for _, e := range s.events {
		if e.kind == kind {
			out = append(out, e.ectx)
		}
	}
	return out
}

// scriptFlagger reports a critical XSS threat for values containing <script
// and escapes angle brackets.
var scriptFlagger = sanitizer.Func(func(_ context.Context, value string, _ sanitizer.Scope, _ sanitizer.Context) (sanitizer.Result, error) {
	res := sanitizer.Result{Original: value}
	if strings.Contains(strings.ToLower(value), "<script") {
		res.Threats = append(res.Threats, security.ThreatInfo{
			Type:     security.ThreatXSS,
			Severity: security.SeverityCritical,
			Patterns: []string{"script-tag"},
		})
	}
	res.Sanitized = strings.NewReplacer("<", "&lt;", ">", "&gt;").Replace(value)
	return res, nil
})

type testGateway struct {
	*Gateway
	clk    *clock.Mock
	events *eventSink
	faults []error
}

func newTestGateway(t *testing.T, opts Options, fns ...Option) *testGateway {
	t.Helper()
	tg := &testGateway{clk: clock.NewMock(epoch), events: &eventSink{}}
	base := []Option{
		WithClock(tg.clk),
		WithRecorder(tg.events),
		WithFaultHandler(fault.HandlerFunc(func(_ context.Context, err error, _ string) {
			tg.faults = append(tg.faults, err)
		})),
	}
	g, err := New(opts, append(base, fns...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	tg.Gateway = g
	return tg
}

func strict() Options {
	return DefaultOptions()
}

func (tg *testGateway) send(msg string, session string) Result {
	return tg.ValidateMessage(context.Background(), []byte(msg), MessageContext{SessionID: session, UserID: "u1"})
}

func TestGateway_AcceptsValidMessage(t *testing.T) {
	tg := newTestGateway(t, strict())

	res := tg.send(`{"type":"chat-message","content":"hello","role":"user"}`, "s1")
	assert.True(t, res.IsValid)
	assert.False(t, res.Blocked)
	assert.Equal(t, ReasonAccepted, res.Reason)
	assert.Equal(t, "chat-message", res.MessageType)
	assert.Equal(t, "hello", res.Sanitized["content"])
	assert.Equal(t, TrustMedium, res.Trust)

	st := tg.Stats()
	assert.Equal(t, int64(1), st.Total)
	assert.Equal(t, int64(1), st.Accepted)
	assert.Equal(t, int64(1), st.ByType["chat-message"])
	assert.Equal(t, 1, st.ActiveSessions)
}

func TestGateway_StructuralFailures(t *testing.T) {
	cases := []struct {
		name string
		msg  string
	}{
		{"not json", `{"type":`},
		{"array", `[1,2,3]`},
		{"null", `null`},
		{"missing type", `{"content":"x"}`},
		{"empty type", `{"type":""}`},
		{"non-string type", `{"type":7}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tg := newTestGateway(t, strict())
			res := tg.send(tc.msg, "s1")
			assert.False(t, res.IsValid)
			assert.False(t, res.Blocked)
			assert.Equal(t, ReasonMalformed, res.Reason)
			assert.NotEmpty(t, res.Errors)
			assert.Len(t, tg.events.of(security.EventMessageRejected), 1)
		})
	}
}

func TestGateway_SizeLimitBlocks(t *testing.T) {
	opts := strict()
	opts.MaxMessageBytes = 64
	tg := newTestGateway(t, opts)

	res := tg.send(`{"type":"chat-message","content":"`+strings.Repeat("a", 100)+`"}`, "s1")
	assert.True(t, res.Blocked)
	assert.Equal(t, ReasonTooLarge, res.Reason)
	assert.Equal(t, TrustLow, res.Trust)
	assert.Len(t, tg.events.of(security.EventTrustLevelChanged), 1)
}

func TestGateway_SessionRateLimit(t *testing.T) {
	opts := strict()
	opts.SessionRate = 2
	opts.SessionBurst = 2
	tg := newTestGateway(t, opts)

	ping := `{"type":"ping"}`
	require.True(t, tg.send(ping, "s1").IsValid)
	require.True(t, tg.send(ping, "s1").IsValid)

	res := tg.send(ping, "s1")
	assert.True(t, res.Blocked)
	assert.Equal(t, ReasonRateLimited, res.Reason)

	events := tg.events.of(security.EventRateLimitExceeded)
	require.Len(t, events, 1)
	assert.Equal(t, "session:s1", events[0].RateLimit.BucketKey)
	assert.Equal(t, int64(500), events[0].RateLimit.RetryAfterMs)

	assert.True(t, tg.send(ping, "s2").IsValid, "sessions are limited independently")

	tg.clk.Advance(time.Second)
	assert.True(t, tg.send(ping, "s1").IsValid)
}

func TestGateway_SchemaFailures(t *testing.T) {
	tg := newTestGateway(t, strict())

	res := tg.send(`{"type":"unknown-kind"}`, "s1")
	assert.False(t, res.IsValid)
	assert.False(t, res.Blocked)
	assert.Equal(t, ReasonInvalid, res.Reason)

	res = tg.send(`{"type":"task-request","task":"Bad Task!","priority":42,"secret":"hunter2"}`, "s1")
	assert.False(t, res.IsValid)
	assert.Equal(t, []string{
		"field priority: value exceeds maximum 10",
		"field task: does not match the required format",
		"1 undeclared field is not allowed",
	}, res.Errors)
	for _, e := range res.Errors {
		assert.NotContains(t, e, "hunter2", "errors never echo values")
		assert.NotContains(t, e, "Bad Task!")
	}

	res = tg.send(`{"type":"config-update","key":"a.b"}`, "s1")
	assert.Equal(t, []string{"field value: is required"}, res.Errors)
}

func TestGateway_UndeclaredFieldNamesNotEchoed(t *testing.T) {
	tg := newTestGateway(t, strict())

	res := tg.send(`{"type":"ping","<img src=x onerror=alert(1)>":1,"other":2}`, "s1")
	assert.False(t, res.IsValid)
	assert.Equal(t, ReasonInvalid, res.Reason)
	assert.Equal(t, []string{"2 undeclared fields are not allowed"}, res.Errors)
	for _, e := range res.Errors {
		assert.NotContains(t, e, "onerror")
		assert.NotContains(t, e, "other")
	}
}

type metricsSpy struct {
	mu     sync.Mutex
	labels map[string]int
}

func (m *metricsSpy) RecordMessageValidated(_ context.Context, messageType, _ string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[messageType]++
}

func (m *metricsSpy) RecordThreat(context.Context, string, string) {}

func TestGateway_UnregisteredTypesShareOneLabel(t *testing.T) {
	spy := &metricsSpy{labels: map[string]int{}}
	tg := newTestGateway(t, strict(), WithMetrics(spy))

	for i := range 500 {
		tg.send(fmt.Sprintf(`{"type":"junk-%d"}`, i), fmt.Sprintf("s%d", i))
	}
	tg.send(`{"type":"ping"}`, "s-ping")
	tg.send(`{"type":`, "s-bad")

	st := tg.Stats()
	assert.Equal(t, map[string]int64{UnknownType: 500, "ping": 1}, st.ByType)
	assert.Equal(t, map[string]int{UnknownType: 501, "ping": 1}, spy.labels)
}

func TestGateway_StrictModeBlocksCriticalThreat(t *testing.T) {
	tg := newTestGateway(t, strict(), WithSanitizer(scriptFlagger))

	res := tg.send(`{"type":"chat-message","content":"<script>alert(1)</script>"}`, "s1")
	assert.False(t, res.IsValid)
	assert.True(t, res.Blocked)
	assert.Equal(t, ReasonBlocked, res.Reason)
	assert.Nil(t, res.Sanitized)
	require.Len(t, res.Threats, 1)
	assert.Equal(t, security.SeverityCritical, res.Threats[0].Severity)
	assert.Equal(t, TrustLow, res.Trust)

	threats := tg.events.of(security.EventThreatDetected)
	require.Len(t, threats, 1)
	assert.True(t, threats[0].Threat.Blocked)
	assert.Equal(t, security.ThreatXSS, threats[0].Threat.Highest.Type)
	assert.Equal(t, "chat-message", threats[0].Threat.MessageType)

	changes := tg.events.of(security.EventTrustLevelChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "medium", changes[0].Trust.From)
	assert.Equal(t, "low", changes[0].Trust.To)
	assert.Equal(t, "critical threat", changes[0].Trust.Reason)

	assert.Empty(t, tg.events.of(security.EventSanitizationApplied))
	assert.Equal(t, int64(1), tg.Stats().Blocked)
}

func TestGateway_LenientModeSanitizes(t *testing.T) {
	opts := strict()
	opts.StrictMode = false
	tg := newTestGateway(t, opts, WithSanitizer(scriptFlagger))

	res := tg.send(`{"type":"chat-message","content":"<script>x</script>"}`, "s1")
	assert.True(t, res.IsValid)
	assert.False(t, res.Blocked)
	assert.Equal(t, "&lt;script&gt;x&lt;/script&gt;", res.Sanitized["content"])
	assert.Len(t, res.Threats, 1)

	applied := tg.events.of(security.EventSanitizationApplied)
	require.Len(t, applied, 1)
	assert.Equal(t, []string{"content"}, applied[0].Sanitization.Fields)
	assert.False(t, tg.events.of(security.EventThreatDetected)[0].Threat.Blocked)
}

func TestGateway_SanitizerRefusalBlocks(t *testing.T) {
	refuser := sanitizer.Func(func(_ context.Context, value string, _ sanitizer.Scope, _ sanitizer.Context) (sanitizer.Result, error) {
		return sanitizer.Result{Original: value, Sanitized: "", Blocked: strings.Contains(value, "drop")}, nil
	})
	opts := strict()
	opts.StrictMode = false
	tg := newTestGateway(t, opts, WithSanitizer(refuser))

	res := tg.send(`{"type":"chat-message","content":"drop table"}`, "s1")
	assert.False(t, res.IsValid)
	assert.True(t, res.Blocked)
	assert.Equal(t, ReasonBlocked, res.Reason)
	assert.Nil(t, res.Sanitized)
	assert.Empty(t, tg.events.of(security.EventSanitizationApplied))

	rejected := tg.events.of(security.EventMessageRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonBlocked, rejected[0].Extra["reason"])
	assert.Equal(t, int64(1), tg.Stats().Blocked)
}

func TestGateway_SanitizerReceivesFieldScope(t *testing.T) {
	var got []sanitizer.Scope
	var fields []string
	spy := sanitizer.Func(func(_ context.Context, value string, scope sanitizer.Scope, sctx sanitizer.Context) (sanitizer.Result, error) {
		got = append(got, scope)
		fields = append(fields, sctx.Field)
		assert.Equal(t, "task-request", sctx.MessageType)
		assert.Equal(t, "s1", sctx.SessionID)
		return sanitizer.Result{Sanitized: value, Original: value}, nil
	})
	tg := newTestGateway(t, strict(), WithSanitizer(spy))

	res := tg.send(`{"type":"task-request","task":"build","description":"d","path":"a/b"}`, "s1")
	require.True(t, res.IsValid)
	assert.Equal(t, []string{"description", "path"}, fields)
	assert.Equal(t, []sanitizer.Scope{sanitizer.ScopeMessageData, sanitizer.ScopeFilePath}, got)
}

func TestGateway_FailsClosed(t *testing.T) {
	t.Run("sanitizer error", func(t *testing.T) {
		broken := sanitizer.Func(func(context.Context, string, sanitizer.Scope, sanitizer.Context) (sanitizer.Result, error) {
			return sanitizer.Result{}, errors.New("plugin gone")
		})
		tg := newTestGateway(t, strict(), WithSanitizer(broken))

		res := tg.send(`{"type":"chat-message","content":"hi"}`, "s1")
		assert.True(t, res.Blocked)
		assert.False(t, res.IsValid)
		assert.Equal(t, ReasonUnavailable, res.Reason)
		require.Len(t, tg.faults, 1)
		assert.Equal(t, int64(1), tg.Stats().FailClosed)
	})

	t.Run("sanitizer panic", func(t *testing.T) {
		panicky := sanitizer.Func(func(context.Context, string, sanitizer.Scope, sanitizer.Context) (sanitizer.Result, error) {
			panic("boom")
		})
		tg := newTestGateway(t, strict(), WithSanitizer(panicky))

		res := tg.send(`{"type":"chat-message","content":"hi"}`, "s1")
		assert.True(t, res.Blocked)
		assert.Equal(t, ReasonUnavailable, res.Reason)
		require.Len(t, tg.faults, 1)
		var pe *fault.PanicError
		assert.ErrorAs(t, tg.faults[0], &pe)
	})
}

func TestGateway_TrustPromotion(t *testing.T) {
	opts := strict()
	opts.SessionRate = 1000
	opts.SessionBurst = 1000
	tg := newTestGateway(t, opts)

	for i := 0; i < promotionRun; i++ {
		require.True(t, tg.send(`{"type":"ping"}`, "s1").IsValid)
	}
	trust, ok := tg.SessionTrust("s1")
	require.True(t, ok)
	assert.Equal(t, TrustMedium, trust)

	res := tg.send(`{"type":"ping"}`, "s1")
	assert.Equal(t, TrustHigh, res.Trust)

	changes := tg.events.of(security.EventTrustLevelChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "high", changes[0].Trust.To)
}

func TestGateway_SessionsAndEviction(t *testing.T) {
	opts := strict()
	opts.SessionTTL = time.Minute
	tg := newTestGateway(t, opts)

	tg.send(`{"type":"ping"}`, "old")
	tg.clk.Advance(45 * time.Second)
	tg.send(`{"type":"ping"}`, "fresh")
	tg.clk.Advance(30 * time.Second)

	assert.Equal(t, 1, tg.EvictIdle())
	_, ok := tg.Session("old")
	assert.False(t, ok)

	info, ok := tg.Session("fresh")
	require.True(t, ok)
	assert.Equal(t, int64(1), info.Messages)

	assert.True(t, tg.EndSession("fresh"))
	assert.False(t, tg.EndSession("fresh"))
}

func TestGateway_RegisterSchema(t *testing.T) {
	tg := newTestGateway(t, strict())

	err := tg.RegisterSchema(Schema{Type: "bad", Fields: map[string]FieldRule{"x": {Type: FieldString, Pattern: "("}}})
	assert.ErrorIs(t, err, ErrInvalidSchema)
	err = tg.RegisterSchema(Schema{Type: "bad", Fields: map[string]FieldRule{"type": {Type: FieldString}}})
	assert.ErrorIs(t, err, ErrInvalidSchema)

	fields := map[string]FieldRule{"level": {Type: FieldNumber, Required: true, Min: bound(1)}}
	require.NoError(t, tg.RegisterSchema(Schema{Type: "zoom", Fields: fields}))
	assert.Nil(t, fields["level"].re, "caller's map is not mutated")

	assert.True(t, tg.send(`{"type":"zoom","level":2}`, "s1").IsValid)
	assert.False(t, tg.send(`{"type":"zoom","level":0}`, "s1").IsValid)

	var types []string
	for _, s := range tg.Schemas() {
		types = append(types, s.Type)
	}
	assert.Equal(t, []string{"chat-message", "config-update", "ping", "task-request", "zoom"}, types)
}

func TestGateway_UnregisterAndReplaceSchemas(t *testing.T) {
	tg := newTestGateway(t, strict())

	require.NoError(t, tg.RegisterSchema(Schema{Type: "zoom", Fields: map[string]FieldRule{"level": {Type: FieldNumber}}}))
	require.NoError(t, tg.RegisterSchema(Schema{Type: "ping", AllowUnknown: true}))
	assert.True(t, tg.send(`{"type":"ping","extra":1}`, "s1").IsValid)

	assert.True(t, tg.UnregisterSchema("zoom"))
	assert.False(t, tg.UnregisterSchema("zoom"))
	_, err := tg.Schema("zoom")
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	// A built-in type reverts to its default schema.
	assert.True(t, tg.UnregisterSchema("ping"))
	assert.False(t, tg.send(`{"type":"ping","extra":1}`, "s1").IsValid)

	require.NoError(t, tg.ReplaceSchemas([]Schema{{Type: "heartbeat", Fields: map[string]FieldRule{"at": {Type: FieldNumber}}}}))
	require.NoError(t, tg.ReplaceSchemas([]Schema{{Type: "status"}}))
	_, err = tg.Schema("heartbeat")
	assert.ErrorIs(t, err, ErrUnknownMessageType)
	_, err = tg.Schema("status")
	assert.NoError(t, err)

	// A failing set leaves the registry untouched.
	err = tg.ReplaceSchemas([]Schema{{Type: "other"}, {Type: "bad", Fields: map[string]FieldRule{"x": {Type: FieldString, Pattern: "("}}}})
	assert.ErrorIs(t, err, ErrInvalidSchema)
	var types []string
	for _, s := range tg.Schemas() {
		types = append(types, s.Type)
	}
	assert.Equal(t, []string{"chat-message", "config-update", "ping", "status", "task-request"}, types)
}

func TestGateway_Closed(t *testing.T) {
	tg := newTestGateway(t, strict())
	require.NoError(t, tg.Close())
	require.NoError(t, tg.Close())

	res := tg.send(`{"type":"ping"}`, "s1")
	assert.True(t, res.Blocked)
	assert.Equal(t, ReasonUnavailable, res.Reason)
	assert.True(t, tg.Stats().Closed)
	assert.ErrorIs(t, tg.ReportCSPViolation(context.Background(), CSPReport{ViolatedDirective: "script-src"}, MessageContext{}), ErrClosed)
}

func TestGateway_RunStopsOnCancel(t *testing.T) {
	tg := newTestGateway(t, strict())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOptions_Validate(t *testing.T) {
	o := DefaultOptions()
	require.NoError(t, o.Validate())
	assert.True(t, o.StrictMode)
	assert.Equal(t, 10, o.SessionBurst)

	o.SessionRate = -1
	assert.Error(t, o.Validate())

	_, err := New(Options{SessionRate: -1})
	assert.Error(t, err)
}

func TestGateway_SchemaLookup(t *testing.T) {
	tg := newTestGateway(t, strict())

	s, err := tg.Schema("ping")
	require.NoError(t, err)
	assert.Contains(t, s.Fields, "nonce")

	_, err = tg.Schema("nope")
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}
