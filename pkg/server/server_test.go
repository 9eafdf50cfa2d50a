package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/aegis/pkg/audit"
	"github.com/kadirpekel/aegis/pkg/config"
	"github.com/kadirpekel/aegis/pkg/notify"
	"github.com/kadirpekel/aegis/pkg/observability"
	"github.com/kadirpekel/aegis/pkg/ratelimit"
	"github.com/kadirpekel/aegis/pkg/sanitizer"
	"github.com/kadirpekel/aegis/pkg/security"
	"github.com/kadirpekel/aegis/pkg/tokenbucket"
	"github.com/kadirpekel/aegis/pkg/validation"
)

// scriptFlagger reports a critical XSS threat for values containing <script.
var scriptFlagger = sanitizer.Func(func(_ context.Context, value string, _ sanitizer.Scope, _ sanitizer.Context) (sanitizer.Result, error) {
	res := sanitizer.Result{Original: value, Sanitized: value}
	if strings.Contains(strings.ToLower(value), "<script") {
		res.Threats = append(res.Threats, security.ThreatInfo{
			Type:     security.ThreatXSS,
			Severity: security.SeverityCritical,
			Patterns: []string{"script-tag"},
		})
	}
	return res, nil
})

type fixture struct {
	srv     *Server
	limiter *ratelimit.Limiter
	gateway *validation.Gateway
	ledger  *audit.Ledger
	bus     *notify.Bus
}

func newFixture(t *testing.T, cfg config.ServerConfig, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{bus: notify.NewBus()}

	var err error
	f.ledger, err = audit.New(audit.Options{PIIKeys: []string{"email"}}, audit.WithNotifier(f.bus))
	require.NoError(t, err)

	f.limiter, err = ratelimit.New(ratelimit.Options{}, ratelimit.WithRecorder(f.ledger))
	require.NoError(t, err)

	gwOpts := validation.DefaultOptions()
	gwOpts.SessionRate = 1000
	f.gateway, err = validation.New(gwOpts,
		validation.WithSanitizer(scriptFlagger),
		validation.WithRecorder(f.ledger))
	require.NoError(t, err)

	f.srv, err = New(cfg, f.limiter, f.gateway, f.ledger, append([]Option{WithBus(f.bus)}, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = f.limiter.Close()
		_ = f.gateway.Close()
		_ = f.ledger.Close()
		_ = f.bus.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const apiRule = `{"id":"api","pattern":"/api/","scope":"user","bucket":{"capacity":2,"refill_rate":0.01}}`

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(config.ServerConfig{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])

	require.NoError(t, f.limiter.Close())
	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimitCheck(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/ratelimit/rules", apiRule).Code)

	check := `{"resource_id":"/api/orders"}`
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/v1/ratelimit/check", check, "X-User-ID", "alice")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := f.do(t, http.MethodPost, "/v1/ratelimit/check", check, "X-User-ID", "alice")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	res := decode[ratelimit.Result](t, rec)
	assert.False(t, res.Allowed)
	assert.NotEmpty(t, res.BucketKey)

	// Other users have their own bucket.
	rec = f.do(t, http.MethodPost, "/v1/ratelimit/check", check, "X-User-ID", "bob")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/ratelimit/buckets/"+url.PathEscape(res.BucketKey), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/ratelimit/buckets/nope", "").Code)

	stats := decode[ratelimit.Stats](t, f.do(t, http.MethodGet, "/v1/ratelimit/stats", ""))
	assert.EqualValues(t, 3, stats.Allowed)
	assert.EqualValues(t, 1, stats.Denied)

	denials := f.ledger.Search(audit.Criteria{Events: []security.EventKind{security.EventRateLimitExceeded}})
	assert.Len(t, denials, 1)
}

func TestRateLimitCheck_BadBody(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/ratelimit/check", "{").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/ratelimit/check", `{"resource":"x"}`).Code)
}

func TestRules_CRUD(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	rec := f.do(t, http.MethodPost, "/v1/ratelimit/rules", apiRule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]any](t, rec)
	assert.Equal(t, "api", created["id"])
	assert.Contains(t, created, "circuit")

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/ratelimit/rules", apiRule).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/v1/ratelimit/rules", `{"id":"bad","pattern":"x","bucket":{"capacity":0,"refill_rate":1}}`).Code)

	rec = f.do(t, http.MethodPut, "/v1/ratelimit/rules/api",
		`{"pattern":"/api/","scope":"user","bucket":{"capacity":5,"refill_rate":1}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rule, ok := f.limiter.Rule("api")
	require.True(t, ok)
	assert.Equal(t, 5, rule.Bucket.Capacity)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/v1/ratelimit/rules/api",
		`{"id":"other","pattern":"/api/","bucket":{"capacity":5,"refill_rate":1}}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/v1/ratelimit/rules/missing",
		`{"pattern":"/x/","bucket":{"capacity":5,"refill_rate":1}}`).Code)

	list := decode[[]map[string]any](t, f.do(t, http.MethodGet, "/v1/ratelimit/rules", ""))
	require.Len(t, list, 1)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/ratelimit/rules/api", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/ratelimit/rules/api/reset?buckets=true", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/ratelimit/rules/api/reset?buckets=maybe", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/ratelimit/rules/missing/reset", "").Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/ratelimit/rules/api", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/ratelimit/rules/api", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/ratelimit/rules/api", "").Code)
}

func TestRules_ClosedLimiter(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	require.NoError(t, f.limiter.Close())
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/v1/ratelimit/rules", apiRule).Code)
}

func TestLimitAPI(t *testing.T) {
	f := newFixture(t, config.ServerConfig{LimitAPI: true})
	require.NoError(t, f.limiter.AddRule(ratelimit.Rule{
		ID:      "audit-api",
		Pattern: "/v1/audit/",
		Scope:   ratelimit.ScopeGlobal,
		Enabled: true,
		Bucket:  bucket(1),
	}))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/audit/stats", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/v1/audit/stats", "").Code)
	// Unmatched paths and the check endpoint itself pass through.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/ratelimit/stats", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)
}

func TestValidate(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	rec := f.do(t, http.MethodPost, "/v1/messages/validate", `{"type":"ping","nonce":"abc"}`, "X-Session-ID", "s1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[validation.Result](t, rec)
	assert.True(t, res.IsValid)
	assert.Equal(t, "ping", res.MessageType)

	rec = f.do(t, http.MethodPost, "/v1/messages/validate", `{"type":"ping","nonce":7}`, "X-Session-ID", "s1")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	res = decode[validation.Result](t, rec)
	assert.False(t, res.IsValid)
	assert.False(t, res.Blocked)

	rec = f.do(t, http.MethodPost, "/v1/messages/validate", `not json`, "X-Session-ID", "s1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestValidate_BlockedRevealsNothing(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	rec := f.do(t, http.MethodPost, "/v1/messages/validate",
		`{"type":"chat-message","content":"<script>alert(1)</script>"}`, "X-Session-ID", "s2", "X-User-ID", "mallory")
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	res := decode[validation.Result](t, rec)
	assert.True(t, res.Blocked)
	assert.Equal(t, validation.ReasonBlocked, res.Reason)
	assert.Empty(t, res.Threats)
	assert.Empty(t, res.Errors)
	assert.NotContains(t, rec.Body.String(), "script")

	threats := f.ledger.Search(audit.Criteria{Events: []security.EventKind{security.EventThreatDetected}})
	require.NotEmpty(t, threats)
	assert.Equal(t, "mallory", threats[0].Context.UserID)
}

func TestValidate_TooLarge(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	big := `{"type":"ping","nonce":"` + strings.Repeat("a", validation.DefaultMaxMessageBytes) + `"}`
	rec := f.do(t, http.MethodPost, "/v1/messages/validate", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	rejected := f.ledger.Search(audit.Criteria{Events: []security.EventKind{security.EventMessageRejected}})
	assert.Len(t, rejected, 1, "the gateway records oversized messages")

	huge := strings.Repeat("a", 3*validation.DefaultMaxMessageBytes)
	rec = f.do(t, http.MethodPost, "/v1/messages/validate", huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, validation.ReasonTooLarge, decode[validation.Result](t, rec).Reason)
}

func TestSessions(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	f.do(t, http.MethodPost, "/v1/messages/validate", `{"type":"ping"}`, "X-Session-ID", "s3")

	rec := f.do(t, http.MethodGet, "/v1/sessions/s3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[validation.SessionInfo](t, rec)
	assert.EqualValues(t, 1, info.Messages)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/sessions/s3", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/sessions/s3", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/sessions/s3", "").Code)

	schemas := decode[[]validation.Schema](t, f.do(t, http.MethodGet, "/v1/messages/schemas", ""))
	assert.Len(t, schemas, len(validation.DefaultSchemas()))
}

func TestCSP(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	q := url.Values{}
	q.Set("nonce", "abc12345xyz")
	q.Set("report_uri", "/v1/csp/report")
	q.Add("source", "img-src https://cdn.example.com")
	rec := f.do(t, http.MethodGet, "/v1/csp?"+q.Encode(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	policy := decode[map[string]string](t, rec)["policy"]
	assert.Contains(t, policy, "'nonce-abc12345xyz'")
	assert.Contains(t, policy, "https://cdn.example.com")
	assert.Contains(t, policy, "report-uri /v1/csp/report")
	assert.True(t, strings.HasPrefix(policy, "default-src"))

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/csp?nonce=a%3Bb", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/csp?source=img-src", "").Code)
}

func TestCSPReport(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	report := `{"csp-report":{"document-uri":"https://app.example.com","violated-directive":"script-src","blocked-uri":"https://evil.example.com"}}`
	rec := f.do(t, http.MethodPost, "/v1/csp/report", report, "Content-Type", "application/csp-report")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	entries := f.ledger.Search(audit.Criteria{Events: []security.EventKind{security.EventCSPViolation}})
	require.Len(t, entries, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/csp/report", `{"csp-report":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/csp/report", `{}`).Code)
}

func TestAudit_SearchResolveExport(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	ctx := context.Background()
	entry := f.ledger.LogSecurityEvent(ctx, security.EventThreatDetected, security.EventContext{
		UserID: "u1",
		Extra:  map[string]string{"email": "u1@example.com", "path": "/x"},
	})
	f.ledger.LogSecurityEvent(ctx, security.EventMessageRejected, security.EventContext{UserID: "u2"})

	entries := decode[[]audit.Entry](t, f.do(t, http.MethodGet, "/v1/audit/entries?user_id=u1", ""))
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)

	entries = decode[[]audit.Entry](t, f.do(t, http.MethodGet, "/v1/audit/entries?severity=low&event=message-rejected", ""))
	require.Len(t, entries, 1)
	assert.Equal(t, "u2", entries[0].Context.UserID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/audit/entries?severity=dire", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/audit/entries?start=yesterday", "").Code)

	rec := f.do(t, http.MethodPost, "/v1/audit/entries/"+entry.ID+"/resolve", `{"by":"ops"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[map[string]bool](t, rec)["resolved"])
	rec = f.do(t, http.MethodPost, "/v1/audit/entries/"+entry.ID+"/resolve", `{"by":"ops"}`)
	assert.False(t, decode[map[string]bool](t, rec)["resolved"])
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/audit/entries/nope/resolve", `{"by":"ops"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/audit/entries/"+entry.ID+"/resolve", `{}`).Code)

	got := decode[audit.Entry](t, f.do(t, http.MethodGet, "/v1/audit/entries/"+entry.ID, ""))
	assert.True(t, got.Resolved)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/audit/entries/nope", "").Code)

	exported := decode[[]audit.Entry](t, f.do(t, http.MethodGet, "/v1/audit/export", ""))
	require.Len(t, exported, 2)
	assert.NotContains(t, exported[0].Context.Extra, "email")
	assert.Equal(t, "/x", exported[0].Context.Extra["path"])

	exported = decode[[]audit.Entry](t, f.do(t, http.MethodGet, "/v1/audit/export?strip_pii=false", ""))
	assert.Equal(t, "u1@example.com", exported[0].Context.Extra["email"])
}

func TestAudit_StatsAndReport(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	f.ledger.LogSecurityEvent(context.Background(), security.EventCSPViolation, security.EventContext{})

	stats := decode[audit.Stats](t, f.do(t, http.MethodGet, "/v1/audit/stats", ""))
	assert.Equal(t, 1, stats.TotalEntries)

	report := decode[audit.Report](t, f.do(t, http.MethodGet, "/v1/audit/report", ""))
	assert.Equal(t, DefaultReportDays, report.PeriodDays)
	report = decode[audit.Report](t, f.do(t, http.MethodGet, "/v1/audit/report?days=30", ""))
	assert.Equal(t, 30, report.PeriodDays)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/audit/report?days=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/audit/report?days=20000000", "").Code)

	report = decode[audit.Report](t, f.do(t, http.MethodGet, "/v1/audit/report?days=366", ""))
	assert.Equal(t, 30, report.PeriodDays, "clamped to retention")
}

func TestAudit_AlertsAndAcknowledge(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	f.do(t, http.MethodPost, "/v1/messages/validate",
		`{"type":"chat-message","content":"<script>x</script>"}`, "X-Session-ID", "s4")

	alerts := decode[[]audit.Alert](t, f.do(t, http.MethodGet, "/v1/audit/alerts?level=critical", ""))
	require.NotEmpty(t, alerts)
	id := alerts[0].ID

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/audit/alerts?level=scary", "").Code)

	rec := f.do(t, http.MethodPost, "/v1/audit/alerts/"+id+"/ack", `{"by":"oncall"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[map[string]bool](t, rec)["acknowledged"])

	rec = f.do(t, http.MethodPost, "/v1/audit/alerts/"+id+"/ack", `{"by":"oncall"}`)
	assert.False(t, decode[map[string]bool](t, rec)["acknowledged"])
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/audit/alerts/nope/ack", `{"by":"oncall"}`).Code)

	open := decode[[]audit.Alert](t, f.do(t, http.MethodGet, "/v1/audit/alerts?level=critical&unacknowledged=true", ""))
	for _, a := range open {
		assert.NotEqual(t, id, a.ID)
	}
}

func TestAudit_Consent(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	rec := f.do(t, http.MethodPost, "/v1/audit/consent", `{"user_id":"u9","purpose":"analytics","granted":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	e := decode[audit.Entry](t, rec)
	assert.Equal(t, security.EventConsentGranted, e.Event)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/audit/consent", `{"user_id":"u9"}`).Code)

	require.NoError(t, f.ledger.Close())
	assert.Equal(t, http.StatusServiceUnavailable,
		f.do(t, http.MethodPost, "/v1/audit/consent", `{"user_id":"u9","purpose":"analytics"}`).Code)
}

func TestAlertStream(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/audit/alerts/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.bus.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	f.ledger.LogSecurityEvent(context.Background(), security.EventThreatDetected, security.EventContext{
		Threat: &security.ThreatDetail{Highest: security.ThreatInfo{Type: security.ThreatXSS, Severity: security.SeverityCritical}},
	})

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
			break
		}
	}
	assert.Equal(t, "alert", event)
	var n notify.Notification
	require.NoError(t, json.Unmarshal([]byte(data), &n))
	assert.Equal(t, audit.AlertCritical, n.Alert.Level)
}

func TestMetricsAndSpans(t *testing.T) {
	mgr, err := observability.NewManager(t.Context(), observability.Config{
		Metrics: observability.MetricsConfig{Enabled: true},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	f := newFixture(t, config.ServerConfig{}, WithObservability(mgr))
	f.do(t, http.MethodGet, "/v1/ratelimit/stats", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `aegis_http_requests_total{method="GET",route="/v1/ratelimit/stats",status="200"} 1`)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/debug/spans", "").Code)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, config.ServerConfig{AllowedOrigins: []string{"https://app.example.com"}})

	rec := f.do(t, http.MethodOptions, "/v1/ratelimit/check", "", "Origin", "https://app.example.com")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(t, http.MethodGet, "/health", "", "Origin", "https://evil.example.com")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartShutdown(t *testing.T) {
	f := newFixture(t, config.ServerConfig{Host: "127.0.0.1", Port: freePort(t)})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + f.srv.Address() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.NoError(t, f.srv.Shutdown(context.Background()))
}

func bucket(capacity int) tokenbucket.Config {
	return tokenbucket.Config{Capacity: capacity, RefillRate: 0.01}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
