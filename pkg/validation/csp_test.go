package validation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/aegis/pkg/sanitizer"
	"github.com/kadirpekel/aegis/pkg/security"
)

type policySanitizer struct {
	sanitizer.Nop
	policy map[string][]string
	err    error
}

func (p policySanitizer) BasePolicy(context.Context) (map[string][]string, error) {
	return p.policy, p.err
}

func TestGenerateCSP_Default(t *testing.T) {
	tg := newTestGateway(t, strict())

	csp, err := tg.GenerateCSP(context.Background(), CSPOptions{Nonce: "abc12345"})
	require.NoError(t, err)
	assert.Equal(t, "default-src 'self'; base-uri 'self'; connect-src 'self'; frame-src 'none'; "+
		"img-src 'self' data:; object-src 'none'; script-src 'self' 'nonce-abc12345'; "+
		"style-src 'self' 'nonce-abc12345'", csp)
}

func TestGenerateCSP_AdditionalSourcesAndReportURI(t *testing.T) {
	tg := newTestGateway(t, strict())

	csp, err := tg.GenerateCSP(context.Background(), CSPOptions{
		AdditionalSources: map[string][]string{
			"img-src":  {"https://cdn.example.com", "data:"},
			"font-src": {"https://fonts.example.com"},
		},
		ReportURI: "/csp-report",
	})
	require.NoError(t, err)
	assert.Contains(t, csp, "img-src 'self' data: https://cdn.example.com;")
	assert.Contains(t, csp, "font-src https://fonts.example.com;")
	assert.True(t, strings.HasSuffix(csp, "report-uri /csp-report") || strings.Contains(csp, "report-uri /csp-report;"))
}

func TestGenerateCSP_RejectsInjection(t *testing.T) {
	tg := newTestGateway(t, strict())
	ctx := context.Background()

	cases := []CSPOptions{
		{Nonce: "short"},
		{Nonce: "abc12345'; script-src *"},
		{AdditionalSources: map[string][]string{"script-src": {"https://a.com; object-src *"}}},
		{AdditionalSources: map[string][]string{"Script Src": {"'self'"}}},
		{ReportURI: "/r u"},
	}
	for _, opts := range cases {
		_, err := tg.GenerateCSP(ctx, opts)
		assert.ErrorIs(t, err, ErrInvalidCSPOptions)
	}
}

func TestGenerateCSP_SanitizerPolicy(t *testing.T) {
	custom := policySanitizer{policy: map[string][]string{
		"default-src": {"'none'"},
		"script-src":  {"'self'"},
	}}
	tg := newTestGateway(t, strict(), WithSanitizer(custom))

	csp, err := tg.GenerateCSP(context.Background(), CSPOptions{Nonce: "abc12345"})
	require.NoError(t, err)
	assert.Equal(t, "default-src 'none'; script-src 'self' 'nonce-abc12345'; style-src 'nonce-abc12345'", csp)

	again, err := tg.GenerateCSP(context.Background(), CSPOptions{})
	require.NoError(t, err)
	assert.Equal(t, "default-src 'none'; script-src 'self'", again, "base policy is not mutated")

	failing := newTestGateway(t, strict(), WithSanitizer(policySanitizer{err: errors.New("unavailable")}))
	csp, err = failing.GenerateCSP(context.Background(), CSPOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(csp, "default-src 'self';"))
}

func TestParseCSPReport(t *testing.T) {
	raw := []byte(`{"csp-report":{"document-uri":"https://app.example.com/","violated-directive":"script-src-elem","blocked-uri":"https://evil.example.com/x.js","disposition":"enforce"}}`)
	report, err := ParseCSPReport(raw)
	require.NoError(t, err)
	assert.Equal(t, "script-src-elem", report.ViolatedDirective)
	assert.Equal(t, "https://evil.example.com/x.js", report.BlockedURI)

	_, err = ParseCSPReport([]byte(`{"other":{}}`))
	assert.ErrorIs(t, err, ErrInvalidCSPReport)
	_, err = ParseCSPReport([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidCSPReport)
}

func TestReportCSPViolation(t *testing.T) {
	tg := newTestGateway(t, strict())
	ctx := context.Background()

	err := tg.ReportCSPViolation(ctx, CSPReport{
		DocumentURI:        "https://app.example.com/" + strings.Repeat("p", 1000),
		ViolatedDirective:  "script-src-elem",
		EffectiveDirective: "script-src",
		BlockedURI:         "inline",
	}, MessageContext{SessionID: "s1"})
	require.NoError(t, err)

	events := tg.events.of(security.EventCSPViolation)
	require.Len(t, events, 1)
	assert.Equal(t, "script-src", events[0].CSP.ViolatedDirective)
	assert.Len(t, events[0].CSP.DocumentURI, maxReportField)
	assert.Equal(t, "s1", events[0].SessionID)
	assert.Equal(t, int64(1), tg.Stats().CSPViolations)

	assert.ErrorIs(t, tg.ReportCSPViolation(ctx, CSPReport{DocumentURI: "x"}, MessageContext{}), ErrInvalidCSPReport)
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	short := "https://app.example.com/é"
	assert.Equal(t, short, truncate(short))

	// 511 ASCII bytes put a two-byte rune across the cap.
	s := strings.Repeat("a", maxReportField-1) + "éé"
	got := truncate(s)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, maxReportField-1)

	wide := strings.Repeat("界", 400)
	got = truncate(wide)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxReportField)
	assert.Len(t, got, 170*3)
}
