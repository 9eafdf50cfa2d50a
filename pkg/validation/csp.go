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

package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kadirpekel/aegis/pkg/sanitizer"
	"github.com/kadirpekel/aegis/pkg/security"
)

// maxReportField caps the length of report fields stored in the ledger.
const maxReportField = 512

var (
	nonceRe  = regexp.MustCompile(`^[A-Za-z0-9+/_-]{8,128}={0,2}$`)
	sourceRe = regexp.MustCompile(`^[^\s;,]+$`)

	// ErrInvalidCSPOptions is returned for nonces or sources that could
	// break out of the policy header.
	ErrInvalidCSPOptions = errors.New("invalid csp options")

	// ErrInvalidCSPReport is returned for reports without a violated directive.
	ErrInvalidCSPReport = errors.New("invalid csp report")
)

// CSPOptions customise a generated policy.
type CSPOptions struct {
	// Nonce is added to script-src and style-src as 'nonce-<value>'.
	Nonce string `json:"nonce,omitempty"`

	// AdditionalSources are appended per directive.
	AdditionalSources map[string][]string `json:"additional_sources,omitempty"`

	// ReportURI adds a report-uri directive.
	ReportURI string `json:"report_uri,omitempty"`
}

// GenerateCSP combines the sanitizer's base policy with opts into a
// Content-Security-Policy header value.
func (g *Gateway) GenerateCSP(ctx context.Context, opts CSPOptions) (string, error) {
	if opts.Nonce != "" && !nonceRe.MatchString(opts.Nonce) {
		return "", fmt.Errorf("%w: malformed nonce", ErrInvalidCSPOptions)
	}
	if opts.ReportURI != "" && !sourceRe.MatchString(opts.ReportURI) {
		return "", fmt.Errorf("%w: malformed report uri", ErrInvalidCSPOptions)
	}
	for directive, sources := range opts.AdditionalSources {
		if !directiveRe.MatchString(directive) {
			return "", fmt.Errorf("%w: malformed directive %q", ErrInvalidCSPOptions, directive)
		}
		for _, src := range sources {
			if !sourceRe.MatchString(src) {
				return "", fmt.Errorf("%w: malformed source for %s", ErrInvalidCSPOptions, directive)
			}
		}
	}

	policy := g.basePolicy(ctx)
	if opts.Nonce != "" {
		nonce := "'nonce-" + opts.Nonce + "'"
		for _, d := range []string{"script-src", "style-src"} {
			policy[d] = appendUnique(policy[d], nonce)
		}
	}
	for directive, sources := range opts.AdditionalSources {
		policy[directive] = appendUnique(policy[directive], sources...)
	}
	if opts.ReportURI != "" {
		policy["report-uri"] = []string{opts.ReportURI}
	}
	return formatPolicy(policy), nil
}

var directiveRe = regexp.MustCompile(`^[a-z][a-z-]*$`)

func (g *Gateway) basePolicy(ctx context.Context) map[string][]string {
	base := sanitizer.DefaultBasePolicy()
	if pp, ok := g.sanitizer.(sanitizer.PolicyProvider); ok {
		p, err := pp.BasePolicy(ctx)
		if err != nil {
			g.logger.WarnContext(ctx, "Sanitizer base policy unavailable, using default", "error", err)
		} else if len(p) > 0 {
			base = p
		}
	}

	out := make(map[string][]string, len(base))
	for d, srcs := range base {
		out[d] = append([]string(nil), srcs...)
	}
	return out
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		if !contains(list, v) {
			list = append(list, v)
		}
	}
	return list
}

// formatPolicy renders directives with default-src first and the rest in
// alphabetical order.
func formatPolicy(policy map[string][]string) string {
	directives := make([]string, 0, len(policy))
	for d := range policy {
		if d != "default-src" {
			directives = append(directives, d)
		}
	}
	sort.Strings(directives)
	if _, ok := policy["default-src"]; ok {
		directives = append([]string{"default-src"}, directives...)
	}

	parts := make([]string, 0, len(directives))
	for _, d := range directives {
		if srcs := policy[d]; len(srcs) > 0 {
			parts = append(parts, d+" "+strings.Join(srcs, " "))
		} else {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, "; ")
}

// CSPReport is a browser content-security-policy violation report.
type CSPReport struct {
	DocumentURI        string `json:"document-uri"`
	Referrer           string `json:"referrer,omitempty"`
	ViolatedDirective  string `json:"violated-directive"`
	EffectiveDirective string `json:"effective-directive,omitempty"`
	OriginalPolicy     string `json:"original-policy,omitempty"`
	BlockedURI         string `json:"blocked-uri,omitempty"`
	Disposition        string `json:"disposition,omitempty"`
	SourceFile         string `json:"source-file,omitempty"`
	LineNumber         int    `json:"line-number,omitempty"`
	StatusCode         int    `json:"status-code,omitempty"`
}

// ParseCSPReport decodes the body browsers POST to a report-uri endpoint.
func ParseCSPReport(raw []byte) (CSPReport, error) {
	var envelope struct {
		Report *CSPReport `json:"csp-report"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return CSPReport{}, fmt.Errorf("%w: %v", ErrInvalidCSPReport, err)
	}
	if envelope.Report == nil {
		return CSPReport{}, fmt.Errorf("%w: missing csp-report", ErrInvalidCSPReport)
	}
	return *envelope.Report, nil
}

// ReportCSPViolation records a violation report in the audit ledger.
func (g *Gateway) ReportCSPViolation(ctx context.Context, report CSPReport, mctx MessageContext) error {
	directive := report.EffectiveDirective
	if directive == "" {
		directive = report.ViolatedDirective
	}
	if strings.TrimSpace(directive) == "" {
		return fmt.Errorf("%w: missing violated directive", ErrInvalidCSPReport)
	}
	if g.closed.Load() {
		return ErrClosed
	}

	g.cspViolations.Add(1)
	g.recorder.RecordEvent(ctx, security.EventCSPViolation, security.EventContext{
		UserID:     mctx.UserID,
		SessionID:  mctx.SessionID,
		ResourceID: truncate(report.DocumentURI),
		Source:     component,
		CSP: &security.CSPDetail{
			DocumentURI:       truncate(report.DocumentURI),
			ViolatedDirective: truncate(directive),
			BlockedURI:        truncate(report.BlockedURI),
			Disposition:       truncate(report.Disposition),
		},
	})
	return nil
}

func truncate(s string) string {
	if len(s) <= maxReportField {
		return s
	}
	cut := maxReportField
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
