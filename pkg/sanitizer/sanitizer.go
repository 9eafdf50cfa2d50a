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

// Package sanitizer defines the content sanitization capability consumed by
// the message validation gateway. The engine itself lives outside this
// module; it is reached in process through the Sanitizer interface or out
// of process through the go-plugin transport in plugin.go.
package sanitizer

import (
	"context"
	"fmt"

	"github.com/kadirpekel/aegis/pkg/security"
)

// Scope tells the sanitizer what kind of value it is looking at.
type Scope string

const (
	ScopeUserInput   Scope = "user-input"
	ScopeHTMLContent Scope = "html-content"
	ScopeConfigData  Scope = "config-data"
	ScopeMessageData Scope = "message-data"
	ScopeFilePath    Scope = "file-path"
	ScopeSessionID   Scope = "session-id"
)

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case ScopeUserInput, ScopeHTMLContent, ScopeConfigData, ScopeMessageData, ScopeFilePath, ScopeSessionID:
		return sc, nil
	}
	return "", fmt.Errorf("unknown sanitizer scope %q", s)
}

// Context is optional metadata about the value being sanitized.
type Context struct {
	SessionID   string
	MessageType string
	Field       string
}

// Result is the structured outcome of one Sanitize call.
type Result struct {
	Sanitized string
	Blocked   bool
	Threats   []security.ThreatInfo
	Original  string
}

// Changed reports whether the sanitizer rewrote the value.
func (r Result) Changed() bool {
	return r.Sanitized != r.Original
}

// Sanitizer inspects and rewrites untrusted values.
type Sanitizer interface {
	Sanitize(ctx context.Context, value string, scope Scope, sctx Context) (Result, error)
}

// PolicyProvider is implemented by sanitizers that contribute a base
// content security policy, as directive to source list.
type PolicyProvider interface {
	BasePolicy(ctx context.Context) (map[string][]string, error)
}

// Func adapts a function to Sanitizer.
type Func func(ctx context.Context, value string, scope Scope, sctx Context) (Result, error)

// Sanitize calls f.
func (f Func) Sanitize(ctx context.Context, value string, scope Scope, sctx Context) (Result, error) {
	return f(ctx, value, scope, sctx)
}

// Nop passes every value through untouched and reports no threats.
type Nop struct{}

// Sanitize returns value unchanged.
func (Nop) Sanitize(_ context.Context, value string, _ Scope, _ Context) (Result, error) {
	return Result{Sanitized: value, Original: value}, nil
}

// BasePolicy returns DefaultBasePolicy.
func (Nop) BasePolicy(context.Context) (map[string][]string, error) {
	return DefaultBasePolicy(), nil
}

// DefaultBasePolicy is the policy used when the sanitizer offers none.
func DefaultBasePolicy() map[string][]string {
	return map[string][]string{
		"default-src": {"'self'"},
		"script-src":  {"'self'"},
		"style-src":   {"'self'"},
		"img-src":     {"'self'", "data:"},
		"connect-src": {"'self'"},
		"object-src":  {"'none'"},
		"base-uri":    {"'self'"},
		"frame-src":   {"'none'"},
	}
}

var (
	_ Sanitizer      = Nop{}
	_ PolicyProvider = Nop{}
)
