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
	"encoding/json"
	"net/http"
	"strconv"
)

// ContextFunc builds the check context for an HTTP request.
type ContextFunc func(r *http.Request) Context

// DefaultContextFunc keys the request on its path, the X-User-ID and
// X-Session-ID headers, falling back to the remote address as session.
func DefaultContextFunc(r *http.Request) Context {
	rc := Context{
		ResourceID: r.URL.Path,
		UserID:     r.Header.Get("X-User-ID"),
		SessionID:  r.Header.Get("X-Session-ID"),
	}
	if rc.SessionID == "" {
		rc.SessionID = r.RemoteAddr
	}
	return rc
}

// MiddlewareConfig configures the rate limiting middleware.
type MiddlewareConfig struct {
	// Limiter is the rate limiter to use.
	Limiter Checker

	// ContextFunc extracts the check context from requests.
	// If nil, DefaultContextFunc is used.
	ContextFunc ContextFunc

	// ExcludedPaths are paths that bypass rate limiting.
	ExcludedPaths []string

	// OnLimited is called when a request is rate limited.
	// If nil, a default JSON error response is sent.
	OnLimited func(w http.ResponseWriter, r *http.Request, result Result)
}

// Middleware creates an HTTP middleware that enforces rate limits.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Limiter == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	if cfg.ContextFunc == nil {
		cfg.ContextFunc = DefaultContextFunc
	}
	if cfg.OnLimited == nil {
		cfg.OnLimited = defaultOnLimited
	}

	excludedPaths := make(map[string]bool, len(cfg.ExcludedPaths))
	for _, path := range cfg.ExcludedPaths {
		excludedPaths[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excludedPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			result := cfg.Limiter.Check(ctx, cfg.ContextFunc(r))

			ctx = context.WithValue(ctx, resultKey{}, result)
			r = r.WithContext(ctx)

			addRateLimitHeaders(w, result)
			if !result.Allowed {
				cfg.OnLimited(w, r, result)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type resultKey struct{}

// ResultFromContext returns the check result stored by Middleware.
func ResultFromContext(ctx context.Context) (Result, bool) {
	result, ok := ctx.Value(resultKey{}).(Result)
	return result, ok
}

// defaultOnLimited sends a 429 response.
func defaultOnLimited(w http.ResponseWriter, _ *http.Request, result Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	response := map[string]any{
		"error": map[string]any{
			"code":    "rate_limit_exceeded",
			"message": result.Reason,
		},
		"retry_after_ms": result.RetryAfterMs,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// addRateLimitHeaders adds standard rate limit headers to the response.
func addRateLimitHeaders(w http.ResponseWriter, result Result) {
	if result.Rule == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Rule.Bucket.Capacity))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.RemainingTokens))
	if result.RetryAfterMs > 0 {
		// Retry-After is whole seconds, rounded up.
		w.Header().Set("Retry-After", strconv.FormatInt((result.RetryAfterMs+999)/1000, 10))
	}
}
