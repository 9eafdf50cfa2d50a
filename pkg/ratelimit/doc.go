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

// Package ratelimit is the rule-driven rate limiter that sits in front of
// every inbound operation.
//
// A Limiter holds a list of rules ordered by descending priority. A check
// resolves the highest-priority enabled rule whose pattern matches the
// resource, consults the rule's circuit breaker, and then draws one credit
// from a token bucket keyed by the rule's scope.
//
// # Basic Usage
//
//	limiter, err := ratelimit.New(ratelimit.Options{}, ratelimit.WithRecorder(ledger))
//	err = limiter.AddRule(ratelimit.Rule{
//	    ID:       "chat",
//	    Pattern:  "/v1/chat",
//	    Scope:    ratelimit.ScopeSession,
//	    Priority: 10,
//	    Bucket:   tokenbucket.Config{Capacity: 20, RefillRate: 2},
//	    Enabled:  true,
//	})
//	result := limiter.Check(ctx, ratelimit.Context{ResourceID: "/v1/chat", SessionID: "s-1"})
//	if !result.Allowed {
//	    // back off for result.RetryAfter()
//	}
//
// # Configuration
//
//	rate_limiting:
//	  enabled: true
//	  refill_tick: 1s
//	  sweep_interval: 5m
//	  idle_ttl: 10m
//	  rules:
//	    - id: chat
//	      pattern: "^/v1/chat"
//	      scope: session
//	      priority: 10
//	      bucket: {capacity: 20, refill_rate: 2, burst_allowance: 5}
//	      actions:
//	        - {type: alert, threshold: 50}
//
// # Scopes
//
//   - global: one bucket per rule
//   - user: one bucket per user (missing user IDs share "anonymous")
//   - session: one bucket per session (missing session IDs share "default")
//   - resource: one bucket per resource ID
//
// # Failure Semantics
//
// Rejections are values in Result. Internal faults while computing a
// decision are reported to the fault handler and the request is allowed.
// After Close every check is denied.
package ratelimit
