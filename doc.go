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

// Package aegis is a trust boundary for chat and task orchestration
// clients. Every request or message crossing from an untrusted surface is
// checked before it proceeds:
//
//   - pkg/ratelimit decides whether a request may proceed, using token
//     buckets per rule and scope, and trips a circuit breaker per rule when
//     denials repeat.
//   - pkg/validation parses, bounds, schema-checks and sanitizes messages,
//     rate limits sessions and tracks their trust, and renders Content
//     Security Policies.
//   - pkg/audit records security events in a ledger, raises threshold and
//     critical alerts and answers compliance queries.
//
// pkg/runtime wires these from a configuration document (pkg/config) and
// pkg/server exposes them over HTTP.
//
// # Quick Start
//
// Write a configuration:
//
//	rate_limiting:
//	  rules:
//	    - id: api
//	      pattern: /api/
//	      scope: user
//	      bucket:
//	        capacity: 100
//	        refill_rate: 10
//
// Start the gateway:
//
//	aegis serve --config aegis.yaml --watch
//
// Ask it whether a request may proceed:
//
//	curl -X POST localhost:8080/v1/ratelimit/check \
//	  -d '{"resource_id":"/api/chat","user_id":"u1"}'
package aegis
