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
	"time"

	"golang.org/x/time/rate"
)

// TrustLevel is the informational trust assigned to a session.
type TrustLevel string

const (
	TrustLow    TrustLevel = "low"
	TrustMedium TrustLevel = "medium"
	TrustHigh   TrustLevel = "high"
)

// promotionRun is the number of consecutive threat-free messages after which
// a session moves up one trust level.
const promotionRun = 100

func (t TrustLevel) promote() TrustLevel {
	switch t {
	case TrustLow:
		return TrustMedium
	default:
		return TrustHigh
	}
}

// session is the gateway's per-session state.
type session struct {
	limiter  *rate.Limiter
	trust    TrustLevel
	run      int
	messages int64
	lastSeen time.Time
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	ID       string     `json:"id"`
	Trust    TrustLevel `json:"trust"`
	Messages int64      `json:"messages"`
	CleanRun int        `json:"clean_run"`
	LastSeen time.Time  `json:"last_seen"`
}

// trustChange records a transition to report.
type trustChange struct {
	from, to TrustLevel
	reason   string
}

// observe updates trust after one message. It returns a change when the
// level moved.
func (s *session) observe(blocked, critical bool, threats int) *trustChange {
	from := s.trust
	switch {
	case blocked || critical:
		s.trust = TrustLow
		s.run = 0
		if from != TrustLow {
			reason := "message blocked"
			if critical {
				reason = "critical threat"
			}
			return &trustChange{from: from, to: TrustLow, reason: reason}
		}
	case threats > 0:
		s.run = 0
	default:
		s.run++
		if s.run > promotionRun && s.trust != TrustHigh {
			s.trust = s.trust.promote()
			s.run = 0
			return &trustChange{from: from, to: s.trust, reason: "sustained clean traffic"}
		}
	}
	return nil
}
