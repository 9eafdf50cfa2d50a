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

package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/aegis/pkg/circuitbreaker"
	"github.com/kadirpekel/aegis/pkg/config"
	"github.com/kadirpekel/aegis/pkg/ratelimit"
)

// ruleView is a rule as served by the API, with its breaker snapshot.
type ruleView struct {
	config.RuleConfig
	Circuit *circuitbreaker.Stats `json:"circuit,omitempty"`
}

func (s *Server) ruleView(r ratelimit.Rule) ruleView {
	v := ruleView{RuleConfig: config.RuleFromRateLimit(r)}
	if st, ok := s.limiter.CircuitStats(r.ID); ok {
		v.Circuit = &st
	}
	return v
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var rc ratelimit.Context
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &rc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rc.UserID == "" {
		rc.UserID = r.Header.Get("X-User-ID")
	}
	if rc.SessionID == "" {
		rc.SessionID = r.Header.Get("X-Session-ID")
	}

	result := s.limiter.Check(r.Context(), rc)
	if result.Rule != nil {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Rule.Bucket.Capacity))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.RemainingTokens))
	}
	if !result.Allowed {
		if result.RetryAfterMs > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt((result.RetryAfterMs+999)/1000, 10))
		}
		writeJSON(w, http.StatusTooManyRequests, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLimiterStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.limiter.Stats())
}

func (s *Server) handleBucket(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	st, ok := s.limiter.BucketStats(key)
	if !ok {
		writeError(w, http.StatusNotFound, "bucket not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.limiter.Rules()
	out := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		out = append(out, s.ruleView(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.limiter.Rule(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, ratelimit.ErrRuleNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ruleView(rule))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rc config.RuleConfig
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &rc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule := rc.ToRateLimit()
	if err := s.limiter.AddRule(rule); err != nil {
		writeRuleError(w, err)
		return
	}
	s.logger.Info("Rate limit rule added", "rule_id", rule.ID)

	stored, _ := s.limiter.Rule(rule.ID)
	writeJSON(w, http.StatusCreated, s.ruleView(stored))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var rc config.RuleConfig
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &rc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch rc.ID {
	case "":
		rc.ID = id
	case id:
	default:
		writeError(w, http.StatusBadRequest, "rule id in body does not match path")
		return
	}

	if err := s.limiter.UpdateRule(rc.ToRateLimit()); err != nil {
		writeRuleError(w, err)
		return
	}
	s.logger.Info("Rate limit rule updated", "rule_id", id)

	stored, _ := s.limiter.Rule(id)
	writeJSON(w, http.StatusOK, s.ruleView(stored))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.limiter.RemoveRule(id); err != nil {
		writeRuleError(w, err)
		return
	}
	s.logger.Info("Rate limit rule removed", "rule_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleResetRule closes the rule's breaker. With buckets=true it also
// refills every bucket of the rule.
func (s *Server) handleResetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	buckets, err := boolParam(r, "buckets", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if buckets {
		err = s.limiter.ResetRule(id)
	} else {
		err = s.limiter.ResetCircuit(id)
	}
	if err != nil {
		writeRuleError(w, err)
		return
	}
	s.logger.Info("Rate limit rule reset", "rule_id", id, "buckets", buckets)

	rule, _ := s.limiter.Rule(id)
	writeJSON(w, http.StatusOK, s.ruleView(rule))
}

func writeRuleError(w http.ResponseWriter, err error) {
	var verr *ratelimit.ValidationError
	switch {
	case errors.Is(err, ratelimit.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ratelimit.ErrDuplicateRule):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ratelimit.ErrInvalidRule), errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ratelimit.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
