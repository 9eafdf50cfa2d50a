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
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/aegis/pkg/validation"
)

func messageContext(r *http.Request) validation.MessageContext {
	return validation.MessageContext{
		SessionID: r.Header.Get("X-Session-ID"),
		UserID:    r.Header.Get("X-User-ID"),
		Origin:    r.Header.Get("Origin"),
	}
}

// validationStatus maps a gateway result to a response code. Bodies only
// ever carry the generic reason.
func validationStatus(res validation.Result) int {
	switch {
	case res.IsValid:
		return http.StatusOK
	case res.Reason == validation.ReasonRateLimited:
		return http.StatusTooManyRequests
	case res.Reason == validation.ReasonTooLarge:
		return http.StatusRequestEntityTooLarge
	case res.Reason == validation.ReasonUnavailable:
		return http.StatusServiceUnavailable
	case res.Blocked:
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	// Messages up to twice the ceiling reach the gateway so it can record
	// the overflow. Anything larger is refused unread.
	limit := 2 * int64(s.gateway.MaxMessageBytes())
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, validation.Result{Blocked: true, Reason: validation.ReasonTooLarge})
			return
		}
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	res := s.gateway.ValidateMessage(r.Context(), raw, messageContext(r))
	if res.Blocked {
		// Blocked callers learn nothing about what tripped the gateway.
		res = validation.Result{Blocked: true, Reason: res.Reason, MessageType: res.MessageType}
	}
	writeJSON(w, validationStatus(res), res)
}

func (s *Server) handleSchemas(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Schemas())
}

func (s *Server) handleGatewayStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Stats())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.gateway.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if !s.gateway.EndSession(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCSP renders a policy. Extra sources come as repeated
// source=<directive> <value> query parameters.
func (s *Server) handleCSP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := validation.CSPOptions{
		Nonce:     q.Get("nonce"),
		ReportURI: q.Get("report_uri"),
	}
	for _, src := range q["source"] {
		directive, value, ok := strings.Cut(strings.TrimSpace(src), " ")
		if !ok || strings.TrimSpace(value) == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("source %q must be \"<directive> <value>\"", src))
			return
		}
		if opts.AdditionalSources == nil {
			opts.AdditionalSources = make(map[string][]string)
		}
		opts.AdditionalSources[directive] = append(opts.AdditionalSources[directive], strings.TrimSpace(value))
	}

	policy, err := s.gateway.GenerateCSP(r.Context(), opts)
	switch {
	case errors.Is(err, validation.ErrInvalidCSPOptions):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, validation.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"policy": policy})
	}
}

func (s *Server) handleCSPReport(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "report too large")
		return
	}
	report, err := validation.ParseCSPReport(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.gateway.ReportCSPViolation(r.Context(), report, messageContext(r))
	switch {
	case errors.Is(err, validation.ErrInvalidCSPReport):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, validation.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
