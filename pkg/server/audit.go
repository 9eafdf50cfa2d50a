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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/aegis/pkg/audit"
	"github.com/kadirpekel/aegis/pkg/auth"
	"github.com/kadirpekel/aegis/pkg/security"
)

// DefaultReportDays is the report period used when days is not given.
const DefaultReportDays = 7

type actorRequest struct {
	By string `json:"by"`
}

type consentRequest struct {
	UserID  string `json:"user_id"`
	Purpose string `json:"purpose"`
	Granted bool   `json:"granted"`
}

// listParam splits repeated and comma-separated values.
func listParam(r *http.Request, name string) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func criteriaFromQuery(r *http.Request) (audit.Criteria, error) {
	q := r.URL.Query()
	c := audit.Criteria{
		UserID:     q.Get("user_id"),
		SessionID:  q.Get("session_id"),
		ResourceID: q.Get("resource_id"),
	}
	for _, ev := range listParam(r, "event") {
		c.Events = append(c.Events, security.EventKind(ev))
	}
	for _, raw := range listParam(r, "severity") {
		sev := security.Severity(strings.ToLower(raw))
		if !sev.Valid() {
			return c, fmt.Errorf("unknown severity %q", raw)
		}
		c.Severities = append(c.Severities, sev)
	}

	var err error
	if c.Start, err = timeParam(r, "start"); err != nil {
		return c, err
	}
	if c.End, err = timeParam(r, "end"); err != nil {
		return c, err
	}
	if q.Has("resolved") {
		resolved, err := boolParam(r, "resolved", false)
		if err != nil {
			return c, err
		}
		c.Resolved = &resolved
	}
	if c.Limit, err = intParam(r, "limit", 100); err != nil {
		return c, err
	}
	if c.Offset, err = intParam(r, "offset", 0); err != nil {
		return c, err
	}
	return c, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	c, err := criteriaFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.Search(c))
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := s.ledger.Entry(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, audit.ErrEntryNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// callerID is the authenticated subject, if any.
func callerID(r *http.Request) string {
	if c := auth.FromContext(r.Context()); c != nil {
		return c.Subject
	}
	return ""
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.By == "" {
		req.By = callerID(r)
	}
	if req.By == "" {
		writeError(w, http.StatusBadRequest, "by is required")
		return
	}
	changed, err := s.ledger.ResolveEntry(chi.URLParam(r, "id"), req.By)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": changed})
}

// handleExport streams entries as JSON. PII is stripped unless
// strip_pii=false.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	start, err := timeParam(r, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := timeParam(r, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	strip, err := boolParam(r, "strip_pii", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries := s.ledger.Export(start, end, strip)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="aegis-audit.json"`)
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		s.logger.Warn("Audit export interrupted", "error", err)
	}
}

func (s *Server) handleAuditStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Stats())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", DefaultReportDays)
	if err != nil || days == 0 {
		writeError(w, http.StatusBadRequest, "days must be a positive integer")
		return
	}
	if days > audit.MaxReportDays {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("days must not exceed %d", audit.MaxReportDays))
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.GenerateReport(days))
}

func parseAlertLevel(raw string) (audit.AlertLevel, error) {
	level := audit.AlertLevel(strings.ToLower(raw))
	switch level {
	case "", audit.AlertInfo, audit.AlertWarning, audit.AlertError, audit.AlertCritical:
		return level, nil
	}
	return "", fmt.Errorf("unknown alert level %q", raw)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	level, err := parseAlertLevel(r.URL.Query().Get("level"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	unacked, err := boolParam(r, "unacknowledged", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	since, err := timeParam(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.Alerts(audit.AlertFilter{
		Level:          level,
		Unacknowledged: unacked,
		Since:          since,
	}))
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.By == "" {
		req.By = callerID(r)
	}
	if req.By == "" {
		writeError(w, http.StatusBadRequest, "by is required")
		return
	}
	changed, err := s.ledger.Acknowledge(chi.URLParam(r, "id"), req.By)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": changed})
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.Purpose == "" {
		writeError(w, http.StatusBadRequest, "user_id and purpose are required")
		return
	}
	if s.ledger.Stats().Closed {
		writeLedgerError(w, audit.ErrClosed)
		return
	}
	writeJSON(w, http.StatusCreated, s.ledger.RecordConsent(r.Context(), req.UserID, req.Purpose, req.Granted))
}

// handleAlertStream sends alerts as server-sent events until the client
// goes away or the bus closes.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotFound, "alert stream is disabled")
		return
	}
	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch, unsubscribe := s.bus.Subscribe(0)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: alert\nid: %s\ndata: %s\n\n", n.Alert.ID, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, audit.ErrEntryNotFound), errors.Is(err, audit.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, audit.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
