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

// Package server exposes the rate limiter, message gateway and audit ledger over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/aegis"
	"github.com/kadirpekel/aegis/pkg/audit"
	"github.com/kadirpekel/aegis/pkg/auth"
	"github.com/kadirpekel/aegis/pkg/config"
	"github.com/kadirpekel/aegis/pkg/notify"
	"github.com/kadirpekel/aegis/pkg/observability"
	"github.com/kadirpekel/aegis/pkg/ratelimit"
	"github.com/kadirpekel/aegis/pkg/validation"
)

// Server is the aegis HTTP API.
type Server struct {
	cfg     config.ServerConfig
	limiter *ratelimit.Limiter
	gateway *validation.Gateway
	ledger  *audit.Ledger
	obs     *observability.Manager
	bus     *notify.Bus
	auth    *auth.Validator
	logger  *slog.Logger

	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithObservability serves metrics and instruments requests.
func WithObservability(m *observability.Manager) Option {
	return func(s *Server) {
		if m != nil {
			s.obs = m
		}
	}
}

// WithBus enables the alert stream endpoint.
func WithBus(b *notify.Bus) Option {
	return func(s *Server) { s.bus = b }
}

// WithAuth requires a valid bearer token on /v1. Administrative routes
// additionally require one of the validator's admin roles.
func WithAuth(v *auth.Validator) Option {
	return func(s *Server) { s.auth = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds the server. limiter, gateway and ledger are required.
func New(cfg config.ServerConfig, limiter *ratelimit.Limiter, gateway *validation.Gateway, ledger *audit.Ledger, opts ...Option) (*Server, error) {
	if limiter == nil || gateway == nil || ledger == nil {
		return nil, errors.New("server: limiter, gateway and ledger are required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		limiter: limiter,
		gateway: gateway,
		ledger:  ledger,
		obs:     observability.NoopManager(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.obs.Middleware())
	r.Use(s.loggingMiddleware)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(s.corsMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Handle(s.obs.MetricsPath(), s.obs.MetricsHandler())
	r.Get("/debug/spans", s.handleSpans)

	admin := func(h http.Handler) http.Handler { return h }
	r.Route("/v1", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
			admin = auth.RequireRole(s.auth.AdminRoles()...)
		}
		if s.cfg.LimitAPI {
			r.Use(ratelimit.Middleware(ratelimit.MiddlewareConfig{
				Limiter:       s.limiter,
				ExcludedPaths: []string{"/v1/ratelimit/check"},
			}))
		}

		r.Route("/ratelimit", func(r chi.Router) {
			r.Post("/check", s.handleCheck)
			r.Get("/stats", s.handleLimiterStats)
			r.Get("/buckets/{key}", s.handleBucket)
			r.Get("/rules", s.handleListRules)
			r.Get("/rules/{id}", s.handleGetRule)
			r.With(admin).Post("/rules", s.handleCreateRule)
			r.With(admin).Put("/rules/{id}", s.handleUpdateRule)
			r.With(admin).Delete("/rules/{id}", s.handleDeleteRule)
			r.With(admin).Post("/rules/{id}/reset", s.handleResetRule)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/validate", s.handleValidate)
			r.Get("/schemas", s.handleSchemas)
			r.Get("/stats", s.handleGatewayStats)
		})
		r.Get("/sessions/{id}", s.handleSession)
		r.With(admin).Delete("/sessions/{id}", s.handleEndSession)

		r.Get("/csp", s.handleCSP)
		r.Post("/csp/report", s.handleCSPReport)

		r.Route("/audit", func(r chi.Router) {
			r.Get("/entries", s.handleSearch)
			r.Get("/entries/{id}", s.handleEntry)
			r.With(admin).Post("/entries/{id}/resolve", s.handleResolve)
			r.With(admin).Get("/export", s.handleExport)
			r.Get("/stats", s.handleAuditStats)
			r.Get("/report", s.handleReport)
			r.Get("/alerts", s.handleAlerts)
			r.With(admin).Post("/alerts/{id}/ack", s.handleAcknowledge)
			r.Get("/alerts/stream", s.handleAlertStream)
			r.Post("/consent", s.handleConsent)
		})
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Address(), err)
	}

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("HTTP server shutting down")
	return srv.Shutdown(ctx)
}

// Address returns the bound address once started, else the configured one.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Address()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", chimw.GetReqID(r.Context()),
			"duration", time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	anyOrigin := slices.Contains(s.cfg.AllowedOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (anyOrigin || slices.Contains(s.cfg.AllowedOrigins, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
				"Content-Type", "Authorization", "X-User-ID", "X-Session-ID",
			}, ", "))
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	limiter := s.limiter.Stats()
	gateway := s.gateway.Stats()
	ledger := s.ledger.Stats()

	status, code := "ok", http.StatusOK
	if limiter.Closed || gateway.Closed || ledger.Closed {
		status, code = "closed", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": aegis.GetVersion().Version,
		"components": map[string]bool{
			"ratelimit":  !limiter.Closed,
			"validation": !gateway.Closed,
			"audit":      !ledger.Closed,
		},
	})
}

func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	spans := s.obs.Tracer().Spans()
	if spans == nil {
		writeError(w, http.StatusNotFound, "span capture is disabled")
		return
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, spans.Recent(r.URL.Query().Get("name"), limit))
}
