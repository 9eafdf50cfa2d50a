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

// Package runtime wires every aegis component from a Config and owns their
// lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/aegis/pkg/audit"
	"github.com/kadirpekel/aegis/pkg/auth"
	"github.com/kadirpekel/aegis/pkg/clock"
	"github.com/kadirpekel/aegis/pkg/config"
	"github.com/kadirpekel/aegis/pkg/fault"
	"github.com/kadirpekel/aegis/pkg/logger"
	"github.com/kadirpekel/aegis/pkg/notify"
	"github.com/kadirpekel/aegis/pkg/observability"
	"github.com/kadirpekel/aegis/pkg/ratelimit"
	"github.com/kadirpekel/aegis/pkg/sanitizer"
	"github.com/kadirpekel/aegis/pkg/security"
	"github.com/kadirpekel/aegis/pkg/server"
	"github.com/kadirpekel/aegis/pkg/validation"
)

// Runtime holds the built components.
type Runtime struct {
	mu  sync.RWMutex
	cfg *config.Config

	logger    *slog.Logger
	clock     clock.Clock
	loader    *config.Loader
	sanitizer sanitizer.Sanitizer
	pluginOut io.Writer

	obs      *observability.Manager
	faults   *fault.LogHandler
	bus      *notify.Bus
	redis    *notify.RedisPublisher
	webhooks []*notify.Webhook
	plugin   *sanitizer.External
	ledger   *audit.Ledger
	limiter  *ratelimit.Limiter
	gateway  *validation.Gateway
	auth     *auth.Validator
	server   *server.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock sets the time source of the limiter, gateway and ledger.
func WithClock(c clock.Clock) Option {
	return func(r *Runtime) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLoader makes Start watch the loader and apply changes.
func WithLoader(l *config.Loader) Option {
	return func(r *Runtime) { r.loader = l }
}

// WithSanitizer overrides the configured sanitizer.
func WithSanitizer(s sanitizer.Sanitizer) Option {
	return func(r *Runtime) { r.sanitizer = s }
}

// New builds every component described by cfg. Components that fail to
// build are torn down before the error is returned.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("runtime: config is required")
	}
	r := &Runtime{
		cfg:       cfg,
		logger:    slog.Default(),
		clock:     clock.Real{},
		pluginOut: os.Stderr,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.build(ctx); err != nil {
		_ = r.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}
	return r, nil
}

func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg

	obs, err := observability.NewManager(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	r.obs = obs
	rec := obs.Recorder()
	r.faults = fault.NewLogHandler(r.logger, rec)

	r.bus = notify.NewBus()
	sinks := notify.Multi{r.bus}
	if config.BoolValue(cfg.Notifications.Log, true) {
		sinks = append(sinks, notify.NewLogNotifier(r.logger.With("component", "alerts")))
	}
	if cfg.Notifications.Redis != nil {
		r.redis, err = notify.NewRedisPublisher(ctx, *cfg.Notifications.Redis, r.logger)
		if err != nil {
			return fmt.Errorf("notifications: %w", err)
		}
		sinks = append(sinks, r.redis)
	}
	for _, wc := range cfg.Notifications.Webhooks {
		hook, err := notify.NewWebhook(wc, r.logger.With("component", "webhook"))
		if err != nil {
			return fmt.Errorf("notifications: %w", err)
		}
		r.webhooks = append(r.webhooks, hook)
		sinks = append(sinks, hook)
	}

	r.ledger, err = audit.New(cfg.Audit,
		audit.WithClock(r.clock),
		audit.WithLogger(r.logger.With("component", "audit")),
		audit.WithNotifier(sinks),
		audit.WithMetrics(rec),
		audit.WithFaultHandler(r.faults))
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	// Faults of the producers are also audited.
	faults := fault.HandlerFunc(func(ctx context.Context, err error, component string) {
		r.faults.HandleError(ctx, err, component)
		r.ledger.RecordEvent(ctx, security.EventInternalFault, security.EventContext{
			Source: component,
			Extra:  map[string]string{"error": err.Error()},
		})
	})

	r.limiter, err = ratelimit.New(cfg.RateLimiting.Options(),
		ratelimit.WithClock(r.clock),
		ratelimit.WithLogger(r.logger.With("component", "ratelimit")),
		ratelimit.WithRecorder(r.ledger),
		ratelimit.WithFaultHandler(faults),
		ratelimit.WithMetrics(rec))
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if err := r.limiter.ReplaceRules(activeRules(cfg)); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	san, err := r.buildSanitizer(cfg)
	if err != nil {
		return err
	}
	r.gateway, err = validation.New(cfg.Gateway.Options(),
		validation.WithSanitizer(san),
		validation.WithRecorder(r.ledger),
		validation.WithFaultHandler(faults),
		validation.WithMetrics(rec),
		validation.WithClock(r.clock),
		validation.WithLogger(r.logger.With("component", "validation")))
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := r.gateway.ReplaceSchemas(cfg.Gateway.SchemaList()); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	srvOpts := []server.Option{
		server.WithObservability(obs),
		server.WithBus(r.bus),
		server.WithLogger(r.logger.With("component", "server")),
	}
	if cfg.Server.Auth != nil {
		r.auth, err = auth.NewValidator(ctx, *cfg.Server.Auth,
			auth.WithLogger(r.logger.With("component", "auth")))
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		srvOpts = append(srvOpts, server.WithAuth(r.auth))
	}
	r.server, err = server.New(cfg.Server, r.limiter, r.gateway, r.ledger, srvOpts...)
	if err != nil {
		return err
	}
	return nil
}

func (r *Runtime) buildSanitizer(cfg *config.Config) (sanitizer.Sanitizer, error) {
	if r.sanitizer != nil {
		return r.sanitizer, nil
	}
	if cfg.Sanitizer.PluginPath == "" {
		return sanitizer.Nop{}, nil
	}

	level, err := logger.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	ext, err := sanitizer.Load(cfg.Sanitizer.PluginPath, logger.HCLog("sanitizer", r.pluginOut, level))
	if err != nil {
		return nil, fmt.Errorf("sanitizer: %w", err)
	}
	r.plugin = ext
	r.logger.Info("Sanitizer plugin loaded", "path", cfg.Sanitizer.PluginPath)
	return ext, nil
}

func activeRules(cfg *config.Config) []ratelimit.Rule {
	if !cfg.RateLimiting.IsEnabled() {
		return nil
	}
	return cfg.RateLimiting.RateLimitRules()
}

// Start runs the background loops, the HTTP server and, when a loader is
// set, the config watch. It blocks until ctx is cancelled or one of them
// fails, then shuts everything down.
func (r *Runtime) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.limiter.Run(gctx) })
	g.Go(func() error { return r.gateway.Run(gctx) })
	g.Go(func() error { return r.ledger.Run(gctx) })
	g.Go(func() error { return r.server.Start(gctx) })
	if r.loader != nil {
		g.Go(func() error {
			err := r.loader.Watch(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.Config().Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, r.Shutdown(shutdownCtx))
}

// OnConfigChange is a config.Loader callback applying the new config.
func (r *Runtime) OnConfigChange(cfg *config.Config) {
	if err := r.ApplyConfig(cfg); err != nil {
		r.logger.Error("Failed to apply configuration", "error", err)
	}
}

// ApplyConfig swaps in the rules and schemas of cfg. Other sections need
// a restart; changes to them are logged and ignored.
func (r *Runtime) ApplyConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("runtime: config is required")
	}
	rules := activeRules(cfg)
	if err := r.limiter.ReplaceRules(rules); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	// Schemas dropped from cfg are unregistered; built-in types revert.
	if err := r.gateway.ReplaceSchemas(cfg.Gateway.SchemaList()); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	r.mu.Lock()
	prev := r.cfg
	r.cfg = cfg
	r.mu.Unlock()

	for name, changed := range map[string]bool{
		"server":        !reflect.DeepEqual(prev.Server, cfg.Server),
		"observability": !reflect.DeepEqual(prev.Observability, cfg.Observability),
		"audit":         !reflect.DeepEqual(prev.Audit, cfg.Audit),
		"sanitizer":     prev.Sanitizer != cfg.Sanitizer,
		"notifications": !reflect.DeepEqual(prev.Notifications, cfg.Notifications),
	} {
		if changed {
			r.logger.Warn("Configuration section changed; restart to apply", "section", name)
		}
	}
	r.logger.Info("Configuration applied", "rules", len(rules), "schemas", len(cfg.Gateway.Schemas))
	return nil
}

// Shutdown stops every component. It is idempotent and returns the same
// result on every call.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		var errs []error
		if r.server != nil {
			errs = append(errs, r.server.Shutdown(ctx))
		}
		if r.auth != nil {
			errs = append(errs, r.auth.Close())
		}
		if r.limiter != nil {
			errs = append(errs, r.limiter.Close())
		}
		if r.gateway != nil {
			errs = append(errs, r.gateway.Close())
		}
		if r.ledger != nil {
			errs = append(errs, r.ledger.Close())
		}
		if r.redis != nil {
			errs = append(errs, r.redis.Close())
		}
		for _, hook := range r.webhooks {
			errs = append(errs, hook.Close())
		}
		if r.bus != nil {
			errs = append(errs, r.bus.Close())
		}
		if r.plugin != nil {
			errs = append(errs, r.plugin.Close())
		}
		if r.loader != nil {
			errs = append(errs, r.loader.Close())
		}
		if r.obs != nil {
			errs = append(errs, r.obs.Shutdown(ctx))
		}
		r.shutdownErr = errors.Join(errs...)
		r.logger.Info("Runtime stopped")
	})
	return r.shutdownErr
}

// Config returns the active configuration.
func (r *Runtime) Config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Runtime) Limiter() *ratelimit.Limiter { return r.limiter }

func (r *Runtime) Gateway() *validation.Gateway { return r.gateway }

func (r *Runtime) Ledger() *audit.Ledger { return r.ledger }

func (r *Runtime) Bus() *notify.Bus { return r.bus }

func (r *Runtime) Server() *server.Server { return r.server }

func (r *Runtime) Observability() *observability.Manager { return r.obs }

// Faults returns the number of internal faults handled so far.
func (r *Runtime) Faults() int64 { return r.faults.Total() }
