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

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/aegis"
	"github.com/kadirpekel/aegis/pkg/config"
	"github.com/kadirpekel/aegis/pkg/runtime"
)

// ServeCmd starts the gateway.
type ServeCmd struct {
	Host  string `help:"Host to bind to (overrides config)."`
	Port  int    `help:"Port to listen on (overrides config)."`
	Watch bool   `help:"Watch the config source and apply rule and schema changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The loader callback runs only while rt.Start is watching.
	var rt *runtime.Runtime
	cfg, loader, err := cli.load(ctx, config.WithOnChange(func(next *config.Config) {
		c.applyOverrides(next)
		rt.OnConfigChange(next)
	}))
	if err != nil {
		return err
	}
	c.applyOverrides(cfg)

	logCfg := mergeLoggerConfig(cli, cfg.Logger)
	cleanup, err := initLogger(logCfg.Level, logCfg.File, logCfg.Format)
	if err != nil {
		return err
	}
	defer cleanup()

	var opts []runtime.Option
	if loader != nil {
		if c.Watch {
			opts = append(opts, runtime.WithLoader(loader))
		} else {
			_ = loader.Close()
		}
	}
	opts = append(opts, runtime.WithLogger(slog.Default()))

	rt, err = runtime.New(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}

	printStartup(os.Stdout, cfg, c.Watch && loader != nil)
	err = rt.Start(ctx)
	slog.Info("Shutting down...")
	return err
}

func (c *ServeCmd) applyOverrides(cfg *config.Config) {
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
}

func printStartup(w io.Writer, cfg *config.Config, watching bool) {
	base := "http://" + cfg.Server.Address()

	fmt.Fprintf(w, "\nAegis gateway ready (%s)\n", aegis.GetVersion().Version)
	fmt.Fprintf(w, "   Health:      %s/health\n", base)
	fmt.Fprintf(w, "   Rate limit:  %s/v1/ratelimit/check\n", base)
	fmt.Fprintf(w, "   Validate:    %s/v1/messages/validate\n", base)
	fmt.Fprintf(w, "   Audit:       %s/v1/audit/entries\n", base)
	fmt.Fprintf(w, "   Alerts:      %s/v1/audit/alerts/stream\n", base)
	if cfg.Observability.Metrics.Enabled {
		fmt.Fprintf(w, "   Metrics:     %s%s\n", base, cfg.Observability.Metrics.Endpoint)
	}
	if cfg.Observability.Tracing.Enabled {
		fmt.Fprintf(w, "   Tracing:     %s (%s)\n", cfg.Observability.Tracing.Exporter, cfg.Observability.Tracing.Endpoint)
	}

	rules := 0
	if cfg.RateLimiting.IsEnabled() {
		rules = len(cfg.RateLimiting.Rules)
	}
	fmt.Fprintf(w, "   Rules:       %d\n", rules)
	fmt.Fprintf(w, "   Schemas:     %d custom\n", len(cfg.Gateway.Schemas))
	if cfg.Server.Auth != nil {
		fmt.Fprintf(w, "   Auth:        JWT (%s)\n", cfg.Server.Auth.JWKSURL)
	}
	if cfg.Sanitizer.PluginPath != "" {
		fmt.Fprintf(w, "   Sanitizer:   %s\n", cfg.Sanitizer.PluginPath)
	}
	if cfg.Notifications.Redis != nil {
		fmt.Fprintf(w, "   Redis:       %s (%s)\n", cfg.Notifications.Redis.Addr, cfg.Notifications.Redis.Channel)
	}
	if watching {
		fmt.Fprintln(w, "   Config:      watching for changes")
	}
	fmt.Fprintln(w, "\nPress Ctrl+C to stop")
}
