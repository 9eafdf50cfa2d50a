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

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/aegis/pkg/audit"
	"github.com/kadirpekel/aegis/pkg/httpclient"
)

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL string `yaml:"url" json:"url"`

	// Headers are added to every request, e.g. an Authorization token.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// MinLevel drops alerts below this level. Empty delivers all.
	MinLevel audit.AlertLevel `yaml:"min_level,omitempty" json:"min_level,omitempty"`

	// Timeout bounds one delivery including retries.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxRetries applies to throttled and failed deliveries.
	// Default: 3
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	Buffer int                   `yaml:"buffer,omitempty" json:"buffer,omitempty"`
	TLS    *httpclient.TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// SetDefaults fills zero-valued fields.
func (c *WebhookConfig) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
}

// Validate checks the configuration.
func (c WebhookConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("webhook url must be an absolute http(s) URL")
	}
	if c.MaxRetries < 0 {
		return errors.New("webhook max_retries must not be negative")
	}
	if c.MinLevel != "" && levelRank(c.MinLevel) < 0 {
		return fmt.Errorf("unknown webhook min_level %q", c.MinLevel)
	}
	return nil
}

func levelRank(l audit.AlertLevel) int {
	switch l {
	case audit.AlertInfo:
		return 0
	case audit.AlertWarning:
		return 1
	case audit.AlertError:
		return 2
	case audit.AlertCritical:
		return 3
	}
	return -1
}

// Webhook POSTs alerts as JSON Notifications to an HTTP endpoint. Throttled
// and failing deliveries are retried with backoff on a background
// goroutine.
type Webhook struct {
	cfg     WebhookConfig
	client  *httpclient.Client
	logger  *slog.Logger
	queue   chan Notification
	dropped atomic.Int64
	failed  atomic.Int64
	sent    atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWebhook starts a webhook notifier.
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) (*Webhook, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{}
	if cfg.TLS != nil {
		transport, err := httpclient.ConfigureTLS(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("webhook tls: %w", err)
		}
		httpClient.Transport = transport
	}

	w := &Webhook{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(httpClient),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithMaxDelay(cfg.Timeout/2),
			httpclient.WithLogger(logger),
		),
		logger: logger,
		queue:  make(chan Notification, cfg.Buffer),
	}
	w.wg.Add(1)
	go w.loop()

	logger.Info("Webhook alert notifier started", "url", w.redactedURL())
	return w, nil
}

// NotifyAlert implements audit.Notifier.
func (w *Webhook) NotifyAlert(_ context.Context, alert audit.Alert, shouldNotifyUser bool) {
	if w.cfg.MinLevel != "" && levelRank(alert.Level) < levelRank(w.cfg.MinLevel) {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	select {
	case w.queue <- Notification{Alert: alert, ShouldNotifyUser: shouldNotifyUser}:
	default:
		w.dropped.Add(1)
	}
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for n := range w.queue {
		if err := w.deliver(n); err != nil {
			w.failed.Add(1)
			w.logger.Error("Failed to deliver alert", "alert_id", n.Alert.ID, "url", w.redactedURL(), "error", err)
			continue
		}
		w.sent.Add(1)
	}
}

func (w *Webhook) deliver(n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Aegis-Alert-ID", n.Alert.ID)
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return err
}

func (w *Webhook) redactedURL() string {
	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return ""
	}
	return u.Redacted()
}

// Sent returns the number of alerts delivered.
func (w *Webhook) Sent() int64 {
	return w.sent.Load()
}

// Dropped returns the number of alerts lost to a full queue or after Close.
func (w *Webhook) Dropped() int64 {
	return w.dropped.Load()
}

// Failed returns the number of alerts the endpoint never accepted.
func (w *Webhook) Failed() int64 {
	return w.failed.Load()
}

// Close delivers queued alerts and stops. It is idempotent.
func (w *Webhook) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}
