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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/aegis/pkg/audit"
)

// DefaultRedisChannel is the pub/sub channel alerts are published on.
const DefaultRedisChannel = "aegis:alerts"

// RedisConfig configures a RedisPublisher.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
	Channel  string `yaml:"channel,omitempty" json:"channel,omitempty"`

	// Buffer is the number of alerts queued for publishing.
	Buffer int `yaml:"buffer,omitempty" json:"buffer,omitempty"`

	// PublishTimeout bounds one PUBLISH.
	PublishTimeout time.Duration `yaml:"publish_timeout,omitempty" json:"publish_timeout,omitempty"`
}

// SetDefaults fills zero-valued fields.
func (c *RedisConfig) SetDefaults() {
	if c.Channel == "" {
		c.Channel = DefaultRedisChannel
	}
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
}

// Validate checks the configuration.
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("redis addr is required")
	}
	return nil
}

// RedisPublisher publishes alerts as JSON on a Redis channel. Publishing
// happens on a background goroutine so NotifyAlert never waits on the
// network.
type RedisPublisher struct {
	client  *redis.Client
	cfg     RedisConfig
	logger  *slog.Logger
	queue   chan Notification
	dropped atomic.Int64
	failed  atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRedisPublisher connects to Redis and starts publishing.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisPublisher, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	p := &RedisPublisher{
		client: client,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Notification, cfg.Buffer),
	}
	p.wg.Add(1)
	go p.loop()

	logger.Info("Redis alert publisher connected", "addr", cfg.Addr, "channel", cfg.Channel)
	return p, nil
}

// NotifyAlert implements audit.Notifier.
func (p *RedisPublisher) NotifyAlert(_ context.Context, alert audit.Alert, shouldNotifyUser bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.queue <- Notification{Alert: alert, ShouldNotifyUser: shouldNotifyUser}:
	default:
		p.dropped.Add(1)
	}
}

func (p *RedisPublisher) loop() {
	defer p.wg.Done()
	for n := range p.queue {
		if err := p.publish(n); err != nil {
			p.failed.Add(1)
			p.logger.Error("Failed to publish alert", "alert_id", n.Alert.ID, "channel", p.cfg.Channel, "error", err)
		}
	}
}

func (p *RedisPublisher) publish(n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()
	return p.client.Publish(ctx, p.cfg.Channel, payload).Err()
}

// Channel returns the channel alerts are published on.
func (p *RedisPublisher) Channel() string {
	return p.cfg.Channel
}

// Dropped returns the number of alerts lost to a full queue or after Close.
func (p *RedisPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Failed returns the number of alerts Redis rejected.
func (p *RedisPublisher) Failed() int64 {
	return p.failed.Load()
}

// Close publishes queued alerts and disconnects. It is idempotent.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	return p.client.Close()
}
