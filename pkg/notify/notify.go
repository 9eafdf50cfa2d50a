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

// Package notify forwards audit alerts to the collaborators that surface
// them: an in-process bus, the log, a Redis pub/sub channel and an HTTP
// webhook.
//
// Every notifier implements audit.Notifier and never blocks the ledger; a
// full queue drops the notification and counts it.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kadirpekel/aegis/pkg/audit"
)

// Notification is an alert as delivered to subscribers.
type Notification struct {
	Alert            audit.Alert `json:"alert"`
	ShouldNotifyUser bool        `json:"should_notify_user"`
}

// DefaultBuffer is the queue size used when none is given.
const DefaultBuffer = 64

// Bus fans alerts out to in-process subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Notification
	next    int
	closed  bool
	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Notification)}
}

// Subscribe returns a channel receiving every later notification and a
// function that unsubscribes and closes it. buffer <= 0 uses DefaultBuffer.
func (b *Bus) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Notification, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// NotifyAlert implements audit.Notifier.
func (b *Bus) NotifyAlert(_ context.Context, alert audit.Alert, shouldNotifyUser bool) {
	n := Notification{Alert: alert, ShouldNotifyUser: shouldNotifyUser}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of notifications lost to full subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. It is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}

// LogNotifier writes alerts to a logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// NotifyAlert implements audit.Notifier.
func (n *LogNotifier) NotifyAlert(ctx context.Context, alert audit.Alert, shouldNotifyUser bool) {
	level := slog.LevelWarn
	if alert.Level.NotifiesUser() {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "Security alert",
		"alert_id", alert.ID,
		"level", alert.Level,
		"title", alert.Title,
		"message", alert.Message,
		"event", alert.Event,
		"entry_id", alert.EntryID,
		"notify_user", shouldNotifyUser)
}

// Multi forwards each alert to every notifier in order.
type Multi []audit.Notifier

// NotifyAlert implements audit.Notifier.
func (m Multi) NotifyAlert(ctx context.Context, alert audit.Alert, shouldNotifyUser bool) {
	for _, n := range m {
		if n != nil {
			n.NotifyAlert(ctx, alert, shouldNotifyUser)
		}
	}
}

var (
	_ audit.Notifier = (*Bus)(nil)
	_ audit.Notifier = (*LogNotifier)(nil)
	_ audit.Notifier = Multi(nil)
	_ audit.Notifier = (*RedisPublisher)(nil)
)
