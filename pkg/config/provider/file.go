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

package provider

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	settleDelay    = 100 * time.Millisecond
	reappearPoll   = 500 * time.Millisecond
	reappearWindow = 5 * time.Second
)

// FileProvider serves a YAML document from disk. Watch reports only edits
// that change the bytes, so a save without changes does not re-apply policy.
type FileProvider struct {
	path string

	mu      sync.Mutex
	digest  [sha256.Size]byte
	watcher *fsnotify.Watcher
	closed  bool
}

// NewFileProvider resolves path; the file need not exist yet.
func NewFileProvider(path string) (*FileProvider, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	return &FileProvider{path: abs}, nil
}

func (p *FileProvider) Type() Type { return TypeFile }

// Load reads the document and remembers its digest.
func (p *FileProvider) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", p.path, err)
	}
	p.mu.Lock()
	p.digest = sha256.Sum256(data)
	p.mu.Unlock()
	return data, nil
}

// changed reports whether the file differs from the last Load or change.
func (p *FileProvider) changed() bool {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(data)

	p.mu.Lock()
	defer p.mu.Unlock()
	if sum == p.digest {
		return false
	}
	p.digest = sum
	return true
}

// Watch observes the parent directory, since editors often replace the file
// rather than write it in place.
func (p *FileProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("provider is closed")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	p.watcher = w

	out := make(chan struct{}, 1)
	go p.run(ctx, w, out)
	slog.Info("Watching config file", "path", p.path)
	return out, nil
}

// run owns out. Timers and the reappear poller post to touched, which stays
// open, so nothing can send on out after it closes.
func (p *FileProvider) run(ctx context.Context, w *fsnotify.Watcher, out chan<- struct{}) {
	defer close(out)
	defer w.Close()

	name := filepath.Base(p.path)
	touched := make(chan struct{}, 1)
	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-settle.C:
			signal(touched)
		case <-touched:
			if p.changed() {
				slog.Debug("Config file changed", "path", p.path)
				signal(out)
			}
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			switch {
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				settle.Reset(settleDelay)
			case ev.Has(fsnotify.Remove):
				slog.Warn("Config file was deleted", "path", p.path)
				go p.awaitReappear(ctx, w, touched)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "path", p.path, "error", err)
		}
	}
}

// awaitReappear polls for a re-created file within reappearWindow.
func (p *FileProvider) awaitReappear(ctx context.Context, w *fsnotify.Watcher, touched chan<- struct{}) {
	tick := time.NewTicker(reappearPoll)
	defer tick.Stop()
	deadline := time.After(reappearWindow)

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			slog.Warn("Config file did not reappear", "path", p.path)
			return
		case <-tick.C:
			if _, err := os.Stat(p.path); err != nil {
				continue
			}
			if err := w.Add(filepath.Dir(p.path)); err == nil {
				slog.Info("Config file reappeared", "path", p.path)
				signal(touched)
				return
			}
		}
	}
}

// Close stops any watch.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	p.watcher = nil
	return err
}

var _ Provider = (*FileProvider)(nil)
