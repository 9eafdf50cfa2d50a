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

package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/kadirpekel/aegis/pkg/tokenbucket"
)

// MemoryStore is an in-memory implementation of Store.
// It is thread-safe and suitable for single-instance deployments.
type MemoryStore struct {
	data map[string]*tokenbucket.Bucket
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*tokenbucket.Bucket),
	}
}

// GetOrCreate returns the bucket for key, creating it with create if absent.
func (s *MemoryStore) GetOrCreate(key string, create func() (*tokenbucket.Bucket, error)) (*tokenbucket.Bucket, bool, error) {
	s.mu.RLock()
	b, ok := s.data[key]
	s.mu.RUnlock()
	if ok {
		return b, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have won the race
	if b, ok := s.data[key]; ok {
		return b, false, nil
	}

	b, err := create()
	if err != nil {
		return nil, false, err
	}
	s.data[key] = b
	return b, true, nil
}

// Get returns the bucket for key.
func (s *MemoryStore) Get(key string) (*tokenbucket.Bucket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[key]
	return b, ok
}

// ForRule returns the buckets of ruleID.
func (s *MemoryStore) ForRule(ruleID string) []*tokenbucket.Bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*tokenbucket.Bucket
	for key, b := range s.data {
		if ruleIDFromKey(key) == ruleID {
			out = append(out, b)
		}
	}
	return out
}

// DeleteRule closes and removes the buckets of ruleID.
func (s *MemoryStore) DeleteRule(ruleID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, b := range s.data {
		if ruleIDFromKey(key) == ruleID {
			b.Close()
			delete(s.data, key)
			n++
		}
	}
	return n
}

// DeleteIdle closes and removes buckets idle since before.
func (s *MemoryStore) DeleteIdle(before time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, b := range s.data {
		if b.LastActivity().Before(before) {
			b.Close()
			delete(s.data, key)
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Range calls fn for a snapshot of the buckets.
func (s *MemoryStore) Range(fn func(key string, b *tokenbucket.Bucket) bool) {
	s.mu.RLock()
	snapshot := make(map[string]*tokenbucket.Bucket, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// Len returns the number of buckets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close closes every bucket.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.data {
		b.Close()
	}
	s.data = make(map[string]*tokenbucket.Bucket)
	return nil
}

// Keys returns the sorted bucket keys (for debugging).
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
