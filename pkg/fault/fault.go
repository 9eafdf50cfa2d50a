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

// Package fault is the error-handling collaborator the core reports internal
// faults to. Expected rejections never reach it.
package fault

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
)

// Handler receives internal faults.
type Handler interface {
	HandleError(ctx context.Context, err error, component string)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, err error, component string)

// HandleError calls f.
func (f HandlerFunc) HandleError(ctx context.Context, err error, component string) {
	f(ctx, err, component)
}

// Counter is notified of each fault; observability.Recorder satisfies it.
type Counter interface {
	RecordInternalFault(component string)
}

// LogHandler logs faults through slog and keeps a running count.
type LogHandler struct {
	logger  *slog.Logger
	counter Counter
	total   atomic.Int64
}

// NewLogHandler creates a LogHandler. A nil logger uses slog.Default().
func NewLogHandler(logger *slog.Logger, counter Counter) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger, counter: counter}
}

// HandleError logs err at error level.
func (h *LogHandler) HandleError(ctx context.Context, err error, component string) {
	if err == nil {
		return
	}
	h.total.Add(1)
	h.logger.ErrorContext(ctx, "Internal fault", "component", component, "error", err)
	if h.counter != nil {
		h.counter.RecordInternalFault(component)
	}
}

// Total returns the number of faults handled.
func (h *LogHandler) Total() int64 {
	return h.total.Load()
}

// PanicError wraps a recovered panic value.
type PanicError struct {
	Value any
	Stack []byte
}

// Error returns the panic description.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// FromPanic converts a recovered value into an error. It returns nil for nil.
func FromPanic(v any) error {
	if v == nil {
		return nil
	}
	return &PanicError{Value: v, Stack: debug.Stack()}
}

// Nop ignores faults.
type Nop struct{}

// HandleError does nothing.
func (Nop) HandleError(context.Context, error, string) {}
