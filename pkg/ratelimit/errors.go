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
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrRateLimitExceeded is wrapped by RateLimitError.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrRuleNotFound is returned when no rule has the given ID.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrDuplicateRule is returned when adding a rule whose ID is taken.
	ErrDuplicateRule = errors.New("duplicate rule")

	// ErrInvalidRule wraps every rule validation failure.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrClosed is returned by rule management after Close.
	ErrClosed = errors.New("rate limiter closed")
)

// RateLimitError carries a rejected Result for callers that prefer errors.
type RateLimitError struct {
	// Message is a human-readable error message.
	Message string

	// Result contains the rejected check result.
	Result *Result
}

// Error returns the error message.
func (e *RateLimitError) Error() string {
	return e.Message
}

// Unwrap returns ErrRateLimitExceeded.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

// NewRateLimitError creates a RateLimitError from a rejected result.
func NewRateLimitError(result *Result) *RateLimitError {
	message := ReasonExceeded
	if result != nil && result.Reason != "" {
		message = result.Reason
	}
	return &RateLimitError{
		Message: message,
		Result:  result,
	}
}

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded)
}

// GetRateLimitResult extracts the Result from a rate limit error.
// Returns nil if the error is not a RateLimitError.
func GetRateLimitResult(err error) *Result {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.Result
	}
	return nil
}

// ValidationError represents a rule or options validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns the validation error message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns ErrInvalidRule.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidRule
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
