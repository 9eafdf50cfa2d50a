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

package validation

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"unicode/utf8"

	"github.com/kadirpekel/aegis/pkg/sanitizer"
)

// FieldType is the JSON type a field must have.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
	FieldAny     FieldType = "any"
)

// FieldRule constrains one field of a message.
type FieldRule struct {
	Type     FieldType `yaml:"type" json:"type"`
	Required bool      `yaml:"required,omitempty" json:"required,omitempty"`

	// Pattern applies to strings.
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	// Enum lists the allowed string values.
	Enum []string `yaml:"enum,omitempty" json:"enum,omitempty"`

	// Min and Max bound numbers by value, strings by rune count and arrays
	// by length.
	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`

	// Sanitize names the sanitizer scope string values are passed through.
	// Empty skips sanitization.
	Sanitize sanitizer.Scope `yaml:"sanitize,omitempty" json:"sanitize,omitempty"`

	re *regexp.Regexp
}

// Schema describes one message type.
type Schema struct {
	Type   string               `yaml:"type" json:"type"`
	Fields map[string]FieldRule `yaml:"fields" json:"fields"`

	// AllowUnknown accepts fields the schema does not declare.
	AllowUnknown bool `yaml:"allow_unknown,omitempty" json:"allow_unknown,omitempty"`
}

// compile validates the schema and prepares its patterns.
func (s *Schema) compile() error {
	if s.Type == "" {
		return fmt.Errorf("schema type is required")
	}
	for name, f := range s.Fields {
		if name == DiscriminatorField {
			return fmt.Errorf("schema %s: field %q is reserved", s.Type, name)
		}
		switch f.Type {
		case FieldString, FieldNumber, FieldBoolean, FieldObject, FieldArray, FieldAny:
		case "":
			f.Type = FieldAny
		default:
			return fmt.Errorf("schema %s: field %s: unknown type %q", s.Type, name, f.Type)
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return fmt.Errorf("schema %s: field %s: %w", s.Type, name, err)
			}
			f.re = re
		}
		if f.Sanitize != "" {
			if _, err := sanitizer.ParseScope(string(f.Sanitize)); err != nil {
				return fmt.Errorf("schema %s: field %s: %w", s.Type, name, err)
			}
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return fmt.Errorf("schema %s: field %s: min exceeds max", s.Type, name)
		}
		s.Fields[name] = f
	}
	return nil
}

// validate checks fields against the schema. Error messages name fields and
// constraints but never echo values.
func (s *Schema) validate(fields map[string]any) []string {
	var errs []string

	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rule := s.Fields[name]
		v, ok := fields[name]
		if !ok || v == nil {
			if rule.Required {
				errs = append(errs, fmt.Sprintf("field %s: is required", name))
			}
			continue
		}
		if msg := rule.check(v); msg != "" {
			errs = append(errs, fmt.Sprintf("field %s: %s", name, msg))
		}
	}

	if !s.AllowUnknown {
		// Undeclared names come from the caller and are never echoed.
		unknown := 0
		for name := range fields {
			if _, ok := s.Fields[name]; !ok && name != DiscriminatorField {
				unknown++
			}
		}
		switch {
		case unknown == 1:
			errs = append(errs, "1 undeclared field is not allowed")
		case unknown > 1:
			errs = append(errs, fmt.Sprintf("%d undeclared fields are not allowed", unknown))
		}
	}
	return errs
}

func (f FieldRule) check(v any) string {
	switch f.Type {
	case FieldString:
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if msg := f.checkBounds(float64(utf8.RuneCountInString(s)), "length"); msg != "" {
			return msg
		}
		if f.re != nil && !f.re.MatchString(s) {
			return "does not match the required format"
		}
		if len(f.Enum) > 0 && !contains(f.Enum, s) {
			return "is not an allowed value"
		}
	case FieldNumber:
		n, ok := v.(float64)
		if !ok || math.IsNaN(n) {
			return "must be a number"
		}
		return f.checkBounds(n, "value")
	case FieldBoolean:
		if _, ok := v.(bool); !ok {
			return "must be a boolean"
		}
	case FieldObject:
		if _, ok := v.(map[string]any); !ok {
			return "must be an object"
		}
	case FieldArray:
		a, ok := v.([]any)
		if !ok {
			return "must be an array"
		}
		return f.checkBounds(float64(len(a)), "length")
	}
	return ""
}

func (f FieldRule) checkBounds(n float64, what string) string {
	if f.Min != nil && n < *f.Min {
		return fmt.Sprintf("%s is below minimum %g", what, *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return fmt.Sprintf("%s exceeds maximum %g", what, *f.Max)
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func bound(v float64) *float64 { return &v }

// DefaultSchemas returns the built-in message types.
func DefaultSchemas() []Schema {
	return []Schema{
		{
			Type: "chat-message",
			Fields: map[string]FieldRule{
				"content":         {Type: FieldString, Required: true, Min: bound(1), Max: bound(32000), Sanitize: sanitizer.ScopeUserInput},
				"conversation_id": {Type: FieldString, Pattern: `^[A-Za-z0-9_-]{1,128}$`},
				"role":            {Type: FieldString, Enum: []string{"user", "assistant", "system"}},
				"attachments":     {Type: FieldArray, Max: bound(16)},
			},
		},
		{
			Type: "task-request",
			Fields: map[string]FieldRule{
				"task":        {Type: FieldString, Required: true, Min: bound(1), Max: bound(256), Pattern: `^[a-z][a-z0-9_.-]*$`},
				"description": {Type: FieldString, Max: bound(8000), Sanitize: sanitizer.ScopeMessageData},
				"path":        {Type: FieldString, Max: bound(4096), Sanitize: sanitizer.ScopeFilePath},
				"priority":    {Type: FieldNumber, Min: bound(0), Max: bound(10)},
				"params":      {Type: FieldObject},
			},
		},
		{
			Type: "config-update",
			Fields: map[string]FieldRule{
				"key":   {Type: FieldString, Required: true, Pattern: `^[a-z0-9_.]{1,128}$`},
				"value": {Type: FieldString, Required: true, Max: bound(4096), Sanitize: sanitizer.ScopeConfigData},
			},
		},
		{
			Type: "ping",
			Fields: map[string]FieldRule{
				"nonce": {Type: FieldString, Max: bound(64)},
			},
		},
	}
}
