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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/aegis/pkg/config"
)

// SchemaCmd prints the JSON Schema of the configuration document, for
// editor completion and CI checks.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run() error {
	return writeSchema(os.Stdout, c.Compact)
}

func configSchema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		// Inline everything so editors need no $ref resolution.
		DoNotReference: true,
		// Field names follow the yaml tags of the config structs.
		FieldNameTag: "yaml",
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://github.com/kadirpekel/aegis/schemas/config.json"
	schema.Title = "Aegis Configuration Schema"
	schema.Description = "Configuration of the aegis rate limiting, validation and audit gateway"
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.Examples = []any{
		map[string]any{
			"server": map[string]any{"port": 8080},
			"rate_limiting": map[string]any{
				"rules": []any{
					map[string]any{
						"id":      "api",
						"pattern": "/api/",
						"scope":   "user",
						"bucket":  map[string]any{"capacity": 100, "refill_rate": 10},
					},
				},
			},
			"audit": map[string]any{"retention": "720h"},
		},
	}
	return schema
}

func writeSchema(w io.Writer, compact bool) error {
	enc := json.NewEncoder(w)
	if !compact {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(configSchema()); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
