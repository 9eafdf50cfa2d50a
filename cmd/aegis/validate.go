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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/aegis/pkg/config"
	"github.com/kadirpekel/aegis/pkg/validation"
)

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Path string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH" type:"path"`

	Format      string `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

// errInvalidConfig is returned after the failure has been reported.
var errInvalidConfig = errors.New("configuration is invalid")

func (c *ValidateCmd) Run() error {
	return c.run(context.Background(), os.Stdout, os.Stderr)
}

func (c *ValidateCmd) run(ctx context.Context, stdout, stderr io.Writer) error {
	_ = config.LoadDotEnvForConfig(c.Path)

	cfg, loader, err := config.LoadConfigFile(ctx, c.Path)
	if err != nil {
		printLoadError(stdout, stderr, c.Format, c.Path, err)
		return errInvalidConfig
	}
	_ = loader.Close()

	if err := checkSchemas(cfg); err != nil {
		printLoadError(stdout, stderr, c.Format, c.Path, err)
		return errInvalidConfig
	}

	if c.PrintConfig {
		return printExpandedConfig(stdout, c.Format, c.Path, cfg)
	}
	printSuccess(stdout, c.Format, c.Path, cfg)
	return nil
}

// checkSchemas compiles the custom schemas, which loading does not do.
func checkSchemas(cfg *config.Config) error {
	gw, err := validation.New(cfg.Gateway.Options())
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	defer gw.Close()
	for _, s := range cfg.Gateway.SchemaList() {
		if err := gw.RegisterSchema(s); err != nil {
			return fmt.Errorf("gateway: schema %s: %w", s.Type, err)
		}
	}
	return nil
}

type validationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type jsonResult struct {
	Valid   bool              `json:"valid"`
	File    string            `json:"file"`
	Rules   int               `json:"rules,omitempty"`
	Schemas int               `json:"schemas,omitempty"`
	Errors  []validationError `json:"errors,omitempty"`
}

func printLoadError(stdout, stderr io.Writer, format, file string, err error) {
	switch format {
	case "json":
		writeJSONResult(stdout, jsonResult{File: file, Errors: []validationError{{Type: "load", Message: err.Error()}}})
	case "verbose":
		fmt.Fprintf(stderr, "Configuration Load Error\n")
		fmt.Fprintf(stderr, "========================\n\n")
		fmt.Fprintf(stderr, "File:    %s\n", file)
		fmt.Fprintf(stderr, "Error:   %s\n", err)
	default:
		fmt.Fprintf(stderr, "%s: load error: %s\n", file, err)
	}
}

func printSuccess(w io.Writer, format, file string, cfg *config.Config) {
	switch format {
	case "json":
		writeJSONResult(w, jsonResult{
			Valid:   true,
			File:    file,
			Rules:   len(cfg.RateLimiting.Rules),
			Schemas: len(cfg.Gateway.Schemas),
		})
	case "verbose":
		fmt.Fprintf(w, "Configuration Validation Successful\n")
		fmt.Fprintf(w, "===================================\n\n")
		fmt.Fprintf(w, "File:    %s\n", file)
		fmt.Fprintf(w, "Rules:   %d\n", len(cfg.RateLimiting.Rules))
		fmt.Fprintf(w, "Schemas: %d custom\n", len(cfg.Gateway.Schemas))
		fmt.Fprintf(w, "Status:  OK\n")
	default:
		fmt.Fprintf(w, "%s: valid\n", file)
	}
}

func printExpandedConfig(w io.Writer, format, file string, cfg *config.Config) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config as JSON: %w", err)
		}
		return nil
	}

	fmt.Fprintf(w, "# Expanded configuration from: %s\n", file)
	fmt.Fprintf(w, "# (defaults applied, env vars resolved)\n\n")
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config as YAML: %w", err)
	}
	return enc.Close()
}

func writeJSONResult(w io.Writer, res jsonResult) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}
