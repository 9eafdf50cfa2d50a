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
	"fmt"
	"io"
	"os"

	"github.com/kadirpekel/aegis/pkg/config"
	"github.com/kadirpekel/aegis/pkg/logger"
)

// initLogger installs the default logger. Empty values fall back to info,
// stderr and the simple format.
func initLogger(level, file, format string) (func(), error) {
	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if format == "" {
		format = logger.FormatSimple
	}

	var out io.Writer = os.Stderr
	cleanup := func() {}
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, cleanup = f, closeFn
	}

	logger.Init(out, lvl, format)
	return cleanup, nil
}

// mergeLoggerConfig returns the logger settings to use once a config is
// loaded. Flags and environment win over the file.
func mergeLoggerConfig(cli *CLI, cfg config.LoggerConfig) config.LoggerConfig {
	if cli.LogLevel != "" {
		cfg.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		cfg.File = cli.LogFile
	}
	if cli.LogFormat != "" {
		cfg.Format = cli.LogFormat
	}
	return cfg
}
