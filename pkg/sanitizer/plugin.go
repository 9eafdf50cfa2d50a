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

package sanitizer

import (
	"context"
	"fmt"
	"net/rpc"
	"os"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// PluginName is the name the sanitizer is dispensed under.
const PluginName = "sanitizer"

var handshakeConfig = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "AEGIS_PLUGIN",
	MagicCookieValue: "aegis_sanitizer_v1",
}

// GetHandshakeConfig returns the handshake shared by host and plugin.
func GetHandshakeConfig() plugin.HandshakeConfig {
	return handshakeConfig
}

// Plugin is the plugin.Plugin implementation for sanitizers.
type Plugin struct {
	Impl Sanitizer
}

// Server returns the RPC server the plugin process exposes.
func (p *Plugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

// Client returns the host-side client.
func (p *Plugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// SanitizeArgs is the RPC request for Sanitize.
type SanitizeArgs struct {
	Value   string
	Scope   Scope
	Context Context
}

// RPCServer runs inside the plugin process.
type RPCServer struct {
	Impl Sanitizer
}

// Sanitize serves one sanitize request.
func (s *RPCServer) Sanitize(args SanitizeArgs, resp *Result) error {
	res, err := s.Impl.Sanitize(context.Background(), args.Value, args.Scope, args.Context)
	if err != nil {
		return err
	}
	*resp = res
	return nil
}

// BasePolicy serves the implementation's base policy, or the default.
func (s *RPCServer) BasePolicy(_ interface{}, resp *map[string][]string) error {
	pp, ok := s.Impl.(PolicyProvider)
	if !ok {
		*resp = DefaultBasePolicy()
		return nil
	}
	policy, err := pp.BasePolicy(context.Background())
	if err != nil {
		return err
	}
	*resp = policy
	return nil
}

// RPCClient is the host-side Sanitizer backed by a plugin process.
type RPCClient struct {
	client *rpc.Client
}

// Sanitize forwards the call to the plugin.
func (c *RPCClient) Sanitize(ctx context.Context, value string, scope Scope, sctx Context) (Result, error) {
	var resp Result
	call := c.client.Go("Plugin.Sanitize", SanitizeArgs{Value: value, Scope: scope, Context: sctx}, &resp, nil)
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-call.Done:
		if call.Error != nil {
			return Result{}, fmt.Errorf("sanitizer plugin: %w", call.Error)
		}
		return resp, nil
	}
}

// BasePolicy fetches the plugin's base policy.
func (c *RPCClient) BasePolicy(context.Context) (map[string][]string, error) {
	var resp map[string][]string
	if err := c.client.Call("Plugin.BasePolicy", new(interface{}), &resp); err != nil {
		return nil, fmt.Errorf("sanitizer plugin: %w", err)
	}
	return resp, nil
}

var (
	_ Sanitizer      = (*RPCClient)(nil)
	_ PolicyProvider = (*RPCClient)(nil)
	_ plugin.Plugin  = (*Plugin)(nil)
)

// Serve runs impl as a sanitizer plugin. It is the entry point of plugin
// executables:
//
//	func main() {
//	    sanitizer.Serve(&mySanitizer{})
//	}
func Serve(impl Sanitizer) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: GetHandshakeConfig(),
		Plugins: map[string]plugin.Plugin{
			PluginName: &Plugin{Impl: impl},
		},
	})
}

// External is a Sanitizer running in a plugin process.
type External struct {
	*RPCClient
	client *plugin.Client
}

// Load starts the plugin executable at path and dispenses its sanitizer.
func Load(path string, logger hclog.Logger) (*External, error) {
	if path == "" {
		return nil, fmt.Errorf("sanitizer plugin path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("sanitizer plugin executable not found: %w", err)
	}
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:  "aegis-sanitizer",
			Level: hclog.Info,
		})
	}

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  handshakeConfig,
		Plugins:          map[string]plugin.Plugin{PluginName: &Plugin{}},
		Cmd:              exec.Command(path),
		Logger:           logger,
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to get RPC client: %w", err)
	}

	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin: %w", err)
	}

	impl, ok := raw.(*RPCClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin does not implement the sanitizer interface")
	}
	return &External{RPCClient: impl, client: client}, nil
}

// Close kills the plugin process.
func (e *External) Close() error {
	e.client.Kill()
	return nil
}
