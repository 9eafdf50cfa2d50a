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

// Package auth validates bearer JWTs against an identity provider's JWKS and
// guards HTTP handlers with them.
//
// Configure it under server.auth:
//
//	server:
//	  auth:
//	    jwks_url: "https://auth.example.com/.well-known/jwks.json"
//	    issuer: "https://auth.example.com"
//	    audience: "aegis"
//	    admin_roles: [security-admin]
//
// Roles are read from a "roles" array claim or a single "role" claim.
package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/aegis/pkg/httpclient"
)

// Validator checks tokens against a cached, periodically refreshed JWKS.
type Validator struct {
	cfg    Config
	cache  *jwk.Cache
	cancel context.CancelFunc
	logger *slog.Logger
}

// Option configures a Validator.
type Option func(*validatorOptions)

type validatorOptions struct {
	client jwk.HTTPClient
	logger *slog.Logger
}

// WithHTTPClient sets the client used to fetch the JWKS.
func WithHTTPClient(c jwk.HTTPClient) Option {
	return func(o *validatorOptions) { o.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *validatorOptions) { o.logger = l }
}

// NewValidator registers the JWKS and fetches it once, so a misconfigured
// provider fails at startup. Refreshing stops on Close or when ctx ends.
func NewValidator(ctx context.Context, cfg Config, opts ...Option) (*Validator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := validatorOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = httpclient.New(httpclient.WithLogger(o.logger))
	}

	cctx, cancel := context.WithCancel(ctx)
	cache := jwk.NewCache(cctx)
	if err := cache.Register(cfg.JWKSURL,
		jwk.WithMinRefreshInterval(cfg.RefreshInterval),
		jwk.WithHTTPClient(o.client),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("register JWKS: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		cancel()
		return nil, fmt.Errorf("fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	o.logger.Info("JWT authentication enabled", "jwks_url", cfg.JWKSURL, "issuer", cfg.Issuer)
	return &Validator{cfg: cfg, cache: cache, cancel: cancel, logger: o.logger}, nil
}

// AdminRoles returns the roles allowed to call administrative endpoints.
func (v *Validator) AdminRoles() []string {
	return v.cfg.AdminRoles
}

// Validate verifies the signature and the exp, nbf, iss and aud claims.
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, error) {
	keys, err := v.cache.Get(ctx, v.cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("get JWKS: %w", err)
	}

	opts := []jwt.ParseOption{jwt.WithKeySet(keys), jwt.WithValidate(true)}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claimsFrom(tok), nil
}

func claimsFrom(tok jwt.Token) *Claims {
	c := &Claims{Subject: tok.Subject(), Custom: make(map[string]any)}
	for k, val := range tok.PrivateClaims() {
		switch k {
		case "email":
			c.Email, _ = val.(string)
		case "tenant_id":
			c.TenantID, _ = val.(string)
		case "role":
			if s, ok := val.(string); ok && s != "" {
				c.Roles = append(c.Roles, s)
			}
		case "roles":
			if list, ok := val.([]any); ok {
				for _, r := range list {
					if s, ok := r.(string); ok {
						c.Roles = append(c.Roles, s)
					}
				}
			}
		default:
			c.Custom[k] = val
		}
	}
	return c
}

// Close stops the background JWKS refresh.
func (v *Validator) Close() error {
	v.cancel()
	return nil
}
