/*
   Copyright 2020 Docker Compose CLI authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package config implements the Settings & Config Loader (C1): layered
// defaults, an optional override document, dotenv files, and finally
// SCOTTY__-prefixed environment variables, merged into an immutable
// process-wide snapshot (§4.1).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/factorial-io/scotty/pkg/api"
	"github.com/factorial-io/scotty/pkg/override"
)

// APIConfig controls the REST/WebSocket server.
type APIConfig struct {
	BindAddress string `yaml:"bind_address" env:"SCOTTY__API__BIND_ADDRESS"`
	AccessToken string `yaml:"access_token" env:"SCOTTY__API__ACCESS_TOKEN"`
}

// RuntimeConfig controls directory layout and scheduling.
type RuntimeConfig struct {
	AppsRoot          string `yaml:"apps_root" env:"SCOTTY__RUNTIME__APPS_ROOT"`
	BlueprintDir      string `yaml:"blueprint_dir" env:"SCOTTY__RUNTIME__BLUEPRINT_DIR"`
	PolicyFile        string `yaml:"policy_file" env:"SCOTTY__RUNTIME__POLICY_FILE"`
	ReconcileInterval string `yaml:"reconcile_interval" env:"SCOTTY__RUNTIME__RECONCILE_INTERVAL"`
	TTLSchedule       string `yaml:"ttl_schedule" env:"SCOTTY__RUNTIME__TTL_SCHEDULE"`
	TaskCleanup       string `yaml:"task_cleanup" env:"SCOTTY__RUNTIME__TASK_CLEANUP"`
	CommandTimeout    string `yaml:"command_timeout" env:"SCOTTY__RUNTIME__COMMAND_TIMEOUT"`
}

// ProxyConfig mirrors override.ProxyConfig for on-disk/env representation.
type ProxyConfig struct {
	Variant            string   `yaml:"variant" env:"SCOTTY__PROXY__VARIANT"`
	Network            string   `yaml:"network" env:"SCOTTY__PROXY__NETWORK"`
	DomainSuffix       string   `yaml:"domain_suffix" env:"SCOTTY__PROXY__DOMAIN_SUFFIX"`
	TLSEnabled         bool     `yaml:"tls_enabled" env:"SCOTTY__PROXY__TLS_ENABLED"`
	CertResolver       string   `yaml:"cert_resolver" env:"SCOTTY__PROXY__CERT_RESOLVER"`
	AllowedMiddlewares []string `yaml:"allowed_middlewares"`
}

// ToOverrideConfig converts the on-disk shape into the Override
// Synthesiser's pure-function input.
func (p ProxyConfig) ToOverrideConfig() override.ProxyConfig {
	variant := override.VariantTraefik
	if p.Variant == string(override.VariantHAProxy) {
		variant = override.VariantHAProxy
	}
	return override.ProxyConfig{
		Variant:            variant,
		Network:            p.Network,
		DomainSuffix:       p.DomainSuffix,
		TLSEnabled:         p.TLSEnabled,
		CertResolver:       p.CertResolver,
		AllowedMiddlewares: p.AllowedMiddlewares,
	}
}

// AuthConfig controls the bearer/OIDC authentication layer.
type AuthConfig struct {
	OIDCIssuer   string `yaml:"oidc_issuer" env:"SCOTTY__AUTH__OIDC_ISSUER"`
	OIDCClientID string `yaml:"oidc_client_id" env:"SCOTTY__AUTH__OIDC_CLIENT_ID"`
}

// LoggingConfig controls logrus's formatter and level.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"SCOTTY__LOGGING__LEVEL"`
	Format string `yaml:"format" env:"SCOTTY__LOGGING__FORMAT"`
}

// Config is the fully-merged, immutable configuration snapshot shared by
// reference across every component (§4.1).
type Config struct {
	API     APIConfig     `yaml:"api"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

// Defaults returns the baseline configuration document (§4.1 "a baseline
// default document").
func Defaults() *Config {
	return &Config{
		API: APIConfig{
			BindAddress: "0.0.0.0:21342",
		},
		Runtime: RuntimeConfig{
			AppsRoot:          "/srv/scotty/apps",
			BlueprintDir:      "/etc/scotty/blueprints",
			PolicyFile:        "config/casbin/policy.yaml",
			ReconcileInterval: "15s",
			TTLSchedule:       "@every 10m",
			TaskCleanup:       "3m",
			CommandTimeout:    "300s",
		},
		Proxy: ProxyConfig{
			Variant:      string(override.VariantTraefik),
			Network:      "proxy",
			DomainSuffix: "apps.example.com",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the frozen configuration snapshot: defaults, then an
// optional override document at overridePath, then .env/.env.local, then
// SCOTTY__-prefixed environment variables (§4.1).
func Load(overridePath string) (*Config, error) {
	cfg := Defaults()

	if overridePath != "" {
		if err := mergeFile(overridePath, cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	if err := envdecode.Decode(cfg); err != nil && !isNoFieldsSet(err) {
		return nil, errors.Wrap(api.ErrInvalid, fmt.Sprintf("decoding environment: %v", err))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func mergeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(api.ErrInternal, err.Error())
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(api.ErrInvalid, "parsing override document %s: %v", path, err)
	}
	return nil
}

// isNoFieldsSet treats envdecode's "nothing to decode" error as success: a
// deployment running purely on the default/override documents with no
// SCOTTY__ variables exported is a normal, supported configuration.
func isNoFieldsSet(err error) bool {
	return err != nil && strings.Contains(err.Error(), "none of the target fields were set")
}

func (c *Config) validate() error {
	if c.API.BindAddress == "" {
		return errors.Wrap(api.ErrInvalid, "api.bind_address must not be empty")
	}
	if c.Runtime.AppsRoot == "" {
		return errors.Wrap(api.ErrInvalid, "runtime.apps_root must not be empty")
	}
	return nil
}
