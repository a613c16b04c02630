// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DkimKeyConfig holds the signing material for one authorized sending domain.
// Exactly one of KeyFile (path to a PEM file) or Key (inline PEM) must be set.
type DkimKeyConfig struct {
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Key      string `yaml:"key"`
}

// RelayConfig holds the upstream SMTP submission settings.
type RelayConfig struct {
	Host      string
	Port      int
	StartTLS  bool
	Auth      string // "", "plain", "login", "oauthbearer"
	Username  string
	Password  string
	TokenURL  string // oauthbearer only
	ClientID  string
	ClientKey string
	LocalName string
	Timeout   time.Duration
}

// Addr returns host:port for dialing.
func (r RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// PolicyConfig controls the recipient existence oracle.
type PolicyConfig struct {
	// Lookup selects the backend: "postgres" (direct mail store query)
	// or "http" (gateway batch-check endpoint).
	Lookup string
	// FailOpen treats lookup errors and timeouts as "mailbox exists".
	// Losing legitimate mail on a transient outage is worse than
	// accepting mail for an unknown user.
	FailOpen      bool
	LookupTimeout time.Duration
}

// BridgeConfig controls the inbound trust bridge's transport behaviour.
type BridgeConfig struct {
	GatewayURL  string
	Attempts    int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Timeout     time.Duration
}

// Config holds all configuration for the mailgate binaries.
type Config struct {
	// Shared secret for the inbound assertion (HS256). Required.
	Secret string

	// AssertionTTL bounds replay of an inbound assertion. Tens of
	// seconds: long enough for network latency, useless afterwards.
	AssertionTTL time.Duration

	// DedupWindow enables the inbound duplicate filter when > 0.
	DedupWindow time.Duration

	DatabaseURL string
	RedisURL    string
	SendQueue   string

	// GatewayPort is the inbound verification gateway listen port.
	GatewayPort int

	Dkim   []DkimKeyConfig
	Relay  RelayConfig
	Policy PolicyConfig
	Bridge BridgeConfig
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Secret       string `yaml:"secret"`
	AssertionTTL string `yaml:"assertion_ttl"`

	Inbound struct {
		Port        int    `yaml:"port"`
		DedupWindow string `yaml:"dedup_window"`
	} `yaml:"inbound"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Send string `yaml:"send"`
		} `yaml:"queues"`
	} `yaml:"redis"`

	Dkim []DkimKeyConfig `yaml:"dkim"`

	Relay struct {
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
		StartTLS  bool   `yaml:"starttls"`
		Auth      string `yaml:"auth"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		TokenURL  string `yaml:"token_url"`
		ClientID  string `yaml:"client_id"`
		ClientKey string `yaml:"client_secret"`
		LocalName string `yaml:"local_name"`
		Timeout   string `yaml:"timeout"`
	} `yaml:"relay"`

	Policy struct {
		Lookup        string `yaml:"lookup"`
		FailOpen      *bool  `yaml:"fail_open"`
		LookupTimeout string `yaml:"lookup_timeout"`
	} `yaml:"policy"`

	Bridge struct {
		GatewayURL  string `yaml:"gateway_url"`
		Attempts    int    `yaml:"attempts"`
		BackoffBase string `yaml:"backoff_base"`
		BackoffCap  string `yaml:"backoff_cap"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"bridge"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse builds a Config from raw YAML bytes, expanding ${VAR} references
// and applying environment overrides and defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Secret:       firstNonEmpty(raw.Secret, os.Getenv("MAILGATE_SECRET")),
		AssertionTTL: parseDurationOr(raw.AssertionTTL, 30*time.Second),
		DedupWindow:  parseDurationOr(raw.Inbound.DedupWindow, 0),
		DatabaseURL:  firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/mailstore")),
		RedisURL:     firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		SendQueue:    firstNonEmpty(raw.Redis.Queues.Send, envOrDefault("SEND_QUEUE", "outbound")),
		GatewayPort:  raw.Inbound.Port,
		Dkim:         raw.Dkim,
		Relay: RelayConfig{
			Host:      firstNonEmpty(raw.Relay.Host, envOrDefault("RELAY_HOST", "localhost")),
			Port:      raw.Relay.Port,
			StartTLS:  raw.Relay.StartTLS,
			Auth:      raw.Relay.Auth,
			Username:  firstNonEmpty(raw.Relay.Username, os.Getenv("RELAY_USERNAME")),
			Password:  firstNonEmpty(raw.Relay.Password, os.Getenv("RELAY_PASSWORD")),
			TokenURL:  raw.Relay.TokenURL,
			ClientID:  raw.Relay.ClientID,
			ClientKey: raw.Relay.ClientKey,
			LocalName: raw.Relay.LocalName,
			Timeout:   parseDurationOr(raw.Relay.Timeout, 0),
		},
		Policy: PolicyConfig{
			Lookup:        raw.Policy.Lookup,
			FailOpen:      raw.Policy.FailOpen == nil || *raw.Policy.FailOpen,
			LookupTimeout: parseDurationOr(raw.Policy.LookupTimeout, 0),
		},
		Bridge: BridgeConfig{
			GatewayURL:  raw.Bridge.GatewayURL,
			Attempts:    raw.Bridge.Attempts,
			BackoffBase: parseDurationOr(raw.Bridge.BackoffBase, 0),
			BackoffCap:  parseDurationOr(raw.Bridge.BackoffCap, 0),
			Timeout:     parseDurationOr(raw.Bridge.Timeout, 0),
		},
	}

	if cfg.Secret == "" {
		return nil, fmt.Errorf("no assertion secret configured — set secret in config.yaml or MAILGATE_SECRET")
	}

	if cfg.GatewayPort == 0 {
		cfg.GatewayPort = envOrDefaultInt("GATEWAY_PORT", 8080)
	}

	// Relay defaults
	if cfg.Relay.Port == 0 {
		cfg.Relay.Port = 587
	}
	if cfg.Relay.LocalName == "" {
		cfg.Relay.LocalName = "localhost"
	}
	if cfg.Relay.Timeout == 0 {
		cfg.Relay.Timeout = 60 * time.Second
	}
	if cfg.Relay.Auth == "" && cfg.Relay.Username != "" && cfg.Relay.Password != "" {
		cfg.Relay.Auth = "plain"
	}

	// Policy defaults
	if cfg.Policy.Lookup == "" {
		cfg.Policy.Lookup = "postgres"
	}
	if cfg.Policy.LookupTimeout == 0 {
		cfg.Policy.LookupTimeout = 5 * time.Second
	}

	// Bridge defaults
	if cfg.Bridge.GatewayURL == "" {
		cfg.Bridge.GatewayURL = envOrDefault("GATEWAY_URL", "http://localhost:8080")
	}
	if cfg.Bridge.Attempts == 0 {
		cfg.Bridge.Attempts = 3
	}
	if cfg.Bridge.BackoffBase == 0 {
		cfg.Bridge.BackoffBase = time.Second
	}
	if cfg.Bridge.BackoffCap == 0 {
		cfg.Bridge.BackoffCap = 8 * time.Second
	}
	if cfg.Bridge.Timeout == 0 {
		cfg.Bridge.Timeout = 30 * time.Second
	}

	// Drop DKIM entries with missing key material (commented out in YAML)
	var keys []DkimKeyConfig
	for _, k := range cfg.Dkim {
		if k.Domain == "" || (k.KeyFile == "" && k.Key == "") {
			continue
		}
		if k.Selector == "" {
			k.Selector = "default"
		}
		keys = append(keys, k)
	}
	cfg.Dkim = keys

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseDurationOr(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in config, using default",
			"value", v,
			"default", fallback,
		)
		return fallback
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
