// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates taskrun configuration.
//
// Configuration is read from (in priority order):
//   - ~/.taskrun/config.toml
//   - ~/.taskrun/config.json
//   - built-in defaults
//
// Environment overrides (TASKRUN_*) are applied last.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/taskrun/internal/engine"
	"github.com/jeranaias/taskrun/internal/router"
	"github.com/jeranaias/taskrun/internal/util"
)

// =============================================================================
// CONFIGURATION TYPES
// =============================================================================

// Config is the top-level taskrun configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Backend configures the chat completions API.
	Backend BackendConfig `toml:"backend" json:"backend"`

	// Routing configures the tier table and operation classifier.
	Routing RoutingConfig `toml:"routing" json:"routing"`

	// Retry configures the engine's retry and backoff policy.
	Retry RetryConfig `toml:"retry" json:"retry"`

	// Confirm configures the cost confirmation prompt.
	Confirm ConfirmConfig `toml:"confirm" json:"confirm"`

	// Ledger configures cost log storage.
	Ledger LedgerConfig `toml:"ledger" json:"ledger"`
}

// BackendConfig holds API connection settings.
type BackendConfig struct {
	// BaseURL is the OpenRouter-compatible API base URL.
	BaseURL string `toml:"base_url" json:"base_url"`
	// APIKey authenticates requests. Prefer the TASKRUN_API_KEY
	// environment variable over storing the key on disk.
	APIKey string `toml:"api_key" json:"api_key"`
	// RequestsPerMinute is the client-side request throttle.
	RequestsPerMinute int `toml:"requests_per_minute" json:"requests_per_minute"`
}

// TierConfig is one row of the tier table. Costs are dollars per
// million tokens.
type TierConfig struct {
	Name              string  `toml:"name" json:"name"`
	Model             string  `toml:"model" json:"model"`
	InputCostPerMTok  float64 `toml:"input_cost_per_mtok" json:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `toml:"output_cost_per_mtok" json:"output_cost_per_mtok"`
}

// RoutingConfig holds the tier table, classifier, and thresholds.
type RoutingConfig struct {
	// Tiers is the tier table, cheapest to most capable.
	Tiers []TierConfig `toml:"tiers" json:"tiers"`
	// Operations maps operation types to tier names.
	Operations map[string]string `toml:"operations" json:"operations"`
	// OutputRatios maps operation types to expected output:input token
	// ratios.
	OutputRatios map[string]float64 `toml:"output_ratios" json:"output_ratios"`
	// DefaultTier is used for unmapped operation types.
	DefaultTier string `toml:"default_tier" json:"default_tier"`
	// MinEstimatedCost is the dollar cost above which execution requires
	// confirmation.
	MinEstimatedCost float64 `toml:"min_estimated_cost" json:"min_estimated_cost"`
	// MaxCheapCostPerMillion is the per-million output cost above which
	// a tier requires confirmation regardless of estimated cost.
	MaxCheapCostPerMillion float64 `toml:"max_cheap_cost_per_million" json:"max_cheap_cost_per_million"`
}

// RetryConfig holds the engine retry policy.
type RetryConfig struct {
	// MaxAttempts bounds total invocations per operation, retries and
	// fallbacks included.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts"`
	// InitialBackoffMS is the first retry delay in milliseconds.
	InitialBackoffMS int `toml:"initial_backoff_ms" json:"initial_backoff_ms"`
	// MaxBackoffMS caps the retry delay in milliseconds.
	MaxBackoffMS int `toml:"max_backoff_ms" json:"max_backoff_ms"`
	// Multiplier is the exponential backoff growth factor.
	Multiplier float64 `toml:"multiplier" json:"multiplier"`
}

// ConfirmConfig holds confirmation prompt settings.
type ConfirmConfig struct {
	// TimeoutSecs bounds how long the prompt waits for an answer. On
	// expiry the operation is aborted, never silently run. Zero means
	// wait indefinitely.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
}

// LedgerConfig holds cost log storage settings.
type LedgerConfig struct {
	// Path is the SQLite database file. Empty means ~/.taskrun/costs.db.
	Path string `toml:"path" json:"path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		Backend: BackendConfig{
			BaseURL:           "https://openrouter.ai/api/v1",
			RequestsPerMinute: 60,
		},
		Routing: RoutingConfig{
			Tiers: []TierConfig{
				{Name: "simple", Model: "anthropic/claude-3.5-haiku", InputCostPerMTok: 0.80, OutputCostPerMTok: 4.00},
				{Name: "medium", Model: "anthropic/claude-sonnet-4", InputCostPerMTok: 3.00, OutputCostPerMTok: 15.00},
				{Name: "complex", Model: "anthropic/claude-opus-4", InputCostPerMTok: 15.00, OutputCostPerMTok: 75.00},
				{Name: "research", Model: "openai/o1-pro", InputCostPerMTok: 150.00, OutputCostPerMTok: 600.00},
			},
			Operations: map[string]string{
				"summarize":      "simple",
				"parse-document": "medium",
				"update":         "medium",
				"generate-plan":  "complex",
			},
			OutputRatios: map[string]float64{
				"summarize":      0.5,
				"parse-document": 0.4,
				"generate-plan":  2.0,
			},
			DefaultTier:            "simple",
			MinEstimatedCost:       1.00,
			MaxCheapCostPerMillion: 20.00,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			InitialBackoffMS: 200,
			MaxBackoffMS:     2000,
			Multiplier:       2.0,
		},
		Confirm: ConfirmConfig{
			TimeoutSecs: 0,
		},
		Ledger: LedgerConfig{},
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the taskrun configuration directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".taskrun"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// LedgerPath returns the resolved cost database path.
func (c *Config) LedgerPath() (string, error) {
	if c.Ledger.Path != "" {
		return c.Ledger.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "costs.db"), nil
}

// ensureSecurePermissions tightens config file permissions to 0600.
// Config files can hold API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads configuration from the config file(s). Tries TOML first,
// then JSON, and falls back to defaults. Environment overrides are
// applied last; validation failures are fatal.
func Load() (*Config, error) {
	dir, err := ConfigDir()
	if err == nil {
		for _, name := range []string{"config.toml", "config.json"} {
			path := filepath.Join(dir, name)
			if _, statErr := os.Stat(path); statErr == nil {
				return LoadFromPath(path)
			}
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads configuration from an explicit file. The format is
// chosen by extension, defaulting to TOML.
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	cfg := Default()
	switch filepath.Ext(path) {
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode TOML config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the TOML config file with owner-only
// permissions.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0o600)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies TASKRUN_* environment variables on top of
// the loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TASKRUN_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv("TASKRUN_BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("TASKRUN_DEFAULT_TIER"); v != "" {
		c.Routing.DefaultTier = v
	}
	if v := os.Getenv("TASKRUN_LEDGER_PATH"); v != "" {
		c.Ledger.Path = v
	}
	if v := os.Getenv("TASKRUN_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("TASKRUN_MIN_ESTIMATED_COST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.Routing.MinEstimatedCost = f
		}
	}
}

// =============================================================================
// VALIDATION AND BRIDGES
// =============================================================================

// Validate checks the non-routing sections. Routing data is validated
// by router.NewRegistry, which owns those rules.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return &router.ConfigError{Field: "backend.base_url", Message: "must not be empty"}
	}
	if c.Backend.RequestsPerMinute < 0 {
		return &router.ConfigError{Field: "backend.requests_per_minute", Message: "must not be negative"}
	}
	if c.Retry.MaxAttempts < 1 {
		return &router.ConfigError{Field: "retry.max_attempts", Message: "must be at least 1"}
	}
	if c.Retry.InitialBackoffMS <= 0 {
		return &router.ConfigError{Field: "retry.initial_backoff_ms", Message: "must be positive"}
	}
	if c.Retry.MaxBackoffMS < c.Retry.InitialBackoffMS {
		return &router.ConfigError{Field: "retry.max_backoff_ms", Message: "must be >= initial_backoff_ms"}
	}
	if c.Retry.Multiplier <= 1 {
		return &router.ConfigError{Field: "retry.multiplier", Message: "must be greater than 1"}
	}
	if c.Confirm.TimeoutSecs < 0 {
		return &router.ConfigError{Field: "confirm.timeout_secs", Message: "must not be negative"}
	}
	return nil
}

// RegistryConfig converts the routing section into the registry's input
// shape. Registry validation happens in router.NewRegistry.
func (c *Config) RegistryConfig() router.RegistryConfig {
	tiers := make([]router.TierSpec, len(c.Routing.Tiers))
	for i, t := range c.Routing.Tiers {
		tiers[i] = router.TierSpec{
			Name:              t.Name,
			Model:             t.Model,
			InputCostPerMTok:  t.InputCostPerMTok,
			OutputCostPerMTok: t.OutputCostPerMTok,
		}
	}
	return router.RegistryConfig{
		Tiers:                  tiers,
		Operations:             c.Routing.Operations,
		OutputRatios:           c.Routing.OutputRatios,
		DefaultTier:            c.Routing.DefaultTier,
		MinEstimatedCost:       c.Routing.MinEstimatedCost,
		MaxCheapCostPerMillion: c.Routing.MaxCheapCostPerMillion,
	}
}

// EngineConfig converts the retry section into the engine's config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxAttempts:       c.Retry.MaxAttempts,
		InitialBackoff:    time.Duration(c.Retry.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:        time.Duration(c.Retry.MaxBackoffMS) * time.Millisecond,
		BackoffMultiplier: c.Retry.Multiplier,
	}
}

// ConfirmTimeout returns the prompt timeout, zero meaning none.
func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Confirm.TimeoutSecs) * time.Second
}
