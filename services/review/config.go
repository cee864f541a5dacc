// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package review

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/quillreview/quill/services/review/analysis"
	"github.com/quillreview/quill/services/review/breaker"
	"github.com/quillreview/quill/services/review/diffx"
	"github.com/quillreview/quill/services/review/dispatch"
	"github.com/quillreview/quill/services/review/source"
)

// Config is the full engine configuration, loaded from YAML with
// environment overrides.
type Config struct {
	Server struct {
		// ListenAddr is the HTTP bind address. Default: ":8090".
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"server"`

	Storage struct {
		// Path is the Badger data directory. Default: ~/.quill/db.
		Path string `yaml:"path"`
		// InMemory switches to a non-durable store.
		InMemory bool `yaml:"in_memory"`
	} `yaml:"storage"`

	Analysis struct {
		APIKey            string  `yaml:"api_key"`
		Model             string  `yaml:"model"`
		BaseURL           string  `yaml:"base_url"`
		RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	} `yaml:"analysis"`

	Source struct {
		BaseURL        string `yaml:"base_url"`
		Token          string `yaml:"token"`
		TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0"`
	} `yaml:"source"`

	Breaker struct {
		FailureThreshold int `yaml:"failure_threshold" validate:"gte=0"`
		TimeoutSeconds   int `yaml:"timeout_seconds" validate:"gte=0"`
		SuccessThreshold int `yaml:"success_threshold" validate:"gte=0"`
	} `yaml:"breaker"`

	Dispatch struct {
		SinglePassMaxItems   int    `yaml:"single_pass_max_items" validate:"gte=0"`
		SinglePassMaxCost    int    `yaml:"single_pass_max_cost" validate:"gte=0"`
		ChunkedMaxItems      int    `yaml:"chunked_max_items" validate:"gte=0"`
		ChunkedMaxCost       int    `yaml:"chunked_max_cost" validate:"gte=0"`
		MaxConcurrentReviews int    `yaml:"max_concurrent_reviews" validate:"gte=0,lte=256"`
		CacheTTLMinutes      int    `yaml:"cache_ttl_minutes" validate:"gte=0"`
		HighSeverityBar      string `yaml:"high_severity_bar" validate:"omitempty,oneof=CRITICAL HIGH MEDIUM LOW INFO"`
	} `yaml:"dispatch"`

	Cache struct {
		MaxWritesPerMinute int `yaml:"max_writes_per_minute" validate:"gte=0"`
	} `yaml:"cache"`

	Dedup struct {
		RetentionDays int `yaml:"retention_days" validate:"gte=0,lte=365"`
	} `yaml:"dedup"`

	Extract struct {
		ContextWindow int `yaml:"context_window" validate:"gte=0,lte=100"`
		MaxHunkLines  int `yaml:"max_hunk_lines" validate:"gte=0"`
	} `yaml:"extract"`

	// CallTimeoutSeconds bounds each external call. Default: 60.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" validate:"gte=0,lte=3600"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	var c Config
	c.Server.ListenAddr = ":8090"
	c.Storage.Path = "~/.quill/db"
	c.CallTimeoutSeconds = 60
	return c
}

// LoadConfig reads the YAML file at path (skipped when empty), layers
// environment overrides on top, and validates the result.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return config, fmt.Errorf("review: read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return config, fmt.Errorf("review: parse config %s: %w", path, err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// applyEnv layers environment variables over the file values.
func (c *Config) applyEnv() {
	setString(&c.Server.ListenAddr, "QUILL_LISTEN_ADDR")
	setString(&c.Storage.Path, "QUILL_DB_PATH")
	setString(&c.Analysis.APIKey, "OPENAI_API_KEY")
	setString(&c.Analysis.Model, "OPENAI_MODEL")
	setString(&c.Analysis.BaseURL, "OPENAI_BASE_URL")
	setString(&c.Source.BaseURL, "QUILL_SOURCE_URL")
	setString(&c.Source.Token, "QUILL_SOURCE_TOKEN")
	setInt(&c.Dispatch.MaxConcurrentReviews, "QUILL_MAX_CONCURRENT_REVIEWS")
	setInt(&c.CallTimeoutSeconds, "QUILL_CALL_TIMEOUT_SECONDS")
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setInt(dst *int, key string) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*dst = parsed
		}
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// BreakerConfig maps the config section to breaker settings.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		Timeout:          time.Duration(c.Breaker.TimeoutSeconds) * time.Second,
		SuccessThreshold: c.Breaker.SuccessThreshold,
	}
}

// DispatchConfig maps the config section to dispatcher settings.
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		SinglePassMaxItems:   c.Dispatch.SinglePassMaxItems,
		SinglePassMaxCost:    c.Dispatch.SinglePassMaxCost,
		ChunkedMaxItems:      c.Dispatch.ChunkedMaxItems,
		ChunkedMaxCost:       c.Dispatch.ChunkedMaxCost,
		MaxConcurrentReviews: int64(c.Dispatch.MaxConcurrentReviews),
		CacheTTL:             time.Duration(c.Dispatch.CacheTTLMinutes) * time.Minute,
		HighSeverityBar:      analysis.Severity(c.Dispatch.HighSeverityBar),
	}
}

// ExtractorConfig maps the config section to diff extraction
// settings.
func (c *Config) ExtractorConfig() diffx.ExtractorConfig {
	return diffx.ExtractorConfig{
		ContextWindow: c.Extract.ContextWindow,
		MaxHunkLines:  c.Extract.MaxHunkLines,
	}
}

// SourceConfig maps the config section to provider settings.
func (c *Config) SourceConfig() source.HTTPConfig {
	return source.HTTPConfig{
		BaseURL: c.Source.BaseURL,
		Token:   c.Source.Token,
		Timeout: time.Duration(c.Source.TimeoutSeconds) * time.Second,
	}
}

// DedupRetention returns the ledger retention horizon.
func (c *Config) DedupRetention() time.Duration {
	if c.Dedup.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.Dedup.RetentionDays) * 24 * time.Hour
}

// CallTimeout returns the per-call deadline.
func (c *Config) CallTimeout() time.Duration {
	if c.CallTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}
