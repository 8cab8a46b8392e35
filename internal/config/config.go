// Copyright 2025 Tom Barlow
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

// Package config loads daemon and CLI configuration from a YAML file with
// environment overrides. A .env file in the working directory is honored
// before the environment is read, so development setups need no shell
// exports.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tombee/flightrec/pkg/errors"
)

// Config is the full flightrec configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig configures the daemon's HTTP listener.
type ServerConfig struct {
	// Listen is the host:port the daemon binds.
	Listen string `yaml:"listen,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// StoreConfig configures the run store backend.
type StoreConfig struct {
	// RedisURL selects the Redis backend when set, e.g.
	// redis://localhost:6379/0. Empty means in-memory.
	RedisURL string `yaml:"redis_url,omitempty"`

	// ForceMemory uses the in-memory store even when RedisURL is set.
	ForceMemory bool `yaml:"force_memory,omitempty"`

	// RunDataTTL is the retention for run meta, status, result, and trace.
	RunDataTTL time.Duration `yaml:"run_data_ttl,omitempty"`

	// CancelTTL is the retention for cancellation markers.
	CancelTTL time.Duration `yaml:"cancel_ttl,omitempty"`

	// EventStreamTTL is the retention for the event stream.
	EventStreamTTL time.Duration `yaml:"event_stream_ttl,omitempty"`

	// StreamMaxLen caps the per-run event stream length.
	StreamMaxLen int64 `yaml:"stream_max_len,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// ServiceName stamps exported spans.
	ServiceName string `yaml:"service_name,omitempty"`

	// SampleRate is the export probability per finished span, (0, 1].
	SampleRate float64 `yaml:"sample_rate,omitempty"`

	// Disabled turns span export off entirely.
	Disabled bool `yaml:"disabled,omitempty"`

	// Exporter selects the external sink: "none", "console", "stdout", or
	// "otlp".
	Exporter string `yaml:"exporter,omitempty"`

	// OTLPEndpoint is the collector host:port for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// OTLPInsecure disables TLS toward the collector.
	OTLPInsecure bool `yaml:"otlp_insecure,omitempty"`

	// BatchSize triggers a flush once this many spans are pending.
	BatchSize int `yaml:"batch_size,omitempty"`

	// FlushInterval triggers time-based flushes of partial batches.
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8321",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			RunDataTTL:     7 * 24 * time.Hour,
			CancelTTL:      6 * time.Hour,
			EventStreamTTL: 24 * time.Hour,
			StreamMaxLen:   1000,
		},
		Tracing: TracingConfig{
			ServiceName:   "flightrec",
			SampleRate:    1.0,
			Exporter:      "console",
			BatchSize:     10,
			FlushInterval: 5 * time.Second,
		},
	}
}

// Load reads configuration: defaults, then the YAML file when path is
// non-empty, then environment overrides. A missing file at an explicit path
// is an error; env-only operation passes an empty path.
func Load(path string) (*Config, error) {
	// Best effort; missing .env files are the common case.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: path, Reason: "reading config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: path, Reason: "parsing yaml", Cause: err}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over the loaded values.
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("FLIGHTREC_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("FLIGHTREC_FORCE_MEMORY"); v != "" {
		c.Store.ForceMemory = isTruthy(v)
	}
	if v := os.Getenv("FLIGHTREC_RUN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Store.RunDataTTL = d
		}
	}
	if v := os.Getenv("FLIGHTREC_CANCEL_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Store.CancelTTL = d
		}
	}
	if v := os.Getenv("FLIGHTREC_EVENT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Store.EventStreamTTL = d
		}
	}
	if v := os.Getenv("FLIGHTREC_STREAM_MAXLEN"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Store.StreamMaxLen = n
		}
	}
	if v := os.Getenv("FLIGHTREC_TRACE_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("FLIGHTREC_TRACE_EXPORTER"); v != "" {
		c.Tracing.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.OTLPEndpoint = v
	}
	if v := os.Getenv("FLIGHTREC_TRACE_DISABLED"); v != "" {
		c.Tracing.Disabled = isTruthy(v)
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return &errors.ValidationError{Field: "server.listen", Message: "must not be empty"}
	}
	if c.Store.StreamMaxLen <= 0 {
		return &errors.ValidationError{Field: "store.stream_max_len", Message: "must be positive"}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return &errors.ValidationError{Field: "tracing.sample_rate", Message: "must be in [0, 1]"}
	}
	switch c.Tracing.Exporter {
	case "", "none", "console", "stdout", "otlp":
	default:
		return &errors.ValidationError{
			Field:   "tracing.exporter",
			Message: fmt.Sprintf("unknown exporter %q", c.Tracing.Exporter),
		}
	}
	if c.Tracing.Exporter == "otlp" && c.Tracing.OTLPEndpoint == "" {
		return &errors.ValidationError{Field: "tracing.otlp_endpoint", Message: "required for the otlp exporter"}
	}
	return nil
}

func isTruthy(v string) bool {
	switch v {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}
