// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the coordinator's YAML configuration.
//
// One file carries a section per component. Each section is the
// component's own Config type, so the defaults and validation rules live
// next to the code they configure; this package only adds the file-level
// sections (logging, http, vector, credentials), struct tag validation
// and hot reload of the runtime tunables.
//
//	cfg, err := config.LoadOrCreate(config.DefaultPath())
//	if err != nil {
//	    return err
//	}
//	creds, err := cfg.Credentials.Seal()
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCortex/pkg/logging"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/consistency"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/lock"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/merge"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/migration"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/pool"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/session"
	badgerstore "github.com/AleutianAI/AleutianCortex/services/coordinator/storage/badger"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store/weaviatestore"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/syncmgr"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/telemetry"
)

// EnvConfigPath overrides DefaultPath.
const EnvConfigPath = "CORTEX_CONFIG"

// Vector backends.
const (
	BackendMemory    = "memory"
	BackendWeaviate  = "weaviate"
	BackendSQLiteVec = "sqlite_vec"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Reloadable.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Dir enables the daily JSON log file.
	Dir string `yaml:"dir"`

	// Format is auto, text or json.
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`

	// Quiet disables stderr output.
	Quiet bool `yaml:"quiet"`
}

// Logger returns the logging.Config for service.
func (c LoggingConfig) Logger(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Dir,
		Service: service,
		Format:  logging.Format(c.Format),
		Quiet:   c.Quiet,
	}, nil
}

// HTTPConfig configures the admin API.
type HTTPConfig struct {
	// Addr is the listen address. Default: "127.0.0.1:8090"
	Addr string `yaml:"addr" validate:"required"`

	// ReadHeaderTimeout bounds slow clients. Default: 10s
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// VectorConfig selects and configures a vector store backend.
type VectorConfig struct {
	// Backend is memory, weaviate or sqlite_vec.
	Backend string `yaml:"backend" validate:"omitempty,oneof=memory weaviate sqlite_vec"`

	// Weaviate is required for the weaviate backend.
	Weaviate *weaviatestore.Config `yaml:"weaviate,omitempty" validate:"required_if=Backend weaviate"`

	// Path is the sqlite-vec database file.
	Path string `yaml:"path,omitempty" validate:"required_if=Backend sqlite_vec"`

	// Dimension of the embeddings. Default: 64
	Dimension int `yaml:"dimension" validate:"gte=0"`
}

// MigrationConfig adds the target index to the migration settings.
type MigrationConfig struct {
	migration.Config `yaml:",inline"`

	// Enabled opens the target at start-up and dual-writes every vector
	// change to both indexes until the migration cuts over.
	Enabled bool `yaml:"enabled"`

	// Target is the index vectors are migrated to.
	Target VectorConfig `yaml:"target"`
}

// Config is the whole configuration file.
type Config struct {
	Logging     LoggingConfig      `yaml:"logging"`
	HTTP        HTTPConfig         `yaml:"http"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
	Storage     badgerstore.Config `yaml:"storage"`
	Pool        pool.Config        `yaml:"pool"`
	Credentials CredentialsConfig  `yaml:"credentials"`
	Vector      VectorConfig       `yaml:"vector"`
	Lock        lock.Config        `yaml:"lock"`
	Session     session.Config     `yaml:"session"`
	Merge       merge.Config       `yaml:"merge"`
	Consistency consistency.Config `yaml:"consistency"`
	Sync        syncmgr.Config     `yaml:"sync"`
	Migration   MigrationConfig    `yaml:"migration"`
}

// Default returns a configuration that runs a single process against
// in-memory stores, with coordinator state persisted under ~/.cortex.
func Default() *Config {
	storage := badgerstore.DefaultConfig()
	storage.Path = filepath.Join("~", ".cortex", "state")

	p := pool.DefaultConfig()
	p.Logger = nil

	return &Config{
		Logging: LoggingConfig{Level: "info", Format: string(logging.FormatAuto)},
		HTTP: HTTPConfig{
			Addr:              "127.0.0.1:8090",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Telemetry:   telemetry.DefaultConfig(),
		Storage:     storage,
		Pool:        p,
		Vector:      VectorConfig{Backend: BackendMemory, Dimension: 64},
		Lock:        lock.DefaultConfig(),
		Session:     session.DefaultConfig(),
		Merge:       merge.DefaultConfig(),
		Consistency: consistency.DefaultConfig(),
		Sync:        syncmgr.DefaultConfig(),
		Migration: MigrationConfig{
			Config: migration.DefaultConfig(),
			Target: VectorConfig{Backend: BackendSQLiteVec, Path: filepath.Join("~", ".cortex", "vectors.db"), Dimension: 64},
		},
	}
}

// -----------------------------------------------------------------------------
// Loading
// -----------------------------------------------------------------------------

// DefaultPath returns $CORTEX_CONFIG, or ~/.cortex/cortex.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "cortex.yaml"
	}
	return filepath.Join(home, ".cortex", "cortex.yaml")
}

// Load reads and validates the file at path.
//
// Description:
//
//	Fields missing from the file keep their Default value. Paths starting
//	with "~" are expanded after parsing.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Read, parse or validation failure. Validation failures wrap
//	  ErrInvalidConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML data.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreate loads path, writing Default to it first when it does not
// exist yet.
func LoadOrCreate(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := WriteDefault(path); err != nil {
			return nil, err
		}
	}
	return Load(path)
}

// WriteDefault writes Default to path, creating parent directories.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// Validate runs the struct tag rules and every component's own checks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	checks := []struct {
		section string
		fn      func() error
	}{
		{"storage", c.Storage.Validate},
		{"pool", c.Pool.Validate},
		{"credentials", c.Credentials.validate},
		{"lock", c.Lock.Validate},
		{"merge", c.Merge.Validate},
		{"consistency", c.Consistency.Validate},
		{"migration", c.Migration.Config.Validate},
	}
	for _, chk := range checks {
		if err := chk.fn(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, chk.section, err)
		}
	}
	return nil
}

// WithLogger sets logger on every component section.
func (c *Config) WithLogger(logger *slog.Logger) {
	c.Storage.Logger = logger
	c.Pool.Logger = logger
	c.Lock.Logger = logger
	c.Session.Logger = logger
	c.Merge.Logger = logger
	c.Consistency.Logger = logger
	c.Sync.Logger = logger
	c.Migration.Logger = logger
	if c.Vector.Weaviate != nil {
		c.Vector.Weaviate.Logger = logger
	}
	if c.Migration.Target.Weaviate != nil {
		c.Migration.Target.Weaviate.Logger = logger
	}
}

func (c *Config) expandPaths() {
	c.Logging.Dir = expandHome(c.Logging.Dir)
	c.Storage.Path = expandHome(c.Storage.Path)
	c.Vector.Path = expandHome(c.Vector.Path)
	c.Migration.Target.Path = expandHome(c.Migration.Target.Path)
	c.Credentials.PasswordFile = expandHome(c.Credentials.PasswordFile)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
