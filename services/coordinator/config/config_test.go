// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/merge"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/pool"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/session"
)

func TestDefault_Validates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestWriteDefault_LoadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cortex.yaml")

	cfg, err := LoadOrCreate(path)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err, "default file is created")

	d := Default()
	assert.Equal(t, d.HTTP, cfg.HTTP)
	assert.Equal(t, d.Session.TTL, cfg.Session.TTL)
	assert.Equal(t, d.Session.DefaultIsolation, cfg.Session.DefaultIsolation)
	assert.Equal(t, d.Merge.DefaultStrategy, cfg.Merge.DefaultStrategy)
	assert.Equal(t, d.Consistency.Schedule, cfg.Consistency.Schedule)
	assert.Equal(t, d.Migration.BatchSize, cfg.Migration.BatchSize)
	assert.Equal(t, d.Pool.Endpoints, cfg.Pool.Endpoints)
	assert.False(t, filepath.IsAbs(d.Storage.Path))
	assert.True(t, filepath.IsAbs(cfg.Storage.Path), "~ is expanded")
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(`
logging:
  level: debug
http:
  addr: ":9000"
pool:
  mode: embedded
  max_connections: 4
  endpoints:
    - name: local
      driver: sqlite3
      dsn: /tmp/cortex.db
session:
  ttl: 5m
  default_isolation: serializable
merge:
  default_strategy: prefer_main
consistency:
  repair_threshold: 7
  schedule: "@hourly"
migration:
  batch_size: 250
  workers: 2
  target:
    backend: weaviate
    weaviate:
      url: http://localhost:8080
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, pool.ModeEmbedded, cfg.Pool.Mode)
	assert.Equal(t, 4, cfg.Pool.MaxConnections)
	require.Len(t, cfg.Pool.Endpoints, 1)
	assert.Equal(t, "sqlite3", cfg.Pool.Endpoints[0].Driver)
	assert.Equal(t, 5*time.Minute, cfg.Session.TTL)
	assert.Equal(t, session.Serializable, cfg.Session.DefaultIsolation)
	assert.Equal(t, merge.PreferMain, cfg.Merge.DefaultStrategy)
	assert.Equal(t, 7, cfg.Consistency.RepairThreshold)
	assert.Equal(t, 250, cfg.Migration.BatchSize)
	assert.Equal(t, 2, cfg.Migration.Workers)
	require.NotNil(t, cfg.Migration.Target.Weaviate)
	assert.Equal(t, "http://localhost:8080", cfg.Migration.Target.Weaviate.URL)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Lock, cfg.Lock)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown log level", "logging: {level: loud}"},
		{"empty http addr", "http: {addr: \"\"}"},
		{"unknown pool mode", "pool: {mode: cluster}"},
		{"driver not allowed in mode", "pool: {mode: remote}"},
		{"weaviate backend without settings", "vector: {backend: weaviate}"},
		{"sqlite_vec backend without path", "vector: {backend: sqlite_vec}"},
		{"two password sources", "credentials: {password_env: A, password_file: /b}"},
		{"bad schedule", "consistency: {schedule: \"every tuesday\"}"},
		{"batch bounds inverted", "migration: {min_batch_size: 500, max_batch_size: 100}"},
		{"negative lock stripes", "lock: {stripes: -1}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Parse([]byte("pool: ["))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestLoggingConfig_Logger(t *testing.T) {
	lc, err := LoggingConfig{Level: "warn", Dir: "/var/log/cortex", Format: "json"}.Logger("cortex")
	require.NoError(t, err)
	assert.Equal(t, "WARN", lc.Level.String())
	assert.Equal(t, "/var/log/cortex", lc.LogDir)
	assert.Equal(t, "cortex", lc.Service)
}

func TestCredentials_Seal(t *testing.T) {
	t.Run("from env", func(t *testing.T) {
		t.Setenv("CORTEX_TEST_PW", "hunter2")
		creds, err := CredentialsConfig{Username: "svc", PasswordEnv: "CORTEX_TEST_PW"}.Seal()
		require.NoError(t, err)
		assert.Equal(t, "svc", creds.Username)
		assert.True(t, creds.HasPassword())
	})

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pw")
		require.NoError(t, os.WriteFile(path, []byte("hunter2\n"), 0o600))
		creds, err := CredentialsConfig{Username: "svc", PasswordFile: path}.Seal()
		require.NoError(t, err)
		assert.True(t, creds.HasPassword())
	})

	t.Run("username only", func(t *testing.T) {
		creds, err := CredentialsConfig{Username: "svc"}.Seal()
		require.NoError(t, err)
		assert.False(t, creds.HasPassword())
	})

	t.Run("missing env", func(t *testing.T) {
		_, err := CredentialsConfig{PasswordEnv: "CORTEX_TEST_UNSET_PW"}.Seal()
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := CredentialsConfig{PasswordFile: filepath.Join(t.TempDir(), "nope")}.Seal()
		assert.Error(t, err)
	})
}

func TestRestartRequired(t *testing.T) {
	old := Default()
	updated := Default()
	updated.Logging.Level = "debug"
	updated.Consistency.RepairThreshold = 3
	assert.Empty(t, RestartRequired(old, updated), "tunables apply at runtime")

	updated.HTTP.Addr = ":1"
	updated.Lock.Stripes = 3
	assert.Equal(t, []string{"http", "lock"}, RestartRequired(old, updated))

	updated = Default()
	updated.WithLogger(nil)
	updated.Pool.Credentials = pool.NewCredentials("svc", []byte("pw"))
	assert.Empty(t, RestartRequired(old, updated), "injected fields are ignored")
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cortex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: {level: info}\n"), 0o644))
	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	changes := make(chan [2]*Config, 4)
	w.OnChange(func(old, updated *Config) { changes <- [2]*Config{old, updated} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		w.Stop()
	})

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("logging: {level: broken}\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Same(t, initial, w.Current(), "invalid file is ignored")

	require.NoError(t, os.WriteFile(path, []byte("logging: {level: debug}\nconsistency: {repair_threshold: 9}\n"), 0o644))
	select {
	case c := <-changes:
		assert.Same(t, initial, c[0])
		assert.Equal(t, "debug", c[1].Logging.Level)
		assert.Equal(t, 9, c[1].Consistency.RepairThreshold)
		assert.Same(t, c[1], w.Current())
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcher_ReloadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cortex.yaml")
	w, err := NewWatcher(path, Default(), nil)
	require.NoError(t, err)
	defer w.Stop()

	assert.Error(t, w.Reload())
	assert.NotNil(t, w.Current())
}
