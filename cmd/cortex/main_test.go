// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/consistency"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/syncmgr"
)

const testConfigYAML = `
logging: {quiet: true}
storage: {in_memory: true}
vector: {backend: memory, dimension: 8}
consistency: {schedule: ""}
migration:
  target: {backend: memory, dimension: 8}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cortex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", path}, args...))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		jsonOutput = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCheck_JSON(t *testing.T) {
	out, err := execute(t, "check", "--json")
	require.NoError(t, err, out)

	var report consistency.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Clean())
	assert.Equal(t, "main", report.Scope.Namespace)
}

func TestWALStatus_JSON(t *testing.T) {
	out, err := execute(t, "wal", "status", "--json")
	require.NoError(t, err, out)

	var body struct {
		Stats syncmgr.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Zero(t, body.Stats.LastSequence)
}

func TestWALReplay_Text(t *testing.T) {
	out, err := execute(t, "wal", "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "scanned 0, replayed 0")
}

func TestMigrateRun_EmptySource(t *testing.T) {
	out, err := execute(t, "migrate", "run")
	require.NoError(t, err, out)
	assert.Contains(t, out, "COMPLETED")
}

func TestCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "cortex.yaml")
	rootCmd.SetArgs([]string{"--config", path, "--help"})
	defer rootCmd.SetArgs(nil)
	require.NoError(t, rootCmd.Execute())

	_, cfgLogger, err := bootstrap()
	require.NoError(t, err)
	defer cfgLogger.Close()
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
