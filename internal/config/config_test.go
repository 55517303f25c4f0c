// Copyright 2025 Galad Dirie
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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galaddirie/flowline/pkg/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8520", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 2*time.Second, cfg.Session.FlushInterval)
	assert.True(t, cfg.MetricsEnabled())
	assert.True(t, cfg.WALEnabled())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
storage:
  backend: memory
session:
  idle_timeout: 1m
  ring_size: 64
engine:
  step_timeout: 5s
observability:
  metrics: false
  trace_exporter: stdout
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 64, cfg.Session.RingSize)
	assert.Equal(t, 5*time.Second, cfg.Engine.StepTimeout)
	assert.False(t, cfg.MetricsEnabled())
	assert.Equal(t, "stdout", cfg.Observability.TraceExporter)

	// Untouched sections keep their defaults.
	assert.Equal(t, 2*time.Second, cfg.Session.FlushInterval)
	assert.Equal(t, 10*time.Minute, cfg.Engine.ExecutionTimeout)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "server:\n  adress: \":9000\"\n")
	_, err := Load(path)
	var cerr *errors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "config", cerr.Key)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9000\"\n")
	t.Setenv("FLOWLINE_ADDR", ":7000")
	t.Setenv("FLOWLINE_STORAGE", "memory")
	t.Setenv("FLOWLINE_SESSION_IDLE_TIMEOUT", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 90*time.Second, cfg.Session.IdleTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		key  string
	}{
		{"unknown backend", "storage:\n  backend: postgres\n", "storage.backend"},
		{"missing sqlite path", "storage:\n  backend: sqlite\n  path: \"\"\n", "storage.path"},
		{"negative ring", "session:\n  ring_size: -1\n", "session.ring_size"},
		{"unknown exporter", "observability:\n  trace_exporter: jaeger\n", "observability.trace_exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			var cerr *errors.ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.key, cerr.Key)
		})
	}
}
