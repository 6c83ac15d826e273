package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vizmeta.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.Pretty)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 50051, cfg.Server.GRPCPort)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, ":8080", cfg.HTTPAddr())
	assert.Equal(t, ":50051", cfg.GRPCAddr())
	assert.Empty(t, cfg.Store.InitialMetadata)
	assert.Empty(t, cfg.RootOrgUnitInputs())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  pretty: true
server:
  host: 127.0.0.1
  http_port: 9090
  grpc_port: 0
  read_timeout: 3s
store:
  initial_metadata: /etc/vizmeta/bundle.json
  root_org_units:
    - ImspTQPwCqd
    - "O6uvpzGd5pu = Bo"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTPAddr())
	assert.Equal(t, 0, cfg.Server.GRPCPort)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "/etc/vizmeta/bundle.json", cfg.Store.InitialMetadata)
	assert.Equal(t, []any{
		map[string]any{"id": "ImspTQPwCqd"},
		map[string]any{"id": "O6uvpzGd5pu", "name": "Bo"},
	}, cfg.RootOrgUnitInputs())

	lc := cfg.LoggerConfig()
	assert.Equal(t, "debug", lc.Level)
	assert.True(t, lc.Pretty)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 9090\n")
	t.Setenv("VIZMETA_SERVER_HTTP_PORT", "7070")
	t.Setenv("VIZMETA_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	tests := map[string]string{
		"log level":     "log:\n  level: loud\n",
		"http port":     "server:\n  http_port: 70000\n",
		"grpc port":     "server:\n  grpc_port: -1\n",
		"same ports":    "server:\n  http_port: 9000\n  grpc_port: 9000\n",
		"empty root id": "store:\n  root_org_units: [\"=Nameless\"]\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}
