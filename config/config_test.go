package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"log", "clock", "config"}, cfg.Permissions)
}

func TestDecodeOverridesOnlyGivenKeys(t *testing.T) {
	cfg := Default()
	err := Decode(strings.NewReader(`
timeout: 250ms
permissions: [log, storage]
wasm:
  memory_limit_pages: 16
  idle_modules: 4
`), &cfg)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	assert.Equal(t, []string{"log", "storage"}, cfg.Permissions)
	assert.EqualValues(t, 16, cfg.Wasm.MemoryLimitPages)
	assert.Equal(t, 4, cfg.Wasm.IdleModules)
	assert.Equal(t, "scripts", cfg.ScriptsDir, "untouched keys keep defaults")
	assert.Equal(t, 3, cfg.MaxTimeouts)
}

func TestDecodeEmptyDocument(t *testing.T) {
	cfg := Default()
	require.NoError(t, Decode(strings.NewReader(""), &cfg))
	assert.Equal(t, Default(), cfg)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown key", "scripts: x\n", "field scripts not found"},
		{"bad permission", "permissions: [network]\n", "Permissions"},
		{"bad level", "log_level: loud\n", "LogLevel"},
		{"negative timeout", "timeout: -1s\n", "Timeout"},
		{"bad listen", "listen: nowhere\n", "Listen"},
		{"empty scripts dir", "scripts_dir: ''\n", "ScriptsDir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			err := Decode(strings.NewReader(tt.src), &cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yml")
	require.NoError(t, os.WriteFile(path, []byte("scripts_dir: ws\nstorage_dir: /var/lib/fs\nwasm:\n  cache_dir: cache\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ws"), cfg.ScriptsDir)
	assert.Equal(t, "/var/lib/fs", cfg.StorageDir)
	assert.Equal(t, filepath.Join(dir, "cache"), cfg.Wasm.CacheDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadDefaultFileOptional(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "json"
	assert.Equal(t, slog.LevelWarn, cfg.Level())

	var buf bytes.Buffer
	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
