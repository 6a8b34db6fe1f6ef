package wasm

import (
	"log/slog"
	"os"
	"path/filepath"
)

// Option configures the wasm language at creation time.
type Option func(*config)

type config struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // 0 = wazero default (4GB)
	idleModules      int
	logger           *slog.Logger
}

// DefaultIdleModules is how many compiled modules no unit holds are kept
// open for reuse.
const DefaultIdleModules = 16

func defaultConfig() config {
	return config{idleModules: DefaultIdleModules, logger: slog.Default()}
}

// WithDiskCache enables a persistent compilation cache. Without a directory
// it uses $XDG_CACHE_HOME/focuscript or ~/.cache/focuscript.
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps the memory of every instance, in 64KB pages.
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// WithIdleModules sets how many unheld compiled modules stay open. Zero
// closes a module as soon as its last unit is disposed.
func WithIdleModules(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.idleModules = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB  uint32 = 16
	MemoryLimit16MB uint32 = 256
	MemoryLimit64MB uint32 = 1024
)

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "focuscript")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "focuscript")
	}
	return filepath.Join(os.TempDir(), "focuscript-cache")
}
