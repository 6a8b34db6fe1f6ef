// Package config loads the engine configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/codename/focuscript/api"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "focuscript.yml"

var validate = validator.New()

// Config is the engine configuration.
type Config struct {
	ScriptsDir  string        `yaml:"scripts_dir" validate:"required"`
	StorageDir  string        `yaml:"storage_dir"`
	Timeout     time.Duration `yaml:"timeout" validate:"min=0"`
	Grace       time.Duration `yaml:"grace" validate:"min=0"`
	MaxTimeouts int           `yaml:"max_timeouts" validate:"min=0"`
	CacheSize   int           `yaml:"cache_size" validate:"min=0"`
	// Permissions are granted to every script.
	Permissions []string `yaml:"permissions" validate:"dive,oneof=log clock config server storage scheduler events commands"`
	Watch       bool     `yaml:"watch"`
	LogLevel    string   `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string   `yaml:"log_format" validate:"oneof=text json"`
	Listen      string   `yaml:"listen" validate:"required,hostname_port"`
	Wasm        Wasm     `yaml:"wasm"`
}

// Wasm configures the wasm language.
type Wasm struct {
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" validate:"max=65536"`
	// IdleModules bounds the compiled modules kept open after their last
	// unit is disposed.
	IdleModules int `yaml:"idle_modules" validate:"min=0"`
	// CacheDir enables the on-disk compilation cache.
	CacheDir string `yaml:"cache_dir"`
}

func Default() Config {
	return Config{
		ScriptsDir:  "scripts",
		StorageDir:  "data/storage",
		Timeout:     5 * time.Second,
		Grace:       250 * time.Millisecond,
		MaxTimeouts: 3,
		CacheSize:   128,
		Permissions: append([]string(nil), api.DefaultCapabilities...),
		LogLevel:    "info",
		LogFormat:   "text",
		Listen:      "127.0.0.1:8080",
		Wasm: Wasm{
			MemoryLimitPages: 256,
			IdleModules:      16,
		},
	}
}

// Load reads path over the defaults. An empty path loads DefaultFile when
// it exists and the defaults otherwise. Relative directories resolve
// against the file's directory.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := Decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}

	base := filepath.Dir(path)
	cfg.ScriptsDir = resolvePath(cfg.ScriptsDir, base)
	cfg.StorageDir = resolvePath(cfg.StorageDir, base)
	cfg.Wasm.CacheDir = resolvePath(cfg.Wasm.CacheDir, base)
	return cfg, nil
}

// Decode reads YAML from r into cfg and validates the result. Keys absent
// from the document keep the values already in cfg.
func Decode(r io.Reader, cfg *Config) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return cfg.Validate()
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Level maps LogLevel to a slog level.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Logger builds the logger described by LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func resolvePath(path, base string) string {
	if path == "" || base == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
