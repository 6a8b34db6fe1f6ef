package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// StorageConfig bounds a script's key/value storage.
type StorageConfig struct {
	// Path of the YAML file backing the store. Empty keeps it in memory.
	Path         string
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		MaxKeySize:   256,
		MaxValueSize: 64 * 1024,
		MaxEntries:   1000,
	}
}

// Storage is a per-script key/value store persisted as YAML.
type Storage struct {
	cfg   StorageConfig
	data  map[string]any
	dirty bool
	mu    sync.RWMutex
}

// OpenStorage creates a store and loads cfg.Path when it exists.
func OpenStorage(cfg StorageConfig) (*Storage, error) {
	s := &Storage{cfg: cfg, data: make(map[string]any)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// StoragePath maps a script identity to a file under dir.
func StoragePath(dir, identity string) string {
	name := unsafeFileChars.ReplaceAllString(identity, "_")
	if name == "" || name == "." || name == ".." {
		name = "script"
	}
	return filepath.Join(dir, name+".yml")
}

func (s *Storage) load() error {
	if s.cfg.Path == "" {
		return nil
	}
	raw, err := os.ReadFile(s.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		s.data = make(map[string]any)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read storage: %w", err)
	}
	data := make(map[string]any)
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse storage %s: %w", s.cfg.Path, err)
	}
	s.data = data
	return nil
}

func (s *Storage) Get(ctx context.Context, args []any) (any, error) {
	key, err := argString(args, 0, "key")
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	val, exists := s.data[key]
	s.mu.RUnlock()

	if !exists {
		return argOptional(args, 1), nil
	}
	return copyValue(val), nil
}

func (s *Storage) Set(ctx context.Context, args []any) (any, error) {
	key, err := argString(args, 0, "key")
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxKeySize > 0 && len(key) > s.cfg.MaxKeySize {
		return nil, fmt.Errorf("%w: key exceeds %d bytes", ErrBadArgument, s.cfg.MaxKeySize)
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: value required", ErrBadArgument)
	}
	val := copyValue(args[1])
	if s.cfg.MaxValueSize > 0 {
		encoded, err := yaml.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("%w: value not storable: %v", ErrBadArgument, err)
		}
		if len(encoded) > s.cfg.MaxValueSize {
			return nil, fmt.Errorf("%w: value exceeds %d bytes", ErrBadArgument, s.cfg.MaxValueSize)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists && s.cfg.MaxEntries > 0 && len(s.data) >= s.cfg.MaxEntries {
		return nil, fmt.Errorf("%w: storage full (%d entries)", ErrBadArgument, s.cfg.MaxEntries)
	}
	s.data[key] = val
	s.dirty = true
	return nil, nil
}

func (s *Storage) Has(ctx context.Context, args []any) (any, error) {
	key, err := argString(args, 0, "key")
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	_, exists := s.data[key]
	s.mu.RUnlock()
	return exists, nil
}

func (s *Storage) Remove(ctx context.Context, args []any) (any, error) {
	key, err := argString(args, 0, "key")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	_, existed := s.data[key]
	delete(s.data, key)
	s.dirty = s.dirty || existed
	s.mu.Unlock()

	return existed, nil
}

func (s *Storage) Keys(ctx context.Context, args []any) (any, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Save writes pending changes. It is a no-op for in-memory stores and when
// nothing changed.
func (s *Storage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Path == "" || !s.dirty {
		return nil
	}
	raw, err := yaml.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	tmp := s.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write storage: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.Path); err != nil {
		return fmt.Errorf("write storage: %w", err)
	}
	s.dirty = false
	return nil
}

// Reload discards unsaved changes.
func (s *Storage) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Path == "" {
		return nil
	}
	s.dirty = false
	return s.load()
}

// RegisterStorage binds the storage namespace.
func RegisterStorage(r *Registry, s *Storage) {
	r.Register("storage.get", s.Get)
	r.Register("storage.set", s.Set)
	r.Register("storage.has", s.Has)
	r.Register("storage.remove", s.Remove)
	r.Register("storage.keys", s.Keys)
	r.Register("storage.save", func(ctx context.Context, args []any) (any, error) {
		return nil, s.Save()
	})
	r.Register("storage.reload", func(ctx context.Context, args []any) (any, error) {
		return nil, s.Reload()
	})
}
